package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// DefaultTelegramURL is the Bot API endpoint.
const DefaultTelegramURL = "https://api.telegram.org"

// DefaultTelegramTimeout bounds every Bot API call.
const DefaultTelegramTimeout = 10 * time.Second

// topicNameLimit is the Bot API limit on forum topic names.
const topicNameLimit = 128

// TelegramSurface streams into forum topics of one Telegram supergroup.
type TelegramSurface struct {
	baseURL    string
	token      string
	chatID     int64
	httpClient *http.Client
}

// TelegramOption customizes a TelegramSurface.
type TelegramOption func(*TelegramSurface)

// WithBaseURL points the surface at a different Bot API server.
func WithBaseURL(u string) TelegramOption {
	return func(t *TelegramSurface) { t.baseURL = u }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) TelegramOption {
	return func(t *TelegramSurface) { t.httpClient = c }
}

// NewTelegramSurface creates a surface for the given bot token and chat.
func NewTelegramSurface(token string, chatID int64, opts ...TelegramOption) *TelegramSurface {
	t := &TelegramSurface{
		baseURL:    DefaultTelegramURL,
		token:      token,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: DefaultTelegramTimeout},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Result      json.RawMessage `json:"result"`
}

func (t *TelegramSurface) CreateTopic(ctx context.Context, taskID, title string) (string, error) {
	name := title
	if name == "" {
		name = "task " + taskID
	}
	if r := []rune(name); len(r) > topicNameLimit {
		name = string(r[:topicNameLimit-1]) + "…"
	}

	var topic struct {
		MessageThreadID int64 `json:"message_thread_id"`
	}
	if err := t.call(ctx, "createForumTopic", map[string]any{
		"chat_id": t.chatID,
		"name":    name,
	}, &topic); err != nil {
		return "", err
	}
	return strconv.FormatInt(topic.MessageThreadID, 10), nil
}

func (t *TelegramSurface) Send(ctx context.Context, topicID, text string) error {
	threadID, err := strconv.ParseInt(topicID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid topic id %q: %w", topicID, err)
	}
	return t.call(ctx, "sendMessage", map[string]any{
		"chat_id":           t.chatID,
		"message_thread_id": threadID,
		"text":              text,
	}, nil)
}

func (t *TelegramSurface) CloseTopic(ctx context.Context, topicID, summary string) error {
	if summary != "" {
		if err := t.Send(ctx, topicID, summary); err != nil {
			return err
		}
	}
	threadID, err := strconv.ParseInt(topicID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid topic id %q: %w", topicID, err)
	}
	return t.call(ctx, "closeForumTopic", map[string]any{
		"chat_id":           t.chatID,
		"message_thread_id": threadID,
	}, nil)
}

func (t *TelegramSurface) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("telegram %s (%d): %s", method, resp.StatusCode, string(raw))
	}
	if !parsed.OK {
		return fmt.Errorf("telegram %s (%d): %s", method, parsed.ErrorCode, parsed.Description)
	}
	if out != nil && len(parsed.Result) > 0 {
		if err := json.Unmarshal(parsed.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}
