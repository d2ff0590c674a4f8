// Package relay forwards live task output to a chat surface and queues human
// replies back to the machine running the task.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/fleet/internal/chat"
	"github.com/fentz26/fleet/internal/models"
)

// closedRetention is how long a closed task is remembered so late events are dropped.
const closedRetention = time.Hour

// toolInputPreview bounds the tool input shown on a tool_use marker line.
const toolInputPreview = 80

// Config defines the relay configuration.
type Config struct {
	FlushInterval time.Duration
	MaxChunk      int
	InputTTL      time.Duration
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 1500 * time.Millisecond,
		MaxChunk:      3500,
		InputTTL:      30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.MaxChunk <= 0 || c.MaxChunk > chat.MessageCeiling {
		c.MaxChunk = def.MaxChunk
	}
	if c.InputTTL <= 0 {
		c.InputTTL = def.InputTTL
	}
	return c
}

// Titler names the topic of a task.
type Titler func(ctx context.Context, taskID string) string

type buffer struct {
	// send serializes delivery for one task so chunks reach the surface in
	// the order they were buffered.
	send sync.Mutex

	topicID string
	pending strings.Builder
	size    int
	firstAt time.Time
}

// Relay buffers stream events per task and flushes them to a chat surface.
type Relay struct {
	surface chat.Surface
	cfg     Config
	inbox   *Inbox
	titler  Titler
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	buffers map[string]*buffer
	closed  map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Relay.
type Option func(*Relay)

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(r *Relay) { r.now = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// WithTitler sets how topics are named.
func WithTitler(t Titler) Option {
	return func(r *Relay) { r.titler = t }
}

// New creates a relay writing to surface.
func New(surface chat.Surface, cfg Config, opts ...Option) *Relay {
	r := &Relay{
		surface: surface,
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
		buffers: make(map[string]*buffer),
		closed:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.titler == nil {
		r.titler = func(_ context.Context, taskID string) string { return "task " + shortID(taskID) }
	}
	r.inbox = NewInbox(r.cfg.InputTTL, r.now)
	return r
}

// Inbox returns the inbound reply queue.
func (r *Relay) Inbox() *Inbox {
	return r.inbox
}

// Start begins the flush and inbox sweep loop.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("relay started", "flush_interval", r.cfg.FlushInterval, "max_chunk", r.cfg.MaxChunk)
}

// Stop flushes nothing further and waits for the loop to exit.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("relay stopped")
}

func (r *Relay) loop(ctx context.Context) {
	defer r.wg.Done()

	// Tick several times per window so a buffer flushes close to its deadline.
	tick := r.cfg.FlushInterval / 5
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.FlushDue(ctx)
			if n := r.inbox.Sweep(); n > 0 {
				r.logger.Info("discarded expired replies", "count", n)
			}
		}
	}
}

// Push accepts one stream event. Delivery failures are logged, never returned:
// losing a progress update must not fail the remote session.
func (r *Relay) Push(ctx context.Context, ev models.StreamEvent) {
	if ev.Type == models.EventResult {
		status := models.TaskStatusCompleted
		if ev.Payload.Status == string(models.TaskStatusFailed) || ev.Payload.Error != "" {
			status = models.TaskStatusFailed
		}
		r.Finish(ctx, ev.TaskID, status, models.TaskResult{
			Summary:          ev.Payload.Summary,
			ChangedArtifacts: ev.Payload.ChangedArtifacts,
			Cost:             ev.Payload.Cost,
			Error:            ev.Payload.Error,
		})
		return
	}

	line := renderEvent(ev)
	if line == "" {
		return
	}

	r.mu.Lock()
	if _, done := r.closed[ev.TaskID]; done {
		r.mu.Unlock()
		r.logger.Debug("dropping event for closed task", "task", ev.TaskID)
		return
	}
	b, existed := r.buffers[ev.TaskID]
	if !existed {
		b = &buffer{}
		r.buffers[ev.TaskID] = b
	}
	if b.size == 0 {
		b.firstAt = r.now()
	}
	if b.size > 0 {
		b.pending.WriteByte('\n')
		b.size++
	}
	b.pending.WriteString(line)
	b.size += len([]rune(line))
	full := b.size >= r.cfg.MaxChunk
	r.mu.Unlock()

	if !existed {
		b.send.Lock()
		r.ensureTopic(ctx, ev.TaskID, b)
		b.send.Unlock()
	}
	if full {
		r.flush(ctx, ev.TaskID, b)
	}
}

// FlushDue flushes every buffer whose oldest unflushed event is at least one
// flush interval old, and forgets long-closed tasks.
func (r *Relay) FlushDue(ctx context.Context) int {
	now := r.now()

	r.mu.Lock()
	due := make(map[string]*buffer)
	for taskID, b := range r.buffers {
		if b.size > 0 && now.Sub(b.firstAt) >= r.cfg.FlushInterval {
			due[taskID] = b
		}
	}
	for taskID, at := range r.closed {
		if now.Sub(at) > closedRetention {
			delete(r.closed, taskID)
		}
	}
	r.mu.Unlock()

	for taskID, b := range due {
		r.flush(ctx, taskID, b)
	}
	return len(due)
}

// Finish force-flushes a task's buffer and closes its topic with a summary.
// Only the first call for a task has any effect. A cancelled task that never
// streamed gets no topic.
func (r *Relay) Finish(ctx context.Context, taskID string, status models.TaskStatus, result models.TaskResult) {
	r.mu.Lock()
	if _, done := r.closed[taskID]; done {
		r.mu.Unlock()
		return
	}
	r.closed[taskID] = r.now()
	b, ok := r.buffers[taskID]
	if !ok && status == models.TaskStatusCancelled {
		r.mu.Unlock()
		r.inbox.Drop(taskID)
		return
	}
	if !ok {
		b = &buffer{}
	}
	r.mu.Unlock()

	r.flush(ctx, taskID, b)

	b.send.Lock()
	defer b.send.Unlock()
	r.ensureTopic(ctx, taskID, b)
	if b.topicID != "" {
		if err := r.surface.CloseTopic(ctx, b.topicID, truncate(renderSummary(status, result), chat.MessageCeiling)); err != nil {
			r.warn(taskID, "close topic", err)
		}
	}

	r.mu.Lock()
	delete(r.buffers, taskID)
	r.mu.Unlock()
	r.inbox.Drop(taskID)
}

// Pending returns the number of buffered characters for a task.
func (r *Relay) Pending(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buffers[taskID]; ok {
		return b.size
	}
	return 0
}

func (r *Relay) flush(ctx context.Context, taskID string, b *buffer) {
	b.send.Lock()
	defer b.send.Unlock()

	r.mu.Lock()
	text := b.pending.String()
	b.pending.Reset()
	b.size = 0
	b.firstAt = time.Time{}
	r.mu.Unlock()

	if text == "" {
		return
	}
	r.ensureTopic(ctx, taskID, b)
	if b.topicID == "" {
		r.logger.Warn("dropping output without topic", "task", taskID, "error", models.ErrStreamChannelUnavailable)
		return
	}
	for _, chunk := range splitChunks(text, r.cfg.MaxChunk) {
		if err := r.surface.Send(ctx, b.topicID, chunk); err != nil {
			r.warn(taskID, "send chunk", err)
		}
	}
}

// ensureTopic must be called with b.send held.
func (r *Relay) ensureTopic(ctx context.Context, taskID string, b *buffer) {
	if b.topicID != "" {
		return
	}
	topicID, err := r.surface.CreateTopic(ctx, taskID, r.titler(ctx, taskID))
	if err != nil {
		r.warn(taskID, "create topic", err)
		return
	}
	b.topicID = topicID
}

func (r *Relay) warn(taskID, op string, err error) {
	r.logger.Warn("chat delivery failed",
		"task", taskID,
		"op", op,
		"error", fmt.Errorf("%w: %v", models.ErrStreamChannelUnavailable, err),
	)
}

func renderEvent(ev models.StreamEvent) string {
	switch ev.Type {
	case models.EventText:
		return ev.Payload.Text
	case models.EventToolUse:
		input := strings.Join(strings.Fields(ev.Payload.Input), " ")
		if input == "" {
			return "▸ " + ev.Payload.Tool
		}
		return "▸ " + ev.Payload.Tool + ": " + truncate(input, toolInputPreview)
	}
	return ""
}

func renderSummary(status models.TaskStatus, result models.TaskResult) string {
	if status == models.TaskStatusCancelled {
		return "⊘ Cancelled by operator"
	}
	if status == models.TaskStatusFailed {
		msg := result.Error
		if msg == "" {
			msg = "no error text reported"
		}
		return "✗ Failed: " + msg
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "✓ Completed · cost %.2f · %d changed", result.Cost, len(result.ChangedArtifacts))
	if result.ExternalURL != "" {
		sb.WriteString(" · " + result.ExternalURL)
	}
	if result.Summary != "" {
		sb.WriteString("\n" + result.Summary)
	}
	return sb.String()
}

// splitChunks cuts text into pieces of at most max runes, preferring to break
// after a newline in the second half of a chunk.
func splitChunks(text string, max int) []string {
	runes := []rune(text)
	var chunks []string
	for len(runes) > max {
		cut := max
		for i := max - 1; i >= max/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunk := strings.TrimRight(string(runes[:cut]), "\n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[cut:]
	}
	if rest := strings.TrimRight(string(runes), "\n"); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
