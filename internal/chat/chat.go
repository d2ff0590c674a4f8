// Package chat provides the human-facing surfaces that task output is
// streamed to.
package chat

import (
	"context"
	"log/slog"
	"sync"
)

// MessageCeiling is the hard per-message character limit of the surfaces.
const MessageCeiling = 4096

// Surface is a chat destination organised as one topic per task.
type Surface interface {
	// CreateTopic opens a topic for a task and returns its surface-local ID.
	CreateTopic(ctx context.Context, taskID, title string) (string, error)
	// Send posts one message to a topic. Text never exceeds MessageCeiling.
	Send(ctx context.Context, topicID, text string) error
	// CloseTopic posts the closing summary and closes the topic.
	CloseTopic(ctx context.Context, topicID, summary string) error
}

// LogSurface writes messages to a structured logger. It is used when no chat
// surface is configured so streamed output stays observable.
type LogSurface struct {
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]string
}

// NewLogSurface creates a log-backed surface.
func NewLogSurface(l *slog.Logger) *LogSurface {
	if l == nil {
		l = slog.Default()
	}
	return &LogSurface{logger: l, topics: make(map[string]string)}
}

func (s *LogSurface) CreateTopic(ctx context.Context, taskID, title string) (string, error) {
	s.mu.Lock()
	s.topics[taskID] = title
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "topic opened", "topic", taskID, "title", title)
	return taskID, nil
}

func (s *LogSurface) Send(ctx context.Context, topicID, text string) error {
	s.logger.InfoContext(ctx, "stream", "topic", topicID, "text", text)
	return nil
}

func (s *LogSurface) CloseTopic(ctx context.Context, topicID, summary string) error {
	s.mu.Lock()
	delete(s.topics, topicID)
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "topic closed", "topic", topicID, "summary", summary)
	return nil
}
