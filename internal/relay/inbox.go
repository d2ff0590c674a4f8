package relay

import (
	"sync"
	"time"

	"github.com/fentz26/fleet/internal/models"
)

// Inbox queues human replies for the machine running a task. Each entry is
// delivered at most once and expires after the TTL.
type Inbox struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	queues map[string][]models.PendingInput
}

// NewInbox creates an inbox whose entries live for ttl.
func NewInbox(ttl time.Duration, now func() time.Time) *Inbox {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Inbox{ttl: ttl, now: now, queues: make(map[string][]models.PendingInput)}
}

// Enqueue appends a reply for taskID.
func (in *Inbox) Enqueue(taskID, text string) models.PendingInput {
	entry := models.PendingInput{TaskID: taskID, Text: text, EnqueuedAt: in.now()}

	in.mu.Lock()
	in.queues[taskID] = append(in.queues[taskID], entry)
	in.mu.Unlock()
	return entry
}

// Poll removes and returns the oldest live entry for taskID. Expired entries
// at the head are discarded, so an entry past its TTL is never returned even
// if no sweep has run.
func (in *Inbox) Poll(taskID string) (models.PendingInput, bool) {
	now := in.now()

	in.mu.Lock()
	defer in.mu.Unlock()

	q := in.queues[taskID]
	for len(q) > 0 {
		entry := q[0]
		q = q[1:]
		if in.expired(entry, now) {
			continue
		}
		in.store(taskID, q)
		return entry, true
	}
	delete(in.queues, taskID)
	return models.PendingInput{}, false
}

// Sweep discards expired entries across all tasks and returns how many were dropped.
func (in *Inbox) Sweep() int {
	now := in.now()

	in.mu.Lock()
	defer in.mu.Unlock()

	dropped := 0
	for taskID, q := range in.queues {
		live := q[:0]
		for _, entry := range q {
			if in.expired(entry, now) {
				dropped++
				continue
			}
			live = append(live, entry)
		}
		in.store(taskID, live)
	}
	return dropped
}

// Drop discards every entry for taskID.
func (in *Inbox) Drop(taskID string) {
	in.mu.Lock()
	delete(in.queues, taskID)
	in.mu.Unlock()
}

// Len returns the number of queued entries for taskID, expired or not.
func (in *Inbox) Len(taskID string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queues[taskID])
}

func (in *Inbox) expired(entry models.PendingInput, now time.Time) bool {
	return now.Sub(entry.EnqueuedAt) > in.ttl
}

func (in *Inbox) store(taskID string, q []models.PendingInput) {
	if len(q) == 0 {
		delete(in.queues, taskID)
		return
	}
	in.queues[taskID] = q
}
