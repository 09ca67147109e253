// Package job holds the recording-job data model: room-level Tasks, future-event
// subscriptions (QueuedEvents), the status state machine, the admission policy, and
// the Postgres-backed Store that all workers and the chat frontend share.
//
// Workers coordinate only through the store. Every status transition is written as a
// single guarded UPDATE, so a reader never observes a half-applied combination of
// fields and the same transition can never be applied twice.
package job

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the task or queued event does not exist.
	ErrNotFound = errors.New("job: not found")
	// ErrIllegalTransition indicates a status write that the transition table forbids,
	// including re-applying a transition that another worker already performed.
	ErrIllegalTransition = errors.New("job: illegal status transition")
)

// Task is a tracked, room-scoped recording job. Token and PID are monotonically
// acquired: set together with the status that implies them, never cleared while the
// task exists.
type Task struct {
	RoomID    string
	Status    Status
	Topic     string
	Token     string
	PID       int
	Users     []string
	CreatedAt time.Time
}

// QueuedEvent is a future event subscription awaiting room resolution. Skip marks an
// upstream lookup failure; skipped events are left alone until the grace window
// expires them.
type QueuedEvent struct {
	EventID   string
	TimeStart time.Time
	Skip      bool
	Users     []string
	CreatedAt time.Time
}

// Snapshot is the observability view served to the frontend and the /status endpoint.
type Snapshot struct {
	ActiveCount  int           `json:"active_count"`
	ActiveTasks  []Task        `json:"active_tasks"`
	QueuedCount  int           `json:"queued_count"`
	QueuedEvents []QueuedEvent `json:"queued_events"`
}

// Age reports how long the task has been tracked.
func (t Task) Age(now time.Time) time.Duration { return now.Sub(t.CreatedAt) }

// HasUser reports set membership in the subscriber set.
func (t Task) HasUser(user string) bool {
	for _, u := range t.Users {
		if u == user {
			return true
		}
	}
	return false
}
