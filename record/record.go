// Package record contains the polling workers that drive a recording job through its
// life: the queue promoter resolves future events into room tasks, the token acquirer
// obtains join credentials, the capture launcher starts the recorder binary, and the
// audio finalizer transcodes and delivers finished captures.
//
// The workers never talk to each other. Each polls the shared store for the status it
// owns, performs its transition with a guarded write, and moves on; the next poll
// cycle is the only retry mechanism. An error while processing one record is logged
// and never aborts the rest of the batch.
package record

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/room-tender/job"
	"github.com/onnwee/room-tender/notify"
	"github.com/onnwee/room-tender/roomapi"
	"github.com/onnwee/room-tender/telemetry"
)

// Store is the job-store surface the workers mutate. *job.Store implements it.
type Store interface {
	TaskByID(ctx context.Context, roomID string) (job.Task, error)
	TasksByStatus(ctx context.Context, status job.Status) ([]job.Task, error)
	CreateOrMergeTask(ctx context.Context, roomID, topic string, users ...string) (bool, error)
	SetToken(ctx context.Context, roomID, token, topic string) error
	MarkDownloading(ctx context.Context, roomID string, pid int) error
	MarkError(ctx context.Context, roomID string) error
	DeleteTask(ctx context.Context, roomID string) error
	RemoveUser(ctx context.Context, roomID, user string) error
	ReapEmptyTasks(ctx context.Context) (int64, error)
	QueuedEvents(ctx context.Context) ([]job.QueuedEvent, error)
	MarkEventSkip(ctx context.Context, eventID string) error
	DeleteEvent(ctx context.Context, eventID string) error
	CountDownloading(ctx context.Context) (int, error)
	CountStandaloneDownloading(ctx context.Context, user string) (int, error)
	Heartbeat(ctx context.Context, key string) error
}

// Upstream is the room/event capability the promoter and acquirer call.
type Upstream interface {
	Join(ctx context.Context, roomID string) (roomapi.JoinInfo, error)
	Leave(ctx context.Context, roomID string) error
	GetEvent(ctx context.Context, eventID string) (roomapi.Event, error)
}

// Capture is the external capture capability: start a recorder for a room and probe
// for its completion marker.
type Capture interface {
	Start(ctx context.Context, roomID, channelKey string) (int, error)
	CompletedDir(roomID string) (string, bool, error)
}

// notifyAll best-effort delivers a text to every subscriber. Unreachable subscribers
// are logged and skipped; a notification failure never blocks a state transition.
func notifyAll(ctx context.Context, n notify.Notifier, users []string, text string) {
	for _, u := range users {
		if err := n.SendText(ctx, u, text); err != nil {
			if errors.Is(err, notify.ErrUnreachable) {
				telemetry.SubscribersUnreachable.Inc()
				slog.Warn("subscriber unreachable", slog.String("user", u))
			} else {
				slog.Warn("notify failed", slog.String("user", u), slog.Any("err", err))
			}
		}
	}
}

// sleepCtx pauses for d or until the context is done, reporting whether the full
// pause elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
