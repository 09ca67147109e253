package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/room-tender/job"
	"github.com/onnwee/room-tender/notify"
	"github.com/onnwee/room-tender/roomapi"
	"github.com/onnwee/room-tender/telemetry"
)

// TokenAcquirer polls tasks awaiting a join credential and acquires one from the
// upstream. It never starts capture itself; the launcher picks up GOT_TOKEN tasks.
type TokenAcquirer struct {
	Store    Store
	Upstream Upstream
	Notifier notify.Notifier

	Interval   time.Duration // poll cadence
	Pacing     time.Duration // delay between tasks
	LeaveDelay time.Duration // pause between storing the token and releasing the join
}

// Run polls until the context is canceled.
func (a *TokenAcquirer) Run(ctx context.Context) {
	slog.Info("token acquirer starting", slog.Duration("interval", a.Interval))
	if err := a.acquireOnce(ctx); err != nil {
		slog.Warn("acquire once", slog.Any("err", err))
	}
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("token acquirer stopped")
			return
		case <-ticker.C:
			if err := a.acquireOnce(ctx); err != nil {
				slog.Warn("acquire once", slog.Any("err", err))
			}
		}
	}
}

func (a *TokenAcquirer) acquireOnce(ctx context.Context) error {
	if err := a.Store.Heartbeat(ctx, "job_token_last"); err != nil {
		slog.Debug("heartbeat", slog.Any("err", err))
	}
	tasks, err := a.Store.TasksByStatus(ctx, job.StatusWaitingForToken)
	if err != nil {
		return fmt.Errorf("list waiting tasks: %w", err)
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.acquireTask(ctx, t)
		if !sleepCtx(ctx, a.Pacing) {
			return ctx.Err()
		}
	}
	return nil
}

func (a *TokenAcquirer) acquireTask(ctx context.Context, t job.Task) {
	logger := slog.Default().With(slog.String("room_id", t.RoomID), slog.String("component", "token_acquire"))
	logger.Info("requesting join credential")

	info, err := a.Upstream.Join(ctx, t.RoomID)
	switch {
	case err == nil:
		if err := a.Store.SetToken(ctx, t.RoomID, info.Token, info.Topic); err != nil {
			// Lost a race or the task vanished; either way this acquisition is moot.
			logger.Warn("store token", slog.Any("err", err))
			return
		}
		telemetry.TokensAcquired.Inc()
		logger.Info("join credential stored", slog.String("topic", info.Topic))
		notifyAll(ctx, a.Notifier, t.Users,
			fmt.Sprintf("Recording <b>%s</b>. We'll send you the audio as soon as it's over.", info.Topic))
		// The credential, not the session, is what the recorder needs.
		sleepCtx(ctx, a.LeaveDelay)
		if err := a.Upstream.Leave(ctx, t.RoomID); err != nil {
			logger.Warn("leave channel", slog.Any("err", err))
		}

	case errors.Is(err, roomapi.ErrRoomGone):
		logger.Warn("room gone, retiring task")
		notifyAll(ctx, a.Notifier, t.Users,
			"The planned event has expired, or we were banned upstream. Sorry.")
		if err := a.Store.DeleteTask(ctx, t.RoomID); err != nil {
			logger.Warn("delete task", slog.Any("err", err))
		}

	default:
		// Operator-visible: repeated denials here usually mean the account is banned.
		telemetry.TokenFailures.Inc()
		logger.Error("join denied, possible upstream ban", slog.Any("err", err))
		notifyAll(ctx, a.Notifier, t.Users, "We could not join the room. This probably means a ban.")
		if err := a.Store.MarkError(ctx, t.RoomID); err != nil {
			logger.Warn("mark error", slog.Any("err", err))
		}
	}
}
