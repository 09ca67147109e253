package record

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/room-tender/job"
	"github.com/onnwee/room-tender/telemetry"
)

// CaptureLauncher polls tasks holding a join credential and hands them to the
// external capture capability. The DOWNLOADING transition is written with the pid as
// soon as the process is spawned, before it is confirmed healthy; a crash in the gap
// leaves an orphan an operator reconciles via the recorded pid.
type CaptureLauncher struct {
	Store   Store
	Capture Capture

	Interval time.Duration
}

// Run polls until the context is canceled.
func (l *CaptureLauncher) Run(ctx context.Context) {
	slog.Info("capture launcher starting", slog.Duration("interval", l.Interval))
	if err := l.launchOnce(ctx); err != nil {
		slog.Warn("launch once", slog.Any("err", err))
	}
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("capture launcher stopped")
			return
		case <-ticker.C:
			if err := l.launchOnce(ctx); err != nil {
				slog.Warn("launch once", slog.Any("err", err))
			}
		}
	}
}

func (l *CaptureLauncher) launchOnce(ctx context.Context) error {
	if err := l.Store.Heartbeat(ctx, "job_launch_last"); err != nil {
		slog.Debug("heartbeat", slog.Any("err", err))
	}
	tasks, err := l.Store.TasksByStatus(ctx, job.StatusGotToken)
	if err != nil {
		return fmt.Errorf("list got-token tasks: %w", err)
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger := slog.Default().With(slog.String("room_id", t.RoomID), slog.String("component", "capture_launch"))
		pid, err := l.Capture.Start(ctx, t.RoomID, t.Token)
		if err != nil {
			// Task stays GOT_TOKEN; the next poll retries the spawn.
			logger.Error("start capture", slog.Any("err", err))
			continue
		}
		if err := l.Store.MarkDownloading(ctx, t.RoomID, pid); err != nil {
			logger.Warn("mark downloading", slog.Int("pid", pid), slog.Any("err", err))
			continue
		}
		telemetry.CapturesStarted.Inc()
		logger.Info("capture started", slog.Int("pid", pid), slog.String("topic", t.Topic))
	}
	return nil
}
