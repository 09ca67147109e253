package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/onnwee/room-tender/capture"
	"github.com/onnwee/room-tender/job"
	"github.com/onnwee/room-tender/notify"
	"github.com/onnwee/room-tender/telemetry"
)

// AudioFinalizer polls capturing tasks for the completion marker, then transcodes
// the payload and delivers it to every subscriber. Local transcode failures leave
// the task untouched so the next poll retries; delivery removes each subscriber
// immediately after their attempt so a crash mid-batch never re-sends to anyone
// already served.
type AudioFinalizer struct {
	Store      Store
	Capture    Capture
	Transcoder Transcoder
	Notifier   notify.Notifier

	Interval         time.Duration
	SendPacing       time.Duration // delay before each audio send, respects delivery-rate limits
	SegmentThreshold int64         // payloads above this are chopped into parts
	SegmentDuration  time.Duration
}

// part is one deliverable output file with its subscriber-facing title.
type part struct {
	Path  string
	Title string
}

// Run polls until the context is canceled.
func (f *AudioFinalizer) Run(ctx context.Context) {
	slog.Info("audio finalizer starting", slog.Duration("interval", f.Interval))
	if err := f.finalizeOnce(ctx); err != nil {
		slog.Warn("finalize once", slog.Any("err", err))
	}
	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("audio finalizer stopped")
			return
		case <-ticker.C:
			if err := f.finalizeOnce(ctx); err != nil {
				slog.Warn("finalize once", slog.Any("err", err))
			}
		}
	}
}

func (f *AudioFinalizer) finalizeOnce(ctx context.Context) error {
	if err := f.Store.Heartbeat(ctx, "job_finalize_last"); err != nil {
		slog.Debug("heartbeat", slog.Any("err", err))
	}
	tasks, err := f.Store.TasksByStatus(ctx, job.StatusDownloading)
	if err != nil {
		return fmt.Errorf("list downloading tasks: %w", err)
	}
	telemetry.SetActiveDownloads(len(tasks))
	for _, t := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dir, done, err := f.Capture.CompletedDir(t.RoomID)
		if err != nil {
			slog.Warn("probe completion", slog.String("room_id", t.RoomID), slog.Any("err", err))
			continue
		}
		if !done {
			continue
		}
		telemetry.TimeFunc(telemetry.FinalizeDuration, func() {
			f.finalizeTask(ctx, t, dir)
		})
	}
	// Subscriber sets can empty out mid-delivery (everyone unreachable) or by kill;
	// tasks with nobody left to serve are reaped here.
	if n, err := f.Store.ReapEmptyTasks(ctx); err != nil {
		slog.Warn("reap empty tasks", slog.Any("err", err))
	} else if n > 0 {
		slog.Info("reaped empty tasks", slog.Int64("count", n))
	}
	return nil
}

func (f *AudioFinalizer) finalizeTask(ctx context.Context, t job.Task, dir string) {
	logger := slog.Default().With(slog.String("room_id", t.RoomID), slog.String("component", "audio_finalize"))
	logger.Info("capture complete", slog.String("dir", dir))

	audio, size, found, err := capture.AudioFile(dir)
	if err != nil {
		logger.Warn("probe audio payload", slog.Any("err", err))
		return
	}
	if !found {
		logger.Warn("no audio payload recorded")
		telemetry.RecordingsEmpty.Inc()
		notifyAll(ctx, f.Notifier, t.Users,
			fmt.Sprintf("Room <b>%s</b> was not recorded. Usually that means there were no active speakers for several minutes.", t.Topic))
		f.reclaim(ctx, t.RoomID, dir, logger)
		return
	}
	logger.Info("audio payload ready", slog.String("path", audio), slog.Int64("bytes", size))

	parts, err := f.buildParts(ctx, t.Topic, dir, audio, size)
	if err != nil {
		// Transcode trouble is transient-with-logging: the task and its files stay
		// put and the next poll tries again.
		logger.Error("build outputs", slog.Any("err", err))
		return
	}
	if !f.deliver(ctx, t, parts, logger) {
		return
	}
	telemetry.RecordingsDelivered.Inc()
	f.reclaim(ctx, t.RoomID, dir, logger)
}

// buildParts produces the compressed deliverables: one output for small payloads,
// fixed-duration chunks with ordinal titles for large ones.
func (f *AudioFinalizer) buildParts(ctx context.Context, topic, dir, audio string, size int64) ([]part, error) {
	display := topic
	if display == "" {
		display = "Recording"
	}
	safe := SafeTitle(topic)

	if size <= f.SegmentThreshold {
		dst := filepath.Join(dir, safe+".mp3")
		if err := f.Transcoder.Encode(ctx, audio, dst); err != nil {
			return nil, err
		}
		return []part{{Path: dst, Title: display}}, nil
	}

	chunks, err := f.Transcoder.Segment(ctx, audio, f.SegmentDuration)
	if err != nil {
		return nil, err
	}
	parts := make([]part, 0, len(chunks))
	for i, ch := range chunks {
		dst := filepath.Join(dir, fmt.Sprintf("%s_part%02d.mp3", safe, i+1))
		if err := f.Transcoder.Encode(ctx, ch, dst); err != nil {
			return nil, err
		}
		parts = append(parts, part{Path: dst, Title: fmt.Sprintf("%s: part %d", display, i+1)})
	}
	return parts, nil
}

// deliver sends every part to every subscriber, serialized and paced. Each
// subscriber is removed from the task immediately after their attempts finish;
// an unreachable subscriber loses their remaining parts but nobody else's.
// Returns false if the context ended mid-batch, leaving unserved subscribers in
// place for an idempotent resume.
func (f *AudioFinalizer) deliver(ctx context.Context, t job.Task, parts []part, logger *slog.Logger) bool {
	for _, user := range t.Users {
		logger.Info("delivering recording", slog.String("user", user), slog.Int("parts", len(parts)))
		for _, p := range parts {
			if !sleepCtx(ctx, f.SendPacing) {
				return false
			}
			err := f.Notifier.SendAudio(ctx, user, p.Path, p.Title)
			if err == nil {
				telemetry.PartsSent.Inc()
				continue
			}
			if errors.Is(err, notify.ErrUnreachable) {
				telemetry.SubscribersUnreachable.Inc()
				logger.Warn("subscriber unreachable, dropping their remaining parts", slog.String("user", user))
				break
			}
			telemetry.DeliveryFailures.Inc()
			logger.Warn("send part", slog.String("user", user), slog.String("part", p.Title), slog.Any("err", err))
		}
		if ctx.Err() != nil {
			return false
		}
		if err := f.Store.RemoveUser(ctx, t.RoomID, user); err != nil {
			logger.Warn("remove served user", slog.String("user", user), slog.Any("err", err))
		}
	}
	return true
}

// reclaim deletes the task and its working directory.
func (f *AudioFinalizer) reclaim(ctx context.Context, roomID, dir string, logger *slog.Logger) {
	if err := f.Store.DeleteTask(ctx, roomID); err != nil {
		logger.Warn("delete task", slog.Any("err", err))
	}
	logger.Info("removing working directory", slog.String("dir", dir))
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("remove working directory", slog.Any("err", err))
	}
}
