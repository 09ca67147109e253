package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/room-tender/job"
	"github.com/onnwee/room-tender/notify"
	"github.com/onnwee/room-tender/telemetry"
)

// QueuePromoter polls pending event subscriptions, resolves the ones close to their
// start time against the upstream, and promotes them into room tasks or retires them.
type QueuePromoter struct {
	Store     Store
	Upstream  Upstream
	Notifier  notify.Notifier
	Admission job.AdmissionPolicy

	Interval    time.Duration // poll cadence
	Pacing      time.Duration // delay between events that hit the upstream
	LeadWindow  time.Duration // how close to time_start an event must be before lookup
	GraceWindow time.Duration // how far past time_start an unresolved event may live
}

// Run polls until the context is canceled.
func (p *QueuePromoter) Run(ctx context.Context) {
	slog.Info("queue promoter starting", slog.Duration("interval", p.Interval))
	if err := p.promoteOnce(ctx); err != nil {
		slog.Warn("promote once", slog.Any("err", err))
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("queue promoter stopped")
			return
		case <-ticker.C:
			if err := p.promoteOnce(ctx); err != nil {
				slog.Warn("promote once", slog.Any("err", err))
			}
		}
	}
}

func (p *QueuePromoter) promoteOnce(ctx context.Context) error {
	if err := p.Store.Heartbeat(ctx, "job_promote_last"); err != nil {
		slog.Debug("heartbeat", slog.Any("err", err))
	}
	events, err := p.Store.QueuedEvents(ctx)
	if err != nil {
		return fmt.Errorf("list queued events: %w", err)
	}
	telemetry.SetQueueDepth(len(events))
	for _, ev := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.processEvent(ctx, ev, time.Now().UTC()) {
			if !sleepCtx(ctx, p.Pacing) {
				return ctx.Err()
			}
		}
	}
	return nil
}

// processEvent advances one queued event and reports whether the upstream was hit
// (processed events are paced, untouched ones are not). Errors are contained here:
// the event is left for the next poll and the rest of the batch proceeds.
func (p *QueuePromoter) processEvent(ctx context.Context, ev job.QueuedEvent, now time.Time) bool {
	logger := slog.Default().With(slog.String("event_id", ev.EventID), slog.String("component", "queue_promote"))

	// Expiry is unconditional: even a skip-flagged event is removed once the grace
	// window has passed, so soft failures cannot accumulate forever.
	if now.Sub(ev.TimeStart) > p.GraceWindow {
		logger.Warn("queued event expired", slog.Time("time_start", ev.TimeStart))
		telemetry.EventsExpired.Inc()
		p.retireEvent(ctx, ev, fmt.Sprintf("Event %s expired before its room ever opened.", ev.EventID))
		return false
	}
	if ev.Skip {
		return false
	}
	if ev.TimeStart.Sub(now) > p.LeadWindow {
		return false
	}

	upstream, err := p.Upstream.GetEvent(ctx, ev.EventID)
	if err != nil {
		// Soft failure: flag once and notify; expiry will eventually reap it.
		logger.Error("event lookup failed, possible upstream ban", slog.Any("err", err))
		telemetry.EventsSkipped.Inc()
		if err := p.Store.MarkEventSkip(ctx, ev.EventID); err != nil {
			logger.Warn("mark skip", slog.Any("err", err))
		}
		notifyAll(ctx, p.Notifier, ev.Users,
			fmt.Sprintf("Lookup of event %s failed. The recording account may be banned upstream.", ev.EventID))
		return true
	}

	switch {
	case upstream.IsExpired:
		logger.Warn("event expired upstream")
		telemetry.EventsExpired.Inc()
		p.retireEvent(ctx, ev, fmt.Sprintf("Event <b>%s</b> has expired or we lost access to it.", upstream.Name))
	case upstream.IsMemberOnly:
		logger.Warn("event is members-only")
		p.retireEvent(ctx, ev, fmt.Sprintf("Event <b>%s</b> is private, we cannot record it.", upstream.Name))
	case upstream.Channel != "":
		p.promote(ctx, ev, upstream.Channel, upstream.Name, logger)
	default:
		// Room not started yet; look again next poll.
		logger.Debug("event has no room yet")
	}
	return true
}

// promote merges the event's subscribers into an existing task or creates a new one,
// subject to admission. On a denial the event stays queued and is retried once load
// drops.
func (p *QueuePromoter) promote(ctx context.Context, ev job.QueuedEvent, roomID, topic string, logger *slog.Logger) {
	if _, err := p.Store.TaskByID(ctx, roomID); errors.Is(err, job.ErrNotFound) {
		for _, u := range ev.Users {
			decision, err := job.Admit(ctx, p.Store, p.Admission, u)
			if err != nil {
				logger.Warn("admission check failed", slog.Any("err", err))
				return
			}
			if !decision.Allowed {
				logger.Warn("admission denied, leaving event queued",
					slog.String("room_id", roomID), slog.String("user", u), slog.String("reason", decision.Reason))
				return
			}
		}
	} else if err != nil {
		logger.Warn("task lookup failed", slog.Any("err", err))
		return
	}

	created, err := p.Store.CreateOrMergeTask(ctx, roomID, topic, ev.Users...)
	if err != nil {
		logger.Error("promote failed", slog.String("room_id", roomID), slog.Any("err", err))
		return
	}
	if err := p.Store.DeleteEvent(ctx, ev.EventID); err != nil {
		logger.Warn("delete promoted event", slog.Any("err", err))
	}
	telemetry.EventsPromoted.Inc()
	logger.Info("event promoted", slog.String("room_id", roomID), slog.Bool("created", created), slog.String("topic", topic))
	notifyAll(ctx, p.Notifier, ev.Users,
		fmt.Sprintf("Event <b>%s</b> has started. Preparing to record that room; this can take a little while.", topic))
}

// retireEvent deletes the event and tells its subscribers why.
func (p *QueuePromoter) retireEvent(ctx context.Context, ev job.QueuedEvent, text string) {
	if err := p.Store.DeleteEvent(ctx, ev.EventID); err != nil {
		slog.Warn("delete event", slog.String("event_id", ev.EventID), slog.Any("err", err))
		return
	}
	notifyAll(ctx, p.Notifier, ev.Users, text)
}
