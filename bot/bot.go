// Package bot is the Telegram frontend. Whitelisted subscribers paste room or
// event links; the bot turns them into recording tasks or queued event
// subscriptions and answers /status and /kill_<pid> for operators.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/onnwee/room-tender/job"
	"github.com/onnwee/room-tender/roomapi"
	"github.com/onnwee/room-tender/telemetry"
)

// Store is the job-store surface the frontend needs. *job.Store implements it.
type Store interface {
	TaskByID(ctx context.Context, roomID string) (job.Task, error)
	CreateOrMergeTask(ctx context.Context, roomID, topic string, users ...string) (bool, error)
	CreateOrUpdateQueuedEvent(ctx context.Context, eventID string, timeStart time.Time, user string) error
	StatusSnapshot(ctx context.Context) (job.Snapshot, error)
	CountDownloading(ctx context.Context) (int, error)
	CountStandaloneDownloading(ctx context.Context, user string) (int, error)
}

// Upstream resolves event links against the room API.
type Upstream interface {
	GetEvent(ctx context.Context, eventID string) (roomapi.Event, error)
}

// Killer terminates a running capture by pid.
type Killer interface {
	Kill(pid int) error
}

// Bot routes incoming Telegram updates to handlers. Handlers compute a single
// HTML reply so the routing and the dialogue logic test without a live API.
type Bot struct {
	API       *tgbotapi.BotAPI
	Store     Store
	Upstream  Upstream
	Capture   Killer
	Admission job.AdmissionPolicy

	// Allowed gates every incoming chat id against the whitelist.
	Allowed func(chatID string) bool
}

// Run long-polls for updates until the context is canceled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.API.GetUpdatesChan(u)
	slog.Info("bot starting", slog.String("username", b.API.Self.UserName))
	for {
		select {
		case <-ctx.Done():
			b.API.StopReceivingUpdates()
			slog.Info("bot stopped")
			return
		case upd, ok := <-updates:
			if !ok {
				slog.Warn("bot update channel closed")
				return
			}
			if upd.Message == nil || upd.Message.Text == "" {
				continue
			}
			chatID := upd.Message.Chat.ID
			reply := b.Handle(ctx, strconv.FormatInt(chatID, 10), upd.Message.Text)
			if reply == "" {
				continue
			}
			msg := tgbotapi.NewMessage(chatID, reply)
			msg.ParseMode = tgbotapi.ModeHTML
			if _, err := b.API.Send(msg); err != nil {
				slog.Warn("bot send reply", slog.Int64("chat_id", chatID), slog.Any("err", err))
			}
		}
	}
}

// Handle dispatches one incoming message and returns the HTML reply, or "" for
// messages the bot ignores.
func (b *Bot) Handle(ctx context.Context, chatID, text string) string {
	if b.Allowed == nil || !b.Allowed(chatID) {
		slog.Warn("bot message from unknown chat", slog.String("chat_id", chatID))
		return "This recorder is invite only."
	}
	text = strings.TrimSpace(text)
	switch {
	case text == "/start":
		return "Just send me a link to a room or an event."
	case text == "/status":
		return b.handleStatus(ctx)
	case strings.HasPrefix(text, "/kill_"):
		return b.handleKill(chatID, strings.TrimPrefix(text, "/kill_"))
	default:
	}
	if roomID, ok := linkID(text, "room"); ok {
		slog.Info("room link received", slog.String("chat_id", chatID), slog.String("room_id", roomID))
		return b.subscribeRoom(ctx, chatID, roomID, "")
	}
	if eventID, ok := linkID(text, "event"); ok {
		slog.Info("event link received", slog.String("chat_id", chatID), slog.String("event_id", eventID))
		return b.handleEvent(ctx, chatID, eventID)
	}
	return "I only understand room links, event links, /status and /start."
}

// subscribeRoom merges the subscriber into an existing task or, subject to
// admission, opens a new one. topic may be empty for bare room links; the token
// acquirer fills it in later.
func (b *Bot) subscribeRoom(ctx context.Context, chatID, roomID, topic string) string {
	task, err := b.Store.TaskByID(ctx, roomID)
	switch {
	case err == nil:
		if _, err := b.Store.CreateOrMergeTask(ctx, roomID, topic, chatID); err != nil {
			slog.Error("merge subscriber", slog.String("room_id", roomID), slog.Any("err", err))
			return "Something went wrong, please try that link again."
		}
		name := task.Topic
		if name == "" {
			name = "that room"
		}
		return fmt.Sprintf("Recording <b>%s</b>. We'll notify you as soon as it's over.", name)

	case errors.Is(err, job.ErrNotFound):
		decision, err := job.Admit(ctx, b.Store, b.Admission, chatID)
		if err != nil {
			slog.Error("admission check", slog.Any("err", err))
			return "Something went wrong, please try that link again."
		}
		if !decision.Allowed {
			telemetry.AdmissionDenials.Inc()
			slog.Warn("admission denied", slog.String("chat_id", chatID), slog.String("reason", decision.Reason))
			if decision.Reason == job.ReasonUserQuota {
				return "You are too greedy! Too many of your own recordings are still running."
			}
			return "Out of quota. Please try again later."
		}
		if _, err := b.Store.CreateOrMergeTask(ctx, roomID, topic, chatID); err != nil {
			slog.Error("create task", slog.String("room_id", roomID), slog.Any("err", err))
			return "Something went wrong, please try that link again."
		}
		return "Preparing to record that room. This can take a little while."

	default:
		slog.Error("task lookup", slog.String("room_id", roomID), slog.Any("err", err))
		return "Something went wrong, please try that link again."
	}
}

// handleEvent resolves an event link right away: a started event becomes a task,
// a future one becomes a queued subscription the promoter watches.
func (b *Bot) handleEvent(ctx context.Context, chatID, eventID string) string {
	ev, err := b.Upstream.GetEvent(ctx, eventID)
	if err != nil {
		slog.Warn("event lookup", slog.String("event_id", eventID), slog.Any("err", err))
		return "Could not look up that event. It may have been removed."
	}
	switch {
	case ev.IsExpired:
		return "This event has expired."
	case ev.IsMemberOnly:
		return "This event is private, we cannot record it."
	case ev.Channel != "":
		return b.subscribeRoom(ctx, chatID, ev.Channel, ev.Name)
	default:
		if err := b.Store.CreateOrUpdateQueuedEvent(ctx, eventID, ev.TimeStart, chatID); err != nil {
			slog.Error("queue event", slog.String("event_id", eventID), slog.Any("err", err))
			return "Something went wrong, please try that link again."
		}
		return fmt.Sprintf("Looking forward to <b>%s</b>. We'll record it once the room opens.", ev.Name)
	}
}

func (b *Bot) handleStatus(ctx context.Context) string {
	snap, err := b.Store.StatusSnapshot(ctx)
	if err != nil {
		slog.Error("status snapshot", slog.Any("err", err))
		return "Status is unavailable right now."
	}
	now := time.Now().UTC()
	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>Recording:</b> %d\n", snap.ActiveCount)
	for _, t := range snap.ActiveTasks {
		fmt.Fprintf(&sb, "%s: %s /kill_%d\n", t.Topic, t.Age(now).Truncate(time.Second), t.PID)
	}
	fmt.Fprintf(&sb, "<b>Waiting in queue:</b> %d\n", snap.QueuedCount)
	for _, ev := range snap.QueuedEvents {
		fmt.Fprintf(&sb, "%s: starts in %s\n", ev.EventID, ev.TimeStart.Sub(now).Truncate(time.Second))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) handleKill(chatID, rest string) string {
	pid, err := strconv.Atoi(rest)
	if err != nil {
		return "That does not look like a capture pid."
	}
	slog.Info("kill requested", slog.String("chat_id", chatID), slog.Int("pid", pid))
	if err := b.Capture.Kill(pid); err != nil {
		slog.Warn("kill capture", slog.Int("pid", pid), slog.Any("err", err))
		return fmt.Sprintf("Could not kill %d: %v", pid, err)
	}
	return "Killed."
}

// linkID extracts the trailing path segment after /room/ or /event/ from the
// first field of the message that carries one.
func linkID(text, kind string) (string, bool) {
	marker := "/" + kind + "/"
	for _, f := range strings.Fields(text) {
		i := strings.Index(f, marker)
		if i < 0 {
			continue
		}
		id := f[i+len(marker):]
		if j := strings.IndexAny(id, "?#"); j >= 0 {
			id = id[:j]
		}
		id = strings.Trim(id, "/")
		if id != "" {
			return id, true
		}
	}
	return "", false
}
