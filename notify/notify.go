// Package notify delivers text and audio messages to subscribers. Delivery may fail
// with ErrUnreachable when the subscriber has blocked the bot; callers drop that
// subscriber instead of retrying.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// ErrUnreachable marks a subscriber as permanently unreachable (bot blocked or
// removed), distinct from transient delivery errors.
var ErrUnreachable = errors.New("notify: subscriber unreachable")

// Notifier sends messages to a single subscriber.
type Notifier interface {
	SendText(ctx context.Context, user, text string) error
	SendAudio(ctx context.Context, user, path, title string) error
}

// Discard logs messages instead of delivering them. Used when no Telegram token is
// configured so the pipeline still runs end to end.
type Discard struct{}

func (Discard) SendText(_ context.Context, user, text string) error {
	slog.Info("notify (discarded)", slog.String("user", user), slog.String("text", text))
	return nil
}

func (Discard) SendAudio(_ context.Context, user, path, title string) error {
	slog.Info("notify audio (discarded)", slog.String("user", user), slog.String("path", path), slog.String("title", title))
	return nil
}
