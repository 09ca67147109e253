package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram delivers messages through the Telegram Bot API. Subscriber ids are chat
// ids rendered as decimal strings.
type Telegram struct {
	API *tgbotapi.BotAPI
}

// NewTelegram authenticates against the bot API.
func NewTelegram(token string) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &Telegram{API: api}, nil
}

// SendText sends an HTML-formatted message.
func (t *Telegram) SendText(ctx context.Context, user, text string) error {
	chatID, err := parseChatID(user)
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := t.API.Send(msg); err != nil {
		return classify(user, err)
	}
	return nil
}

// SendAudio uploads a local audio file with the given display title.
func (t *Telegram) SendAudio(ctx context.Context, user, path, title string) error {
	chatID, err := parseChatID(user)
	if err != nil {
		return err
	}
	audio := tgbotapi.NewAudio(chatID, tgbotapi.FilePath(path))
	audio.Title = title
	if _, err := t.API.Send(audio); err != nil {
		return classify(user, err)
	}
	return nil
}

func parseChatID(user string) (int64, error) {
	id, err := strconv.ParseInt(user, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chat id %q: %w", user, err)
	}
	return id, nil
}

// classify maps a 403 from the bot API (blocked, kicked, deactivated) onto
// ErrUnreachable; everything else stays a transient error.
func classify(user string, err error) error {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && tgErr.Code == http.StatusForbidden {
		return fmt.Errorf("send to %s: %s: %w", user, tgErr.Message, ErrUnreachable)
	}
	return fmt.Errorf("send to %s: %w", user, err)
}
