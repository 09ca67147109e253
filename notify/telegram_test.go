package notify

import (
	"errors"
	"fmt"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestClassifyBlockedIsUnreachable(t *testing.T) {
	err := classify("100", &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("classify(403) = %v, want ErrUnreachable", err)
	}
}

func TestClassifyTransientStaysTransient(t *testing.T) {
	cases := []error{
		&tgbotapi.Error{Code: 429, Message: "Too Many Requests"},
		fmt.Errorf("dial tcp: connection refused"),
	}
	for _, cause := range cases {
		err := classify("100", cause)
		if errors.Is(err, ErrUnreachable) {
			t.Errorf("classify(%v) should not be ErrUnreachable", cause)
		}
	}
}

func TestParseChatID(t *testing.T) {
	if _, err := parseChatID("not-a-number"); err == nil {
		t.Errorf("expected error for non-numeric chat id")
	}
	id, err := parseChatID("-100123")
	if err != nil || id != -100123 {
		t.Errorf("parseChatID(-100123) = (%d, %v)", id, err)
	}
}
