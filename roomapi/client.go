// Package roomapi contains a minimal client for the unofficial room/event API:
// joining and leaving a room to obtain its channel credential, and looking up a
// scheduled event. The API is treated as a black box with three calls; anything
// beyond what the workers need is out of scope.
package roomapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrRoomGone is returned by Join when the upstream reports the room as no longer
// available: the event ended, or the account was shut out of it.
var ErrRoomGone = errors.New("roomapi: room no longer available")

// Client calls the upstream API with per-account credentials.
type Client struct {
	BaseURL    string
	UserID     string
	UserToken  string
	UserDevice string
	HTTPClient *http.Client
}

// JoinInfo is the successful result of joining a room.
type JoinInfo struct {
	Token string
	Topic string
}

// Event is the upstream's view of a scheduled event.
type Event struct {
	Channel      string
	Name         string
	TimeStart    time.Time
	IsExpired    bool
	IsMemberOnly bool
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("CH-UserID", c.UserID)
	req.Header.Set("CH-DeviceId", c.UserDevice)
	req.Header.Set("Authorization", "Token "+c.UserToken)
}

type apiEnvelope struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message"`
	Token        string `json:"token"`
	Topic        string `json:"topic"`
	Event        *struct {
		Channel      string `json:"channel"`
		Name         string `json:"name"`
		TimeStart    string `json:"time_start"`
		IsExpired    bool   `json:"is_expired"`
		IsMemberOnly bool   `json:"is_member_only"`
	} `json:"event"`
}

func (c *Client) post(ctx context.Context, path string, payload any) (*apiEnvelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, env.ErrorMessage)
	}
	return &env, nil
}

// Join requests the channel credential for a room. The credential, not an active
// session, is what the capture process needs; callers release the session with
// Leave once the token is stored.
func (c *Client) Join(ctx context.Context, roomID string) (JoinInfo, error) {
	env, err := c.post(ctx, "/join_channel", map[string]string{"channel": roomID})
	if err != nil {
		return JoinInfo{}, err
	}
	if !env.Success {
		if strings.Contains(env.ErrorMessage, "no longer available") {
			return JoinInfo{}, fmt.Errorf("join %s: %w", roomID, ErrRoomGone)
		}
		return JoinInfo{}, fmt.Errorf("join %s: upstream: %s", roomID, env.ErrorMessage)
	}
	return JoinInfo{Token: env.Token, Topic: env.Topic}, nil
}

// Leave releases the room session acquired by Join.
func (c *Client) Leave(ctx context.Context, roomID string) error {
	env, err := c.post(ctx, "/leave_channel", map[string]string{"channel": roomID})
	if err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("leave %s: upstream: %s", roomID, env.ErrorMessage)
	}
	return nil
}

// GetEvent looks up a scheduled event by its hash id.
func (c *Client) GetEvent(ctx context.Context, eventID string) (Event, error) {
	u := c.BaseURL + "/get_event?event_hashid=" + url.QueryEscape(eventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Event{}, err
	}
	c.setHeaders(req)
	resp, err := c.http().Do(req)
	if err != nil {
		return Event{}, fmt.Errorf("get_event: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Event{}, fmt.Errorf("decode get_event response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success || env.Event == nil {
		return Event{}, fmt.Errorf("get_event %s: status %d: %s", eventID, resp.StatusCode, env.ErrorMessage)
	}
	ev := Event{
		Channel:      env.Event.Channel,
		Name:         env.Event.Name,
		IsExpired:    env.Event.IsExpired,
		IsMemberOnly: env.Event.IsMemberOnly,
	}
	if env.Event.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, env.Event.TimeStart)
		if err != nil {
			return Event{}, fmt.Errorf("get_event %s: parse time_start %q: %w", eventID, env.Event.TimeStart, err)
		}
		ev.TimeStart = t.UTC()
	}
	return ev, nil
}
