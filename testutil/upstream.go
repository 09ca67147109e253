package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockUpstreamServer mocks the room/event API for tests. Register handlers per path;
// unregistered paths return 404.
type MockUpstreamServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockUpstreamServer creates a new mock upstream API server.
func NewMockUpstreamServer(t *testing.T) *MockUpstreamServer {
	t.Helper()
	m := &MockUpstreamServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockJoinSuccess answers /join_channel with a token and topic.
func (m *MockUpstreamServer) MockJoinSuccess(token, topic string) {
	m.Handlers["/join_channel"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": true, "token": token, "topic": topic})
	}
}

// MockJoinFailure answers /join_channel with success=false and the given message.
func (m *MockUpstreamServer) MockJoinFailure(message string) {
	m.Handlers["/join_channel"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": false, "error_message": message})
	}
}

// MockLeaveSuccess answers /leave_channel affirmatively.
func (m *MockUpstreamServer) MockLeaveSuccess() {
	m.Handlers["/leave_channel"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": true})
	}
}

// MockEventResponse answers /get_event with the given event fields.
func (m *MockUpstreamServer) MockEventResponse(channel, name, timeStart string, expired, memberOnly bool) {
	m.Handlers["/get_event"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"success": true,
			"event": map[string]any{
				"channel":        channel,
				"name":           name,
				"time_start":     timeStart,
				"is_expired":     expired,
				"is_member_only": memberOnly,
			},
		})
	}
}

// MockEventFailure answers /get_event with success=false.
func (m *MockUpstreamServer) MockEventFailure(message string) {
	m.Handlers["/get_event"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": false, "error_message": message})
	}
}
