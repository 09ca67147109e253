package record

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/room-tender/job"
	"github.com/onnwee/room-tender/notify"
	"github.com/onnwee/room-tender/roomapi"
)

// memStore is an in-memory Store with the same guarded-transition semantics as the
// Postgres-backed job.Store.
type memStore struct {
	mu     sync.Mutex
	tasks  map[string]*job.Task
	events map[string]*job.QueuedEvent
	beats  map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		tasks:  make(map[string]*job.Task),
		events: make(map[string]*job.QueuedEvent),
		beats:  make(map[string]time.Time),
	}
}

func (m *memStore) TaskByID(_ context.Context, roomID string) (job.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[roomID]
	if !ok {
		return job.Task{}, job.ErrNotFound
	}
	return copyTask(t), nil
}

func (m *memStore) TasksByStatus(_ context.Context, status job.Status) ([]job.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.Task
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

func (m *memStore) CreateOrMergeTask(_ context.Context, roomID, topic string, users ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[roomID]
	created := false
	if !ok {
		t = &job.Task{RoomID: roomID, Status: job.StatusWaitingForToken, Topic: topic, CreatedAt: time.Now()}
		m.tasks[roomID] = t
		created = true
	} else if t.Topic == "" {
		t.Topic = topic
	}
	for _, u := range users {
		if !t.HasUser(u) {
			t.Users = append(t.Users, u)
		}
	}
	return created, nil
}

func (m *memStore) transition(roomID string, from []job.Status, apply func(*job.Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[roomID]
	if !ok {
		return job.ErrNotFound
	}
	for _, f := range from {
		if t.Status == f {
			apply(t)
			return nil
		}
	}
	return job.ErrIllegalTransition
}

func (m *memStore) SetToken(_ context.Context, roomID, token, topic string) error {
	return m.transition(roomID, []job.Status{job.StatusWaitingForToken}, func(t *job.Task) {
		t.Token, t.Topic, t.Status = token, topic, job.StatusGotToken
	})
}

func (m *memStore) MarkDownloading(_ context.Context, roomID string, pid int) error {
	return m.transition(roomID, []job.Status{job.StatusGotToken}, func(t *job.Task) {
		t.PID, t.Status = pid, job.StatusDownloading
	})
}

func (m *memStore) MarkError(_ context.Context, roomID string) error {
	return m.transition(roomID, []job.Status{job.StatusWaitingForToken, job.StatusGotToken}, func(t *job.Task) {
		t.Status = job.StatusError
	})
}

func (m *memStore) DeleteTask(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, roomID)
	return nil
}

func (m *memStore) RemoveUser(_ context.Context, roomID, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[roomID]
	if !ok {
		return nil
	}
	kept := t.Users[:0]
	for _, u := range t.Users {
		if u != user {
			kept = append(kept, u)
		}
	}
	t.Users = kept
	return nil
}

func (m *memStore) ReapEmptyTasks(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tasks {
		if len(t.Users) == 0 {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) QueuedEvents(_ context.Context) ([]job.QueuedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.QueuedEvent
	for _, e := range m.events {
		c := *e
		c.Users = append([]string(nil), e.Users...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeStart.Before(out[j].TimeStart) })
	return out, nil
}

func (m *memStore) addEvent(eventID string, start time.Time, users ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[eventID] = &job.QueuedEvent{EventID: eventID, TimeStart: start, Users: users, CreatedAt: time.Now()}
}

func (m *memStore) MarkEventSkip(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[eventID]; ok {
		e.Skip = true
	}
	return nil
}

func (m *memStore) DeleteEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, eventID)
	return nil
}

func (m *memStore) CountDownloading(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == job.StatusDownloading {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountStandaloneDownloading(_ context.Context, user string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == job.StatusDownloading && len(t.Users) == 1 && t.Users[0] == user {
			n++
		}
	}
	return n, nil
}

func (m *memStore) Heartbeat(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beats[key] = time.Now()
	return nil
}

func copyTask(t *job.Task) job.Task {
	c := *t
	c.Users = append([]string(nil), t.Users...)
	return c
}

// fakeUpstream scripts the three upstream calls and records Leave invocations.
type fakeUpstream struct {
	mu       sync.Mutex
	joinInfo roomapi.JoinInfo
	joinErr  error
	events   map[string]roomapi.Event
	eventErr error
	left     []string
}

func (f *fakeUpstream) Join(_ context.Context, roomID string) (roomapi.JoinInfo, error) {
	return f.joinInfo, f.joinErr
}

func (f *fakeUpstream) Leave(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, roomID)
	return nil
}

func (f *fakeUpstream) GetEvent(_ context.Context, eventID string) (roomapi.Event, error) {
	if f.eventErr != nil {
		return roomapi.Event{}, f.eventErr
	}
	ev, ok := f.events[eventID]
	if !ok {
		return roomapi.Event{}, fmt.Errorf("unknown event %s", eventID)
	}
	return ev, nil
}

// fakeNotifier records deliveries; users in unreachable fail permanently.
type fakeNotifier struct {
	mu          sync.Mutex
	texts       map[string][]string // user -> messages
	audios      map[string][]string // user -> part titles
	unreachable map[string]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		texts:       make(map[string][]string),
		audios:      make(map[string][]string),
		unreachable: make(map[string]bool),
	}
}

func (f *fakeNotifier) SendText(_ context.Context, user, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[user] {
		return fmt.Errorf("send to %s: %w", user, notify.ErrUnreachable)
	}
	f.texts[user] = append(f.texts[user], text)
	return nil
}

func (f *fakeNotifier) SendAudio(_ context.Context, user, path, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[user] {
		return fmt.Errorf("send to %s: %w", user, notify.ErrUnreachable)
	}
	f.audios[user] = append(f.audios[user], title)
	return nil
}

// fakeCapture scripts spawn results and completed working directories.
type fakeCapture struct {
	pid       int
	startErr  error
	started   []string
	completed map[string]string // roomID -> dir
}

func (f *fakeCapture) Start(_ context.Context, roomID, channelKey string) (int, error) {
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.started = append(f.started, roomID)
	return f.pid, nil
}

func (f *fakeCapture) CompletedDir(roomID string) (string, bool, error) {
	dir, ok := f.completed[roomID]
	return dir, ok, nil
}

// fakeTranscoder produces real files so delivery paths exist on disk.
type fakeTranscoder struct {
	chunks int // number of segments Segment pretends to cut
}

func (f fakeTranscoder) Segment(_ context.Context, src string, _ time.Duration) ([]string, error) {
	dir := filepath.Dir(src)
	n := f.chunks
	if n <= 0 {
		n = 2
	}
	var out []string
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, fmt.Sprintf("out%03d.aac", i))
		if err := os.WriteFile(p, []byte("chunk"), 0o644); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (f fakeTranscoder) Encode(_ context.Context, src, dst string) error {
	return os.WriteFile(dst, []byte("mp3"), 0o644)
}
