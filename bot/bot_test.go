package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/room-tender/job"
	"github.com/onnwee/room-tender/roomapi"
)

type fakeStore struct {
	tasks       map[string]*job.Task
	queued      map[string]*job.QueuedEvent
	downloading int
	standalone  map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:      make(map[string]*job.Task),
		queued:     make(map[string]*job.QueuedEvent),
		standalone: make(map[string]int),
	}
}

func (f *fakeStore) TaskByID(_ context.Context, roomID string) (job.Task, error) {
	if t, ok := f.tasks[roomID]; ok {
		return *t, nil
	}
	return job.Task{}, job.ErrNotFound
}

func (f *fakeStore) CreateOrMergeTask(_ context.Context, roomID, topic string, users ...string) (bool, error) {
	t, ok := f.tasks[roomID]
	if !ok {
		t = &job.Task{RoomID: roomID, Status: job.StatusWaitingForToken, Topic: topic, CreatedAt: time.Now()}
		f.tasks[roomID] = t
	}
	for _, u := range users {
		if !t.HasUser(u) {
			t.Users = append(t.Users, u)
		}
	}
	return !ok, nil
}

func (f *fakeStore) CreateOrUpdateQueuedEvent(_ context.Context, eventID string, timeStart time.Time, user string) error {
	ev, ok := f.queued[eventID]
	if !ok {
		ev = &job.QueuedEvent{EventID: eventID, CreatedAt: time.Now()}
		f.queued[eventID] = ev
	}
	ev.TimeStart = timeStart
	ev.Users = append(ev.Users, user)
	return nil
}

func (f *fakeStore) StatusSnapshot(_ context.Context) (job.Snapshot, error) {
	var snap job.Snapshot
	for _, t := range f.tasks {
		if t.Status == job.StatusDownloading {
			snap.ActiveTasks = append(snap.ActiveTasks, *t)
		}
	}
	snap.ActiveCount = len(snap.ActiveTasks)
	for _, ev := range f.queued {
		snap.QueuedEvents = append(snap.QueuedEvents, *ev)
	}
	snap.QueuedCount = len(snap.QueuedEvents)
	return snap, nil
}

func (f *fakeStore) CountDownloading(_ context.Context) (int, error) { return f.downloading, nil }

func (f *fakeStore) CountStandaloneDownloading(_ context.Context, user string) (int, error) {
	return f.standalone[user], nil
}

type fakeUpstream struct {
	event roomapi.Event
	err   error
}

func (f *fakeUpstream) GetEvent(context.Context, string) (roomapi.Event, error) {
	return f.event, f.err
}

type fakeKiller struct {
	killed []int
	err    error
}

func (f *fakeKiller) Kill(pid int) error {
	f.killed = append(f.killed, pid)
	return f.err
}

func allowOnly(ids ...string) func(string) bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(id string) bool { return set[id] }
}

func newBot(st *fakeStore, up *fakeUpstream, k *fakeKiller) *Bot {
	return &Bot{
		Store:     st,
		Upstream:  up,
		Capture:   k,
		Admission: job.AdmissionPolicy{UserQuota: 10, GlobalQuota: 80},
		Allowed:   allowOnly("100"),
	}
}

func TestHandleRejectsUnknownChat(t *testing.T) {
	b := newBot(newFakeStore(), &fakeUpstream{}, &fakeKiller{})
	got := b.Handle(context.Background(), "999", "/start")
	if !strings.Contains(got, "invite only") {
		t.Errorf("reply = %q, want refusal", got)
	}
}

func TestHandleStart(t *testing.T) {
	b := newBot(newFakeStore(), &fakeUpstream{}, &fakeKiller{})
	got := b.Handle(context.Background(), "100", "/start")
	if !strings.Contains(got, "link to a room or an event") {
		t.Errorf("reply = %q", got)
	}
}

func TestRoomLinkCreatesTask(t *testing.T) {
	st := newFakeStore()
	b := newBot(st, &fakeUpstream{}, &fakeKiller{})

	got := b.Handle(context.Background(), "100", "https://example.com/room/MQxWzx4b")
	if !strings.Contains(got, "Preparing to record") {
		t.Errorf("reply = %q, want preparing notice", got)
	}
	task, ok := st.tasks["MQxWzx4b"]
	if !ok {
		t.Fatal("task not created")
	}
	if task.Status != job.StatusWaitingForToken {
		t.Errorf("status = %s", task.Status)
	}
	if !task.HasUser("100") {
		t.Errorf("users = %v, want the sender subscribed", task.Users)
	}
}

func TestRoomLinkMergesIntoKnownTask(t *testing.T) {
	st := newFakeStore()
	st.tasks["r1"] = &job.Task{RoomID: "r1", Status: job.StatusDownloading, Topic: "Town Hall", Users: []string{"200"}}
	b := newBot(st, &fakeUpstream{}, &fakeKiller{})

	got := b.Handle(context.Background(), "100", "check this https://example.com/room/r1 out")
	if !strings.Contains(got, "Recording <b>Town Hall</b>") {
		t.Errorf("reply = %q, want recording notice", got)
	}
	if !st.tasks["r1"].HasUser("100") {
		t.Errorf("users = %v, want sender merged", st.tasks["r1"].Users)
	}
}

func TestRoomLinkQuotaDenials(t *testing.T) {
	st := newFakeStore()
	st.standalone["100"] = 11
	b := newBot(st, &fakeUpstream{}, &fakeKiller{})

	if got := b.Handle(context.Background(), "100", "https://example.com/room/r1"); !strings.Contains(got, "too greedy") {
		t.Errorf("standalone denial reply = %q", got)
	}
	st.standalone["100"] = 0
	st.downloading = 81
	if got := b.Handle(context.Background(), "100", "https://example.com/room/r1"); !strings.Contains(got, "Out of quota") {
		t.Errorf("global denial reply = %q", got)
	}
	if len(st.tasks) != 0 {
		t.Errorf("denied request must not create a task, got %d", len(st.tasks))
	}
}

func TestEventLinkStartedBecomesTask(t *testing.T) {
	st := newFakeStore()
	up := &fakeUpstream{event: roomapi.Event{Channel: "r1", Name: "Town Hall"}}
	b := newBot(st, up, &fakeKiller{})

	got := b.Handle(context.Background(), "100", "https://example.com/event/e1")
	if !strings.Contains(got, "Preparing to record") {
		t.Errorf("reply = %q", got)
	}
	task, ok := st.tasks["r1"]
	if !ok {
		t.Fatal("task not created from started event")
	}
	if task.Topic != "Town Hall" {
		t.Errorf("topic = %q", task.Topic)
	}
}

func TestEventLinkFutureGetsQueued(t *testing.T) {
	st := newFakeStore()
	start := time.Now().UTC().Add(time.Hour)
	up := &fakeUpstream{event: roomapi.Event{Name: "Later Show", TimeStart: start}}
	b := newBot(st, up, &fakeKiller{})

	got := b.Handle(context.Background(), "100", "https://example.com/event/e1")
	if !strings.Contains(got, "Looking forward to <b>Later Show</b>") {
		t.Errorf("reply = %q", got)
	}
	ev, ok := st.queued["e1"]
	if !ok {
		t.Fatal("event not queued")
	}
	if !ev.TimeStart.Equal(start) || len(ev.Users) != 1 {
		t.Errorf("queued = %+v", ev)
	}
}

func TestEventLinkExpiredAndPrivate(t *testing.T) {
	st := newFakeStore()
	b := newBot(st, &fakeUpstream{event: roomapi.Event{IsExpired: true}}, &fakeKiller{})
	if got := b.Handle(context.Background(), "100", "https://example.com/event/e1"); !strings.Contains(got, "expired") {
		t.Errorf("reply = %q", got)
	}
	b.Upstream = &fakeUpstream{event: roomapi.Event{IsMemberOnly: true}}
	if got := b.Handle(context.Background(), "100", "https://example.com/event/e1"); !strings.Contains(got, "private") {
		t.Errorf("reply = %q", got)
	}
	if len(st.tasks) != 0 || len(st.queued) != 0 {
		t.Errorf("nothing should be stored for dead events")
	}
}

func TestEventLinkLookupFailure(t *testing.T) {
	b := newBot(newFakeStore(), &fakeUpstream{err: errors.New("403")}, &fakeKiller{})
	if got := b.Handle(context.Background(), "100", "https://example.com/event/e1"); !strings.Contains(got, "Could not look up") {
		t.Errorf("reply = %q", got)
	}
}

func TestStatusListsActiveAndQueued(t *testing.T) {
	st := newFakeStore()
	st.tasks["r1"] = &job.Task{
		RoomID: "r1", Status: job.StatusDownloading, Topic: "Town Hall",
		PID: 4242, CreatedAt: time.Now().Add(-90 * time.Second),
	}
	st.queued["e1"] = &job.QueuedEvent{EventID: "e1", TimeStart: time.Now().Add(time.Hour)}
	b := newBot(st, &fakeUpstream{}, &fakeKiller{})

	got := b.Handle(context.Background(), "100", "/status")
	for _, want := range []string{"<b>Recording:</b> 1", "Town Hall", "/kill_4242", "<b>Waiting in queue:</b> 1", "e1: starts in"} {
		if !strings.Contains(got, want) {
			t.Errorf("status reply missing %q:\n%s", want, got)
		}
	}
}

func TestKillTerminatesCapture(t *testing.T) {
	k := &fakeKiller{}
	b := newBot(newFakeStore(), &fakeUpstream{}, k)

	if got := b.Handle(context.Background(), "100", "/kill_4242"); got != "Killed." {
		t.Errorf("reply = %q", got)
	}
	if len(k.killed) != 1 || k.killed[0] != 4242 {
		t.Errorf("killed = %v", k.killed)
	}
	if got := b.Handle(context.Background(), "100", "/kill_oops"); !strings.Contains(got, "does not look like") {
		t.Errorf("reply = %q", got)
	}
}

func TestLinkIDParsing(t *testing.T) {
	cases := []struct {
		text, kind, want string
		ok               bool
	}{
		{"https://example.com/room/AbC123", "room", "AbC123", true},
		{"https://example.com/room/AbC123?utm=x", "room", "AbC123", true},
		{"look at https://example.com/event/e9/ please", "event", "e9", true},
		{"https://example.com/event/e9", "room", "", false},
		{"no links here", "room", "", false},
	}
	for _, tc := range cases {
		got, ok := linkID(tc.text, tc.kind)
		if got != tc.want || ok != tc.ok {
			t.Errorf("linkID(%q, %q) = %q/%v, want %q/%v", tc.text, tc.kind, got, ok, tc.want, tc.ok)
		}
	}
}
