package record

import (
	"context"
	"errors"
	"testing"

	"github.com/onnwee/room-tender/job"
)

func gotTokenTask(t *testing.T, st *memStore, roomID string, users ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.CreateOrMergeTask(ctx, roomID, "", users...); err != nil {
		t.Fatal(err)
	}
	if err := st.SetToken(ctx, roomID, "tok-"+roomID, "Topic "+roomID); err != nil {
		t.Fatal(err)
	}
}

func TestLaunchSpawnsCaptureAndRecordsPid(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	rec := &fakeCapture{pid: 4242}
	gotTokenTask(t, st, "r1", "alice")

	l := &CaptureLauncher{Store: st, Capture: rec}
	if err := l.launchOnce(ctx); err != nil {
		t.Fatalf("launchOnce: %v", err)
	}

	task, err := st.TaskByID(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != job.StatusDownloading {
		t.Errorf("status = %s, want %s", task.Status, job.StatusDownloading)
	}
	if task.PID != 4242 {
		t.Errorf("pid = %d, want 4242", task.PID)
	}
	if len(rec.started) != 1 || rec.started[0] != "r1" {
		t.Errorf("started = %v, want one spawn for r1", rec.started)
	}
	if _, ok := st.beats["job_launch_last"]; !ok {
		t.Errorf("launcher never wrote its heartbeat")
	}
}

func TestLaunchFailureLeavesTaskForRetry(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	rec := &fakeCapture{startErr: errors.New("exec: recorder not found")}
	gotTokenTask(t, st, "r1", "alice")

	l := &CaptureLauncher{Store: st, Capture: rec}
	if err := l.launchOnce(ctx); err != nil {
		t.Fatalf("launchOnce: %v", err)
	}

	task, err := st.TaskByID(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != job.StatusGotToken {
		t.Errorf("status = %s, want %s kept for the next poll", task.Status, job.StatusGotToken)
	}
	if task.PID != 0 {
		t.Errorf("pid = %d, want none recorded", task.PID)
	}
}

func TestLaunchOnlyTouchesTokenHolders(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	rec := &fakeCapture{pid: 7}
	if _, err := st.CreateOrMergeTask(ctx, "waiting", "", "alice"); err != nil {
		t.Fatal(err)
	}
	gotTokenTask(t, st, "ready", "bob")

	l := &CaptureLauncher{Store: st, Capture: rec}
	if err := l.launchOnce(ctx); err != nil {
		t.Fatalf("launchOnce: %v", err)
	}

	if len(rec.started) != 1 || rec.started[0] != "ready" {
		t.Errorf("started = %v, want only the token holder", rec.started)
	}
	task, err := st.TaskByID(ctx, "waiting")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != job.StatusWaitingForToken {
		t.Errorf("waiting task moved to %s", task.Status)
	}
}
