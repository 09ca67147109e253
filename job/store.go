package job

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store is the Postgres-backed shared mapping the workers and the frontend mutate.
// All membership and status mutations are single statements, so per-record updates
// are atomic without any cross-process locking.
type Store struct {
	DB *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// CreateOrMergeTask inserts a new WAITING_FOR_TOKEN task for the room or, if the room
// is already tracked, merges the given subscribers into its set. The topic is set
// once known and never overwritten. Returns whether a new task was created.
func (s *Store) CreateOrMergeTask(ctx context.Context, roomID, topic string, users ...string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO tasks (room_id, status, topic) VALUES ($1, $2, $3)
		 ON CONFLICT (room_id) DO NOTHING`,
		roomID, StatusWaitingForToken, topic)
	if err != nil {
		return false, fmt.Errorf("insert task %s: %w", roomID, err)
	}
	n, _ := res.RowsAffected()
	created := n > 0
	if !created && topic != "" {
		_, _ = s.DB.ExecContext(ctx, `UPDATE tasks SET topic=$2 WHERE room_id=$1 AND topic=''`, roomID, topic)
	}
	for _, u := range users {
		if err := s.AddUser(ctx, roomID, u); err != nil {
			return created, err
		}
	}
	return created, nil
}

// AddUser adds one subscriber to a task's set; adding an existing subscriber is a no-op.
func (s *Store) AddUser(ctx context.Context, roomID, user string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO task_users (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		roomID, user)
	if err != nil {
		return fmt.Errorf("add user %s to %s: %w", user, roomID, err)
	}
	return nil
}

// RemoveUser removes one subscriber from a task's set.
func (s *Store) RemoveUser(ctx context.Context, roomID, user string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM task_users WHERE room_id=$1 AND user_id=$2`, roomID, user)
	if err != nil {
		return fmt.Errorf("remove user %s from %s: %w", user, roomID, err)
	}
	return nil
}

// TaskByID fetches a single task with its subscriber set.
func (s *Store) TaskByID(ctx context.Context, roomID string) (Task, error) {
	var t Task
	row := s.DB.QueryRowContext(ctx,
		`SELECT room_id, status, topic, token, pid, created_at FROM tasks WHERE room_id=$1`, roomID)
	if err := row.Scan(&t.RoomID, &t.Status, &t.Topic, &t.Token, &t.PID, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("select task %s: %w", roomID, err)
	}
	users, err := s.taskUsers(ctx, roomID)
	if err != nil {
		return Task{}, err
	}
	t.Users = users
	return t, nil
}

// TasksByStatus lists all tasks in the given status, subscriber sets included.
func (s *Store) TasksByStatus(ctx context.Context, status Status) ([]Task, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT room_id, status, topic, token, pid, created_at FROM tasks WHERE status=$1 ORDER BY created_at`,
		status)
	if err != nil {
		return nil, fmt.Errorf("select tasks by status %s: %w", status, err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.RoomID, &t.Status, &t.Topic, &t.Token, &t.PID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		users, err := s.taskUsers(ctx, out[i].RoomID)
		if err != nil {
			return nil, err
		}
		out[i].Users = users
	}
	return out, nil
}

func (s *Store) taskUsers(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id FROM task_users WHERE room_id=$1 ORDER BY user_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("select users for %s: %w", roomID, err)
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetToken records the join credential and topic and advances the task to GOT_TOKEN.
// The UPDATE is guarded by the source status, so token, topic and status land
// together or not at all, and a second acquirer loses the race cleanly.
func (s *Store) SetToken(ctx context.Context, roomID, token, topic string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET token=$2, topic=$3, status=$4 WHERE room_id=$1 AND status=$5`,
		roomID, token, topic, StatusGotToken, StatusWaitingForToken)
	if err != nil {
		return fmt.Errorf("set token for %s: %w", roomID, err)
	}
	return s.transitionResult(ctx, res, roomID)
}

// MarkDownloading records the capture process id and advances the task to DOWNLOADING.
// Written before the spawned capture is confirmed running, accepting the narrow
// crash-after-spawn race; operators reconcile via the recorded pid.
func (s *Store) MarkDownloading(ctx context.Context, roomID string, pid int) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET pid=$2, status=$3 WHERE room_id=$1 AND status=$4`,
		roomID, pid, StatusDownloading, StatusGotToken)
	if err != nil {
		return fmt.Errorf("mark downloading for %s: %w", roomID, err)
	}
	return s.transitionResult(ctx, res, roomID)
}

// MarkError parks the task in ERROR after an upstream denial. Legal only before
// capture has started.
func (s *Store) MarkError(ctx context.Context, roomID string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET status=$2 WHERE room_id=$1 AND status IN ($3, $4)`,
		roomID, StatusError, StatusWaitingForToken, StatusGotToken)
	if err != nil {
		return fmt.Errorf("mark error for %s: %w", roomID, err)
	}
	return s.transitionResult(ctx, res, roomID)
}

func (s *Store) transitionResult(ctx context.Context, res sql.Result, roomID string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := s.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE room_id=$1)`, roomID).Scan(&exists); err != nil {
		return fmt.Errorf("check task %s: %w", roomID, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrIllegalTransition
}

// DeleteTask removes the task and its subscriber set.
func (s *Store) DeleteTask(ctx context.Context, roomID string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE room_id=$1`, roomID); err != nil {
		return fmt.Errorf("delete task %s: %w", roomID, err)
	}
	return nil
}

// ReapEmptyTasks deletes tasks whose subscriber set has emptied; with nobody left
// to serve they are dead weight regardless of status.
func (s *Store) ReapEmptyTasks(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM tasks t WHERE NOT EXISTS (SELECT 1 FROM task_users u WHERE u.room_id=t.room_id)`)
	if err != nil {
		return 0, fmt.Errorf("reap empty tasks: %w", err)
	}
	return res.RowsAffected()
}

// CountDownloading counts tasks with a running capture, system-wide.
func (s *Store) CountDownloading(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM tasks WHERE status=$1`, StatusDownloading).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count downloading: %w", err)
	}
	return n, nil
}

// CountStandaloneDownloading counts DOWNLOADING tasks whose subscriber set is
// exactly {user}: the user's own jobs, shared with nobody.
func (s *Store) CountStandaloneDownloading(ctx context.Context, user string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM tasks t WHERE t.status=$1
		   AND EXISTS (SELECT 1 FROM task_users u WHERE u.room_id=t.room_id AND u.user_id=$2)
		   AND NOT EXISTS (SELECT 1 FROM task_users u WHERE u.room_id=t.room_id AND u.user_id<>$2)`,
		StatusDownloading, user).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count standalone downloading: %w", err)
	}
	return n, nil
}

// CreateOrUpdateQueuedEvent upserts a future event subscription, refreshing the
// scheduled start and adding the subscriber to its set.
func (s *Store) CreateOrUpdateQueuedEvent(ctx context.Context, eventID string, timeStart time.Time, user string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO queued_events (event_id, time_start) VALUES ($1, $2)
		 ON CONFLICT (event_id) DO UPDATE SET time_start=EXCLUDED.time_start`,
		eventID, timeStart.UTC())
	if err != nil {
		return fmt.Errorf("upsert queued event %s: %w", eventID, err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO queued_event_users (event_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		eventID, user)
	if err != nil {
		return fmt.Errorf("add user %s to event %s: %w", user, eventID, err)
	}
	return nil
}

// QueuedEvents lists all pending event subscriptions, soonest first.
func (s *Store) QueuedEvents(ctx context.Context) ([]QueuedEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT event_id, time_start, skip, created_at FROM queued_events ORDER BY time_start`)
	if err != nil {
		return nil, fmt.Errorf("select queued events: %w", err)
	}
	defer rows.Close()
	var out []QueuedEvent
	for rows.Next() {
		var e QueuedEvent
		if err := rows.Scan(&e.EventID, &e.TimeStart, &e.Skip, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan queued event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		users, err := s.eventUsers(ctx, out[i].EventID)
		if err != nil {
			return nil, err
		}
		out[i].Users = users
	}
	return out, nil
}

func (s *Store) eventUsers(ctx context.Context, eventID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id FROM queued_event_users WHERE event_id=$1 ORDER BY user_id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("select users for event %s: %w", eventID, err)
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// MarkEventSkip flags an event whose upstream lookup failed so it is not retried.
func (s *Store) MarkEventSkip(ctx context.Context, eventID string) error {
	if _, err := s.DB.ExecContext(ctx,
		`UPDATE queued_events SET skip=TRUE WHERE event_id=$1`, eventID); err != nil {
		return fmt.Errorf("mark skip for event %s: %w", eventID, err)
	}
	return nil
}

// DeleteEvent removes a queued event and its subscriber set.
func (s *Store) DeleteEvent(ctx context.Context, eventID string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM queued_events WHERE event_id=$1`, eventID); err != nil {
		return fmt.Errorf("delete event %s: %w", eventID, err)
	}
	return nil
}

// StatusSnapshot returns the observability view: active captures and the waiting queue.
func (s *Store) StatusSnapshot(ctx context.Context) (Snapshot, error) {
	active, err := s.TasksByStatus(ctx, StatusDownloading)
	if err != nil {
		return Snapshot{}, err
	}
	queued, err := s.QueuedEvents(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		ActiveCount:  len(active),
		ActiveTasks:  active,
		QueuedCount:  len(queued),
		QueuedEvents: queued,
	}, nil
}

// Heartbeat records a worker liveness timestamp in kv (key like job_promote_last).
func (s *Store) Heartbeat(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
		key, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", key, err)
	}
	return nil
}

// LastHeartbeat returns the recorded liveness timestamp for a worker, zero if absent.
func (s *Store) LastHeartbeat(ctx context.Context, key string) (time.Time, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read heartbeat %s: %w", key, err)
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse heartbeat %s: %w", key, err)
	}
	return t, nil
}
