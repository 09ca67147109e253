// Package capture wraps the external recorder binary. The binary is opaque: it is
// handed a room id and channel key, writes audio into a per-room directory under the
// records root, and drops a marker file there when recording has finished. The core
// only starts it, kills it by pid, and probes for the marker.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// MarkerFile is the completion signal the recorder writes into its working directory.
const MarkerFile = "recording2-done.txt"

// Recorder launches and manages capture processes.
type Recorder struct {
	Bin         string        // recorder binary path
	AppID       string        // upstream application id passed through to the binary
	AccountID   string        // upstream account id the session was joined with
	RecordsRoot string        // root directory the binary writes under
	IdleTimeout time.Duration // binary exits after this much silence
}

// Start spawns a capture process for the room and returns its pid. The process is
// placed in its own group so Kill reaches the binary's children too. The returned
// pid is valid as soon as Start returns; completion is observed via the marker file,
// not the process.
func (r *Recorder) Start(ctx context.Context, roomID, channelKey string) (int, error) {
	if err := os.MkdirAll(r.RecordsRoot, 0o755); err != nil {
		return 0, fmt.Errorf("mkdir records root: %w", err)
	}
	idle := int(r.IdleTimeout.Seconds())
	if idle <= 0 {
		idle = 120
	}
	args := []string{
		"--channel", roomID,
		"--appId", r.AppID,
		"--uid", r.AccountID,
		"--channelKey", channelKey,
		"--appliteDir", "bin",
		"--isMixingEnabled", "1",
		"--isAudioOnly", "1",
		"--idle", strconv.Itoa(idle),
		"--recordFileRootDir", r.RecordsRoot,
		"--logLevel", "2",
	}
	cmd := exec.CommandContext(ctx, r.Bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start recorder for %s: %w", roomID, err)
	}
	pid := cmd.Process.Pid
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Warn("recorder exited with error", slog.String("room_id", roomID), slog.Int("pid", pid), slog.Any("err", err))
		} else {
			slog.Info("recorder exited", slog.String("room_id", roomID), slog.Int("pid", pid))
		}
	}()
	return pid, nil
}

// Kill terminates the capture process group for the given pid.
func (r *Recorder) Kill(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("kill: invalid pid %d", pid)
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// Group may already be gone; fall back to the process itself.
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("kill pid %d: %w", pid, err)
		}
	}
	return nil
}

// CompletedDir probes for a finished capture of the given room and returns its
// working directory. ok is false while the capture is still in progress (or was
// never started).
func (r *Recorder) CompletedDir(roomID string) (string, bool, error) {
	pattern := filepath.Join(r.RecordsRoot, "*", roomID+"_*", MarkerFile)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", false, fmt.Errorf("glob %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", false, nil
	}
	return filepath.Dir(matches[0]), true, nil
}

// AudioFile returns the recorded payload inside a completed working directory, if
// any. A missing payload means the binary recorded nothing (usually no speakers).
func AudioFile(dir string) (string, int64, bool, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*_*.aac"))
	if err != nil {
		return "", 0, false, fmt.Errorf("glob audio in %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return "", 0, false, nil
	}
	info, err := os.Stat(matches[0])
	if err != nil {
		return "", 0, false, fmt.Errorf("stat %s: %w", matches[0], err)
	}
	return matches[0], info.Size(), true, nil
}
