package record

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// Transcoder is the opaque transcode/segment capability the finalizer uses on local
// files.
type Transcoder interface {
	// Segment splits src into fixed-duration chunks next to it and returns their
	// paths in playback order.
	Segment(ctx context.Context, src string, chunk time.Duration) ([]string, error)
	// Encode re-encodes src into the compressed output at dst.
	Encode(ctx context.Context, src, dst string) error
}

// FFmpeg shells out to ffmpeg for both operations.
type FFmpeg struct {
	Bin string // defaults to "ffmpeg" on PATH
}

func (f FFmpeg) bin() string {
	if f.Bin != "" {
		return f.Bin
	}
	return "ffmpeg"
}

func (f FFmpeg) Segment(ctx context.Context, src string, chunk time.Duration) ([]string, error) {
	dir := filepath.Dir(src)
	pattern := filepath.Join(dir, "out%03d.aac")
	args := []string{"-y", "-i", src, "-f", "segment", "-segment_time", strconv.Itoa(int(chunk.Seconds())), "-c", "copy", pattern}
	cmd := exec.CommandContext(ctx, f.bin(), args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg segment %s: %w: %s", src, err, out)
	}
	chunks, err := filepath.Glob(filepath.Join(dir, "out*.aac"))
	if err != nil {
		return nil, fmt.Errorf("glob segments in %s: %w", dir, err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("ffmpeg segment %s: no chunks produced", src)
	}
	sort.Strings(chunks)
	return chunks, nil
}

func (f FFmpeg) Encode(ctx context.Context, src, dst string) error {
	args := []string{"-y", "-i", src, "-acodec", "libmp3lame", dst}
	cmd := exec.CommandContext(ctx, f.bin(), args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg encode %s: %w: %s", src, err, out)
	}
	return nil
}
