package frames

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"viralflow/internal/config"
)

// CaptureError marks a failure to acquire the media surface or sample a
// frame from it. Captures are never retried internally; the caller decides.
type CaptureError struct {
	Reason string
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame capture failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("frame capture failed: %s", e.Reason)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// runner executes an external binary and returns its stdout.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w (%s)", name, err, tail(stderr.String(), 300))
	}
	return stdout.Bytes(), nil
}

// Service samples still frames from video files via ffmpeg.
type Service struct {
	ffmpegBin  string
	ffprobeBin string
	run        runner
}

// NewService wraps the configured ffmpeg/ffprobe binaries.
func NewService(cfg *config.Config) *Service {
	ffmpeg := cfg.Frames.FFmpegBin
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	ffprobe := cfg.Frames.FFprobeBin
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	return &Service{ffmpegBin: ffmpeg, ffprobeBin: ffprobe, run: runCommand}
}

// Handle is an exclusively owned view onto one media file. Seeking is
// stateful in the underlying decoder, so at most one capture may be in
// flight per handle; Capture serializes callers on the handle's lock.
type Handle struct {
	Path     string
	Width    int
	Height   int
	Duration float64

	mu sync.Mutex
}

type probeOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Open probes the media and returns a ready handle. Zero native
// dimensions mean the media is not decodable and fail the open.
func (s *Service) Open(ctx context.Context, path string) (*Handle, error) {
	out, err := s.run(ctx, s.ffprobeBin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)
	if err != nil {
		return nil, &CaptureError{Reason: "could not acquire media surface", Err: err}
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, &CaptureError{Reason: "unreadable probe output", Err: err}
	}
	if len(probe.Streams) == 0 || probe.Streams[0].Width == 0 || probe.Streams[0].Height == 0 {
		return nil, &CaptureError{Reason: "media has zero dimensions (not yet loaded or no video stream)"}
	}

	h := &Handle{
		Path:   path,
		Width:  probe.Streams[0].Width,
		Height: probe.Streams[0].Height,
	}
	if d, err := strconv.ParseFloat(strings.TrimSpace(probe.Format.Duration), 64); err == nil {
		h.Duration = d
	}
	return h, nil
}

// Capture seeks the media to atSeconds and samples the visible frame at
// the video's native decoded resolution, encoded as PNG.
func (s *Service) Capture(ctx context.Context, h *Handle, atSeconds float64) ([]byte, error) {
	if atSeconds < 0 {
		return nil, &CaptureError{Reason: fmt.Sprintf("negative offset %.3fs", atSeconds)}
	}
	if h.Duration > 0 && atSeconds > h.Duration {
		return nil, &CaptureError{Reason: fmt.Sprintf("offset %.3fs beyond media duration %.3fs", atSeconds, h.Duration)}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	out, err := s.run(ctx, s.ffmpegBin,
		"-v", "error",
		"-ss", strconv.FormatFloat(atSeconds, 'f', 3, 64),
		"-i", h.Path,
		"-frames:v", "1",
		"-f", "image2",
		"-c:v", "png",
		"pipe:1",
	)
	if err != nil {
		return nil, &CaptureError{Reason: "draw operation rejected", Err: err}
	}
	if len(out) == 0 {
		return nil, &CaptureError{Reason: "no frame produced at offset"}
	}
	return out, nil
}

// PNGDataURI wraps raw PNG bytes as a self-contained data unit suitable
// for re-submission as an API payload.
func PNGDataURI(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
