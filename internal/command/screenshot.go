package command

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/digiplayer/agent/internal/logging"
	"github.com/digiplayer/agent/internal/workerpool"
)

// UploadFunc sends a captured frame to the server.
type UploadFunc func(ctx context.Context, name string, image io.Reader) error

// captureTool is one way of grabbing the current frame.
type captureTool struct {
	name string
	args func(path string) []string
	env  []string
}

// Framebuffer capture first (works without X), then scrot for X sessions.
var captureTools = []captureTool{
	{name: "raspi2png", args: func(path string) []string { return []string{"-p", path} }},
	{name: "scrot", args: func(path string) []string { return []string{"-o", path} }, env: []string{"DISPLAY=:0"}},
}

// ScreenshotTaker captures the current frame and hands the upload to the
// worker pool. The upload is best-effort; a failure is reported through
// onFailure so the next heartbeat's status field carries it, since the
// command itself has already completed by then.
type ScreenshotTaker struct {
	upload    UploadFunc
	pool      *workerpool.Pool
	dir       string
	onFailure func(error)
}

func NewScreenshotTaker(upload UploadFunc, pool *workerpool.Pool, onFailure func(error)) *ScreenshotTaker {
	return &ScreenshotTaker{
		upload:    upload,
		pool:      pool,
		dir:       os.TempDir(),
		onFailure: onFailure,
	}
}

// Capture grabs the current frame to a temp file and returns its path.
func (s *ScreenshotTaker) Capture(ctx context.Context) (string, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("digiplayer-%d.png", time.Now().Unix()))

	var lastErr error
	for _, tool := range captureTools {
		runCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		cmd := exec.CommandContext(runCtx, tool.name, tool.args(path)...)
		if tool.env != nil {
			cmd.Env = append(os.Environ(), tool.env...)
		}
		out, err := cmd.CombinedOutput()
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("%s: %w: %s", tool.name, err, string(out))
			continue
		}
		return path, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no capture tool available")
	}
	return "", lastErr
}

// CaptureAndUpload captures synchronously, then queues the upload on the
// worker pool so the command phase is not held by a slow link. The temp
// file is removed after the upload attempt either way.
func (s *ScreenshotTaker) CaptureAndUpload(ctx context.Context) error {
	path, err := s.Capture(ctx)
	if err != nil {
		return err
	}

	submitted := s.pool.Submit("screenshot-upload", func() {
		s.doUpload(path)
	})
	if !submitted {
		// Pool saturated or draining; upload inline rather than drop.
		s.doUpload(path)
	}
	return nil
}

func (s *ScreenshotTaker) doUpload(path string) {
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		log.Warn("screenshot open for upload failed", "path", path, logging.KeyError, err)
		s.reportFailure(err)
		return
	}
	defer f.Close()

	uploadCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := s.upload(uploadCtx, filepath.Base(path), f); err != nil {
		log.Warn("screenshot upload failed", logging.KeyError, err)
		s.reportFailure(err)
		return
	}
	log.Info("screenshot uploaded", "path", path)
}

func (s *ScreenshotTaker) reportFailure(err error) {
	if s.onFailure != nil {
		s.onFailure(err)
	}
}
