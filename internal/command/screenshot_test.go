package command

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/digiplayer/agent/pkg/api"
)

func writeFrame(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frame.png")
	if err := os.WriteFile(path, []byte("png bytes"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestUploadFailureSurfacesToNextHeartbeat(t *testing.T) {
	e := NewExecutor(nil, nil)
	taker := &ScreenshotTaker{
		upload: func(ctx context.Context, name string, image io.Reader) error {
			return errors.New("server rejected upload")
		},
		onFailure: func(err error) { e.ReportFailure(api.CmdScreenshot, err) },
	}

	path := writeFrame(t)
	taker.doUpload(path)

	msg := e.TakeLastError()
	if !strings.Contains(msg, api.CmdScreenshot) || !strings.Contains(msg, "server rejected upload") {
		t.Fatalf("last error = %q, want the upload failure attributed to the screenshot command", msg)
	}
	if got := e.TakeLastError(); got != "" {
		t.Fatalf("TakeLastError did not clear, got %q", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("temp frame not removed after failed upload")
	}
}

func TestUploadSuccessReportsNothing(t *testing.T) {
	var reported bool
	taker := &ScreenshotTaker{
		upload: func(ctx context.Context, name string, image io.Reader) error {
			return nil
		},
		onFailure: func(error) { reported = true },
	}

	path := writeFrame(t)
	taker.doUpload(path)

	if reported {
		t.Fatal("successful upload must not report a failure")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("temp frame not removed after upload")
	}
}
