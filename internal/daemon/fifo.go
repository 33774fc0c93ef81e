package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nicolasforstinger/lucyd/internal/dispatch"
)

// fifoReopenDelay is how long the reader waits before reopening the FIFO
// after an unexpected error (not a clean EOF), mirroring the 1s backoff in
// the original daemon's `_fifo_reader`.
const fifoReopenDelay = 1 * time.Second

// rawControlMessage mirrors the control dict shape read off the FIFO before
// it's validated and converted into a dispatch.ControlMessage.
type rawControlMessage struct {
	Type        string            `json:"type"`
	Sender      string            `json:"sender"`
	Text        string            `json:"text"`
	Attachments []rawAttachment   `json:"attachments"`
	Tier        string            `json:"tier"`
	NotifyMeta  map[string]string `json:"notify_meta"`
	SessionID   string            `json:"session_id"`
	All         bool              `json:"all"`
}

type rawAttachment struct {
	ContentType string `json:"content_type"`
	LocalPath   string `json:"local_path"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
}

// RunFIFOReader creates (or recreates) the control FIFO at path and feeds
// validated control messages into disp until ctx is cancelled. Malformed
// lines are logged and skipped rather than crashing the reader.
// Ported from `_fifo_reader` in the original daemon.
func RunFIFOReader(ctx context.Context, path string, disp *dispatch.Dispatcher) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("daemon: create fifo dir: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("daemon: remove existing fifo: %w", err)
		}
	}
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return fmt.Errorf("daemon: mkfifo: %w", err)
	}
	slog.Info("daemon: control fifo ready", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := readFIFOOnce(path, disp); err != nil {
			slog.Error("daemon: fifo reader error", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fifoReopenDelay):
			}
		}
	}
}

// readFIFOOnce blocks opening path until a writer connects, reads until
// EOF, and dispatches each well-formed JSON line.
func readFIFOOnce(path string, disp *dispatch.Dispatcher) error {
	f, err := os.OpenFile(path, os.O_RDONLY, os.ModeNamedPipe)
	if err != nil {
		return fmt.Errorf("open fifo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		handleFIFOLine(line, disp)
	}
	return scanner.Err()
}

func handleFIFOLine(line string, disp *dispatch.Dispatcher) {
	var raw rawControlMessage
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		slog.Warn("daemon: invalid JSON from control fifo", "line", truncate(line, 200), "error", err)
		return
	}

	if raw.Type == "reset" {
		if raw.Sender == "" && raw.SessionID == "" && !raw.All {
			slog.Warn("daemon: reset control message missing sender/session_id/all, ignoring")
			return
		}
		disp.PublishControl(dispatch.ControlMessage{
			Type:      "reset",
			Sender:    raw.Sender,
			SessionID: raw.SessionID,
			All:       raw.All,
		})
		return
	}

	if raw.Text == "" || raw.Sender == "" {
		slog.Warn("daemon: control fifo message missing text/sender, ignoring")
		return
	}

	var attachments []string
	for _, a := range raw.Attachments {
		if a.LocalPath != "" {
			attachments = append(attachments, a.LocalPath)
		}
	}

	disp.PublishControl(dispatch.ControlMessage{
		Type:        raw.Type,
		Sender:      raw.Sender,
		Text:        raw.Text,
		Attachments: attachments,
		Tier:        raw.Tier,
		NotifyMeta:  raw.NotifyMeta,
		SessionID:   raw.SessionID,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
