package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clawdis/clawdis/pkg/models"
)

func TestStageMedia_CopiesAndRewrites(t *testing.T) {
	srcDir := t.TempDir()
	workspace := t.TempDir()
	src := filepath.Join(srcDir, "photo.jpg")
	if err := os.WriteFile(src, []byte("jpeg bytes"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	msg := &models.MsgContext{MediaPaths: []string{src}}
	if err := StageMedia(context.Background(), workspace, msg); err != nil {
		t.Fatalf("StageMedia: %v", err)
	}

	rel := msg.MediaPaths[0]
	if !strings.HasPrefix(rel, mediaSubdir+string(filepath.Separator)) {
		t.Errorf("path not sandbox-relative: %q", rel)
	}
	if !strings.HasSuffix(rel, "photo.jpg") {
		t.Errorf("original name lost: %q", rel)
	}

	data, err := os.ReadFile(filepath.Join(workspace, rel))
	if err != nil {
		t.Fatalf("staged file missing: %v", err)
	}
	if string(data) != "jpeg bytes" {
		t.Errorf("staged content %q", data)
	}
}

func TestStageMedia_IdempotentPerSource(t *testing.T) {
	srcDir := t.TempDir()
	workspace := t.TempDir()
	src := filepath.Join(srcDir, "voice.ogg")
	if err := os.WriteFile(src, []byte("opus"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	first := &models.MsgContext{MediaPaths: []string{src}}
	if err := StageMedia(context.Background(), workspace, first); err != nil {
		t.Fatalf("first staging: %v", err)
	}
	second := &models.MsgContext{MediaPaths: []string{src}}
	if err := StageMedia(context.Background(), workspace, second); err != nil {
		t.Fatalf("second staging: %v", err)
	}
	if first.MediaPaths[0] != second.MediaPaths[0] {
		t.Errorf("staging not stable: %q vs %q", first.MediaPaths[0], second.MediaPaths[0])
	}

	entries, err := os.ReadDir(filepath.Join(workspace, mediaSubdir))
	if err != nil {
		t.Fatalf("read media dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("staged %d files, want 1", len(entries))
	}
}

func TestStageMedia_MissingSourceReportsFirstError(t *testing.T) {
	workspace := t.TempDir()
	srcDir := t.TempDir()
	good := filepath.Join(srcDir, "ok.txt")
	if err := os.WriteFile(good, []byte("ok"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	msg := &models.MsgContext{MediaPaths: []string{filepath.Join(srcDir, "gone.bin"), good}}
	err := StageMedia(context.Background(), workspace, msg)
	if err == nil {
		t.Fatal("missing source staged without error")
	}
	// The good file still stages.
	if !strings.HasPrefix(msg.MediaPaths[1], mediaSubdir) {
		t.Errorf("good path untouched: %q", msg.MediaPaths[1])
	}
}
