package sessions

import (
	"os"
	"strings"
	"testing"

	"github.com/clawdis/clawdis/pkg/models"
)

func TestTranscripts_AppendLoadRoundTrip(t *testing.T) {
	tr := NewTranscripts(t.TempDir())
	id := "sess-1"

	if err := tr.Append(id,
		models.TranscriptMessage{Role: models.RoleUser, Content: "hello"},
		models.TranscriptMessage{Role: models.RoleAssistant, Content: "hi there"},
	); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := tr.Append(id, models.TranscriptMessage{Role: models.RoleUser, Content: "more"}); err != nil {
		t.Fatalf("second Append: %v", err)
	}

	msgs, err := tr.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("loaded %d messages", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[2].Content != "more" {
		t.Errorf("order lost: %+v", msgs)
	}
}

func TestTranscripts_LoadMissingIsEmpty(t *testing.T) {
	tr := NewTranscripts(t.TempDir())
	msgs, err := tr.Load("never-written")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected empty, got %v", msgs)
	}
}

func TestTranscripts_SkipsTornLine(t *testing.T) {
	tr := NewTranscripts(t.TempDir())
	id := "sess-torn"
	if err := tr.Append(id, models.TranscriptMessage{Role: models.RoleUser, Content: "ok"}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(tr.Path(id), os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"role":"assistant","cont`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	msgs, err := tr.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "ok" {
		t.Errorf("torn line not skipped: %+v", msgs)
	}
}

func TestTranscripts_CompactRewrites(t *testing.T) {
	tr := NewTranscripts(t.TempDir())
	id := "sess-compact"
	for i := 0; i < 5; i++ {
		if err := tr.Append(id, models.TranscriptMessage{Role: models.RoleUser, Content: strings.Repeat("x", i+1)}); err != nil {
			t.Fatal(err)
		}
	}
	kept := []models.TranscriptMessage{{Role: models.RoleUser, Content: "survivor"}}
	if err := tr.Compact(id, kept); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	msgs, err := tr.Load(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "survivor" {
		t.Errorf("compact result: %+v", msgs)
	}
}

func TestTranscripts_RemoveIdempotent(t *testing.T) {
	tr := NewTranscripts(t.TempDir())
	id := "sess-rm"
	if err := tr.Append(id, models.TranscriptMessage{Role: models.RoleUser, Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := tr.Remove(id); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}
