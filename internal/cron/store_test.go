package cron

import (
	"errors"
	"testing"
	"time"

	"github.com/clawdis/clawdis/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestAdd_ValidSpecs(t *testing.T) {
	s := newTestStore(t)
	for _, spec := range []string{"*/5 * * * *", "0 9 * * MON-FRI", "@hourly", "@every 90s", "30 0 12 * * *"} {
		job, err := s.Add(AddRequest{Spec: spec, SessionKey: "main", Prompt: "check in"})
		if err != nil {
			t.Errorf("Add(%q): %v", spec, err)
			continue
		}
		if job.ID == "" || !job.Enabled {
			t.Errorf("Add(%q) = %+v", spec, job)
		}
	}
	if got := len(s.List()); got != 5 {
		t.Errorf("List() has %d jobs", got)
	}
}

func TestAdd_Rejections(t *testing.T) {
	s := newTestStore(t)
	cases := []AddRequest{
		{Spec: "not a spec", SessionKey: "main", Prompt: "p"},
		{Spec: "* * * * *", SessionKey: "", Prompt: "p"},
		{Spec: "* * * * *", SessionKey: "main", Prompt: ""},
	}
	for i, req := range cases {
		if _, err := s.Add(req); models.KindOf(err) != models.ErrInvalidRequest {
			t.Errorf("case %d: err = %v, want INVALID_REQUEST", i, err)
		}
	}
}

func TestUpdate_PatchesAndValidates(t *testing.T) {
	s := newTestStore(t)
	job, err := s.Add(AddRequest{Spec: "@daily", SessionKey: "main", Prompt: "report"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	bad := "whenever"
	if _, err := s.Update(job.ID, UpdateRequest{Spec: &bad}); models.KindOf(err) != models.ErrInvalidRequest {
		t.Errorf("bad spec update: %v", err)
	}

	spec := "@hourly"
	disabled := false
	updated, err := s.Update(job.ID, UpdateRequest{Spec: &spec, Enabled: &disabled})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Spec != "@hourly" || updated.Enabled {
		t.Errorf("updated = %+v", updated)
	}

	if _, err := s.Update("missing", UpdateRequest{}); models.KindOf(err) != models.ErrNotFound {
		t.Errorf("unknown id: %v", err)
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	job, _ := s.Add(AddRequest{Spec: "@daily", SessionKey: "main", Prompt: "p"})
	if err := s.Remove(job.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s.Get(job.ID); ok {
		t.Error("job survives removal")
	}
	if err := s.Remove(job.ID); models.KindOf(err) != models.ErrNotFound {
		t.Errorf("double remove: %v", err)
	}
}

func TestMarkRun(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := NewStore(t.TempDir(), WithClock(func() time.Time { return base }))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	job, _ := s.Add(AddRequest{Spec: "@daily", SessionKey: "main", Prompt: "p"})

	failed, err := s.MarkRun(job.ID, errors.New("turn blew up"))
	if err != nil {
		t.Fatalf("MarkRun: %v", err)
	}
	if failed.LastRunAtMs != base.UnixMilli() || failed.LastError != "turn blew up" {
		t.Errorf("failed run = %+v", failed)
	}

	okRun, err := s.MarkRun(job.ID, nil)
	if err != nil {
		t.Fatalf("MarkRun: %v", err)
	}
	if okRun.LastError != "" {
		t.Errorf("success kept error %q", okRun.LastError)
	}
}

func TestNextRun(t *testing.T) {
	job := Job{Spec: "0 9 * * *"}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next, err := job.NextRun(now)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	job, _ := s.Add(AddRequest{Name: "daily report", Spec: "@daily", SessionKey: "main", Prompt: "report"})

	reopened, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Get(job.ID)
	if !ok || got.Name != "daily report" || got.Spec != "@daily" {
		t.Errorf("reloaded job = %+v ok=%v", got, ok)
	}
}
