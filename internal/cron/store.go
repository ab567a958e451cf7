// Package cron persists scheduled agent jobs. Jobs are validated against
// the cron grammar on write; there is no background scheduler loop, the
// gateway's cron.run method (or an external timer) fires jobs explicitly.
package cron

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cronv3 "github.com/robfig/cron/v3"

	"github.com/clawdis/clawdis/pkg/models"
)

// StoreFile is the job store filename under the state dir.
const StoreFile = "cron.json"

// specParser accepts standard five-field specs, an optional leading seconds
// field and @-descriptors (@hourly, @every 5m, ...).
var specParser = cronv3.NewParser(
	cronv3.SecondOptional |
		cronv3.Minute |
		cronv3.Hour |
		cronv3.Dom |
		cronv3.Month |
		cronv3.Dow |
		cronv3.Descriptor,
)

// Job is one stored schedule entry. Prompt is the agent turn the job
// enqueues on its session when fired.
type Job struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Spec       string `json:"spec"`
	SessionKey string `json:"sessionKey"`
	Prompt     string `json:"prompt"`
	Enabled    bool   `json:"enabled"`

	CreatedAtMs int64 `json:"createdAtMs"`
	UpdatedAtMs int64 `json:"updatedAtMs"`
	LastRunAtMs int64 `json:"lastRunAtMs,omitempty"`

	LastError string `json:"lastError,omitempty"`
}

// NextRun computes the job's next fire time after now.
func (j Job) NextRun(now time.Time) (time.Time, error) {
	sched, err := specParser.Parse(j.Spec)
	if err != nil {
		return time.Time{}, models.WrapError(models.ErrInvalidRequest, err, "invalid cron spec %q", j.Spec)
	}
	return sched.Next(now), nil
}

type fileState struct {
	Jobs []Job `json:"jobs"`
}

// Store is the mutex-serialized job file. Every mutation rewrites the file
// atomically before returning.
type Store struct {
	mu    sync.Mutex
	path  string
	state fileState
	now   func() time.Time
}

// Option adjusts store construction.
type Option func(*Store)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore loads (or initializes) the cron store under stateDir.
func NewStore(stateDir string, opts ...Option) (*Store, error) {
	s := &Store{
		path: filepath.Join(stateDir, StoreFile),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &s.state)
}

// AddRequest is the caller-supplied half of a new job.
type AddRequest struct {
	Name       string
	Spec       string
	SessionKey string
	Prompt     string
}

// Add validates and persists a new enabled job.
func (s *Store) Add(req AddRequest) (Job, error) {
	if err := validate(req.Spec, req.SessionKey, req.Prompt); err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	job := Job{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(req.Name),
		Spec:        strings.TrimSpace(req.Spec),
		SessionKey:  strings.TrimSpace(req.SessionKey),
		Prompt:      req.Prompt,
		Enabled:     true,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	s.state.Jobs = append(s.state.Jobs, job)
	if err := s.persistLocked(); err != nil {
		s.state.Jobs = s.state.Jobs[:len(s.state.Jobs)-1]
		return Job{}, err
	}
	return job, nil
}

// UpdateRequest patches one job; nil fields are left alone.
type UpdateRequest struct {
	Name    *string
	Spec    *string
	Prompt  *string
	Enabled *bool
}

// Update applies a partial patch to a job.
func (s *Store) Update(id string, req UpdateRequest) (Job, error) {
	if req.Spec != nil {
		if _, err := specParser.Parse(strings.TrimSpace(*req.Spec)); err != nil {
			return Job{}, models.WrapError(models.ErrInvalidRequest, err, "invalid cron spec %q", *req.Spec)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return Job{}, models.NewError(models.ErrNotFound, "cron job %q not found", id)
	}
	prev := s.state.Jobs[idx]
	job := prev
	if req.Name != nil {
		job.Name = strings.TrimSpace(*req.Name)
	}
	if req.Spec != nil {
		job.Spec = strings.TrimSpace(*req.Spec)
	}
	if req.Prompt != nil {
		job.Prompt = *req.Prompt
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	job.UpdatedAtMs = s.now().UnixMilli()

	s.state.Jobs[idx] = job
	if err := s.persistLocked(); err != nil {
		s.state.Jobs[idx] = prev
		return Job{}, err
	}
	return job, nil
}

// Remove deletes a job.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return models.NewError(models.ErrNotFound, "cron job %q not found", id)
	}
	prev := s.state.Jobs
	s.state.Jobs = append(append([]Job(nil), prev[:idx]...), prev[idx+1:]...)
	if err := s.persistLocked(); err != nil {
		s.state.Jobs = prev
		return err
	}
	return nil
}

// Get returns one job by id.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexLocked(id); idx >= 0 {
		return s.state.Jobs[idx], true
	}
	return Job{}, false
}

// List returns all jobs, newest last.
func (s *Store) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.state.Jobs))
	copy(out, s.state.Jobs)
	return out
}

// MarkRun records a fire attempt. An empty runErr clears LastError.
func (s *Store) MarkRun(id string, runErr error) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return Job{}, models.NewError(models.ErrNotFound, "cron job %q not found", id)
	}
	prev := s.state.Jobs[idx]
	job := prev
	job.LastRunAtMs = s.now().UnixMilli()
	if runErr != nil {
		job.LastError = runErr.Error()
	} else {
		job.LastError = ""
	}
	s.state.Jobs[idx] = job
	if err := s.persistLocked(); err != nil {
		s.state.Jobs[idx] = prev
		return Job{}, err
	}
	return job, nil
}

func (s *Store) indexLocked(id string) int {
	for i, j := range s.state.Jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}

func validate(spec, sessionKey, prompt string) error {
	if strings.TrimSpace(sessionKey) == "" {
		return models.NewError(models.ErrInvalidRequest, "sessionKey is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return models.NewError(models.ErrInvalidRequest, "prompt is required")
	}
	if _, err := specParser.Parse(strings.TrimSpace(spec)); err != nil {
		return models.WrapError(models.ErrInvalidRequest, err, "invalid cron spec %q", spec)
	}
	return nil
}

func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
