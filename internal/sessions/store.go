package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/pkg/models"
)

// StoreFile is the entry file name inside the state directory.
const StoreFile = "sessions.json"

// Store is the durable session map. All mutations funnel through one mutex
// and rewrite the backing file atomically; readers get copies.
type Store struct {
	mu      sync.Mutex
	path    string
	entries map[Key]*models.SessionEntry

	mainKey       Key
	allowedModels map[string]bool // nil means any model passes validation
	now           func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMainKey sets the key the "main" alias resolves to.
func WithMainKey(k Key) Option {
	return func(s *Store) { s.mainKey = k }
}

// WithAllowedModels restricts the model/modelOverride fields to the given
// identifiers. An empty slice clears the restriction.
func WithAllowedModels(ids []string) Option {
	return func(s *Store) {
		if len(ids) == 0 {
			s.allowedModels = nil
			return
		}
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[strings.TrimSpace(id)] = true
		}
		s.allowedModels = set
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore opens (or creates) the session store under stateDir.
func NewStore(stateDir string, opts ...Option) (*Store, error) {
	s := &Store{
		path:    filepath.Join(stateDir, StoreFile),
		entries: make(map[Key]*models.SessionEntry),
		now:     time.Now,
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
	raw := make(map[string]*models.SessionEntry)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, e := range raw {
		s.entries[Normalize(k)] = e
	}
	return nil
}

// Get returns a copy of the entry for key, if present.
func (s *Store) Get(ctx context.Context, key Key) (*models.SessionEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// GetOrCreate returns the entry for key, creating it with a fresh session id
// when absent.
func (s *Store) GetOrCreate(ctx context.Context, key Key) (*models.SessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		cp := *e
		return &cp, nil
	}
	e := &models.SessionEntry{
		SessionID: uuid.NewString(),
		UpdatedAt: s.now().UnixMilli(),
	}
	s.entries[key] = e
	if err := s.persistLocked(); err != nil {
		delete(s.entries, key)
		return nil, err
	}
	cp := *e
	return &cp, nil
}

// Patch applies a partial update atomically. Validation failures reject the
// whole patch with INVALID_REQUEST and leave the entry untouched.
func (s *Store) Patch(ctx context.Context, key Key, patch models.SessionPatch) (*models.SessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[key]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "no session for key %q", key)
	}

	next := *cur
	if err := s.applyLocked(key, &next, patch); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now().UnixMilli()

	s.entries[key] = &next
	if err := s.persistLocked(); err != nil {
		s.entries[key] = cur
		return nil, err
	}
	cp := next
	return &cp, nil
}

func (s *Store) applyLocked(key Key, e *models.SessionEntry, p models.SessionPatch) error {
	if p.Label != nil {
		label := strings.TrimSpace(*p.Label)
		if label != "" {
			for k, other := range s.entries {
				if k != key && strings.EqualFold(other.Label, label) {
					return models.NewError(models.ErrInvalidRequest, "label already in use: %q (held by %s)", label, k)
				}
			}
		}
		e.Label = label
	}

	if p.ThinkingLevel != nil {
		if *p.ThinkingLevel != "" && !models.ValidThinkingLevel(*p.ThinkingLevel) {
			return models.NewError(models.ErrInvalidRequest, "unknown thinking level %q", *p.ThinkingLevel)
		}
		e.ThinkingLevel = *p.ThinkingLevel
	}
	if p.VerboseLevel != nil {
		if *p.VerboseLevel != "" && !models.ValidToggleLevel(*p.VerboseLevel) {
			return models.NewError(models.ErrInvalidRequest, "unknown verbose level %q", *p.VerboseLevel)
		}
		e.VerboseLevel = *p.VerboseLevel
	}
	if p.ReasoningLevel != nil {
		if *p.ReasoningLevel != "" && !models.ValidReasoningLevel(*p.ReasoningLevel) {
			return models.NewError(models.ErrInvalidRequest, "unknown reasoning level %q", *p.ReasoningLevel)
		}
		e.ReasoningLevel = *p.ReasoningLevel
	}
	if p.ElevatedLevel != nil {
		if *p.ElevatedLevel != "" && !models.ValidToggleLevel(*p.ElevatedLevel) {
			return models.NewError(models.ErrInvalidRequest, "unknown elevated level %q", *p.ElevatedLevel)
		}
		e.ElevatedLevel = *p.ElevatedLevel
	}
	if p.ResponseUsage != nil {
		if *p.ResponseUsage != "" && !models.ValidToggleLevel(*p.ResponseUsage) {
			return models.NewError(models.ErrInvalidRequest, "unknown usage level %q", *p.ResponseUsage)
		}
		e.ResponseUsage = *p.ResponseUsage
	}
	if p.SendPolicy != nil {
		if *p.SendPolicy != "" && !models.ValidSendPolicy(*p.SendPolicy) {
			return models.NewError(models.ErrInvalidRequest, "unknown send policy %q", *p.SendPolicy)
		}
		e.SendPolicy = *p.SendPolicy
	}
	if p.GroupActivation != nil {
		if *p.GroupActivation != "" && !models.ValidGroupActivation(*p.GroupActivation) {
			return models.NewError(models.ErrInvalidRequest, "unknown activation mode %q", *p.GroupActivation)
		}
		e.GroupActivation = *p.GroupActivation
	}
	if p.QueueDropPolicy != nil {
		if *p.QueueDropPolicy != "" && !models.ValidQueueDropPolicy(*p.QueueDropPolicy) {
			return models.NewError(models.ErrInvalidRequest, "unknown queue drop policy %q", *p.QueueDropPolicy)
		}
		e.QueueDropPolicy = *p.QueueDropPolicy
	}
	if p.QueueLimit != nil {
		if *p.QueueLimit < 0 {
			return models.NewError(models.ErrInvalidRequest, "queue limit must be >= 0")
		}
		e.QueueLimit = *p.QueueLimit
	}

	if p.ProviderOverride != nil {
		e.ProviderOverride = strings.TrimSpace(*p.ProviderOverride)
	}
	if p.ModelOverride != nil {
		m := strings.TrimSpace(*p.ModelOverride)
		if err := s.checkModelLocked(m); err != nil {
			return err
		}
		e.ModelOverride = m
	}
	if p.Model != nil {
		m := strings.TrimSpace(*p.Model)
		if err := s.checkModelLocked(m); err != nil {
			return err
		}
		e.Model = m
	}

	if p.SpawnedBy != nil {
		parent := strings.TrimSpace(*p.SpawnedBy)
		switch {
		case parent == "":
			return models.NewError(models.ErrInvalidRequest, "spawnedBy cannot be cleared")
		case !key.IsSubagent():
			return models.NewError(models.ErrInvalidRequest, "spawnedBy is only valid on subagent sessions")
		case e.SpawnedBy != "" && e.SpawnedBy != parent:
			return models.NewError(models.ErrInvalidRequest, "spawnedBy already set to %q", e.SpawnedBy)
		}
		e.SpawnedBy = parent
	}

	if p.LastProvider != nil {
		e.LastProvider = *p.LastProvider
	}
	if p.LastTo != nil {
		e.LastTo = *p.LastTo
	}
	if p.LastAccountID != nil {
		e.LastAccountID = *p.LastAccountID
	}
	if p.LastChannel != nil {
		e.LastChannel = *p.LastChannel
	}
	if p.SystemSent != nil {
		e.SystemSent = *p.SystemSent
	}
	if p.AbortedLastRun != nil {
		e.AbortedLastRun = *p.AbortedLastRun
	}
	if p.SkillsSnapshotVersion != nil {
		e.SkillsSnapshotVersion = *p.SkillsSnapshotVersion
	}
	if p.ContextTokens != nil {
		e.ContextTokens = *p.ContextTokens
	}
	return nil
}

func (s *Store) checkModelLocked(model string) error {
	if model == "" || s.allowedModels == nil {
		return nil
	}
	if !s.allowedModels[model] {
		return models.NewError(models.ErrInvalidRequest, "model %q is not in the allowed set", model)
	}
	return nil
}

// Reset assigns a fresh session id to an existing entry and clears the
// transport flags, keeping runtime overrides. Used by /new and
// sessions.reset; these are the only paths that change a session id.
func (s *Store) Reset(ctx context.Context, key Key) (*models.SessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[key]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "no session for key %q", key)
	}
	next := *cur
	next.SessionID = uuid.NewString()
	next.UpdatedAt = s.now().UnixMilli()
	next.SystemSent = false
	next.AbortedLastRun = false
	next.ContextTokens = 0

	s.entries[key] = &next
	if err := s.persistLocked(); err != nil {
		s.entries[key] = cur
		return nil, err
	}
	cp := next
	return &cp, nil
}

// Delete removes the entry for key. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return nil
	}
	cur := s.entries[key]
	delete(s.entries, key)
	if err := s.persistLocked(); err != nil {
		s.entries[key] = cur
		return err
	}
	return nil
}

// ListOptions narrows a List call.
type ListOptions struct {
	// Filter is a case-insensitive substring matched against key and label.
	Filter string
	// Limit caps the result count; 0 means unlimited.
	Limit int
	// ActiveMinutes keeps only entries updated within the window; 0 keeps all.
	ActiveMinutes int
	// SpawnedBy keeps only subagent entries spawned by the given key. Used
	// for sandboxed callers whose visibility is restricted to their spawn.
	SpawnedBy Key
	// IncludeGlobal includes the agents' main lanes.
	IncludeGlobal bool
	// IncludeUnknown includes entries whose key does not match the canonical
	// shape (imported or legacy state).
	IncludeUnknown bool
}

// ListItem pairs a key with its entry copy.
type ListItem struct {
	Key   Key                  `json:"key"`
	Entry *models.SessionEntry `json:"entry"`
}

// List returns matching entries sorted by updatedAt descending.
func (s *Store) List(ctx context.Context, opts ListOptions) []ListItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := int64(0)
	if opts.ActiveMinutes > 0 {
		cutoff = s.now().Add(-time.Duration(opts.ActiveMinutes) * time.Minute).UnixMilli()
	}
	filter := strings.ToLower(strings.TrimSpace(opts.Filter))

	var out []ListItem
	for k, e := range s.entries {
		if opts.SpawnedBy != "" && (!k.IsSubagent() || Normalize(e.SpawnedBy) != opts.SpawnedBy) {
			continue
		}
		if k.IsMain() && !opts.IncludeGlobal && opts.SpawnedBy == "" {
			continue
		}
		if k.AgentID() == "" && !opts.IncludeUnknown {
			continue
		}
		if cutoff > 0 && e.UpdatedAt < cutoff {
			continue
		}
		if filter != "" &&
			!strings.Contains(strings.ToLower(string(k)), filter) &&
			!strings.Contains(strings.ToLower(e.Label), filter) {
			continue
		}
		cp := *e
		out = append(out, ListItem{Key: k, Entry: &cp})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Entry.UpdatedAt != out[j].Entry.UpdatedAt {
			return out[i].Entry.UpdatedAt > out[j].Entry.UpdatedAt
		}
		return out[i].Key < out[j].Key
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// Resolve maps a display key, the "main" alias, or a label to a session key.
func (s *Store) Resolve(ctx context.Context, ref string) (Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	if strings.EqualFold(ref, MainAlias) && s.mainKey != "" {
		return s.mainKey, true
	}
	if k := Normalize(ref); s.entries[k] != nil {
		return k, true
	}
	for k, e := range s.entries {
		if e.Label != "" && strings.EqualFold(e.Label, ref) {
			return k, true
		}
	}
	return "", false
}

func (s *Store) persistLocked() error {
	raw := make(map[string]*models.SessionEntry, len(s.entries))
	for k, e := range s.entries {
		raw[string(k)] = e
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o600)
}

// writeFileAtomic writes via a temp file in the same directory and renames
// over the target so readers never observe a partial file.
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
