// Package pairing persists node pairing state and owns the operator scope
// model used by gateway authorization.
package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/pkg/models"
)

const (
	// StoreFile is the pairing store filename under the state dir.
	StoreFile = "pairing.json"

	// PendingTTL is how long a pairing request waits for operator approval.
	PendingTTL = 5 * time.Minute

	tokenBytes = 32
)

// PendingPair is a pairing request awaiting operator approval.
type PendingPair struct {
	RequestID   string    `json:"requestId"`
	NodeID      string    `json:"nodeId"`
	DisplayName string    `json:"displayName,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	Version     string    `json:"version,omitempty"`
	RemoteIP    string    `json:"remoteIp,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// PairedNode is an approved node with its token and granted scopes.
type PairedNode struct {
	NodeID       string  `json:"nodeId"`
	Token        string  `json:"token"`
	DisplayName  string  `json:"displayName,omitempty"`
	Platform     string  `json:"platform,omitempty"`
	ApprovedAtMs int64   `json:"approvedAtMs"`
	Scopes       []Scope `json:"scopes"`
}

type fileState struct {
	Pending []PendingPair `json:"pending"`
	Paired  []PairedNode  `json:"paired"`
}

// Store is the pairing state behind a single serialized writer. All
// mutations rewrite pairing.json atomically before returning.
type Store struct {
	mu    sync.Mutex
	path  string
	state fileState
	now   func() time.Time
	rand  io.Reader
}

// Option adjusts store construction.
type Option func(*Store)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRand injects a randomness source for tests.
func WithRand(r io.Reader) Option {
	return func(s *Store) { s.rand = r }
}

// NewStore loads (or initializes) the pairing store under stateDir.
func NewStore(stateDir string, opts ...Option) (*Store, error) {
	s := &Store{
		path: filepath.Join(stateDir, StoreFile),
		now:  time.Now,
		rand: rand.Reader,
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

// PairRequest is the client-supplied half of a pairing request.
type PairRequest struct {
	NodeID      string
	DisplayName string
	Platform    string
	Version     string
	RemoteIP    string
}

// RequestPairing appends a pending request. A live request for the same
// node is returned as-is instead of duplicated.
func (s *Store) RequestPairing(req PairRequest) (PendingPair, error) {
	nodeID := strings.TrimSpace(req.NodeID)
	if nodeID == "" {
		return PendingPair{}, models.NewError(models.ErrInvalidRequest, "nodeId is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	for _, p := range s.state.Pending {
		if p.NodeID == nodeID {
			return p, nil
		}
	}

	now := s.now()
	p := PendingPair{
		RequestID:   uuid.NewString(),
		NodeID:      nodeID,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Platform:    strings.TrimSpace(req.Platform),
		Version:     strings.TrimSpace(req.Version),
		RemoteIP:    strings.TrimSpace(req.RemoteIP),
		RequestedAt: now,
		ExpiresAt:   now.Add(PendingTTL),
	}
	s.state.Pending = append(s.state.Pending, p)
	if err := s.persistLocked(); err != nil {
		s.state.Pending = s.state.Pending[:len(s.state.Pending)-1]
		return PendingPair{}, err
	}
	return p, nil
}

// ListPending returns live pairing requests, pruning expired ones.
func (s *Store) ListPending() []PendingPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	out := make([]PendingPair, len(s.state.Pending))
	copy(out, s.state.Pending)
	return out
}

// ListPaired returns approved nodes. Tokens are blanked; callers that need
// the token get it from Approve or RotateToken.
func (s *Store) ListPaired() []PairedNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PairedNode, len(s.state.Paired))
	copy(out, s.state.Paired)
	for i := range out {
		out[i].Token = ""
	}
	return out
}

// Approve moves a pending request to paired with the granted scopes and
// returns the node including its fresh token. An expired request is gone
// and approves as NOT_FOUND.
func (s *Store) Approve(requestID string, scopes []Scope) (PairedNode, error) {
	for _, sc := range scopes {
		if !sc.Valid() {
			return PairedNode{}, models.NewError(models.ErrInvalidRequest, "unknown scope %q", sc)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	idx := -1
	for i, p := range s.state.Pending {
		if p.RequestID == requestID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return PairedNode{}, models.NewError(models.ErrNotFound, "pairing request %q not found", requestID)
	}
	req := s.state.Pending[idx]

	token, err := s.newToken()
	if err != nil {
		return PairedNode{}, err
	}
	node := PairedNode{
		NodeID:       req.NodeID,
		Token:        token,
		DisplayName:  req.DisplayName,
		Platform:     req.Platform,
		ApprovedAtMs: s.now().UnixMilli(),
		Scopes:       append([]Scope(nil), scopes...),
	}

	prevPending := s.state.Pending
	prevPaired := s.state.Paired
	s.state.Pending = append(append([]PendingPair(nil), prevPending[:idx]...), prevPending[idx+1:]...)
	// Re-approving a node replaces its previous registration.
	kept := make([]PairedNode, 0, len(prevPaired)+1)
	for _, n := range prevPaired {
		if n.NodeID != node.NodeID {
			kept = append(kept, n)
		}
	}
	s.state.Paired = append(kept, node)

	if err := s.persistLocked(); err != nil {
		s.state.Pending = prevPending
		s.state.Paired = prevPaired
		return PairedNode{}, err
	}
	return node, nil
}

// Reject drops a pending request.
func (s *Store) Reject(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	for i, p := range s.state.Pending {
		if p.RequestID == requestID {
			prev := s.state.Pending
			s.state.Pending = append(append([]PendingPair(nil), prev[:i]...), prev[i+1:]...)
			if err := s.persistLocked(); err != nil {
				s.state.Pending = prev
				return err
			}
			return nil
		}
	}
	return models.NewError(models.ErrNotFound, "pairing request %q not found", requestID)
}

// Revoke removes a paired node; its token stops verifying immediately.
func (s *Store) Revoke(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, n := range s.state.Paired {
		if n.NodeID == nodeID {
			prev := s.state.Paired
			s.state.Paired = append(append([]PairedNode(nil), prev[:i]...), prev[i+1:]...)
			if err := s.persistLocked(); err != nil {
				s.state.Paired = prev
				return err
			}
			return nil
		}
	}
	return models.NewError(models.ErrNotFound, "node %q is not paired", nodeID)
}

// RotateToken replaces a paired node's token and returns the new one. The
// old token stops verifying the moment this returns.
func (s *Store) RotateToken(nodeID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, n := range s.state.Paired {
		if n.NodeID == nodeID {
			token, err := s.newToken()
			if err != nil {
				return "", err
			}
			old := n.Token
			s.state.Paired[i].Token = token
			if err := s.persistLocked(); err != nil {
				s.state.Paired[i].Token = old
				return "", err
			}
			return token, nil
		}
	}
	return "", models.NewError(models.ErrNotFound, "node %q is not paired", nodeID)
}

// TokenFor returns the current token for a paired node. The gateway's
// pair-request flow uses it to hand the token to a node waiting on
// out-of-band approval.
func (s *Store) TokenFor(nodeID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.state.Paired {
		if n.NodeID == nodeID {
			return n.Token, true
		}
	}
	return "", false
}

// VerifyToken returns the paired node when nodeID and token match. The
// token comparison is constant time.
func (s *Store) VerifyToken(nodeID, token string) (*PairedNode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.state.Paired {
		if n.NodeID != nodeID {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(n.Token), []byte(token)) == 1 {
			out := n
			out.Scopes = append([]Scope(nil), n.Scopes...)
			return &out, true
		}
		return nil, false
	}
	return nil, false
}

func (s *Store) pruneLocked() {
	now := s.now()
	kept := s.state.Pending[:0]
	for _, p := range s.state.Pending {
		if p.ExpiresAt.After(now) {
			kept = append(kept, p)
		}
	}
	s.state.Pending = kept
}

func (s *Store) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return "", models.WrapError(models.ErrUnavailable, err, "token generation failed")
	}
	return hex.EncodeToString(buf), nil
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
