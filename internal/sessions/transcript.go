package sessions

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/clawdis/clawdis/pkg/models"
)

// TranscriptDir is the directory (under the state dir) holding one JSONL
// file per session id.
const TranscriptDir = "transcripts"

// Transcripts stores full turn-by-turn message lists, one append-only JSONL
// file per session id. The session entry file never holds transcripts.
type Transcripts struct {
	mu  sync.Mutex
	dir string
}

// NewTranscripts returns a transcript store rooted under stateDir.
func NewTranscripts(stateDir string) *Transcripts {
	return &Transcripts{dir: filepath.Join(stateDir, TranscriptDir)}
}

// Path returns the transcript file for a session id.
func (t *Transcripts) Path(sessionID string) string {
	return filepath.Join(t.dir, sessionID+".jsonl")
}

// Append writes messages to the end of the session's transcript, creating
// the file on first use.
func (t *Transcripts) Append(sessionID string, msgs ...models.TranscriptMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.MkdirAll(t.dir, 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(t.Path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	return f.Sync()
}

// Load reads the full transcript for a session id. Missing files load as
// empty; lines that fail to parse are skipped so one torn write cannot
// poison the whole history.
func (t *Transcripts) Load(sessionID string) ([]models.TranscriptMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.Path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var msgs []models.TranscriptMessage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var m models.TranscriptMessage
		if err := json.Unmarshal(line, &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read transcript %s: %w", sessionID, err)
	}
	return msgs, nil
}

// Compact atomically replaces the transcript with the given messages. Used
// after heartbeat pruning or history summarization.
func (t *Transcripts) Compact(sessionID string, msgs []models.TranscriptMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.MkdirAll(t.dir, 0o700); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return writeFileAtomic(t.Path(sessionID), buf.Bytes(), 0o600)
}

// Remove deletes the transcript file. Removing a missing transcript is a
// no-op.
func (t *Transcripts) Remove(sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := os.Remove(t.Path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
