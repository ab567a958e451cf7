// Package queue buffers inbound messages per session key, debounces rapid
// bursts into a single batch, and enforces the queue cap with the session's
// drop policy.
package queue

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

const (
	// DefaultDebounce is the wait after the last enqueue before a batch
	// drains.
	DefaultDebounce = 400 * time.Millisecond

	// DefaultMaxQueued is the queue cap per session.
	DefaultMaxQueued = 20

	// elidedLineChars caps each dropped-message line in an overflow summary.
	elidedLineChars = 160
)

// Config tunes debounce and overflow behavior. Sessions may override the
// cap and drop policy per key through their entry.
type Config struct {
	Debounce   time.Duration
	ByChannel  map[string]time.Duration
	MaxQueued  int
	DropPolicy models.QueueDropPolicy
}

func (c Config) debounceFor(channel string) time.Duration {
	if d, ok := c.ByChannel[strings.ToLower(channel)]; ok && d >= 0 {
		return d
	}
	if c.Debounce > 0 {
		return c.Debounce
	}
	return DefaultDebounce
}

// Batch is one atomically drained set of messages for a single session.
// Messages preserve source order; Dropped counts overflow victims already
// summarized into the lead message.
type Batch struct {
	Key      sessions.Key
	Messages []*models.MsgContext
	Dropped  int
}

// Overrides carries the per-session queue knobs from the session entry.
type Overrides struct {
	MaxQueued  int
	DropPolicy models.QueueDropPolicy
}

// Manager owns one queue per session key for the process lifetime. The
// flush callback runs on its own goroutine; at most one batch per key is in
// flight at a time, and messages enqueued during a flush wait for the next
// window.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	flush  func(Batch)
	queues map[sessions.Key]*sessionQueue
	closed bool
}

type sessionQueue struct {
	items        []*models.MsgContext
	dropped      []string
	droppedCount int
	timer        *time.Timer
	inFlight     bool
	window       time.Duration
}

// NewManager builds a Manager that hands drained batches to flush.
func NewManager(cfg Config, flush func(Batch)) *Manager {
	return &Manager{
		cfg:    cfg,
		flush:  flush,
		queues: make(map[sessions.Key]*sessionQueue),
	}
}

// Enqueue adds a message to the key's queue and (re)arms the debounce
// timer. It never blocks; overflow is resolved immediately with the
// effective drop policy.
func (m *Manager) Enqueue(key sessions.Key, msg *models.MsgContext, ov Overrides) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	q := m.queues[key]
	if q == nil {
		q = &sessionQueue{}
		m.queues[key] = q
	}
	q.window = m.cfg.debounceFor(msg.Channel)

	max := m.cfg.MaxQueued
	if ov.MaxQueued > 0 {
		max = ov.MaxQueued
	}
	if max <= 0 {
		max = DefaultMaxQueued
	}
	policy := m.cfg.DropPolicy
	if ov.DropPolicy != "" {
		policy = ov.DropPolicy
	}
	if policy == "" {
		policy = models.DropSummarize
	}

	if len(q.items) >= max {
		switch policy {
		case models.DropNew:
			m.armLocked(key, q)
			return
		case models.DropOld:
			q.items = append(q.items[:0], q.items[1:]...)
		default: // summarize
			victim := q.items[0]
			q.items = append(q.items[:0], q.items[1:]...)
			q.dropped = append(q.dropped, elide(victim.Body))
			q.droppedCount++
		}
	}
	q.items = append(q.items, msg)
	m.armLocked(key, q)
}

func (m *Manager) armLocked(key sessions.Key, q *sessionQueue) {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(q.window, func() { m.fire(key) })
}

func (m *Manager) fire(key sessions.Key) {
	m.mu.Lock()
	q := m.queues[key]
	if q == nil || m.closed || q.inFlight || len(q.items) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.drainLocked(key, q)
	q.inFlight = true
	m.mu.Unlock()

	go func() {
		defer m.finish(key)
		m.flush(batch)
	}()
}

func (m *Manager) finish(key sessions.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[key]
	if q == nil {
		return
	}
	q.inFlight = false
	if len(q.items) > 0 && !m.closed {
		m.armLocked(key, q)
	}
}

// drainLocked empties the queue into one batch, prefixing an overflow
// summary when messages were discarded under the summarize policy.
func (m *Manager) drainLocked(key sessions.Key, q *sessionQueue) Batch {
	items := q.items
	q.items = nil

	batch := Batch{Key: key, Messages: items, Dropped: q.droppedCount}
	if q.droppedCount > 0 && len(items) > 0 {
		// The summary trails the surviving messages so the batch prompt
		// ends with the overflow notice.
		summary := *items[len(items)-1]
		summary.Body = overflowSummary(q.droppedCount, q.dropped)
		summary.MediaPaths = nil
		summary.MediaURLs = nil
		batch.Messages = append(items, &summary)
	}
	q.dropped = nil
	q.droppedCount = 0
	return batch
}

// Abort drains the key's queue without invoking the flush callback and
// returns the discarded messages.
func (m *Manager) Abort(key sessions.Key) []*models.MsgContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[key]
	if q == nil {
		return nil
	}
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	items := q.items
	q.items = nil
	q.dropped = nil
	q.droppedCount = 0
	return items
}

// Len reports the number of queued messages for a key.
func (m *Manager) Len(key sessions.Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.queues[key]; q != nil {
		return len(q.items)
	}
	return 0
}

// Close stops all timers; queued messages are dropped.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, q := range m.queues {
		if q.timer != nil {
			q.timer.Stop()
		}
	}
}

func overflowSummary(n int, lines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Queue overflow] Dropped %d messages due to cap.", n)
	for _, l := range lines {
		b.WriteString("\n")
		b.WriteString(l)
	}
	return b.String()
}

func elide(body string) string {
	body = strings.TrimSpace(strings.ReplaceAll(body, "\n", " "))
	runes := []rune(body)
	if len(runes) <= elidedLineChars {
		return body
	}
	return string(runes[:elidedLineChars-1]) + "…"
}
