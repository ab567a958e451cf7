package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

type sentCall struct {
	target  string
	payload models.ReplyPayload
	opts    channels.SendOptions
}

type fakePlugin struct {
	id        string
	limit     int
	markdown  bool
	threading bool
	calls     []sentCall
	fail      []error // consumed per call; nil entry means success
}

func (p *fakePlugin) ID() string        { return p.id }
func (p *fakePlugin) Aliases() []string { return nil }
func (p *fakePlugin) Order() int        { return 0 }
func (p *fakePlugin) Capabilities() []channels.Capability {
	return []channels.Capability{channels.CapSend}
}
func (p *fakePlugin) MaxTextChars() int       { return p.limit }
func (p *fakePlugin) SupportsMarkdown() bool  { return p.markdown }
func (p *fakePlugin) SupportsThreading() bool { return p.threading }
func (p *fakePlugin) SupportsBlocks() bool    { return false }
func (p *fakePlugin) NormalizeTarget(raw string) (string, bool) {
	return strings.TrimSpace(raw), true
}
func (p *fakePlugin) HasMention(*models.MsgContext) bool { return false }

func (p *fakePlugin) Send(_ context.Context, target string, payload models.ReplyPayload, opts channels.SendOptions) (channels.SendResult, error) {
	i := len(p.calls)
	p.calls = append(p.calls, sentCall{target: target, payload: payload, opts: opts})
	if i < len(p.fail) && p.fail[i] != nil {
		return channels.SendResult{}, p.fail[i]
	}
	return channels.SendResult{MessageID: fmt.Sprintf("m%d", i+1)}, nil
}

func newTestDispatcher(plugins ...channels.Plugin) *Dispatcher {
	reg := channels.NewRegistry(plugins...)
	d := New(reg, nil, nil, observability.Nop(), nil)
	d.retry.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func TestDispatch_CaptionCapableSingleSend(t *testing.T) {
	p := &fakePlugin{id: "telegram", limit: 4000, markdown: true}
	d := newTestDispatcher(p)

	res, err := d.Dispatch(context.Background(), Request{
		Route: Route{Channel: "telegram", Target: "12345"},
		Payloads: []models.ReplyPayload{
			{Text: "here you go", MediaURL: "https://x/img.png"},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(p.calls) != 1 {
		t.Fatalf("got %d sends, want 1 captioned send", len(p.calls))
	}
	got := p.calls[0].payload
	if got.Text == "" || got.MediaURL == "" {
		t.Errorf("caption send lost a part: %+v", got)
	}
	if res.Delivered != 1 {
		t.Errorf("delivered %d", res.Delivered)
	}
}

func TestDispatch_SplitsTextThenMedia(t *testing.T) {
	p := &fakePlugin{id: "whatsapp", limit: 4000, markdown: true}
	d := newTestDispatcher(p)

	_, err := d.Dispatch(context.Background(), Request{
		Route: Route{Channel: "whatsapp", Target: "+1555"},
		Payloads: []models.ReplyPayload{
			{Text: "see attachment", MediaURL: "https://x/doc.pdf"},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(p.calls) != 2 {
		t.Fatalf("got %d sends, want text then media", len(p.calls))
	}
	if p.calls[0].payload.Text != "see attachment" || p.calls[0].payload.MediaURL != "" {
		t.Errorf("first send %+v, want text only", p.calls[0].payload)
	}
	if p.calls[1].payload.MediaURL != "https://x/doc.pdf" || p.calls[1].payload.Text != "" {
		t.Errorf("second send %+v, want media only", p.calls[1].payload)
	}
}

func TestDispatch_ChunksLongText(t *testing.T) {
	p := &fakePlugin{id: "webchat", limit: 50, markdown: false}
	d := newTestDispatcher(p)

	long := strings.Repeat("all work and no play makes a dull agent. ", 5)
	_, err := d.Dispatch(context.Background(), Request{
		Route:    Route{Channel: "webchat", Target: "u1"},
		Payloads: []models.ReplyPayload{{Text: long}},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(p.calls) < 2 {
		t.Fatalf("long text was not chunked: %d sends", len(p.calls))
	}
	for i, c := range p.calls {
		if n := len(c.payload.Text); n > 50 {
			t.Errorf("chunk %d has %d chars", i, n)
		}
	}
}

func TestDispatch_RetriesTransientThenSucceeds(t *testing.T) {
	p := &fakePlugin{
		id:    "slack",
		limit: 4000,
		fail: []error{
			channels.Transient("socket reset", errors.New("eof")),
			channels.Transient("socket reset", errors.New("eof")),
			nil,
		},
	}
	d := newTestDispatcher(p)

	res, err := d.Dispatch(context.Background(), Request{
		Route:    Route{Channel: "slack", Target: "C1"},
		Payloads: []models.ReplyPayload{{Text: "hi"}},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(p.calls) != 3 {
		t.Errorf("got %d attempts, want 3", len(p.calls))
	}
	if res.Delivered != 1 {
		t.Errorf("delivered %d", res.Delivered)
	}
}

func TestDispatch_PermanentFailsImmediately(t *testing.T) {
	p := &fakePlugin{
		id:    "slack",
		limit: 4000,
		fail:  []error{channels.Permanent("message too long", nil)},
	}
	d := newTestDispatcher(p)

	_, err := d.Dispatch(context.Background(), Request{
		Route:    Route{Channel: "slack", Target: "C1"},
		Payloads: []models.ReplyPayload{{Text: "hi"}},
	})
	if err == nil {
		t.Fatal("want error")
	}
	if len(p.calls) != 1 {
		t.Errorf("permanent error retried: %d attempts", len(p.calls))
	}
}

func TestDispatch_RetryBudgetExhausts(t *testing.T) {
	p := &fakePlugin{
		id:    "slack",
		limit: 4000,
		fail: []error{
			channels.Transient("x", nil),
			channels.Transient("x", nil),
			channels.Transient("x", nil),
		},
	}
	d := newTestDispatcher(p)

	_, err := d.Dispatch(context.Background(), Request{
		Route:    Route{Channel: "slack", Target: "C1"},
		Payloads: []models.ReplyPayload{{Text: "hi"}},
	})
	if err == nil {
		t.Fatal("want error after budget")
	}
	if len(p.calls) != 3 {
		t.Errorf("got %d attempts, want 3", len(p.calls))
	}
}

func TestDispatch_HonorsRetryAfterHint(t *testing.T) {
	p := &fakePlugin{
		id:    "slack",
		limit: 4000,
		fail:  []error{channels.Throttled("429", 3*time.Second, nil), nil},
	}
	reg := channels.NewRegistry(p)
	d := New(reg, nil, nil, observability.Nop(), nil)

	var slept []time.Duration
	d.retry.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}

	if _, err := d.Dispatch(context.Background(), Request{
		Route:    Route{Channel: "slack", Target: "C1"},
		Payloads: []models.ReplyPayload{{Text: "hi"}},
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(slept) != 1 || slept[0] != 3*time.Second {
		t.Errorf("slept %v, want the 3s hint", slept)
	}
}

func TestDispatch_SuppressesDuplicateTarget(t *testing.T) {
	p := &fakePlugin{id: "telegram", limit: 4000}
	d := newTestDispatcher(p)

	res, err := d.Dispatch(context.Background(), Request{
		Route:    Route{Channel: "telegram", AccountID: "a1", Target: "12345"},
		Payloads: []models.ReplyPayload{{Text: "already said this"}},
		Sent: []models.SentRecord{
			{Channel: "telegram", AccountID: "a1", Target: "12345", Text: "something"},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(p.calls) != 0 {
		t.Errorf("suppressed target still got %d sends", len(p.calls))
	}
	if res.Suppressed != 1 || res.Delivered != 0 {
		t.Errorf("result %+v", res)
	}
}

func TestDispatch_DifferentTargetNotSuppressed(t *testing.T) {
	p := &fakePlugin{id: "telegram", limit: 4000}
	d := newTestDispatcher(p)

	res, err := d.Dispatch(context.Background(), Request{
		Route:    Route{Channel: "telegram", AccountID: "a1", Target: "67890"},
		Payloads: []models.ReplyPayload{{Text: "new target"}},
		Sent: []models.SentRecord{
			{Channel: "telegram", AccountID: "a1", Target: "12345"},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Delivered != 1 {
		t.Errorf("delivered %d, want 1", res.Delivered)
	}
}

func TestDispatch_ThreadingPassthrough(t *testing.T) {
	threaded := &fakePlugin{id: "slack", limit: 4000, threading: true}
	flat := &fakePlugin{id: "whatsapp", limit: 4000}
	d := newTestDispatcher(threaded, flat)

	for _, ch := range []string{"slack", "whatsapp"} {
		if _, err := d.Dispatch(context.Background(), Request{
			Route:    Route{Channel: ch, Target: "t", ThreadID: "th-9"},
			Payloads: []models.ReplyPayload{{Text: "hi", ReplyToID: "orig-1"}},
		}); err != nil {
			t.Fatalf("Dispatch %s: %v", ch, err)
		}
	}

	if got := threaded.calls[0].opts; got.ThreadID != "th-9" || got.ReplyToID != "orig-1" {
		t.Errorf("threading channel opts %+v", got)
	}
	if got := flat.calls[0].opts; got.ThreadID != "" || got.ReplyToID != "" {
		t.Errorf("non-threading channel received thread opts %+v", got)
	}
}

func TestDispatch_RecordsLastRoute(t *testing.T) {
	p := &fakePlugin{id: "telegram", limit: 4000}
	reg := channels.NewRegistry(p)
	store, err := sessions.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	key := sessions.Key("agent:telegram:direct:12345")
	if _, err := store.GetOrCreate(context.Background(), key); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	d := New(reg, nil, store, observability.Nop(), nil)
	d.retry.sleep = func(context.Context, time.Duration) error { return nil }

	if _, err := d.Dispatch(context.Background(), Request{
		Session:  key,
		Route:    Route{Channel: "telegram", AccountID: "a1", Target: "12345"},
		Payloads: []models.ReplyPayload{{Text: "hi"}},
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	entry, ok := store.Get(context.Background(), key)
	if !ok {
		t.Fatal("session vanished")
	}
	if entry.LastChannel != "telegram" || entry.LastTo != "12345" || entry.LastAccountID != "a1" {
		t.Errorf("last route %q/%q/%q", entry.LastChannel, entry.LastTo, entry.LastAccountID)
	}
}

func TestDispatch_UnknownChannel(t *testing.T) {
	d := newTestDispatcher(&fakePlugin{id: "telegram", limit: 4000})
	_, err := d.Dispatch(context.Background(), Request{
		Route:    Route{Channel: "carrier-pigeon", Target: "t"},
		Payloads: []models.ReplyPayload{{Text: "hi"}},
	})
	if models.KindOf(err) != models.ErrNotFound {
		t.Errorf("got %v, want NOT_FOUND", err)
	}
}

func TestDispatch_SkipsEmptyPayloads(t *testing.T) {
	p := &fakePlugin{id: "telegram", limit: 4000}
	d := newTestDispatcher(p)

	res, err := d.Dispatch(context.Background(), Request{
		Route: Route{Channel: "telegram", Target: "1"},
		Payloads: []models.ReplyPayload{
			{},
			{Text: "visible"},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(p.calls) != 1 || p.calls[0].payload.Text != "visible" {
		t.Errorf("sends %+v", p.calls)
	}
	if res.Delivered != 1 {
		t.Errorf("delivered %d", res.Delivered)
	}
}

func TestDispatch_SilentFlagReachesPlugin(t *testing.T) {
	p := &fakePlugin{id: "telegram", limit: 4000}
	d := newTestDispatcher(p)

	if _, err := d.Dispatch(context.Background(), Request{
		Route:    Route{Channel: "telegram", Target: "1"},
		Payloads: []models.ReplyPayload{{Text: "quiet hours", Silent: true}},
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(p.calls) != 1 || !p.calls[0].opts.Silent {
		t.Errorf("silent option lost: %+v", p.calls)
	}
}
