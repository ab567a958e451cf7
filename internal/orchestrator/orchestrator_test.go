package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/dispatch"
	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/internal/queue"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

type stubCaller struct {
	mu    sync.Mutex
	calls []agent.CallRequest
	reply string
	usage models.Usage
	err   error
	block chan struct{} // when set, Call waits for ctx or the channel
}

func (c *stubCaller) Call(ctx context.Context, req agent.CallRequest) (*agent.CallResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	block := c.block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return &agent.CallResult{
		Payloads: []models.ReplyPayload{{Text: c.reply}},
		Turn:     []models.TranscriptMessage{{Role: models.RoleAssistant, Content: c.reply}},
		Usage:    c.usage,
	}, nil
}

func (c *stubCaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *stubCaller) lastPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return ""
	}
	msgs := c.calls[len(c.calls)-1].Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func (c *stubCaller) lastCall() agent.CallRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[len(c.calls)-1]
}

type stubPlugin struct {
	mu      sync.Mutex
	id      string
	sends   []sentCall
	mention bool
}

type sentCall struct {
	target  string
	payload models.ReplyPayload
	opts    channels.SendOptions
}

func (p *stubPlugin) ID() string        { return p.id }
func (p *stubPlugin) Aliases() []string { return nil }
func (p *stubPlugin) Order() int        { return 0 }
func (p *stubPlugin) Capabilities() []channels.Capability {
	return []channels.Capability{channels.CapSend}
}
func (p *stubPlugin) MaxTextChars() int      { return 4000 }
func (p *stubPlugin) SupportsMarkdown() bool { return false }
func (p *stubPlugin) SupportsThreading() bool {
	return false
}
func (p *stubPlugin) SupportsBlocks() bool { return false }
func (p *stubPlugin) NormalizeTarget(raw string) (string, bool) {
	return strings.TrimSpace(raw), true
}
func (p *stubPlugin) HasMention(*models.MsgContext) bool { return p.mention }

func (p *stubPlugin) Send(_ context.Context, target string, payload models.ReplyPayload, opts channels.SendOptions) (channels.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends = append(p.sends, sentCall{target: target, payload: payload, opts: opts})
	return channels.SendResult{MessageID: "m1"}, nil
}

func (p *stubPlugin) sendCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sends)
}

func (p *stubPlugin) lastSend() sentCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sends[len(p.sends)-1]
}

type fixture struct {
	o      *Orchestrator
	store  *sessions.Store
	plugin *stubPlugin
	caller *stubCaller
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := sessions.NewStore(dir)
	if err != nil {
		t.Fatalf("sessions.NewStore: %v", err)
	}
	caller := &stubCaller{reply: "hi there"}
	invoker := agent.NewInvoker(caller, sessions.NewTranscripts(dir), agent.Config{Model: "opus"}, observability.Nop(), nil)

	plugin := &stubPlugin{id: "whatsapp"}
	reg := channels.NewRegistry(plugin)
	dispatcher := dispatch.New(reg, nil, store, observability.Nop(), nil)

	cfg := Config{WorkspaceRoot: dir}
	if mutate != nil {
		mutate(&cfg)
	}
	o := New(store, invoker, dispatcher, reg, queue.Config{Debounce: 10 * time.Millisecond}, cfg, observability.Nop(), nil)
	t.Cleanup(o.Close)

	return &fixture{o: o, store: store, plugin: plugin, caller: caller}
}

func inboundMsg(body string) *models.MsgContext {
	return &models.MsgContext{
		Body:      body,
		From:      "+1000",
		To:        "+2000",
		Channel:   "whatsapp",
		AccountID: "acct",
		ChatType:  models.ChatDirect,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTimestampedAbortSkipsAgent(t *testing.T) {
	f := newFixture(t, nil)

	acks, err := f.o.HandleInbound(context.Background(), inboundMsg("[Dec 5 10:00] stop"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(acks) != 1 || acks[0].Text != "⚙️ Agent was aborted." {
		t.Errorf("acks = %+v", acks)
	}

	time.Sleep(50 * time.Millisecond)
	if f.caller.callCount() != 0 {
		t.Error("abort still invoked the agent")
	}
}

func TestWrappedDirectiveDoesNotPatch(t *testing.T) {
	f := newFixture(t, nil)
	body := "[Chat messages since your last reply - for context]\n" +
		"Peter: /thinking high [2025-12-05T21:45:00.000Z]\n\n" +
		"[Current message - respond to this]\nGive me the status"

	msg := inboundMsg(body)
	if _, err := f.o.HandleInbound(context.Background(), msg); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	waitFor(t, "agent call", func() bool { return f.caller.callCount() == 1 })

	prompt := f.caller.lastPrompt()
	if !strings.Contains(prompt, "Give me the status") {
		t.Errorf("prompt lost the current message: %q", prompt)
	}
	if strings.Contains(prompt, "/thinking") {
		t.Errorf("quoted directive leaked into prompt: %q", prompt)
	}

	entry, _ := f.store.Get(context.Background(), f.o.SessionKey(msg))
	if entry.ThinkingLevel != "" {
		t.Errorf("quoted directive mutated the session: %q", entry.ThinkingLevel)
	}
}

func TestDirectivePatchAcksWithoutTurn(t *testing.T) {
	f := newFixture(t, nil)

	msg := inboundMsg("/verbose on")
	acks, err := f.o.HandleInbound(context.Background(), msg)
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(acks) != 1 || acks[0].Text != "verbose: on" {
		t.Errorf("acks = %+v", acks)
	}

	entry, ok := f.store.Get(context.Background(), f.o.SessionKey(msg))
	if !ok || entry.VerboseLevel != models.ToggleOn {
		t.Errorf("entry = %+v", entry)
	}

	time.Sleep(50 * time.Millisecond)
	if f.caller.callCount() != 0 {
		t.Error("directive-only body ran a turn")
	}
}

func TestMalformedDirectiveValueAcked(t *testing.T) {
	f := newFixture(t, nil)

	acks, err := f.o.HandleInbound(context.Background(), inboundMsg("/think ultra"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(acks) != 1 || !strings.Contains(acks[0].Text, `Unknown think value "ultra"`) {
		t.Errorf("acks = %+v", acks)
	}
}

func TestStatusAck(t *testing.T) {
	f := newFixture(t, nil)

	acks, err := f.o.HandleInbound(context.Background(), inboundMsg("/status"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(acks) != 1 {
		t.Fatalf("acks = %+v", acks)
	}
	text := acks[0].Text
	if !strings.Contains(text, "Session ") || !strings.Contains(text, "queued: 0") {
		t.Errorf("status text %q", text)
	}
}

func TestPipelineDeliversReply(t *testing.T) {
	f := newFixture(t, nil)

	msg := inboundMsg("hello")
	if _, err := f.o.HandleInbound(context.Background(), msg); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	waitFor(t, "delivery", func() bool { return f.plugin.sendCount() == 1 })
	got := f.plugin.lastSend()
	if got.target != "+1000" || got.payload.Text != "hi there" {
		t.Errorf("send = %+v", got)
	}

	waitFor(t, "last-route patch", func() bool {
		entry, ok := f.store.Get(context.Background(), f.o.SessionKey(msg))
		return ok && entry.LastChannel == "whatsapp" && entry.LastTo == "+1000"
	})
}

func TestDebounceBatchesBurst(t *testing.T) {
	f := newFixture(t, nil)

	for _, body := range []string{"first", "second", "third"} {
		if _, err := f.o.HandleInbound(context.Background(), inboundMsg(body)); err != nil {
			t.Fatalf("HandleInbound: %v", err)
		}
	}

	waitFor(t, "single batched call", func() bool { return f.caller.callCount() >= 1 })
	time.Sleep(60 * time.Millisecond)
	if n := f.caller.callCount(); n != 1 {
		t.Fatalf("burst ran %d turns, want 1", n)
	}
	prompt := f.caller.lastPrompt()
	for _, want := range []string{"first", "second", "third"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q: %q", want, prompt)
		}
	}
	if strings.Index(prompt, "first") > strings.Index(prompt, "third") {
		t.Errorf("batch order lost: %q", prompt)
	}
}

func TestGroupMentionRequired(t *testing.T) {
	f := newFixture(t, nil)

	group := inboundMsg("hello bot")
	group.ChatType = models.ChatGroup
	group.From = "group-1"

	if _, err := f.o.HandleInbound(context.Background(), group); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if f.caller.callCount() != 0 {
		t.Fatal("unmentioned group message ran a turn")
	}

	mentioned := inboundMsg("hello bot")
	mentioned.ChatType = models.ChatGroup
	mentioned.From = "group-1"
	mentioned.WasMentioned = true
	if _, err := f.o.HandleInbound(context.Background(), mentioned); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	waitFor(t, "mentioned turn", func() bool { return f.caller.callCount() == 1 })
}

func TestGroupActivationAlwaysSkipsFilter(t *testing.T) {
	f := newFixture(t, nil)

	group := inboundMsg("/activation always")
	group.ChatType = models.ChatGroup
	group.From = "group-1"
	if _, err := f.o.HandleInbound(context.Background(), group); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	next := inboundMsg("hello again")
	next.ChatType = models.ChatGroup
	next.From = "group-1"
	if _, err := f.o.HandleInbound(context.Background(), next); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	waitFor(t, "always-activated turn", func() bool { return f.caller.callCount() == 1 })
}

func TestSendPolicyDenyRunsTurnWithoutDelivery(t *testing.T) {
	f := newFixture(t, nil)

	msg := inboundMsg("/send deny")
	if _, err := f.o.HandleInbound(context.Background(), msg); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	if _, err := f.o.HandleInbound(context.Background(), inboundMsg("hello")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	waitFor(t, "turn under deny policy", func() bool { return f.caller.callCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if f.plugin.sendCount() != 0 {
		t.Errorf("deny policy still delivered %d payloads", f.plugin.sendCount())
	}
}

func TestStopCancelsInFlightTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.caller.block = make(chan struct{})

	if _, err := f.o.HandleInbound(context.Background(), inboundMsg("long job please")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	waitFor(t, "turn start", func() bool { return f.caller.callCount() == 1 })

	start := time.Now()
	acks, err := f.o.HandleInbound(context.Background(), inboundMsg("/stop"))
	if err != nil {
		t.Fatalf("HandleInbound stop: %v", err)
	}
	if len(acks) != 1 || acks[0].Text != "⚙️ Agent was aborted." {
		t.Errorf("acks = %+v", acks)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("abort took %v", elapsed)
	}

	time.Sleep(100 * time.Millisecond)
	if f.plugin.sendCount() != 0 {
		t.Error("aborted turn still delivered payloads")
	}
}

func TestAgentErrorDeliversNoticeOnDirect(t *testing.T) {
	f := newFixture(t, nil)
	f.caller.err = models.NewError(models.ErrPermanent, "model exploded")

	if _, err := f.o.HandleInbound(context.Background(), inboundMsg("hello")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	waitFor(t, "error payload", func() bool { return f.plugin.sendCount() == 1 })
	if got := f.plugin.lastSend().payload.Text; got != "⚙️ Agent error." {
		t.Errorf("error payload %q", got)
	}
}

func TestAgentErrorSuppressedInGroups(t *testing.T) {
	f := newFixture(t, nil)
	f.caller.err = models.NewError(models.ErrPermanent, "model exploded")

	group := inboundMsg("hello")
	group.ChatType = models.ChatGroup
	group.From = "group-1"
	group.WasMentioned = true
	if _, err := f.o.HandleInbound(context.Background(), group); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	waitFor(t, "failed turn", func() bool { return f.caller.callCount() == 1 })
	time.Sleep(100 * time.Millisecond)
	if f.plugin.sendCount() != 0 {
		t.Error("group chat received the error payload")
	}
}

func TestHeartbeatDirectiveAppliesWithoutAck(t *testing.T) {
	f := newFixture(t, nil)

	msg := inboundMsg("/think high")
	msg.IsHeartbeat = true
	acks, err := f.o.HandleInbound(context.Background(), msg)
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(acks) != 0 {
		t.Errorf("heartbeat produced acks: %+v", acks)
	}

	entry, ok := f.store.Get(context.Background(), f.o.SessionKey(msg))
	if !ok || entry.ThinkingLevel != models.ThinkingHigh {
		t.Errorf("directive not applied: %+v", entry)
	}
}

func TestHeartbeatAgentErrorStaysSilent(t *testing.T) {
	f := newFixture(t, nil)
	f.caller.err = models.NewError(models.ErrPermanent, "model exploded")

	msg := inboundMsg("hello")
	msg.IsHeartbeat = true
	if _, err := f.o.HandleInbound(context.Background(), msg); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	waitFor(t, "failed turn", func() bool { return f.caller.callCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if f.plugin.sendCount() != 0 {
		t.Error("heartbeat turn delivered the error payload")
	}
}

func TestTurnRecordsObservedModelAndTokens(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SystemPrompt = "be brief" })
	f.caller.usage = models.Usage{Input: 120, Output: 30}

	msg := inboundMsg("hello")
	if _, err := f.o.HandleInbound(context.Background(), msg); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	key := f.o.SessionKey(msg)
	waitFor(t, "turn result patch", func() bool {
		entry, ok := f.store.Get(context.Background(), key)
		return ok && entry.Model == "opus" && entry.ContextTokens == 150 && entry.SystemSent
	})

	if got := f.caller.lastCall().SystemPrompt; got != "be brief" {
		t.Errorf("first turn system prompt %q", got)
	}

	// The system prompt goes out once; the next turn omits it.
	if _, err := f.o.HandleInbound(context.Background(), inboundMsg("again")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	waitFor(t, "second turn", func() bool { return f.caller.callCount() == 2 })
	if got := f.caller.lastCall().SystemPrompt; got != "" {
		t.Errorf("second turn resent system prompt %q", got)
	}
}
