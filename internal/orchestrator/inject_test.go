package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/clawdis/clawdis/internal/reply"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

func TestEnqueuePromptUnknownSession(t *testing.T) {
	f := newFixture(t, nil)

	err := f.o.EnqueuePrompt(context.Background(), sessions.DirectKey("main", "whatsapp", "", "+9999"), "ping")
	if err == nil {
		t.Fatal("unknown session accepted")
	}
	if kind := models.KindOf(err); kind != models.ErrNotFound {
		t.Errorf("kind = %v", kind)
	}
}

func TestEnqueuePromptRequiresRoute(t *testing.T) {
	f := newFixture(t, nil)

	key := sessions.DirectKey("main", "whatsapp", "", "+1000")
	if _, err := f.store.GetOrCreate(context.Background(), key); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	err := f.o.EnqueuePrompt(context.Background(), key, "ping")
	if err == nil {
		t.Fatal("routeless session accepted")
	}
	if kind := models.KindOf(err); kind != models.ErrInvalidRequest {
		t.Errorf("kind = %v", kind)
	}
}

func TestEnqueuePromptRunsTurnOnRecordedRoute(t *testing.T) {
	f := newFixture(t, nil)

	msg := inboundMsg("hello")
	if _, err := f.o.HandleInbound(context.Background(), msg); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	key := f.o.SessionKey(msg)
	waitFor(t, "route recorded", func() bool {
		entry, ok := f.store.Get(context.Background(), key)
		return ok && entry.LastChannel == "whatsapp" && entry.LastTo == "+1000"
	})
	waitFor(t, "first delivery", func() bool { return f.plugin.sendCount() == 1 })

	if err := f.o.EnqueuePrompt(context.Background(), key, "run the nightly summary"); err != nil {
		t.Fatalf("EnqueuePrompt: %v", err)
	}

	waitFor(t, "injected turn", func() bool { return f.caller.callCount() == 2 })
	waitFor(t, "injected delivery", func() bool { return f.plugin.sendCount() == 2 })
	if got := f.plugin.lastSend(); got.target != "+1000" {
		t.Errorf("injected reply went to %q", got.target)
	}

	prompt := f.caller.lastPrompt()
	if prompt == "" {
		t.Fatal("no prompt recorded")
	}
	time.Sleep(30 * time.Millisecond)
	if f.caller.callCount() != 2 {
		t.Errorf("injected prompt ran %d extra turns", f.caller.callCount()-2)
	}
}

func TestEnqueueHeartbeatRunsSilently(t *testing.T) {
	f := newFixture(t, nil)

	msg := inboundMsg("hello")
	if _, err := f.o.HandleInbound(context.Background(), msg); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	key := f.o.SessionKey(msg)
	waitFor(t, "first delivery", func() bool { return f.plugin.sendCount() == 1 })

	f.caller.reply = reply.HeartbeatToken
	if err := f.o.EnqueueHeartbeat(context.Background(), key); err != nil {
		t.Fatalf("EnqueueHeartbeat: %v", err)
	}

	waitFor(t, "heartbeat turn", func() bool { return f.caller.callCount() == 2 })
	if got := f.caller.lastPrompt(); got != reply.HeartbeatPrompt {
		t.Errorf("heartbeat prompt %q", got)
	}
	time.Sleep(50 * time.Millisecond)
	if f.plugin.sendCount() != 1 {
		t.Errorf("heartbeat turn delivered %d extra payloads", f.plugin.sendCount()-1)
	}
}
