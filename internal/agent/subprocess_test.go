package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/clawdis/clawdis/pkg/models"
)

func TestSubprocessCallerRequiresCommand(t *testing.T) {
	if _, err := NewSubprocessCaller(nil, nil, nil); err == nil {
		t.Fatal("empty argv accepted")
	}
}

func TestSubprocessCallerResult(t *testing.T) {
	// The child echoes one event line and one result line regardless of
	// the request body.
	script := `cat >/dev/null
echo '{"type":"event","event":{"type":"tool_result","tool":"shell","text":"ls"}}'
echo '{"type":"result","result":{"payloads":[{"text":"done"}],"usage":{"input":10,"output":4}}}'`
	caller, err := NewSubprocessCaller([]string{"sh", "-c", script}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	events := make(chan models.AgentEvent, 4)
	res, err := caller.Call(context.Background(), CallRequest{
		Model:  "claude-test",
		Events: events,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Payloads) != 1 || res.Payloads[0].Text != "done" {
		t.Errorf("payloads = %+v", res.Payloads)
	}
	if res.Usage.Input != 10 || res.Usage.Output != 4 {
		t.Errorf("usage = %+v", res.Usage)
	}
	select {
	case ev := <-events:
		if ev.Type != models.EventToolResult || ev.Tool != "shell" {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("event not forwarded")
	}
}

func TestSubprocessCallerErrorLine(t *testing.T) {
	script := `cat >/dev/null
echo '{"type":"error","error":{"kind":"THROTTLED","message":"overloaded"}}'`
	caller, err := NewSubprocessCaller([]string{"sh", "-c", script}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = caller.Call(context.Background(), CallRequest{Model: "claude-test"})
	if err == nil {
		t.Fatal("error line ignored")
	}
	if kind := models.KindOf(err); kind != models.ErrThrottled {
		t.Errorf("kind = %v", kind)
	}
	if !strings.Contains(err.Error(), "overloaded") {
		t.Errorf("message lost: %v", err)
	}
}

func TestSubprocessCallerExitWithoutResult(t *testing.T) {
	script := `cat >/dev/null
echo "boom" >&2
exit 3`
	caller, err := NewSubprocessCaller([]string{"sh", "-c", script}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = caller.Call(context.Background(), CallRequest{Model: "claude-test"})
	if err == nil {
		t.Fatal("process failure ignored")
	}
	if kind := models.KindOf(err); kind != models.ErrTransient {
		t.Errorf("kind = %v", kind)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("stderr tail lost: %v", err)
	}
}

func TestSubprocessCallerCancellation(t *testing.T) {
	caller, err := NewSubprocessCaller([]string{"sh", "-c", "sleep 30"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = caller.Call(ctx, CallRequest{Model: "claude-test"})
	if err == nil {
		t.Fatal("cancellation ignored")
	}
	if kind := models.KindOf(err); kind != models.ErrCancelled {
		t.Errorf("kind = %v", kind)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("child outlived the context")
	}
}

func TestSubprocessCallerCancelWithBackgroundChild(t *testing.T) {
	// The grandchild inherits stdout; killing the shell alone leaves the
	// pipe open until the wait delay force-closes it.
	caller, err := NewSubprocessCaller([]string{"sh", "-c", "sleep 30 & wait"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = caller.Call(ctx, CallRequest{Model: "claude-test"})
	if err == nil {
		t.Fatal("cancellation ignored")
	}
	if kind := models.KindOf(err); kind != models.ErrCancelled {
		t.Errorf("kind = %v", kind)
	}
	if time.Since(start) > 2*waitDelay {
		t.Error("background child stalled the attempt")
	}
}

func TestKindFromWire(t *testing.T) {
	if got := kindFromWire("PERMANENT"); got != models.ErrPermanent {
		t.Errorf("known kind = %v", got)
	}
	if got := kindFromWire("made-up"); got != models.ErrTransient {
		t.Errorf("unknown kind = %v", got)
	}
}

func TestTailBufferKeepsTail(t *testing.T) {
	tb := &tailBuffer{limit: 8}
	if _, err := tb.Write([]byte("0123456789abcdef")); err != nil {
		t.Fatal(err)
	}
	if got := tb.String(); got != "89abcdef" {
		t.Errorf("tail = %q", got)
	}
}

func TestSubprocessCallerBadJSONLinesSkipped(t *testing.T) {
	script := `cat >/dev/null
echo 'not json at all'
echo '{"type":"result","result":{"payloads":[{"text":"ok"}]}}'`
	caller, err := NewSubprocessCaller([]string{"sh", "-c", script}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := caller.Call(context.Background(), CallRequest{Model: "claude-test"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Payloads) != 1 || res.Payloads[0].Text != "ok" {
		t.Errorf("payloads = %+v", res.Payloads)
	}
}
