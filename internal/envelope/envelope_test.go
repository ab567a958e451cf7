package envelope

import (
	"strings"
	"testing"

	"github.com/clawdis/clawdis/pkg/models"
)

func parse(body string) (string, []Directive) {
	ctx := &models.MsgContext{Body: body}
	res := Parse(ctx)
	return ctx.Body, res.Directives
}

func TestParse_PlainBody(t *testing.T) {
	body, dirs := parse("hello there")
	if body != "hello there" {
		t.Errorf("body mutated: %q", body)
	}
	if len(dirs) != 0 {
		t.Errorf("unexpected directives: %v", dirs)
	}
}

func TestParse_SingleDirective(t *testing.T) {
	body, dirs := parse("/think high")
	if body != "" {
		t.Errorf("expected empty body, got %q", body)
	}
	if len(dirs) != 1 || dirs[0].Key != DirThink || dirs[0].Value != "high" {
		t.Fatalf("unexpected directives: %+v", dirs)
	}
}

func TestParse_ColonSyntax(t *testing.T) {
	_, dirs := parse("/think:high")
	if len(dirs) != 1 || dirs[0].Key != DirThink || dirs[0].Value != "high" {
		t.Fatalf("colon syntax not parsed: %+v", dirs)
	}
}

func TestParse_Aliases(t *testing.T) {
	tests := []struct {
		body string
		key  DirectiveKey
	}{
		{"/t low", DirThink},
		{"/thinking medium", DirThink},
		{"/v on", DirVerbose},
		{"/reason stream", DirReasoning},
		{"/elev off", DirElevated},
		{"/models openai/gpt-x", DirModel},
	}
	for _, tt := range tests {
		_, dirs := parse(tt.body)
		if len(dirs) != 1 || dirs[0].Key != tt.key {
			t.Errorf("%q: got %+v, want key %s", tt.body, dirs, tt.key)
		}
	}
}

func TestParse_DirectiveWithContent(t *testing.T) {
	body, dirs := parse("/verbose on what is the weather")
	if body != "what is the weather" {
		t.Errorf("body = %q", body)
	}
	if len(dirs) != 1 || dirs[0].Key != DirVerbose || dirs[0].Value != "on" {
		t.Fatalf("directives: %+v", dirs)
	}
}

func TestParse_MalformedLevel(t *testing.T) {
	_, dirs := parse("/think foo")
	if len(dirs) != 1 {
		t.Fatalf("expected one directive, got %+v", dirs)
	}
	d := dirs[0]
	if d.Value != "" || d.RawLevel != "foo" || !d.Malformed() {
		t.Errorf("malformed level not preserved: %+v", d)
	}
}

func TestParse_UnknownSlashWordStays(t *testing.T) {
	body, dirs := parse("/frobnicate now please")
	if len(dirs) != 0 {
		t.Errorf("unexpected directives: %+v", dirs)
	}
	if !strings.Contains(body, "/frobnicate") {
		t.Errorf("unknown slash word removed: %q", body)
	}
}

func TestParse_LastWinsPerKey(t *testing.T) {
	_, dirs := parse("/think low /verbose on /think high")
	if len(dirs) != 2 {
		t.Fatalf("expected 2 directives, got %+v", dirs)
	}
	var think *Directive
	for i := range dirs {
		if dirs[i].Key == DirThink {
			think = &dirs[i]
		}
	}
	if think == nil || think.Value != "high" {
		t.Errorf("last-wins violated: %+v", dirs)
	}
}

func TestParse_AdjacentDirectivesNotSwallowed(t *testing.T) {
	_, dirs := parse("/stop /status")
	if len(dirs) != 2 {
		t.Fatalf("expected stop and status, got %+v", dirs)
	}
}

func TestParse_TimestampPrefixTolerated(t *testing.T) {
	body, dirs := parse("[Dec 5 10:00] /think high tell me more")
	if len(dirs) != 1 || dirs[0].Key != DirThink {
		t.Fatalf("directives: %+v", dirs)
	}
	if !strings.HasPrefix(body, "[Dec 5 10:00]") {
		t.Errorf("timestamp prefix lost: %q", body)
	}
	if strings.Contains(body, "/think") {
		t.Errorf("directive not stripped: %q", body)
	}
}

func TestParse_BareStopWithTimestamp(t *testing.T) {
	body, dirs := parse("[Dec 5 10:00] stop")
	if len(dirs) != 1 || dirs[0].Key != DirStop {
		t.Fatalf("bare stop not detected: %+v", dirs)
	}
	if strings.TrimSpace(strings.TrimPrefix(body, "[Dec 5 10:00]")) != "" {
		t.Errorf("body should be empty after the prefix: %q", body)
	}
}

func TestParse_WrapperShieldsHistory(t *testing.T) {
	body := "[Chat messages since your last reply - for context]\n" +
		"Peter: /thinking high [2025-12-05T21:45:00.000Z]\n\n" +
		"[Current message - respond to this]\nGive me the status"
	ctx := &models.MsgContext{Body: body}
	res := Parse(ctx)
	if len(res.Directives) != 0 {
		t.Fatalf("history directive extracted: %+v", res.Directives)
	}
	if strings.Contains(ctx.Body, "/thinking") {
		t.Errorf("history directive text not scrubbed: %q", ctx.Body)
	}
	if !strings.Contains(ctx.Body, "Give me the status") {
		t.Errorf("current message lost: %q", ctx.Body)
	}
}

func TestParse_WrapperCurrentSegmentDirective(t *testing.T) {
	body := "[Chat messages since your last reply - for context]\nAnna: hi\n\n" +
		"[Current message - respond to this]\n/verbose on show status"
	ctx := &models.MsgContext{Body: body}
	res := Parse(ctx)
	if len(res.Directives) != 1 || res.Directives[0].Key != DirVerbose {
		t.Fatalf("current segment directive missed: %+v", res.Directives)
	}
	if !strings.Contains(ctx.Body, "show status") {
		t.Errorf("content lost: %q", ctx.Body)
	}
}

func TestParse_QueueArgs(t *testing.T) {
	_, dirs := parse("/queue 30:old")
	if len(dirs) != 1 || dirs[0].Key != DirQueue || dirs[0].Value != "30:old" {
		t.Fatalf("queue directive: %+v", dirs)
	}
	_, dirs = parse("/queue nope")
	if len(dirs) != 1 || !dirs[0].Malformed() {
		t.Fatalf("bad queue arg should be malformed: %+v", dirs)
	}
}

func TestParse_EmptyAfterExtraction(t *testing.T) {
	body, dirs := parse("/reasoning stream")
	if body != "" {
		t.Errorf("expected empty body, got %q", body)
	}
	if len(dirs) != 1 {
		t.Errorf("directives: %+v", dirs)
	}
}

func TestCurrentSegment(t *testing.T) {
	body := "[Chat messages since your last reply - for context]\nx\n" +
		"[Current message - respond to this]\nping"
	if got := CurrentSegment(body); got != "ping" {
		t.Errorf("CurrentSegment = %q", got)
	}
	if got := CurrentSegment("plain"); got != "plain" {
		t.Errorf("CurrentSegment passthrough = %q", got)
	}
}
