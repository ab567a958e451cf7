package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/internal/pairing"
	"github.com/clawdis/clawdis/pkg/models"
)

type testGateway struct {
	server *Server
	pairs  *pairing.Store
	url    string
	close  func()
}

func newTestGateway(t *testing.T, router *Router) *testGateway {
	t.Helper()
	pairs, err := pairing.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("pairing.NewStore: %v", err)
	}
	srv := NewServer(Config{ServerName: "clawdis-test"}, router, pairs, nil, observability.Nop(), nil)
	hs := httptest.NewServer(srv.Handler())
	return &testGateway{
		server: srv,
		pairs:  pairs,
		url:    "ws" + strings.TrimPrefix(hs.URL, "http"),
		close:  hs.Close,
	}
}

func (g *testGateway) pairNode(t *testing.T, nodeID string, scopes ...pairing.Scope) pairing.PairedNode {
	t.Helper()
	req, err := g.pairs.RequestPairing(pairing.PairRequest{NodeID: nodeID})
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	node, err := g.pairs.Approve(req.RequestID, scopes)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	return node
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func hello(t *testing.T, conn *websocket.Conn, node pairing.PairedNode) {
	t.Helper()
	if err := conn.WriteJSON(Frame{Type: FrameHello, NodeID: node.NodeID, Token: node.Token}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != FrameHelloOK {
		t.Fatalf("handshake answered %+v", f)
	}
}

func request(t *testing.T, conn *websocket.Conn, id, method string, params any) {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = data
	}
	if err := conn.WriteJSON(Frame{Type: FrameRequest, ID: id, Method: method, Params: raw}); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func TestHandshake_HelloOK(t *testing.T) {
	g := newTestGateway(t, NewRouter())
	defer g.close()
	node := g.pairNode(t, "node-a", pairing.ScopeRead)

	conn := dial(t, g.url)
	defer conn.Close()

	if err := conn.WriteJSON(Frame{Type: FrameHello, NodeID: node.NodeID, Token: node.Token}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != FrameHelloOK || f.ServerName != "clawdis-test" {
		t.Errorf("got %+v", f)
	}
}

func TestHandshake_BadTokenRejected(t *testing.T) {
	g := newTestGateway(t, NewRouter())
	defer g.close()
	g.pairNode(t, "node-a", pairing.ScopeRead)

	conn := dial(t, g.url)
	defer conn.Close()

	if err := conn.WriteJSON(Frame{Type: FrameHello, NodeID: "node-a", Token: "bogus"}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	f := readFrame(t, conn)
	if f.Error == nil || f.Error.Code != CodeUnauthorized {
		t.Errorf("got %+v, want UNAUTHORIZED", f)
	}

	// The server closes an unauthenticated connection.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var next Frame
	if err := conn.ReadJSON(&next); err == nil {
		t.Errorf("connection still open after auth failure: %+v", next)
	}
}

func TestHandshake_WindowEnforced(t *testing.T) {
	pairs, err := pairing.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("pairing.NewStore: %v", err)
	}
	srv := NewServer(Config{HelloTimeout: 150 * time.Millisecond}, NewRouter(), pairs, nil, observability.Nop(), nil)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(hs.URL, "http"))
	defer conn.Close()

	// Say nothing; the server must hang up.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err == nil {
		t.Errorf("connection survived the hello window: %+v", f)
	}
}

func TestRequest_ScopeDenialKeepsConnectionOpen(t *testing.T) {
	router := NewRouter()
	router.Handle("health", func(context.Context, *Request) (any, error) {
		return map[string]any{"status": "ok"}, nil
	})
	router.Handle("send", func(context.Context, *Request) (any, error) {
		t.Error("send handler ran without scope")
		return nil, nil
	})
	g := newTestGateway(t, router)
	defer g.close()
	node := g.pairNode(t, "node-a", pairing.ScopeRead)

	conn := dial(t, g.url)
	defer conn.Close()
	hello(t, conn, node)

	request(t, conn, "r1", "send", map[string]any{"to": "+1555", "message": "hi"})
	f := readFrame(t, conn)
	if f.ID != "r1" || f.OK == nil || *f.OK || f.Error == nil || f.Error.Code != CodeUnauthorized {
		t.Errorf("denial response %+v", f)
	}

	// Same connection still serves authorized methods.
	request(t, conn, "r2", "health", nil)
	f = readFrame(t, conn)
	if f.ID != "r2" || f.OK == nil || !*f.OK {
		t.Errorf("follow-up response %+v", f)
	}
}

func TestRequest_UnknownMethod(t *testing.T) {
	g := newTestGateway(t, NewRouter())
	defer g.close()
	node := g.pairNode(t, "node-a", pairing.ScopeAdmin)

	conn := dial(t, g.url)
	defer conn.Close()
	hello(t, conn, node)

	request(t, conn, "r1", "sessions.list", nil)
	f := readFrame(t, conn)
	if f.Error == nil || f.Error.Code != CodeMethodNotFound {
		t.Errorf("got %+v, want METHOD_NOT_FOUND", f)
	}
}

func TestRequest_UnclassifiedMethodNeedsAdmin(t *testing.T) {
	router := NewRouter()
	router.Handle("debug.dump", func(context.Context, *Request) (any, error) {
		return "dumped", nil
	})
	g := newTestGateway(t, router)
	defer g.close()

	limited := g.pairNode(t, "node-a", pairing.ScopeRead, pairing.ScopeWrite, pairing.ScopePairing)
	conn := dial(t, g.url)
	defer conn.Close()
	hello(t, conn, limited)
	request(t, conn, "r1", "debug.dump", nil)
	if f := readFrame(t, conn); f.Error == nil || f.Error.Code != CodeUnauthorized {
		t.Errorf("non-admin reached unclassified method: %+v", f)
	}
	conn.Close()

	admin := g.pairNode(t, "node-b", pairing.ScopeAdmin)
	conn2 := dial(t, g.url)
	defer conn2.Close()
	hello(t, conn2, admin)
	request(t, conn2, "r1", "debug.dump", nil)
	if f := readFrame(t, conn2); f.OK == nil || !*f.OK {
		t.Errorf("admin denied unclassified method: %+v", f)
	}
}

func TestRequest_HandlerErrorMapsTaxonomy(t *testing.T) {
	router := NewRouter()
	router.Handle("sessions.resolve", func(context.Context, *Request) (any, error) {
		return nil, models.NewError(models.ErrNotFound, "no session matches")
	})
	g := newTestGateway(t, router)
	defer g.close()
	node := g.pairNode(t, "node-a", pairing.ScopeRead)

	conn := dial(t, g.url)
	defer conn.Close()
	hello(t, conn, node)

	request(t, conn, "r1", "sessions.resolve", map[string]any{"ref": "nope"})
	f := readFrame(t, conn)
	if f.Error == nil || f.Error.Code != CodeNotFound {
		t.Errorf("got %+v, want NOT_FOUND", f)
	}
}

func TestRequest_StreamingEmitsBoundEvents(t *testing.T) {
	router := NewRouter()
	router.Handle("chat.send", func(_ context.Context, req *Request) (any, error) {
		req.Emit("agent.chunk", map[string]any{"text": "thinking"})
		req.Emit("agent.chunk", map[string]any{"text": "done"})
		return map[string]any{"status": "ok"}, nil
	})
	g := newTestGateway(t, router)
	defer g.close()
	node := g.pairNode(t, "node-a", pairing.ScopeWrite)

	conn := dial(t, g.url)
	defer conn.Close()
	hello(t, conn, node)

	request(t, conn, "r9", "chat.send", map[string]any{"sessionId": "s1", "message": "hi"})

	var events int
	for {
		f := readFrame(t, conn)
		switch f.Type {
		case FrameEvent:
			if f.ID != "r9" {
				t.Errorf("event not bound to request: %+v", f)
			}
			events++
		case FrameResponse:
			if events != 2 {
				t.Errorf("saw %d events before the response", events)
			}
			if f.OK == nil || !*f.OK {
				t.Errorf("final response %+v", f)
			}
			return
		}
	}
}

func TestPingPong(t *testing.T) {
	g := newTestGateway(t, NewRouter())
	defer g.close()
	node := g.pairNode(t, "node-a", pairing.ScopeRead)

	conn := dial(t, g.url)
	defer conn.Close()
	hello(t, conn, node)

	if err := conn.WriteJSON(Frame{Type: FramePing, ID: "p1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != FramePong || f.ID != "p1" {
		t.Errorf("got %+v, want pong p1", f)
	}
}

func TestBroadcast_ReachesConnectedClients(t *testing.T) {
	g := newTestGateway(t, NewRouter())
	defer g.close()
	node := g.pairNode(t, "node-a", pairing.ScopeRead)

	conn := dial(t, g.url)
	defer conn.Close()
	hello(t, conn, node)

	// Subscription starts with the read loop; give it a beat.
	time.Sleep(100 * time.Millisecond)
	g.server.Events().Publish("channel.activity", map[string]any{"channel": "telegram"})

	f := readFrame(t, conn)
	if f.Type != FrameEvent || f.Event != "channel.activity" {
		t.Errorf("got %+v", f)
	}
}

func TestPairRequest_ApprovedDeliversToken(t *testing.T) {
	g := newTestGateway(t, NewRouter())
	defer g.close()

	conn := dial(t, g.url)
	defer conn.Close()

	if err := conn.WriteJSON(Frame{Type: FramePairRequest, NodeID: "node-new", DisplayName: "new laptop"}); err != nil {
		t.Fatalf("write pair-request: %v", err)
	}

	// Approve out-of-band once the pending entry lands.
	deadline := time.Now().Add(3 * time.Second)
	for {
		pending := g.pairs.ListPending()
		if len(pending) == 1 {
			if _, err := g.pairs.Approve(pending[0].RequestID, []pairing.Scope{pairing.ScopeRead}); err != nil {
				t.Fatalf("Approve: %v", err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pair request never became pending")
		}
		time.Sleep(20 * time.Millisecond)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read pair-ok: %v", err)
	}
	if f.Type != FramePairOK || f.NodeID != "node-new" || f.Token == "" {
		t.Errorf("got %+v", f)
	}
	if _, ok := g.pairs.VerifyToken("node-new", f.Token); !ok {
		t.Error("delivered token does not verify")
	}
}

func TestRequiredScope_Table(t *testing.T) {
	cases := map[string]pairing.Scope{
		"health":                pairing.ScopeRead,
		"sessions.list":         pairing.ScopeRead,
		"send":                  pairing.ScopeWrite,
		"chat.abort":            pairing.ScopeWrite,
		"exec.approval.request": pairing.ScopeApprovals,
		"node.pair.approve":     pairing.ScopePairing,
		"sessions.patch":        pairing.ScopeAdmin,
		"config.set":            pairing.ScopeAdmin,
	}
	for method, want := range cases {
		got, ok := RequiredScope(method)
		if !ok || got != want {
			t.Errorf("RequiredScope(%q) = %q/%v, want %q", method, got, ok, want)
		}
	}
	if _, ok := RequiredScope("made.up.method"); ok {
		t.Error("unknown method classified")
	}
}
