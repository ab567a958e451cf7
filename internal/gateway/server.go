package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/internal/pairing"
	"github.com/clawdis/clawdis/pkg/models"
)

const (
	// HelloTimeout is how long a fresh connection has to authenticate.
	HelloTimeout = 10 * time.Second
	// RequestTimeout bounds one RPC dispatch.
	RequestTimeout = 30 * time.Second

	writeWait        = 10 * time.Second
	pongWait         = 45 * time.Second
	pingInterval     = 15 * time.Second
	maxFrameBytes    = 1 << 20
	pairPollInterval = time.Second
)

// Request is what a method handler receives.
type Request struct {
	Method string
	Params json.RawMessage

	// Node is the authenticated caller.
	Node *pairing.PairedNode

	// Emit pushes an event frame bound to this request's id; streaming
	// methods call it before returning their final payload.
	Emit func(event string, payload any)
}

// HandlerFunc implements one RPC method.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Router maps method names to handlers. Registration happens at startup;
// lookups afterwards are read-only.
type Router struct {
	handlers map[string]HandlerFunc
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Handle registers a method handler.
func (r *Router) Handle(method string, fn HandlerFunc) {
	r.handlers[method] = fn
}

func (r *Router) lookup(method string) (HandlerFunc, bool) {
	fn, ok := r.handlers[method]
	return fn, ok
}

// Config adjusts server behavior.
type Config struct {
	ServerName     string
	HelloTimeout   time.Duration
	RequestTimeout time.Duration
}

func (c Config) helloTimeout() time.Duration {
	if c.HelloTimeout > 0 {
		return c.HelloTimeout
	}
	return HelloTimeout
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return RequestTimeout
}

// Server is the websocket control plane. Wire it into an http.Server via
// Handler.
type Server struct {
	cfg      Config
	router   *Router
	pairs    *pairing.Store
	events   *Broadcaster
	log      *observability.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

// NewServer wires the control plane. events and metrics may be nil.
func NewServer(cfg Config, router *Router, pairs *pairing.Store, events *Broadcaster, log *observability.Logger, metrics *observability.Metrics) *Server {
	if log == nil {
		log = observability.Nop()
	}
	if events == nil {
		events = NewBroadcaster(0)
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "clawdis"
	}
	return &Server{
		cfg:     cfg,
		router:  router,
		pairs:   pairs,
		events:  events,
		log:     log.Module("gateway"),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Events is the broadcaster other components publish through.
func (s *Server) Events() *Broadcaster { return s.events }

// Handler returns the websocket endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		c := &conn{
			server:   s,
			ws:       ws,
			send:     make(chan Frame, 64),
			ctx:      ctx,
			cancel:   cancel,
			remoteIP: r.RemoteAddr,
		}
		c.run()
	})
}

type conn struct {
	server   *Server
	ws       *websocket.Conn
	send     chan Frame
	ctx      context.Context
	cancel   context.CancelFunc
	node     *pairing.PairedNode
	remoteIP string
}

func (c *conn) run() {
	defer c.close()

	// The handshake writes synchronously; the writer goroutine starts only
	// once the connection is authenticated.
	if !c.handshake() {
		return
	}
	go c.writeLoop()

	if c.server.metrics != nil {
		c.server.metrics.GatewayConnections.Inc()
		defer c.server.metrics.GatewayConnections.Dec()
	}
	go c.forwardEvents()
	c.readLoop()
}

func (c *conn) close() {
	c.cancel()
	_ = c.ws.Close()
}

// handshake enforces the hello window: the first frame must authenticate
// (hello) or start pairing (pair-request).
func (c *conn) handshake() bool {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.server.cfg.helloTimeout()))

	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return false
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.writeNow(errorFrame("", CodeInvalidFrame, "frame is not JSON"))
		return false
	}

	switch frame.Type {
	case FrameHello:
		if err := validateFrame(raw, FrameHello); err != nil {
			c.writeNow(errorFrame("", CodeInvalidFrame, err.Error()))
			return false
		}
		node, ok := c.server.pairs.VerifyToken(frame.NodeID, frame.Token)
		if !ok {
			c.server.log.Warn(c.ctx, "hello rejected", "node", frame.NodeID, "remote", c.remoteIP)
			c.writeNow(errorFrame("", CodeUnauthorized, "unknown node or bad token"))
			return false
		}
		c.node = node
		c.writeNow(Frame{Type: FrameHelloOK, ServerName: c.server.cfg.ServerName})
		c.server.log.Info(c.ctx, "node connected", "node", node.NodeID, "scopes", len(node.Scopes))
		return true

	case FramePairRequest:
		if err := validateFrame(raw, FramePairRequest); err != nil {
			c.writeNow(errorFrame("", CodeInvalidFrame, err.Error()))
			return false
		}
		c.runPairing(frame)
		return false

	default:
		c.writeNow(errorFrame("", CodeInvalidFrame, "first frame must be hello or pair-request"))
		return false
	}
}

// writeNow writes a frame synchronously. Only the handshake path, which
// runs before the writer goroutine starts, may use it.
func (c *conn) writeNow(frame Frame) {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteJSON(frame)
}

// runPairing records a pending request and waits for out-of-band approval,
// answering pair-ok with the fresh token or PAIRING_EXPIRED.
func (c *conn) runPairing(frame Frame) {
	pend, err := c.server.pairs.RequestPairing(pairing.PairRequest{
		NodeID:      frame.NodeID,
		DisplayName: frame.DisplayName,
		Platform:    frame.Platform,
		Version:     frame.Version,
		RemoteIP:    c.remoteIP,
	})
	if err != nil {
		c.writeNow(errorFrame("", CodeInvalidRequest, err.Error()))
		return
	}
	c.server.events.Publish("pairing.requested", pend)
	c.server.log.Info(c.ctx, "pairing requested", "node", pend.NodeID, "request", pend.RequestID)

	// The approval happens on another connection; poll until the window
	// closes.
	ticker := time.NewTicker(pairPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if token, ok := c.server.pairs.TokenFor(pend.NodeID); ok {
				c.writeNow(Frame{Type: FramePairOK, NodeID: pend.NodeID, Token: token})
				return
			}
			if !time.Now().Before(pend.ExpiresAt) {
				c.writeNow(errorFrame("", CodePairingExpired, "pairing expired"))
				return
			}
		}
	}
}

func (c *conn) readLoop() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.enqueue(errorFrame("", CodeInvalidFrame, "frame is not JSON"))
			continue
		}

		switch frame.Type {
		case FramePing:
			c.enqueue(Frame{Type: FramePong, ID: frame.ID})
		case FramePong:
			// Keepalive only.
		case FrameRequest:
			if err := validateFrame(raw, FrameRequest); err != nil {
				c.enqueue(errorFrame(frame.ID, CodeInvalidFrame, err.Error()))
				continue
			}
			go c.dispatch(frame)
		default:
			c.enqueue(errorFrame(frame.ID, CodeInvalidFrame, "unexpected frame type"))
		}
	}
}

// dispatch authorizes and runs one request. A denied or failed request
// answers with an error response; the connection always stays open.
func (c *conn) dispatch(frame Frame) {
	required, _ := RequiredScope(frame.Method)
	if !pairing.Authorized(required, c.node.Scopes) {
		c.server.log.Warn(c.ctx, "method denied", "node", c.node.NodeID, "method", frame.Method)
		c.countRequest(frame.Method, "denied")
		c.enqueue(errorFrame(frame.ID, CodeUnauthorized, "missing scope for "+frame.Method))
		return
	}

	handler, ok := c.server.router.lookup(frame.Method)
	if !ok {
		c.countRequest(frame.Method, "unknown")
		c.enqueue(errorFrame(frame.ID, CodeMethodNotFound, "unknown method "+frame.Method))
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.server.cfg.requestTimeout())
	defer cancel()

	req := &Request{
		Method: frame.Method,
		Params: frame.Params,
		Node:   c.node,
		Emit: func(event string, payload any) {
			c.enqueue(Frame{Type: FrameEvent, ID: frame.ID, Event: event, Payload: payload})
		},
	}
	payload, err := handler(ctx, req)
	if err != nil {
		c.countRequest(frame.Method, "error")
		c.enqueue(errorFrame(frame.ID, codeForError(err), err.Error()))
		return
	}
	c.countRequest(frame.Method, "ok")
	c.enqueue(responseFrame(frame.ID, payload))
}

func (c *conn) countRequest(method, outcome string) {
	if c.server.metrics != nil {
		c.server.metrics.GatewayRequests.WithLabelValues(method, outcome).Inc()
	}
}

// forwardEvents bridges the broadcaster to this connection. If the
// subscription is evicted for slowness the client gets one SLOW_CONSUMER
// event and no further pushes; requests keep working.
func (c *conn) forwardEvents() {
	sub := c.server.events.Subscribe()
	defer c.server.events.Unsubscribe(sub)

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame, ok := <-sub.Frames():
			if !ok {
				if sub.Dropped() {
					c.enqueue(eventFrame(CodeSlowConsumer, map[string]any{
						"reason": "event buffer overflow, subscription dropped",
					}))
				}
				return
			}
			c.enqueue(frame)
		}
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *conn) enqueue(frame Frame) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
	}
}

// codeForError maps the error taxonomy onto wire codes.
func codeForError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	switch models.KindOf(err) {
	case models.ErrInvalidRequest:
		return CodeInvalidRequest
	case models.ErrUnauthorized:
		return CodeUnauthorized
	case models.ErrNotFound:
		return CodeNotFound
	case models.ErrTimeout:
		return CodeTimeout
	case models.ErrConflict:
		return string(models.ErrConflict)
	default:
		return CodeUnavailable
	}
}
