package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/gateway"
	"github.com/clawdis/clawdis/internal/pairing"
)

// localNodeFile stores the CLI's own paired-node credentials under the
// state dir. The serve command writes it; every client command reads it.
const localNodeFile = "cli-node.json"

const dialTimeout = 10 * time.Second

type localNode struct {
	NodeID string `json:"nodeId"`
	Token  string `json:"token"`
}

func writeLocalNode(stateDir, nodeID, token string) error {
	data, err := json.MarshalIndent(localNode{NodeID: nodeID, Token: token}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stateDir, localNodeFile), append(data, '\n'), 0o600)
}

func readLocalNode(stateDir string) (localNode, error) {
	var node localNode
	data, err := os.ReadFile(filepath.Join(stateDir, localNodeFile))
	if err != nil {
		return node, fmt.Errorf("no local gateway credentials (is the gateway set up? run clawdis serve): %w", err)
	}
	if err := json.Unmarshal(data, &node); err != nil {
		return node, fmt.Errorf("corrupt %s: %w", localNodeFile, err)
	}
	return node, nil
}

// gatewayURL resolves the control socket address: the lock file's port when
// a gateway is running, otherwise the configured port.
func gatewayURL(stateDir string) string {
	host := "127.0.0.1"
	port := 0
	if _, p, err := gateway.ReadLock(stateDir); err == nil {
		port = p
	}
	if port == 0 {
		cfg, err := config.Load(config.DefaultPath())
		if err == nil {
			if cfg.Gateway.Host != "" {
				host = cfg.Gateway.Host
			}
			port = cfg.Gateway.Port
		}
	}
	if port == 0 {
		port = 8765
	}
	return fmt.Sprintf("ws://%s:%d/ws", host, port)
}

// client is a minimal control-socket client: hello once, then serial
// request/response. Event frames arriving between responses are discarded.
type client struct {
	ws     *websocket.Conn
	nextID int
}

func dialGateway(ctx context.Context, url string, node localNode) (*client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable at %s: %w", url, err)
	}

	c := &client{ws: ws}
	hello := gateway.Frame{
		Type:        gateway.FrameHello,
		NodeID:      node.NodeID,
		Token:       node.Token,
		DisplayName: "clawdis CLI",
		Platform:    runtime.GOOS,
		Version:     version,
	}
	if err := ws.WriteJSON(hello); err != nil {
		_ = ws.Close()
		return nil, err
	}

	var resp gateway.Frame
	_ = ws.SetReadDeadline(time.Now().Add(dialTimeout))
	if err := ws.ReadJSON(&resp); err != nil {
		_ = ws.Close()
		return nil, err
	}
	if resp.Type != gateway.FrameHelloOK {
		_ = ws.Close()
		if resp.Error != nil {
			return nil, fmt.Errorf("gateway rejected hello: %s", resp.Error.Message)
		}
		return nil, fmt.Errorf("gateway rejected hello")
	}
	return c, nil
}

// dialLocal connects using the serve-provisioned CLI credentials.
func dialLocal(ctx context.Context) (*client, error) {
	stateDir := config.StateDir()
	node, err := readLocalNode(stateDir)
	if err != nil {
		return nil, err
	}
	return dialGateway(ctx, gatewayURL(stateDir), node)
}

func (c *client) Close() error { return c.ws.Close() }

// Call runs one RPC and decodes its payload into out (out may be nil).
func (c *client) Call(ctx context.Context, method string, params any, out any) error {
	c.nextID++
	id := fmt.Sprintf("cli-%d", c.nextID)

	frame := gateway.Frame{Type: gateway.FrameRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		frame.Params = raw
	}
	if err := c.ws.WriteJSON(frame); err != nil {
		return err
	}

	deadline := time.Now().Add(gateway.RequestTimeout + dialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetReadDeadline(deadline)

	for {
		var resp gateway.Frame
		if err := c.ws.ReadJSON(&resp); err != nil {
			return err
		}
		switch resp.Type {
		case gateway.FramePing:
			_ = c.ws.WriteJSON(gateway.Frame{Type: gateway.FramePong, ID: resp.ID})
		case gateway.FrameEvent:
			// Not subscribed to anything in particular.
		case gateway.FrameResponse:
			if resp.ID != id {
				continue
			}
			if resp.OK == nil || !*resp.OK {
				if resp.Error != nil {
					return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
				}
				return fmt.Errorf("request failed")
			}
			return decodePayload(resp.Payload, out)
		}
	}
}

// decodePayload round-trips the already-unmarshalled payload into the
// caller's struct.
func decodePayload(payload any, out any) error {
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// ensureLocalNode provisions (or reuses) the CLI's admin node during serve
// startup so client commands on the same machine work without a pairing
// ceremony.
func ensureLocalNode(pairs *pairing.Store, stateDir string) error {
	const nodeID = "cli"
	if token, ok := pairs.TokenFor(nodeID); ok {
		return writeLocalNode(stateDir, nodeID, token)
	}
	pend, err := pairs.RequestPairing(pairing.PairRequest{
		NodeID:      nodeID,
		DisplayName: "clawdis CLI",
		Platform:    runtime.GOOS,
		Version:     version,
		RemoteIP:    "local",
	})
	if err != nil {
		return err
	}
	node, err := pairs.Approve(pend.RequestID, []pairing.Scope{pairing.ScopeAdmin})
	if err != nil {
		return err
	}
	return writeLocalNode(stateDir, node.NodeID, node.Token)
}
