package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/pkg/models"
)

// maxStderrTail bounds how much child stderr is kept for error messages.
const maxStderrTail = 4096

// waitDelay bounds how long a cancelled attempt may hold its I/O pipes:
// after this the pipes are force-closed even if a grandchild still has the
// write end open.
const waitDelay = 2 * time.Second

// SubprocessCaller runs the agent runtime as a child process per attempt.
// The request goes to stdin as one JSON document; stdout carries
// newline-delimited JSON: zero or more event lines followed by exactly one
// result or error line.
type SubprocessCaller struct {
	command []string
	env     []string
	log     *observability.Logger
}

// NewSubprocessCaller builds a Caller around the given argv. Extra env
// entries are appended to the inherited environment.
func NewSubprocessCaller(command []string, env []string, log *observability.Logger) (*SubprocessCaller, error) {
	if len(command) == 0 {
		return nil, models.NewError(models.ErrInvalidRequest, "agent command is empty")
	}
	if log == nil {
		log = observability.Nop()
	}
	return &SubprocessCaller{
		command: command,
		env:     env,
		log:     log.Module("agent.exec"),
	}, nil
}

// subprocessRequest is the stdin document. It mirrors CallRequest minus the
// event channel.
type subprocessRequest struct {
	Messages     []models.TranscriptMessage `json:"messages"`
	SystemPrompt string                     `json:"systemPrompt,omitempty"`
	Model        string                     `json:"model"`
	Provider     string                     `json:"provider,omitempty"`
	Thinking     string                     `json:"thinking,omitempty"`
	WorkspaceDir string                     `json:"workspaceDir,omitempty"`
}

// subprocessLine is one stdout line from the child.
type subprocessLine struct {
	Type   string             `json:"type"` // "event", "result" or "error"
	Event  *models.AgentEvent `json:"event,omitempty"`
	Result *subprocessResult  `json:"result,omitempty"`
	Error  *subprocessError   `json:"error,omitempty"`
}

type subprocessResult struct {
	Payloads []models.ReplyPayload      `json:"payloads"`
	Turn     []models.TranscriptMessage `json:"turn,omitempty"`
	Usage    models.Usage               `json:"usage"`
}

type subprocessError struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Call runs one attempt. Cancelling ctx kills the child.
func (c *SubprocessCaller) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(), c.env...)
	if req.WorkspaceDir != "" {
		cmd.Dir = req.WorkspaceDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, models.WrapError(models.ErrUnavailable, err, "agent stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, models.WrapError(models.ErrUnavailable, err, "agent stdout pipe")
	}
	stderr := &tailBuffer{limit: maxStderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, models.WrapError(models.ErrUnavailable, err, "agent process start")
	}
	c.log.Debug(ctx, "agent process started", "model", req.Model, "pid", cmd.Process.Pid)

	go func() {
		enc := json.NewEncoder(stdin)
		if err := enc.Encode(subprocessRequest{
			Messages:     req.Messages,
			SystemPrompt: req.SystemPrompt,
			Model:        req.Model,
			Provider:     req.Provider,
			Thinking:     req.Thinking,
			WorkspaceDir: req.WorkspaceDir,
		}); err != nil {
			c.log.Warn(ctx, "agent stdin write failed", "error", err)
		}
		_ = stdin.Close()
	}()

	result, protoErr := c.readStream(ctx, stdout, req.Events)

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, models.WrapError(models.ErrCancelled, ctx.Err(), "agent attempt cancelled")
	}
	if protoErr != nil {
		return nil, protoErr
	}
	if result == nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "no result line on stdout"
		}
		if waitErr != nil {
			return nil, models.WrapError(models.ErrTransient, waitErr, "agent process failed: %s", msg)
		}
		return nil, models.NewError(models.ErrTransient, "agent process produced no result: %s", msg)
	}
	return result, nil
}

// readStream consumes stdout lines, forwarding events and returning the
// terminal result. Event forwarding never blocks; a full channel drops.
func (c *SubprocessCaller) readStream(ctx context.Context, r io.Reader, events chan<- models.AgentEvent) (*CallResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line subprocessLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			c.log.Warn(ctx, "agent stdout line is not JSON", "line", truncate(raw, 200))
			continue
		}
		switch line.Type {
		case "event":
			if line.Event != nil && events != nil {
				select {
				case events <- *line.Event:
				default:
				}
			}
		case "result":
			if line.Result == nil {
				return nil, models.NewError(models.ErrTransient, "agent result line missing body")
			}
			return &CallResult{
				Payloads: line.Result.Payloads,
				Turn:     line.Result.Turn,
				Usage:    line.Result.Usage,
			}, nil
		case "error":
			if line.Error == nil {
				return nil, models.NewError(models.ErrTransient, "agent error line missing body")
			}
			return nil, models.NewError(kindFromWire(line.Error.Kind), "agent: %s", line.Error.Message)
		default:
			c.log.Warn(ctx, "agent stdout line has unknown type", "type", line.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, models.WrapError(models.ErrTransient, err, "agent stdout read")
	}
	return nil, nil
}

// kindFromWire maps a child-reported error kind onto the taxonomy. Unknown
// kinds count as transient so the fallback chain keeps trying.
func kindFromWire(kind string) models.ErrorKind {
	k := models.ErrorKind(kind)
	switch k {
	case models.ErrInvalidRequest, models.ErrUnauthorized, models.ErrNotFound,
		models.ErrConflict, models.ErrUnavailable, models.ErrThrottled,
		models.ErrTransient, models.ErrPermanent, models.ErrTimeout,
		models.ErrCancelled:
		return k
	}
	return models.ErrTransient
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
