package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

// mediaSubdir is the sandbox directory media lands in, relative to the
// session workspace.
const mediaSubdir = "media"

// workspaceFor maps a session key to its sandbox directory.
func (o *Orchestrator) workspaceFor(key sessions.Key) string {
	root := o.cfg.WorkspaceRoot
	if root == "" {
		root = os.TempDir()
	}
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key.String())
	return filepath.Join(root, safe)
}

// StageMedia copies each inbound media path into the session workspace and
// rewrites the context paths sandbox-relative. Remote paths are fetched over
// scp from MediaRemoteHost. Staging is idempotent per source: the target
// name is derived from the source, so a re-delivered message stages nothing
// twice.
func StageMedia(ctx context.Context, workspaceDir string, msg *models.MsgContext) error {
	paths := msg.MediaPaths
	remoteHost := msg.MediaRemoteHost
	set := func(i int, p string) { msg.MediaPaths[i] = p }
	if len(paths) == 0 {
		return nil
	}
	dir := filepath.Join(workspaceDir, mediaSubdir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	var firstErr error
	for i, src := range paths {
		name := stagedName(remoteHost, src)
		dest := filepath.Join(dir, name)
		rel := filepath.Join(mediaSubdir, name)

		if _, err := os.Stat(dest); err == nil {
			set(i, rel)
			continue
		}

		var err error
		if remoteHost != "" {
			err = scpFetch(ctx, remoteHost, src, dest)
		} else {
			err = copyFile(src, dest)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		set(i, rel)
	}
	return firstErr
}

// stagedName derives a stable sandbox filename from the source so staging
// the same file twice hits the same target.
func stagedName(host, src string) string {
	sum := sha256.Sum256([]byte(host + "|" + src))
	return hex.EncodeToString(sum[:6]) + "-" + filepath.Base(src)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dest), ".staging-*")
	if err != nil {
		return err
	}
	tmpName := out.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}

// scpFetch pulls a remote media file into the sandbox. Channel monitors on
// other hosts hand over paths local to themselves.
func scpFetch(ctx context.Context, host, remotePath, dest string) error {
	cmd := exec.CommandContext(ctx, "scp", "-q", fmt.Sprintf("%s:%s", host, remotePath), dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("scp %s:%s: %w (%s)", host, remotePath, err, strings.TrimSpace(string(out)))
	}
	return nil
}
