package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdis/clawdis/internal/cron"
	"github.com/clawdis/clawdis/internal/pairing"
	"github.com/clawdis/clawdis/internal/sessions"
)

// withClient dials the local gateway, runs fn and closes the socket.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := dialLocal(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func millisToAge(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.Since(time.UnixMilli(ms)).Round(time.Second).String()
}

// ---- status ----

func buildStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway and channel status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				var out struct {
					Version  string          `json:"version"`
					UptimeMs int64           `json:"uptimeMs"`
					Sessions int             `json:"sessions"`
					Channels []channelStatus `json:"channels"`
				}
				if err := c.Call(ctx, "status", nil, &out); err != nil {
					return err
				}
				if asJSON {
					return printJSON(out)
				}
				fmt.Printf("gateway %s, up %s, %d sessions\n",
					out.Version, (time.Duration(out.UptimeMs) * time.Millisecond).Round(time.Second), out.Sessions)
				for _, ch := range out.Channels {
					state := "disconnected"
					if ch.Connected {
						state = "connected"
					}
					if ch.Error != "" {
						state += " (" + ch.Error + ")"
					}
					fmt.Printf("  %-10s %s\n", ch.ID, state)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

// ---- sessions ----

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect chat sessions",
	}
	cmd.AddCommand(buildSessionsListCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var (
		filter string
		limit  int
		active int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				var out struct {
					Sessions []sessions.ListItem `json:"sessions"`
				}
				params := map[string]any{"filter": filter, "limit": limit, "activeMinutes": active}
				if err := c.Call(ctx, "sessions.list", params, &out); err != nil {
					return err
				}
				if asJSON {
					return printJSON(out)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tUPDATED\tMODEL\tTOKENS\tLABEL")
				for _, item := range out.Sessions {
					e := item.Entry
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
						item.Key, millisToAge(e.UpdatedAt), e.Model, e.ContextTokens, e.Label)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "substring filter on key and label")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the result count")
	cmd.Flags().IntVar(&active, "active", 0, "only sessions updated in the last N minutes")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

// ---- send ----

func buildSendCmd() *cobra.Command {
	var (
		channel string
		to      string
		media   []string
	)
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message out a channel",
		Example: `  clawdis send --channel telegram --to 123456789 "deploy finished"
  clawdis send --channel slack --to C0GENERAL1 --media ./chart.png "daily report"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := ""
			if len(args) == 1 {
				message = args[0]
			}
			return withClient(cmd, func(ctx context.Context, c *client) error {
				var out struct {
					Delivered  int      `json:"delivered"`
					MessageIDs []string `json:"messageIds"`
				}
				params := map[string]any{
					"channel": channel,
					"to":      to,
					"message": message,
					"media":   media,
				}
				if err := c.Call(ctx, "send", params, &out); err != nil {
					return err
				}
				fmt.Printf("delivered %d message(s)\n", out.Delivered)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel id (telegram, discord, slack, whatsapp)")
	cmd.Flags().StringVar(&to, "to", "", "target: chat id, channel id or phone number")
	cmd.Flags().StringArrayVar(&media, "media", nil, "media file path or URL (repeatable)")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// ---- pair ----

func buildPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage paired operator nodes",
	}
	cmd.AddCommand(
		buildPairListCmd(),
		buildPairApproveCmd(),
		buildPairRejectCmd(),
		buildPairRevokeCmd(),
		buildPairRotateCmd(),
	)
	return cmd
}

func buildPairListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending requests and paired nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				var out struct {
					Pending []pairing.PendingPair `json:"pending"`
					Paired  []pairing.PairedNode  `json:"paired"`
				}
				if err := c.Call(ctx, "node.pair.list", nil, &out); err != nil {
					return err
				}
				if asJSON {
					return printJSON(out)
				}
				if len(out.Pending) > 0 {
					fmt.Println("pending:")
					for _, p := range out.Pending {
						fmt.Printf("  %s  node=%s  %s (%s)  from %s\n",
							p.RequestID, p.NodeID, p.DisplayName, p.Platform, p.RemoteIP)
					}
				}
				fmt.Println("paired:")
				for _, n := range out.Paired {
					fmt.Printf("  %s  %s  scopes=%v\n", n.NodeID, n.DisplayName, n.Scopes)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func buildPairApproveCmd() *cobra.Command {
	var scopes []string
	cmd := &cobra.Command{
		Use:   "approve [request-id]",
		Short: "Approve a pending pairing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				var out struct {
					Node pairing.PairedNode `json:"node"`
				}
				params := map[string]any{"requestId": args[0], "scopes": scopes}
				if err := c.Call(ctx, "node.pair.approve", params, &out); err != nil {
					return err
				}
				fmt.Printf("paired %s with scopes %v\n", out.Node.NodeID, out.Node.Scopes)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&scopes, "scope", []string{string(pairing.ScopeRead)},
		"granted scope (repeatable): operator.read|write|approvals|pairing|admin")
	return cmd
}

func buildPairRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject [request-id]",
		Short: "Reject a pending pairing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				if err := c.Call(ctx, "node.pair.reject", map[string]any{"requestId": args[0]}, nil); err != nil {
					return err
				}
				fmt.Println("rejected")
				return nil
			})
		},
	}
}

func buildPairRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [node-id]",
		Short: "Revoke a paired node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				if err := c.Call(ctx, "device.token.revoke", map[string]any{"nodeId": args[0]}, nil); err != nil {
					return err
				}
				fmt.Println("revoked")
				return nil
			})
		},
	}
}

func buildPairRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate [node-id]",
		Short: "Rotate a paired node's token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				var out struct {
					NodeID string `json:"nodeId"`
					Token  string `json:"token"`
				}
				if err := c.Call(ctx, "device.token.rotate", map[string]any{"nodeId": args[0]}, &out); err != nil {
					return err
				}
				fmt.Printf("new token for %s: %s\n", out.NodeID, out.Token)
				return nil
			})
		},
	}
}

// ---- cron ----

func buildCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled agent jobs",
	}
	cmd.AddCommand(buildCronListCmd(), buildCronAddCmd(), buildCronRemoveCmd(), buildCronRunCmd())
	return cmd
}

func buildCronListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cron jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				var out struct {
					Jobs []cron.Job `json:"jobs"`
				}
				if err := c.Call(ctx, "cron.list", nil, &out); err != nil {
					return err
				}
				if asJSON {
					return printJSON(out)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSPEC\tSESSION\tENABLED\tLAST RUN")
				for _, j := range out.Jobs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n",
						j.ID, j.Name, j.Spec, j.SessionKey, j.Enabled, millisToAge(j.LastRunAtMs))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func buildCronAddCmd() *cobra.Command {
	var (
		name    string
		spec    string
		session string
	)
	cmd := &cobra.Command{
		Use:     "add [prompt]",
		Short:   "Add a cron job",
		Example: `  clawdis cron add --spec "0 9 * * 1-5" --session main --name standup "summarize yesterday"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				var out struct {
					Job cron.Job `json:"job"`
				}
				params := map[string]any{
					"name":    name,
					"spec":    spec,
					"session": session,
					"prompt":  args[0],
				}
				if err := c.Call(ctx, "cron.add", params, &out); err != nil {
					return err
				}
				fmt.Printf("added job %s\n", out.Job.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&spec, "spec", "", "cron spec, e.g. \"0 9 * * 1-5\" or @hourly")
	cmd.Flags().StringVar(&session, "session", "", "session key or ref the job runs on")
	_ = cmd.MarkFlagRequired("spec")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func buildCronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [job-id]",
		Short: "Remove a cron job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				if err := c.Call(ctx, "cron.remove", map[string]any{"id": args[0]}, nil); err != nil {
					return err
				}
				fmt.Println("removed")
				return nil
			})
		},
	}
}

func buildCronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [job-id]",
		Short: "Fire a cron job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				var out struct {
					Queued bool `json:"queued"`
				}
				if err := c.Call(ctx, "cron.run", map[string]any{"id": args[0]}, &out); err != nil {
					return err
				}
				fmt.Println("queued")
				return nil
			})
		},
	}
}
