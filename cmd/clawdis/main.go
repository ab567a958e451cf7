// Package main is the clawdis CLI: one binary that runs the gateway
// (`clawdis serve`) and talks to a running gateway over its websocket
// control plane (`pair`, `sessions`, `send`, `status`).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "clawdis",
		Short: "Chat-agent gateway",
		Long: `clawdis bridges messaging channels (Telegram, Discord, Slack, WhatsApp)
to an agent runtime, with per-sender session state, inline slash
directives and a websocket control plane for operators.`,
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
	}

	root.AddCommand(
		buildServeCmd(),
		buildPairCmd(),
		buildSessionsCmd(),
		buildSendCmd(),
		buildStatusCmd(),
		buildCronCmd(),
	)
	return root
}
