// Package main provides the CLI entry point for the relay gateway.
//
// relay bridges messaging platforms (Telegram, Discord, Slack, WhatsApp,
// Matrix, Mattermost, Nostr, email, CLI) to an external agent gateway: it
// resolves per-bot/chat settings and model selection, streams the
// gateway's reply back through the originating channel, persists the
// transcript, and runs scheduled agent jobs on a cron.
//
// Start the server:
//
//	relay serve --config relay.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	root := &cobra.Command{
		Use:   "relay",
		Short: "Multi-channel conversational agent gateway",
		Long: `relay connects messaging platforms to an external agent gateway over HTTP,
handling per-channel streaming, attachment normalization, context assembly,
and scheduled agent jobs.`,
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
	}

	root.AddCommand(buildServeCmd())

	if err := root.Execute(); err != nil {
		slog.Error("relay exited with error", "error", err)
		os.Exit(1)
	}
}
