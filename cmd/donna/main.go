// Package main is the CLI entry point for the donna automation daemon.
//
// Donna connects messaging channels (Telegram, WhatsApp) and a web API to an
// agent that writes, runs, and stores small automation programs.
//
// Start the daemon:
//
//	donna serve --config donna.yaml
//
// Inspect stored workflows against a running daemon:
//
//	donna workflows list
//	donna workflows run <id>
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
)

func main() {
	root := &cobra.Command{
		Use:           "donna",
		Short:         "Personal automation daemon",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(buildServeCmd())
	root.AddCommand(buildWorkflowsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
