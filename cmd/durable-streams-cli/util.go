package main

import (
	"context"

	"github.com/spf13/cobra"
)

// withTimeout derives a bounded context from cmd's context (which carries the
// root command's signal-cancellation) using the configured --timeout.
func withTimeout(cmd *cobra.Command, cfg *rootConfig) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), cfg.timeout)
}
