// Command bot watches a Discord channel for option trade alerts and mirrors
// them as Tradier orders.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "bot",
		Short:         "Mirror Discord option alerts as Tradier orders",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "Path to configuration file")

	cmd.AddCommand(
		newRunCmd(opts),
		newDebugCmd(),
		newParseCmd(),
		newDashboardCmd(opts),
		newBackfillCmd(opts),
		newImportCmd(opts),
		newReconcileCmd(opts),
	)
	return cmd
}
