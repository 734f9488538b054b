package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/alert_trader/internal/backfill"
	"github.com/eddiefleurent/alert_trader/internal/dashboard"
	"github.com/eddiefleurent/alert_trader/internal/importer"
	"github.com/eddiefleurent/alert_trader/internal/reconcile"
)

func newDashboardCmd(root *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Serve the reporting API without trading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if port == 0 {
				port = a.cfg.Dashboard.Port
			}
			srv := dashboard.NewServer(dashboard.Config{
				Port:           port,
				AuthToken:      a.cfg.Dashboard.AuthToken,
				StreamInterval: a.cfg.GetStreamInterval(),
				Location:       a.cfg.Location(),
			}, a.store, a.resolver, a.logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (defaults to dashboard.port)")
	return cmd
}

func newBackfillCmd(root *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Fill in missing trade prices from current quotes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := backfill.Run(cmd.Context(), a.store, a.resolver, dryRun, a.logger)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report prices without writing them")
	return cmd
}

func newImportCmd(root *rootOptions) *cobra.Command {
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "import-csv <file>",
		Short: "Import trades from a legacy CSV export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Open(args[0]) // #nosec G304 -- operator-supplied import file
			if err != nil {
				return err
			}
			defer f.Close()

			im := importer.New(a.cfg.Location(), a.logger)
			trades, res, err := im.Import(ctx, f, a.store)
			if err != nil {
				return err
			}
			if rebuild {
				n, err := im.RebuildPositions(ctx, trades, a.store)
				if err != nil {
					return fmt.Errorf("rebuilding positions: %w", err)
				}
				res.Positions = n
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild-positions", false, "Replace stored positions with a replay of the imported trades")
	return cmd
}

func newReconcileCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Compare ledger positions with the broker account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := reconcile.Run(cmd.Context(), a.gateway, a.store, a.logger)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if !report.InSync() {
				return fmt.Errorf("%d position(s) drifted from the broker", len(report.Drift))
			}
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
