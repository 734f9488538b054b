package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/alert_trader/internal/dashboard"
	"github.com/eddiefleurent/alert_trader/internal/pipeline"
	"github.com/eddiefleurent/alert_trader/internal/source"
)

const (
	liveConfirmDelay = 10 * time.Second
	shutdownTimeout  = 5 * time.Second
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var skipConfirm bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll Discord and trade every alert",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), root.configPath, skipConfirm)
		},
	}
	cmd.Flags().BoolVar(&skipConfirm, "yes", false, "Skip the live trading confirmation delay")
	return cmd
}

func runBot(ctx context.Context, configPath string, skipConfirm bool) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.WithError(err).Warn("Error during shutdown")
		}
	}()
	if err := a.cfg.ValidateDiscord(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := a.logger
	log.Infof("Starting alert trader in %s mode", a.cfg.Environment.Mode)
	if a.cfg.IsPaperTrading() {
		log.Info("PAPER TRADING MODE - No real money at risk")
	} else {
		log.Warn("LIVE TRADING MODE - Real money at risk!")
		if !skipConfirm {
			log.Infof("Waiting %s to confirm...", liveConfirmDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(liveConfirmDelay):
			}
		}
	}
	if a.cfg.Execution.DryRun {
		log.Warn("DRY RUN - orders are submitted as previews")
	}

	proc, l, err := a.processor(ctx)
	if err != nil {
		return err
	}
	log.WithField("positions", len(l.Positions())).Info("Loaded open positions")

	discord, err := source.NewDiscord(source.Config{
		Token:      a.cfg.Discord.Token,
		ChannelID:  a.cfg.Discord.ChannelID,
		FetchLimit: a.cfg.Discord.FetchLimit,
		TodayOnly:  *a.cfg.Discord.TodayOnly,
		Location:   a.cfg.Location(),
	}, a.store, log)
	if err != nil {
		return err
	}
	if err := discord.Connect(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proc.Run(gctx, discord, a.cfg.GetPollInterval(), func(o pipeline.Outcome) {
			if o.Status == pipeline.StatusExecuted && o.Err != nil {
				log.WithError(o.Err).WithField("message_id", o.MessageID).Error("Trade executed but booking failed; reconcile before the next session")
			}
		})
	})

	if a.cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			Port:           a.cfg.Dashboard.Port,
			AuthToken:      a.cfg.Dashboard.AuthToken,
			StreamInterval: a.cfg.GetStreamInterval(),
			Location:       a.cfg.Location(),
		}, a.store, a.resolver, log)
		g.Go(func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info("Bot stopped")
	return err
}
