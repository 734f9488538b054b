package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/alert_trader/internal/ledger"
	"github.com/eddiefleurent/alert_trader/internal/logging"
	"github.com/eddiefleurent/alert_trader/internal/mock"
	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/eddiefleurent/alert_trader/internal/orders"
	"github.com/eddiefleurent/alert_trader/internal/parser"
	"github.com/eddiefleurent/alert_trader/internal/pipeline"
	"github.com/eddiefleurent/alert_trader/internal/resolver"
	"github.com/eddiefleurent/alert_trader/internal/storage"
)

// debugOutcome is an Outcome with its error rendered for JSON output.
type debugOutcome struct {
	pipeline.Outcome
	Error string `json:"error,omitempty"`
}

func newDebugCmd() *cobra.Command {
	var (
		spots     map[string]string
		tolerance string
		logLevel  string
	)
	cmd := &cobra.Command{
		Use:   "debug [message...]",
		Short: "Run alerts through the full pipeline against a simulated broker",
		Long: "Each argument (or each stdin line when none are given) is processed as one alert.\n" +
			"Orders go to an in-memory broker and positions to an in-memory store, so\n" +
			"alerts build on each other within one invocation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Options{Level: logLevel, Output: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			tol, err := decimal.NewFromString(tolerance)
			if err != nil {
				return fmt.Errorf("invalid --tolerance: %w", err)
			}

			gw := mock.NewGateway()
			for ticker, v := range spots {
				price, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return fmt.Errorf("invalid --spot %s=%s: %w", ticker, v, err)
				}
				gw.SetSpot(strings.ToUpper(ticker), price)
			}
			proc, err := debugProcessor(gw, tol, logger)
			if err != nil {
				return err
			}

			texts := args
			if len(texts) == 0 {
				if texts, err = readLines(cmd.InOrStdin()); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, text := range texts {
				out := proc.Process(cmd.Context(), models.Message{
					ID:         uuid.NewString(),
					Text:       text,
					ObservedAt: time.Now(),
				})
				d := debugOutcome{Outcome: out}
				if out.Err != nil {
					d.Error = out.Err.Error()
				}
				if err := enc.Encode(d); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&spots, "spot", nil, "Underlying prices for the simulated chains, e.g. --spot SPY=450")
	cmd.Flags().StringVar(&tolerance, "tolerance", orders.DefaultConfig.PriceTolerance.String(), "Price tolerance for buys")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level")
	return cmd
}

func debugProcessor(gw *mock.Gateway, tolerance decimal.Decimal, logger *logrus.Logger) (*pipeline.Processor, error) {
	res, err := resolver.New(gw, resolver.Options{}, logger)
	if err != nil {
		return nil, err
	}
	store := storage.NewMemoryStore()
	cfg := orders.DefaultConfig
	cfg.PriceTolerance = tolerance
	return pipeline.NewProcessor(pipeline.Deps{
		Parser:    parser.New(logger),
		Resolver:  res,
		Planner:   orders.NewPlanner(gw, cfg, logger),
		Ledger:    ledger.New(store, logger),
		Sink:      store,
		AccountID: "debug",
		Logger:    logger,
	})
}

func newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse [message...]",
		Short: "Print the trade intent parsed from each alert",
		RunE: func(cmd *cobra.Command, args []string) error {
			texts := args
			if len(texts) == 0 {
				var err error
				if texts, err = readLines(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			p := parser.New(logging.Discard())
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, text := range texts {
				if err := enc.Encode(p.Parse(text)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return lines, nil
}
