package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/billing-ledger/api"
	"github.com/warp/billing-ledger/config"
	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/logging"
	"github.com/warp/billing-ledger/payments"
	"github.com/warp/billing-ledger/reconcile"
	"github.com/warp/billing-ledger/store/sqlite"
)

// =============================================================================
// SHARED SETUP
// =============================================================================

type globalOptions struct {
	configPath string
	db         string
	logLevel   string
	logFormat  string
}

// load resolves config (file, env, then flags) and initializes logging.
func (o *globalOptions) load(cmd *cobra.Command, component string, apply func(*config.Config)) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DB = o.db
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if apply != nil {
		apply(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	logger := logging.InitWriter(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level, Component: component}, cmd.ErrOrStderr())
	return cfg, logger, nil
}

func openStore(cfg config.Config, logger zerolog.Logger) (*sqlite.Store, error) {
	store, err := sqlite.New(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DB, err)
	}
	logger.Info().Str("db", cfg.DB).Msg("database opened")
	return store, nil
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd(g *globalOptions) *cobra.Command {
	var (
		port      int
		interval  time.Duration
		tolerance int64
		tenancies []string
		origins   []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(cmd, "api", func(c *config.Config) {
				if cmd.Flags().Changed("port") {
					c.Port = port
				}
				if cmd.Flags().Changed("reconcile-interval") {
					c.Reconcile.Interval = interval
				}
				if cmd.Flags().Changed("tolerance") {
					c.Reconcile.Tolerance = tolerance
				}
				if cmd.Flags().Changed("tenancy") {
					c.Reconcile.Tenancies = tenancies
				}
			})
			if err != nil {
				return err
			}
			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			handler := api.NewHandler(store, api.LogProcessor{Logger: logger.With().Str("component", "processor").Logger()}, logger, api.Options{
				ListCacheSize: cfg.ListCacheSize,
				Tolerance:     cfg.Reconcile.Tolerance,
			})
			scheduler := api.NewReconcileScheduler(handler, cfg.TenancyIDs(), cfg.Reconcile.Interval)

			server := &http.Server{
				Addr:         fmt.Sprintf(":%d", cfg.Port),
				Handler:      api.NewRouter(handler, api.RouterOptions{AllowedOrigins: origins}),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 60 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() {
				logger.Info().Int("port", cfg.Port).Msg("server starting")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()
			scheduler.Start()

			select {
			case err := <-errc:
				scheduler.Stop()
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			logger.Info().Msg("shutting down server")
			scheduler.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&port, "port", 8080, "HTTP server port")
	flags.DurationVar(&interval, "reconcile-interval", 0, "periodic reconciliation interval, 0 disables")
	flags.Int64Var(&tolerance, "tolerance", 0, "item balance difference reported as a warning")
	flags.StringSliceVar(&tenancies, "tenancy", nil, "tenancy to reconcile periodically (repeatable)")
	flags.StringSliceVar(&origins, "cors-origin", nil, "allowed CORS origin (repeatable)")
	return cmd
}

// =============================================================================
// VERIFY
// =============================================================================

func newVerifyCmd(g *globalOptions) *cobra.Command {
	var (
		tenancy     string
		at          string
		mode        string
		tolerance   int64
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute a tenancy from its rows and compare with the ledger",
		Long: `verify replays every customer of a tenancy and compares item balances and
owned products with an independent recomputation. The report is printed as
JSON on stdout. The command fails when a hard mismatch is found.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(cmd, "verify", func(c *config.Config) {
				if cmd.Flags().Changed("tolerance") {
					c.Reconcile.Tolerance = tolerance
				}
			})
			if err != nil {
				return err
			}
			instant, err := parseInstant(at, time.Now())
			if err != nil {
				return err
			}
			runMode := reconcile.Mode(mode)
			if runMode != reconcile.FailFast && runMode != reconcile.CollectAll {
				return &generic.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
			}

			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			service := payments.NewService(store, logger)
			service.ListCacheSize = cfg.ListCacheSize
			verifier := reconcile.NewVerifier(store, service, logger, reconcile.Options{
				Mode:        runMode,
				Tolerance:   cfg.Reconcile.Tolerance,
				Concurrency: concurrency,
			})

			run := verifier.NewRun(generic.TenancyID(tenancy), instant)
			report, runErr := run.Execute(cmd.Context())
			if err := store.SaveReconcileRun(cmd.Context(), run.Record(report, runErr)); err != nil {
				logger.Error().Err(err).Msg("failed to save reconcile run")
			}
			if report != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if n := report.Mismatches(); n > 0 {
				return fmt.Errorf("%d mismatches in tenancy %s: %w", n, tenancy, generic.ErrMismatch)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&tenancy, "tenancy", "", "tenancy to verify")
	flags.StringVar(&at, "at", "", "instant to verify at, RFC3339 or epoch millis (default now)")
	flags.StringVar(&mode, "mode", string(reconcile.CollectAll), "fail-fast or collect-all")
	flags.Int64Var(&tolerance, "tolerance", 0, "item balance difference reported as a warning")
	flags.IntVar(&concurrency, "concurrency", 0, "customers verified in parallel (default 4)")
	_ = cmd.MarkFlagRequired("tenancy")
	return cmd
}

// parseInstant accepts RFC3339 or epoch milliseconds. Empty means now.
func parseInstant(raw string, now time.Time) (generic.Millis, error) {
	if raw == "" {
		return generic.FromTime(now), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n < 0 {
			return 0, &generic.ValidationError{Field: "at", Reason: "must not be negative"}
		}
		return generic.Millis(n), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, &generic.ValidationError{Field: "at", Reason: "must be RFC3339 or epoch milliseconds"}
	}
	return generic.FromTime(t), nil
}

// =============================================================================
// SCENARIOS
// =============================================================================

func newScenariosCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenarios",
		Short: "List demo scenarios",
		Run: func(cmd *cobra.Command, _ []string) {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDESCRIPTION")
			for _, s := range api.Scenarios() {
				fmt.Fprintf(tw, "%s\t%s\n", s.ID, s.Description)
			}
			_ = tw.Flush()
		},
	}

	var tenancy string
	load := &cobra.Command{
		Use:   "load <scenario-id>",
		Short: "Replace a tenancy's rows with a demo scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd, "scenarios", nil)
			if err != nil {
				return err
			}
			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			handler := api.NewHandler(store, api.LogProcessor{Logger: logger}, logger, api.Options{ListCacheSize: cfg.ListCacheSize})
			customers, err := handler.LoadScenarioInto(cmd.Context(), args[0], generic.TenancyID(tenancy))
			if err != nil {
				return err
			}
			for _, c := range customers {
				fmt.Fprintln(cmd.OutOrStdout(), c)
			}
			return nil
		},
	}
	load.Flags().StringVar(&tenancy, "tenancy", api.DefaultScenarioTenancy, "tenancy to load into")
	cmd.AddCommand(load)
	return cmd
}
