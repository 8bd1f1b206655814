package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitabwire/jornada/internal/billing"
	"github.com/pitabwire/jornada/internal/config"
	"github.com/pitabwire/jornada/internal/store"
	"github.com/pitabwire/jornada/internal/transport"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reconciliation pass over open payment plans and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		s, _, closeStore, err := buildStore(ctx, cfg.Store, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		result, err := billing.NewReconciler(s, billing.WithLogger(logger)).Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "plans=%d aged=%d defaulted=%d failures=%d\n",
			result.Plans, result.InstallmentsAged, result.PlansDefaulted, result.Failures)
		if result.Failures > 0 {
			return fmt.Errorf("sweep: %d plans failed to reconcile", result.Failures)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		if cfg.Store.Driver != config.StorePostgres {
			return fmt.Errorf("migrate requires store.driver %q, got %q", config.StorePostgres, cfg.Store.Driver)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		pool, err := openPool(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := store.NewPgStore(pool).Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("store schema applied")
		return nil
	},
}

var (
	tokenActor string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an actor token signed with identity.jwt_secret",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("configuration: %w", err)
		}
		token, err := transport.SignActorToken(cfg.Identity, tokenActor, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenActor, "actor", "", "actor id carried in the sub claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("actor")
}
