package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"
	_ "time/tzdata"

	"repaircrm/ticket-service/internal/config"
	"repaircrm/ticket-service/internal/httpapi"
	"repaircrm/ticket-service/internal/otp"
	"repaircrm/ticket-service/internal/store/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "ticket-service",
		Short:        "Repair ticket tracking, status lifecycle and delivery OTP service",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand(), newMigrateCommand(), newPurgeCommand(), newHashKeyCommand())
	return root
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			pool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			return postgres.Migrate(cmd.Context(), pool)
		},
	}
}

func newPurgeCommand() *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "purge-otps",
		Short: "Delete expired and consumed delivery OTP challenges",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if !cmd.Flags().Changed("retention") {
				retention = cfg.OTPPurgeRetention
			}
			pool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			manager := otp.NewManager(postgres.NewStore(pool), nil, otp.Options{TTL: cfg.OTPTTL, MaxAttempts: cfg.OTPMaxAttempts})
			purged, err := manager.Purge(cmd.Context(), retention)
			if err != nil {
				return err
			}
			log.Printf("otp purge done purged=%d retention=%s", purged, retention)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 24*time.Hour, "keep challenges newer than this")
	return cmd
}

func newHashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-admin-key <key>",
		Short: "Print a bcrypt hash for ADMIN_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := httpapi.HashAdminKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func openPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DB_DSN is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	return pool, nil
}
