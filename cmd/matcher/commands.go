package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-swap-matcher/internal/config"
	"github.com/tbourn/go-swap-matcher/internal/repo"
	"github.com/tbourn/go-swap-matcher/internal/sysutil"
)

var (
	cfg config.Config

	envFile    string
	instanceID string
	skipWorker bool

	rootCmd = &cobra.Command{
		Use:   "matcher",
		Short: "Dwelling-exchange matching core",
		Long: `matcher finds reciprocal and three-way dwelling exchanges for
active intents, records matches, and notifies their owners.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is normal in containers; real env vars win.
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			c, err := config.Load()
			if err != nil {
				return err
			}
			c.Maintenance.InstanceID = sysutil.FirstNonEmpty(instanceID, c.Maintenance.InstanceID)
			cfg = c
			sysutil.ConfigureLogger(cfg.LogLevel, cfg.LogPretty, nil)
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP surface, worker pool, outbox sender and maintenance scheduler",
		RunE:  runServe, // cmd_serve.go
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			if err := repo.AutoMigrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info().Str("driver", cfg.DB.Driver).Msg("schema up to date")
			return nil
		},
	}

	enqueueCmd = &cobra.Command{
		Use:   "enqueue [intent-id...]",
		Short: "Queue matching tasks for the given intents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())
			res, err := a.Enqueue.EnqueueMany(cmd.Context(), args)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print queue and outbox depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())
			snap, err := a.Queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, snap)
		},
	}

	maintenanceCmd = &cobra.Command{
		Use:   "maintenance",
		Short: "Run one maintenance pass if this instance can take the lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())
			rep, err := a.Maintenance.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, rep)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&instanceID, "instance", "", "instance id used for leases (overrides INSTANCE_ID)")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&skipWorker, "no-worker", false, "serve the ops API without claiming tasks")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.Version = version
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
