package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bit2swaz/seedloop/internal/api"
	"github.com/bit2swaz/seedloop/internal/config"
	"github.com/bit2swaz/seedloop/internal/driver"
	"github.com/bit2swaz/seedloop/internal/store"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	// Flag values only win over the environment when set explicitly.
	flags := config.Default()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Call the seeding procedure batch by batch",
		Long: `Run opens one connection and calls the procedure --iterations times,
committing after every call and pausing --delay between calls.

Every flag can also be set through the environment with the SEEDLOOP_ prefix,
for example SEEDLOOP_PASSWORD or SEEDLOOP_ITERATIONS.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, flags)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&flags.Driver, "driver", flags.Driver, "Database driver (mysql, postgres, sqlite3)")
	fs.StringVar(&flags.Host, "host", flags.Host, "Database host")
	fs.IntVar(&flags.Port, "port", flags.Port, "Database port")
	fs.StringVar(&flags.User, "user", flags.User, "Database user")
	fs.StringVar(&flags.Password, "password", flags.Password, "Database password (prefer SEEDLOOP_PASSWORD)")
	fs.StringVar(&flags.Database, "database", flags.Database, "Database name, or file path for sqlite3")
	fs.StringVar(&flags.SSLMode, "sslmode", flags.SSLMode, "PostgreSQL sslmode")
	fs.StringVar(&flags.Procedure, "procedure", flags.Procedure, "Stored procedure called once per batch")
	fs.StringVar(&flags.Statement, "statement", flags.Statement, "SQL to run instead of CALL <procedure>()")
	fs.IntVar(&flags.Iterations, "iterations", flags.Iterations, "Number of batches")
	fs.DurationVar(&flags.Delay, "delay", flags.Delay, "Pause between batches")
	fs.Int64Var(&flags.ExpectedRowsPerBatch, "rows-per-batch", flags.ExpectedRowsPerBatch, "Rows each call is expected to insert, for the summary line (0 hides it)")
	fs.StringVar(&flags.StatusAddr, "status-addr", flags.StatusAddr, "Serve /status and /metrics on this address")

	return cmd
}

func runSeed(cmd *cobra.Command, flags *config.Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	applyFlags(cmd, flags, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("Connecting to database", cfg.LogAttrs()...)

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	st, err := store.Open(connectCtx, cfg)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	d := driver.New(cfg, st, cmd.OutOrStdout(), slog.Default())

	if cfg.StatusAddr != "" {
		statusCtx, stopStatus := context.WithCancel(ctx)
		defer stopStatus()
		if err := api.NewServer(cfg.StatusAddr, d).Start(statusCtx); err != nil {
			st.Close()
			return fmt.Errorf("failed to start status server: %w", err)
		}
	}

	return d.Run(ctx)
}

// applyFlags copies every explicitly set flag from flags onto cfg.
func applyFlags(cmd *cobra.Command, flags, cfg *config.Config) {
	fs := cmd.Flags()
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}

	set("driver", func() { cfg.Driver = flags.Driver })
	set("host", func() { cfg.Host = flags.Host })
	set("port", func() { cfg.Port = flags.Port })
	set("user", func() { cfg.User = flags.User })
	set("password", func() { cfg.Password = flags.Password })
	set("database", func() { cfg.Database = flags.Database })
	set("sslmode", func() { cfg.SSLMode = flags.SSLMode })
	set("procedure", func() { cfg.Procedure = flags.Procedure })
	set("statement", func() { cfg.Statement = flags.Statement })
	set("iterations", func() { cfg.Iterations = flags.Iterations })
	set("delay", func() { cfg.Delay = flags.Delay })
	set("rows-per-batch", func() { cfg.ExpectedRowsPerBatch = flags.ExpectedRowsPerBatch })
	set("status-addr", func() { cfg.StatusAddr = flags.StatusAddr })
}
