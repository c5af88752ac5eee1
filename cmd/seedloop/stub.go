package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bit2swaz/seedloop/internal/pgstub"
	"github.com/spf13/cobra"
)

func newStubCmd() *cobra.Command {
	var (
		addr       string
		rows       []string
		resultSets int
	)

	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Serve a PostgreSQL wire stub that accepts procedure calls",
		Long: `Stub listens for PostgreSQL clients and answers every CALL with the
configured rows without storing anything. Point "seedloop run --driver postgres"
at it to rehearse a run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStub(addr, rows, resultSets)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5433", "Listen address")
	cmd.Flags().StringArrayVar(&rows, "row", []string{"chunk inserted"}, "Row returned by each CALL (repeatable)")
	cmd.Flags().IntVar(&resultSets, "result-sets", 1, "Result sets returned by each CALL")

	return cmd
}

func runStub(addr string, rows []string, resultSets int) error {
	if resultSets < 0 {
		return fmt.Errorf("result-sets must not be negative, got %d", resultSets)
	}

	server := pgstub.New(pgstub.Options{
		Rows:       rows,
		ResultSets: resultSets,
		Logger:     slog.Default(),
	})
	if err := server.Listen(addr); err != nil {
		return err
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdownChan)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.Serve()
	}()

	select {
	case <-shutdownChan:
		slog.Info("Shutting down gracefully...")
		if err := server.Close(); err != nil {
			slog.Error("Error closing stub", "error", err)
		}
		slog.Info("Shutdown complete", "calls", server.Calls(), "commits", server.Commits())
		return nil
	case err := <-serverErrChan:
		server.Close()
		if err != nil {
			slog.Error("Server error", "error", err)
		}
		return err
	}
}
