package main

import (
	"bytes"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bit2swaz/seedloop/internal/config"
	"github.com/bit2swaz/seedloop/internal/pgstub"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)

	err := root.Execute()
	t.Logf("stderr:\n%s", errOut.String())
	return out.String(), err
}

func seedDatabase(t *testing.T) string {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "ecommerce.db")
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	require.NoError(t, err)
	return dbPath
}

func TestRunCommandAgainstSQLite(t *testing.T) {
	dbPath := seedDatabase(t)

	out, err := execute(t, "run",
		"--driver", "sqlite3",
		"--database", dbPath,
		"--statement", "INSERT INTO users (name) VALUES ('synthetic') RETURNING 'chunk inserted'",
		"--iterations", "3",
		"--delay", "0s",
		"--rows-per-batch", "1",
	)
	require.NoError(t, err)

	assert.Equal(t, strings.Join([]string{
		"▶️ Running insert batch 1/3...",
		"chunk inserted",
		"▶️ Running insert batch 2/3...",
		"chunk inserted",
		"▶️ Running insert batch 3/3...",
		"chunk inserted",
		"✅ All 3 batches committed (~3 rows if each chunk = 1)",
	}, "\n")+"\n", out)

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM users").Scan(&n))
	assert.Equal(t, 3, n)
}

func TestRunCommandEnvironmentAndFlags(t *testing.T) {
	dbPath := seedDatabase(t)

	t.Setenv("SEEDLOOP_DRIVER", "sqlite3")
	t.Setenv("SEEDLOOP_DATABASE", dbPath)
	t.Setenv("SEEDLOOP_STATEMENT", "INSERT INTO users (name) VALUES ('synthetic') RETURNING 'chunk inserted'")
	t.Setenv("SEEDLOOP_ITERATIONS", "5")
	t.Setenv("SEEDLOOP_DELAY", "0s")

	// The flag overrides SEEDLOOP_ITERATIONS.
	out, err := execute(t, "run", "--iterations", "2")
	require.NoError(t, err)

	assert.Equal(t, 2, strings.Count(out, "Running insert batch"))
	assert.Contains(t, out, "✅ All 2 batches committed")
}

func TestRunCommandAgainstStub(t *testing.T) {
	stub := pgstub.New(pgstub.Options{Rows: []string{"chunk inserted"}})
	require.NoError(t, stub.Start("127.0.0.1:0"))
	defer stub.Close()

	host, port, _ := strings.Cut(stub.Addr(), ":")
	out, err := execute(t, "run",
		"--driver", "postgres",
		"--host", host,
		"--port", port,
		"--iterations", "4",
		"--delay", "1ms",
	)
	require.NoError(t, err)

	assert.Equal(t, 4, strings.Count(out, "chunk inserted"))
	assert.Equal(t, 4, stub.Calls())
	assert.Equal(t, 4, stub.Commits())
}

func TestRunCommandStopsOnError(t *testing.T) {
	stub := pgstub.New(pgstub.Options{Rows: []string{"chunk inserted"}})
	stub.FailOnCall(2)
	require.NoError(t, stub.Start("127.0.0.1:0"))
	defer stub.Close()

	host, port, _ := strings.Cut(stub.Addr(), ":")
	out, err := execute(t, "run",
		"--driver", "postgres",
		"--host", host,
		"--port", port,
		"--delay", "1ms",
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch 2")

	assert.Equal(t, 2, strings.Count(out, "Running insert batch"))
	assert.NotContains(t, out, "✅")
	assert.Equal(t, 1, stub.Commits())
}

func TestRunCommandRejectsInvalidConfig(t *testing.T) {
	_, err := execute(t, "run", "--iterations", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestRunCommandConnectFailure(t *testing.T) {
	start := time.Now()
	_, err := execute(t, "run", "--driver", "postgres", "--host", "127.0.0.1", "--port", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
	assert.Less(t, time.Since(start), 30*time.Second)
}

func TestApplyFlagsOnlyCopiesChangedFlags(t *testing.T) {
	flags := config.Default()
	cmd := &cobra.Command{Use: "x"}
	cmd.Flags().IntVar(&flags.Iterations, "iterations", flags.Iterations, "")
	cmd.Flags().StringVar(&flags.Host, "host", flags.Host, "")
	require.NoError(t, cmd.Flags().Parse([]string{"--iterations", "7"}))

	cfg := config.Default()
	cfg.Host = "from-env"
	applyFlags(cmd, flags, cfg)

	assert.Equal(t, 7, cfg.Iterations)
	assert.Equal(t, "from-env", cfg.Host)
}

func TestStubRejectsNegativeResultSets(t *testing.T) {
	_, err := execute(t, "stub", "--result-sets", "-1")
	require.Error(t, err)
}
