package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bit2swaz/seedloop/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var ErrClosed = errors.New("store is closed")

// BatchResult describes what one call returned.
type BatchResult struct {
	ResultSets int
	Rows       int
	Elapsed    time.Duration
}

// RowFunc receives the column values of one row. The slice is reused for
// every row of a result set.
type RowFunc func(values []any)

// Store is a single database session. All batches run on the same
// connection, one after another.
type Store struct {
	db   *sql.DB
	conn *sql.Conn

	mu     sync.Mutex
	closed bool
}

func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, opError(StageConnect, err)
	}
	return OpenDSN(ctx, cfg.Driver, dsn)
}

func OpenDSN(ctx context.Context, driverName, dsn string) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, opError(StageConnect, fmt.Errorf("failed to open database: %w", err))
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, opError(StageConnect, fmt.Errorf("failed to acquire connection: %w", err))
	}

	s := &Store{db: db, conn: conn}
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, opError(StageConnect, fmt.Errorf("failed to ping database: %w", err))
	}

	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// Ping checks the session connection. It returns ErrClosed after Close.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed || s.conn == nil {
		return ErrClosed
	}
	return s.conn.PingContext(ctx)
}

// CallBatch runs statement in its own transaction, hands every row of every
// result set to onRow, and commits. The transaction is rolled back if any
// step fails.
func (s *Store) CallBatch(ctx context.Context, statement string, onRow RowFunc) (res BatchResult, err error) {
	start := time.Now()
	defer func() {
		res.Elapsed = time.Since(start)
	}()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return res, opError(StageExecute, ErrClosed)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, opError(StageExecute, fmt.Errorf("failed to begin transaction: %w", err))
	}

	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, statement)
	if err != nil {
		return res, opError(StageExecute, err)
	}

	res.ResultSets, res.Rows, err = drain(rows, onRow)
	if err != nil {
		return res, opError(StageFetch, err)
	}

	if err := tx.Commit(); err != nil {
		return res, opError(StageCommit, err)
	}
	committed = true

	return res, nil
}

// drain reads every result set to the end. Some drivers refuse the next
// command while a result set is still pending, so nothing is skipped.
func drain(rows *sql.Rows, onRow RowFunc) (sets, n int, err error) {
	defer rows.Close()

	for {
		columns, err := rows.Columns()
		if err != nil {
			return sets, n, fmt.Errorf("failed to get columns: %w", err)
		}
		sets++

		values := make([]any, len(columns))
		scans := make([]any, len(columns))
		for i := range values {
			scans[i] = &values[i]
		}

		for rows.Next() {
			if err := rows.Scan(scans...); err != nil {
				return sets, n, fmt.Errorf("failed to scan row: %w", err)
			}
			n++
			if onRow != nil {
				onRow(values)
			}
		}

		if err := rows.Err(); err != nil {
			return sets, n, fmt.Errorf("error iterating rows: %w", err)
		}

		if !rows.NextResultSet() {
			break
		}
	}

	if err := rows.Err(); err != nil {
		return sets, n, fmt.Errorf("error advancing result set: %w", err)
	}

	return sets, n, rows.Close()
}
