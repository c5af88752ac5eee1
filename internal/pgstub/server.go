// Package pgstub is a minimal PostgreSQL wire-protocol server that accepts
// stored procedure calls and records what it was sent. It stores nothing.
package pgstub

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/jackc/pgproto3/v2"
)

const sslRequestCode = 80877103

const (
	txIdle   = 'I'
	txActive = 'T'
	txFailed = 'E'
)

// Event is one statement received by the stub, in arrival order.
type Event struct {
	Conn int
	Kind string
	SQL  string
}

const (
	EventBegin    = "BEGIN"
	EventCall     = "CALL"
	EventCommit   = "COMMIT"
	EventRollback = "ROLLBACK"
	EventOther    = "OTHER"
)

type Options struct {
	// Rows is returned, one text column per row, for each result set of a CALL.
	Rows []string
	// ResultSets is how many copies of Rows each CALL returns. Zero means one
	// when Rows is set.
	ResultSets int
	// Column names the single result column.
	Column string
	Logger *slog.Logger
}

type Server struct {
	opts     Options
	logger   *slog.Logger
	listener net.Listener

	mu         sync.Mutex
	events     []Event
	calls      int
	commits    int
	failOnCall int
	nextConn   int
	closing    bool
	conns      map[net.Conn]struct{}
	wg         sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.Column == "" {
		opts.Column = "status"
	}
	if opts.ResultSets == 0 && len(opts.Rows) > 0 {
		opts.ResultSets = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		opts:   opts,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// FailOnCall makes the n-th CALL (1-based, counted across connections)
// answer with an error. Zero disables it.
func (s *Server) FailOnCall(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOnCall = n
}

func (s *Server) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("Listening on " + listener.Addr().String())
	return nil
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.nextConn++
		id := s.nextConn
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(id, conn)
		}()
	}
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	go func() {
		if err := s.Serve(); err != nil {
			s.logger.Error("Stub server failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *Server) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Server) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *Server) record(conn int, kind, sql string) (failCall bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{Conn: conn, Kind: kind, SQL: sql})
	switch kind {
	case EventCall:
		s.calls++
		return s.failOnCall > 0 && s.calls == s.failOnCall
	case EventCommit:
		s.commits++
	}
	return false
}

func (s *Server) handleConnection(id int, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	logger := s.logger.With("conn", id, "remote", conn.RemoteAddr().String())

	backend, err := s.handshake(conn)
	if err != nil {
		logger.Error("Handshake failed", "error", err)
		return
	}
	logger.Info("PostgreSQL handshake completed")

	txStatus := byte(txIdle)
	for {
		msg, err := backend.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logger.Info("Client disconnected")
				return
			}
			logger.Error("Error receiving message", "error", err)
			return
		}

		switch v := msg.(type) {
		case *pgproto3.Query:
			logger.Debug("Received query", "sql", v.String)
			txStatus, err = s.handleQuery(backend, id, v.String, txStatus)
			if err != nil {
				logger.Error("Failed to answer query", "error", err)
				return
			}
		case *pgproto3.Terminate:
			logger.Info("Client closing connection")
			return
		default:
			logger.Warn("Unsupported message type", "type", fmt.Sprintf("%T", msg))
			err = sendAll(backend,
				&pgproto3.ErrorResponse{Severity: "ERROR", Code: "0A000", Message: "unsupported message"},
				&pgproto3.ReadyForQuery{TxStatus: txStatus},
			)
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handshake(conn net.Conn) (*pgproto3.Backend, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("failed to read initial message: %w", err)
	}

	length := binary.BigEndian.Uint32(buf[0:4])
	code := binary.BigEndian.Uint32(buf[4:8])

	var backend *pgproto3.Backend
	if length == 8 && code == sslRequestCode {
		if _, err := conn.Write([]byte{'N'}); err != nil {
			return nil, fmt.Errorf("failed to send SSL rejection: %w", err)
		}
		backend = pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
	} else {
		reader := io.MultiReader(bytes.NewReader(buf), conn)
		backend = pgproto3.NewBackend(pgproto3.NewChunkReader(reader), conn)
	}

	startupRaw, err := backend.ReceiveStartupMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to receive startup message: %w", err)
	}
	if _, ok := startupRaw.(*pgproto3.StartupMessage); !ok {
		return nil, fmt.Errorf("expected StartupMessage, got %T", startupRaw)
	}

	err = sendAll(backend,
		&pgproto3.AuthenticationOk{},
		&pgproto3.ParameterStatus{Name: "server_version", Value: "14.0"},
		&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"},
		&pgproto3.ReadyForQuery{TxStatus: txIdle},
	)
	if err != nil {
		return nil, err
	}
	return backend, nil
}

func (s *Server) handleQuery(backend *pgproto3.Backend, id int, sql string, txStatus byte) (byte, error) {
	trimmed := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(sql), ";"))
	upper := strings.ToUpper(trimmed)

	switch {
	case trimmed == "":
		return txStatus, sendAll(backend,
			&pgproto3.EmptyQueryResponse{},
			&pgproto3.ReadyForQuery{TxStatus: txStatus},
		)

	case strings.HasPrefix(upper, "BEGIN") || strings.HasPrefix(upper, "START TRANSACTION"):
		s.record(id, EventBegin, sql)
		return txActive, sendAll(backend,
			&pgproto3.CommandComplete{CommandTag: []byte("BEGIN")},
			&pgproto3.ReadyForQuery{TxStatus: txActive},
		)

	case strings.HasPrefix(upper, "COMMIT"):
		tag := "COMMIT"
		if txStatus == txFailed {
			tag = "ROLLBACK"
			s.record(id, EventRollback, sql)
		} else {
			s.record(id, EventCommit, sql)
		}
		return txIdle, sendAll(backend,
			&pgproto3.CommandComplete{CommandTag: []byte(tag)},
			&pgproto3.ReadyForQuery{TxStatus: txIdle},
		)

	case strings.HasPrefix(upper, "ROLLBACK"):
		s.record(id, EventRollback, sql)
		return txIdle, sendAll(backend,
			&pgproto3.CommandComplete{CommandTag: []byte("ROLLBACK")},
			&pgproto3.ReadyForQuery{TxStatus: txIdle},
		)
	}

	if txStatus == txFailed {
		return txFailed, sendAll(backend,
			&pgproto3.ErrorResponse{
				Severity: "ERROR",
				Code:     "25P02",
				Message:  "current transaction is aborted, commands ignored until end of transaction block",
			},
			&pgproto3.ReadyForQuery{TxStatus: txFailed},
		)
	}

	if !strings.HasPrefix(upper, "CALL") {
		s.record(id, EventOther, sql)
		return txStatus, sendAll(backend,
			&pgproto3.CommandComplete{CommandTag: []byte("OK")},
			&pgproto3.ReadyForQuery{TxStatus: txStatus},
		)
	}

	if s.record(id, EventCall, sql) {
		next := byte(txIdle)
		if txStatus != txIdle {
			next = txFailed
		}
		return next, sendAll(backend,
			&pgproto3.ErrorResponse{
				Severity: "ERROR",
				Code:     "P0001",
				Message:  fmt.Sprintf("injected failure for %s", trimmed),
			},
			&pgproto3.ReadyForQuery{TxStatus: next},
		)
	}

	var msgs []pgproto3.BackendMessage
	for i := 0; i < s.opts.ResultSets; i++ {
		msgs = append(msgs, &pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{{
			Name:         []byte(s.opts.Column),
			DataTypeOID:  25,
			DataTypeSize: -1,
			TypeModifier: -1,
			Format:       0,
		}}})
		for _, row := range s.opts.Rows {
			msgs = append(msgs, &pgproto3.DataRow{Values: [][]byte{[]byte(row)}})
		}
		msgs = append(msgs, &pgproto3.CommandComplete{CommandTag: []byte("CALL")})
	}
	if len(msgs) == 0 {
		msgs = append(msgs, &pgproto3.CommandComplete{CommandTag: []byte("CALL")})
	}
	msgs = append(msgs, &pgproto3.ReadyForQuery{TxStatus: txStatus})

	return txStatus, sendAll(backend, msgs...)
}

func sendAll(backend *pgproto3.Backend, msgs ...pgproto3.BackendMessage) error {
	for _, msg := range msgs {
		if err := backend.Send(msg); err != nil {
			return fmt.Errorf("failed to send %T: %w", msg, err)
		}
	}
	return nil
}
