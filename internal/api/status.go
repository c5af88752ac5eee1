package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bit2swaz/seedloop/internal/driver"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProgressSource is implemented by *driver.Driver.
type ProgressSource interface {
	Progress() driver.Progress
}

type Server struct {
	source ProgressSource
	addr   string
	srv    *http.Server
}

func NewServer(addr string, source ProgressSource) *Server {
	s := &Server{source: source, addr: addr}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until ctx is done. The listener is bound before Start returns
// so a bad address is reported to the caller.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	slog.Info("Starting status HTTP server", "addr", listener.Addr().String())

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Status server failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Status server shutdown failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.source.Progress())
}
