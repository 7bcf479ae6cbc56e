package dapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/compose-network/scenario-harness/internal/logger"
)

// Server serves the companion test dapp build from a directory on an ephemeral localhost port.
type Server struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	stopped  bool
}

// NewServer checks that dir holds a dapp build.
func NewServer(dir string) (*Server, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open dapp dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dapp dir %s is not a directory", dir)
	}

	return &Server{
		dir:    dir,
		logger: logger.Named("dapp_server").With("dir", dir),
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return errors.New("dapp server already started")
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = listener
	s.srv = &http.Server{Handler: noStore(http.FileServer(http.Dir(s.dir)))}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.With("err", err).Error("dapp server stopped unexpectedly")
		}
	}()

	s.logger.With("origin", "http://"+listener.Addr().String()).Info("dapp server started")
	return nil
}

// Origin is the scheme and host the dapp is served from, which is what wallet permissions key on.
// Empty until Start succeeds.
func (s *Server) Origin() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// Stop shuts the server down. Calling it more than once, or before Start, is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil || s.stopped {
		return nil
	}
	s.stopped = true

	if err := s.srv.Shutdown(ctx); err != nil {
		_ = s.srv.Close()
		return fmt.Errorf("failed to stop dapp server: %w", err)
	}

	s.logger.Info("dapp server stopped")
	return nil
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
