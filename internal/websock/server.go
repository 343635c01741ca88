package websock

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ellyseum/LEmud-sub000/internal/config"
	"github.com/ellyseum/LEmud-sub000/internal/connection"
)

// ClientHandler receives upgraded connections. Implementations create a
// session, install the connection's event handler, and return; the server
// then drives the read loop.
type ClientHandler interface {
	SetupClient(conn connection.Conn)
}

// Server accepts WebSocket upgrades on an HTTP listener and hands each
// connection to a ClientHandler.
type Server struct {
	cfg     config.WebSocketConfig
	handler ClientHandler
	logger  *zap.Logger

	httpSrv  *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	running bool
	conns   map[*Conn]struct{}
	wg      sync.WaitGroup
}

// NewServer creates a WebSocket server with the given configuration.
//
// Precondition: cfg must have a valid port and path; handler and logger must be non-nil.
func NewServer(cfg config.WebSocketConfig, handler ClientHandler, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The browser client is served from a separate origin in
			// development; access control happens at login.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*Conn]struct{}),
	}
}

// ListenAndServe starts the HTTP listener and serves upgrades until Stop is
// called. This method blocks until the server is stopped.
func (s *Server) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveUpgrade)

	s.mu.Lock()
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: mux,
	}
	s.running = true
	srv := s.httpSrv
	s.mu.Unlock()

	s.logger.Info("websocket server listening",
		zap.String("addr", s.cfg.Addr()),
		zap.String("path", s.cfg.Path),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	conn := NewConn(ws, s.cfg.ReadLimit, s.cfg.WriteTimeout)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		_ = conn.End()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("websocket client connected",
		zap.String("remote_addr", r.RemoteAddr),
	)

	go func() {
		defer s.wg.Done()

		s.handler.SetupClient(conn)
		conn.ReadLoop()

		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()

		_ = conn.End()
		s.logger.Info("websocket client disconnected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)),
		)
	}()
}

// Stop shuts the HTTP listener down and closes all open connections.
//
// Postcondition: All connections are closed and goroutines have exited.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	srv := s.httpSrv
	for conn := range s.conns {
		_ = conn.End()
	}
	s.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	s.wg.Wait()
	s.logger.Info("websocket server stopped")
}
