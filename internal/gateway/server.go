package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const writeWait = 10 * time.Second

// ServerOptions tunes the websocket transport.
type ServerOptions struct {
	Addr            string
	Path            string
	MaxMessageBytes int64
	PingInterval    time.Duration
	InboundRate     float64
	InboundBurst    int
}

// Server exposes a Hub over websocket connections.
type Server struct {
	hub      *Hub
	logger   *zap.Logger
	opts     ServerOptions
	upgrader websocket.Upgrader
	router   *mux.Router

	http  *http.Server
	conns sync.WaitGroup
}

// NewServer builds the transport and its router.
func NewServer(hub *Hub, logger *zap.Logger, opts ServerOptions) *Server {
	if opts.Path == "" {
		opts.Path = "/ws"
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 4096
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.InboundRate <= 0 {
		opts.InboundRate = 10
	}
	if opts.InboundBurst <= 0 {
		opts.InboundBurst = 20
	}

	s := &Server{
		hub:    hub,
		logger: logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are native mobile apps; origin is not meaningful.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		router: mux.NewRouter(),
	}
	s.router.HandleFunc(opts.Path, s.serveWS).Methods(http.MethodGet)
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for mounting or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
// It returns nil at once when Shutdown already ran.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, disconnects every session and waits
// for the connection goroutines to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.hub.Close()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	session, err := s.hub.Connect()
	if err != nil {
		http.Error(w, "gateway shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.Disconnect(session.ID())
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s.conns.Add(2)
	go s.writePump(conn, session)
	go s.readPump(conn, session)
}

func (s *Server) readPump(conn *websocket.Conn, session *Session) {
	defer s.conns.Done()
	defer s.hub.Disconnect(session.ID())

	pongWait := s.opts.PingInterval * 2
	conn.SetReadLimit(s.opts.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(s.opts.InboundRate), s.opts.InboundBurst)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", zap.String("session_id", session.ID()), zap.Error(err))
			}
			return
		}
		if !limiter.Allow() {
			s.hub.Reject(session, "", "rate limit exceeded")
			continue
		}
		s.hub.HandleMessage(ctx, session, raw)
	}
}

func (s *Server) writePump(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		s.conns.Done()
	}()

	for {
		select {
		case msg, ok := <-session.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				// unblock the read pump so the session is torn down
				s.hub.Disconnect(session.ID())
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.Disconnect(session.ID())
				return
			}
		}
	}
}
