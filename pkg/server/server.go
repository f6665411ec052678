package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/relay/pkg/auth"
	"github.com/vango-dev/relay/pkg/middleware"
	"github.com/vango-dev/relay/pkg/room"
)

const tracerName = "github.com/vango-dev/relay/pkg/server"

// Server is the relay's HTTP/WebSocket server. It owns the room manager
// for its whole lifetime.
type Server struct {
	config  *Config
	rooms   *room.Manager
	metrics *middleware.Metrics

	upgrader websocket.Upgrader
	router   chi.Router

	connMu sync.Mutex
	conns  map[*Connection]struct{}

	httpServer *http.Server
	shutdown   bool
	logger     zerolog.Logger
}

// New creates a Server. Zero config fields take their defaults; a nil
// config is DefaultConfig().
func New(config *Config) *Server {
	config = config.withDefaults()

	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().Str("component", "server").Logger()

	rc := config.Rooms
	if rc.Observer == nil && config.Metrics != nil {
		rc.Observer = config.Metrics
	}
	if rc.Logger == nil {
		rc.Logger = config.Logger
	}

	s := &Server{
		config:  config,
		rooms:   room.NewManager(rc),
		metrics: config.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(config.AllowedOrigins),
		},
		conns:  make(map[*Connection]struct{}),
		logger: logger,
	}
	s.router = s.routes()

	logger.Info().
		Str("auth", config.Auth.Mode()).
		Bool("standalone", rc.Provider == nil).
		Dur("eviction_delay", rc.EvictionDelay).
		Dur("ping_interval", config.PingInterval).
		Msg("server configured")
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.metrics.Handler)
	if s.config.Tracing {
		r.Use(middleware.OpenTelemetry(middleware.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		})))
	}

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Exposition())
	}

	r.Get("/{roomID}/sync", s.HandleSync)
	r.Get("/rooms/{roomID}/sync", s.HandleSync)

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Get("/", s.handleListRooms)
		r.Get("/rooms", s.handleListRooms)
		r.Get("/{roomID}/doc", s.handleGetDoc)
		r.Get("/rooms/{roomID}/doc", s.handleGetDoc)
		r.Post("/{roomID}/doc", s.handlePostDoc)
		r.Post("/rooms/{roomID}/doc", s.handlePostDoc)
	})
	return r
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Rooms returns the room manager.
func (s *Server) Rooms() *room.Manager {
	return s.rooms
}

// Config returns the effective configuration.
func (s *Server) Config() *Config {
	return s.config
}

// HandleSync upgrades the request and runs the connection state machine
// for the room in the URL. Rejected handshakes are closed with a close
// code: CloseUnauthorized for a bad token, CloseRoomNotFound when the
// provider rejects the room, 1011 for any other join failure.
func (s *Server) HandleSync(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	authorized := auth.Validate(r.Context(), s.config.Auth, auth.TokenFromQuery(r))

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		s.metrics.ConnectionRejected("error")
		s.logger.Debug().Err(err).Str("room", roomID).Msg("upgrade failed")
		return
	}

	if !authorized {
		s.metrics.AuthFailure("ws")
		s.metrics.ConnectionRejected("unauthorized")
		s.logger.Info().Err(ErrUnauthorized).Str("room", roomID).Msg("handshake rejected")
		s.reject(ws, CloseUnauthorized, "Unauthorized")
		return
	}

	id := uuid.NewString()
	_, span := otel.Tracer(tracerName).Start(r.Context(), "ws.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("relay.room", roomID),
			attribute.String("relay.conn", id),
		),
	)
	c := newConnection(s, ws, id, roomID, span)

	rm, err := s.rooms.Join(r.Context(), roomID, c)
	if err != nil {
		code, reason, result := websocket.CloseInternalServerErr, "Internal error", "error"
		switch {
		case errors.Is(err, room.ErrRoomNotFound):
			code, reason, result = CloseRoomNotFound, "Room not found", "room_not_found"
		case errors.Is(err, room.ErrManagerClosed):
			code, reason, result = websocket.CloseGoingAway, "Server shutting down", "error"
		}
		s.metrics.ConnectionRejected(result)
		s.logger.Info().Err(err).Str("room", roomID).Int("code", code).Msg("join failed")
		span.RecordError(err)
		span.End()
		s.reject(ws, code, reason)
		return
	}
	c.open(rm)
}

// reject closes a connection that never reached the open state.
func (s *Server) reject(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	_ = ws.Close()
}

func (s *Server) track(c *Connection) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrack(c *Connection) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

// ListenAndServe listens on the configured address and serves until
// Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. After Shutdown it closes ln and
// returns nil immediately.
func (s *Server) Serve(ln net.Listener) error {
	s.connMu.Lock()
	if s.shutdown {
		s.connMu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.connMu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("server starting")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes every connection with
// CloseGoingAway and then closes the room manager, which runs the
// eviction hooks for every live room.
func (s *Server) Shutdown(ctx context.Context) error {
	s.connMu.Lock()
	s.shutdown = true
	srv := s.httpServer
	s.connMu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	closed := s.closeConnections()
	s.rooms.Close()
	// A handshake that joined just before the manager closed.
	closed += s.closeConnections()

	if err != nil {
		s.logger.Error().Err(err).Msg("shutdown error")
		return err
	}
	s.logger.Info().Int("connections", closed).Msg("server shutdown complete")
	return nil
}

func (s *Server) closeConnections() int {
	s.connMu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "Server shutting down")
	}
	return len(conns)
}
