package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/core/pubsub"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Config holds server configuration
type Config struct {
	Port  int    `json:"port"`
	Host  string `json:"host"`
	Debug bool   `json:"debug"`
}

// Server exposes an Engine over HTTP.
type Server struct {
	config     Config
	engine     *mywant.Engine
	bus        pubsub.PubSub
	metrics    *telemetry.Metrics
	spec       *openapi3.T
	router     *mux.Router
	httpServer *http.Server
	log        zerolog.Logger
}

type Option func(*Server)

// WithBus enables GET /events, streaming from the bus topic mywant.EventsTopic.
func WithBus(bus pubsub.PubSub) Option {
	return func(s *Server) { s.bus = bus }
}

// WithMetrics enables GET /metrics and the request metrics middleware.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a new MyWant server
func New(config Config, engine *mywant.Engine, opts ...Option) (*Server, error) {
	spec, err := loadAPISpec()
	if err != nil {
		return nil, err
	}
	s := &Server{
		config: config,
		engine: engine,
		spec:   spec,
		router: mux.NewRouter(),
		log:    logging.For("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.Addr()).Msg("[SERVER] MyWant server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.log.Info().Msg("[SERVER] stopped")
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
