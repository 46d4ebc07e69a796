package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/dispatch"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
)

const shutdownTimeout = 10 * time.Second

// Config holds the Agent Service worker configuration
type Config struct {
	Host string
	Port int
	// GRPCPort enables the gRPC listener when non-zero.
	GRPCPort int
	// AuthToken is the expected Bearer token. Empty allows all requests.
	AuthToken string
}

// Worker is a stateless Agent Service. It runs the agents registered on a
// Local dispatcher on behalf of remote Webhook and GRPC dispatchers.
type Worker struct {
	config Config
	local  *dispatch.Local
	router *mux.Router
	log    zerolog.Logger
}

func New(config Config, local *dispatch.Local) *Worker {
	w := &Worker{
		config: config,
		local:  local,
		router: mux.NewRouter(),
		log:    logging.For("worker"),
	}
	w.registerRoutes()
	if config.AuthToken == "" {
		w.log.Warn().Msg("[WORKER] no auth token configured, allowing all requests")
	}
	return w
}

func (w *Worker) registerRoutes() {
	w.router.HandleFunc(dispatch.ExecutePath, w.handleExecute).Methods(http.MethodPost)
	w.router.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	w.router.HandleFunc("/api/v1/agents", w.handleListAgents).Methods(http.MethodGet)
}

func (w *Worker) Handler() http.Handler {
	return w.router
}

// GRPCServer returns a gRPC server with the agent service registered.
func (w *Worker) GRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	dispatch.RegisterAgentServer(s, dispatch.LocalAgentServer{Local: w.local})
	return s
}

// Run serves HTTP, and gRPC when configured, until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", w.config.Host, w.config.Port),
		Handler:           w.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.log.Info().Str("addr", httpServer.Addr).Strs("agents", w.local.Names()).Msg("[WORKER] Agent Service listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if w.config.GRPCPort != 0 {
		addr := fmt.Sprintf("%s:%d", w.config.Host, w.config.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		grpcServer := w.GRPCServer()
		g.Go(func() error {
			w.log.Info().Str("addr", addr).Msg("[WORKER] gRPC Agent Service listening")
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	err := g.Wait()
	w.log.Info().Msg("[WORKER] stopped")
	return err
}

// handleExecute runs one agent pass. A missing agent answers 503 so the
// calling dispatcher treats it as unavailable and retries.
func (w *Worker) handleExecute(rw http.ResponseWriter, r *http.Request) {
	if !w.validateAuth(r) {
		http.Error(rw, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req dispatch.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	start := time.Now()
	res, err := w.local.Dispatch(r.Context(), req.AgentRequest())
	if err != nil {
		if errors.Is(err, mywant.ErrAgentUnavailable) {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.log.Error().Err(err).Str("agent", req.AgentName).Str("want", req.WantID).Msg("[WORKER] agent crashed")
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	response := dispatch.NewExecuteResponse(res, time.Since(start))
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(response); err != nil {
		w.log.Error().Err(err).Msg("[WORKER] failed to encode response")
		return
	}

	w.log.Debug().
		Str("agent", req.AgentName).
		Str("want", req.WantID).
		Str("status", response.Status).
		Int("changed", len(response.StateUpdates)).
		Int64("duration_ms", response.ExecutionTimeMs).
		Msg("[WORKER] executed agent")
}

func (w *Worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]any{
		"status":       "healthy",
		"mode":         "worker",
		"agents_count": len(w.local.Names()),
	})
}

func (w *Worker) handleListAgents(rw http.ResponseWriter, r *http.Request) {
	names := w.local.Names()
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]any{
		"agents": names,
		"count":  len(names),
	})
}

func (w *Worker) validateAuth(r *http.Request) bool {
	if w.config.AuthToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && token == w.config.AuthToken
}
