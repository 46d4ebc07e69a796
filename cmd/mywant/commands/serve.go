package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/core/pubsub"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/dispatch"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/persist"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/server"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/telemetry"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/types"
)

var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start", "s"},
	Short:   "Run the MyWant engine and HTTP API",
	Long: `Run the want lifecycle engine together with its HTTP API. Wants are
restored from the configured persistence backend before the reconciler
starts, and the process stops gracefully on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(viper.GetViper())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	},
}

func openPersister(ctx context.Context, cfg *MyWantConfig) (mywant.Persister, error) {
	switch cfg.Persistence {
	case "file":
		return persist.NewFileStore(cfg.MemoryPath)
	case "postgres":
		return persist.OpenPgStore(ctx, cfg.DatabaseURL)
	default:
		return nil, nil
	}
}

// buildEngine assembles the engine from cfg. The returned closer releases
// the dispatcher connection, if any.
func buildEngine(ctx context.Context, cfg *MyWantConfig, bus pubsub.PubSub, metrics *telemetry.Metrics) (*mywant.Engine, func(), error) {
	reg := mywant.NewWantTypeRegistry()
	local := dispatch.NewLocal()
	if err := types.RegisterBuiltins(reg, local); err != nil {
		return nil, nil, fmt.Errorf("failed to register built-in want types: %w", err)
	}
	if cfg.WantTypesDir != "" {
		n, err := reg.LoadDir(cfg.WantTypesDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load want types from %s: %w", cfg.WantTypesDir, err)
		}
		log := logging.For("cli")
		log.Info().Int("types", n).Str("dir", cfg.WantTypesDir).Msg("[SERVE] want types loaded")
	}

	dispatcher, err := dispatch.New(cfg.DispatchConfig(), local)
	if err != nil {
		return nil, nil, err
	}
	closeDispatcher := func() {
		if c, ok := dispatcher.(io.Closer); ok {
			c.Close()
		}
	}

	persister, err := openPersister(ctx, cfg)
	if err != nil {
		closeDispatcher()
		return nil, nil, err
	}

	engine, err := mywant.NewEngine(mywant.EngineConfig{
		Persister:  persister,
		Sinks:      []mywant.EventSink{mywant.NewBusSink(bus)},
		Dispatcher: dispatcher,
		Types:      reg,
		Reconciler: mywant.ReconcilerConfig{
			Workers:        cfg.ReconcileWorkers,
			MaxAttempts:    cfg.DispatchMaxAttempts,
			InitialBackoff: time.Duration(cfg.DispatchInitialBackoffMs) * time.Millisecond,
		},
		ReactionRetention: cfg.ReactionRetention,
		Instruments:       metrics,
	})
	if err != nil {
		closeDispatcher()
		if persister != nil {
			persister.Close()
		}
		return nil, nil, err
	}
	return engine, closeDispatcher, nil
}

func runServe(ctx context.Context, cfg *MyWantConfig) error {
	logging.ConfigureRuntime()
	logging.SetDebug(cfg.Debug)
	log := logging.For("cli")

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, "mywant")
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(flushCtx)
	}()

	bus := pubsub.NewInMemoryPubSub()
	defer bus.Close()
	metrics := telemetry.NewMetrics()

	engine, closeDispatcher, err := buildEngine(ctx, cfg, bus, metrics)
	if err != nil {
		return err
	}
	defer closeDispatcher()

	restored, err := engine.Restore(ctx)
	if err != nil {
		engine.Close()
		return err
	}

	srv, err := server.New(server.Config{Host: cfg.ServerHost, Port: cfg.ServerPort, Debug: cfg.Debug},
		engine, server.WithBus(bus), server.WithMetrics(metrics))
	if err != nil {
		engine.Close()
		return err
	}

	log.Info().
		Str("addr", srv.Addr()).
		Str("agent_mode", cfg.AgentMode).
		Str("persistence", cfg.Persistence).
		Int("restored", restored).
		Msg("[SERVE] starting MyWant")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		engine.Start(gctx)
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()
	if err := engine.Close(); err != nil {
		log.Warn().Err(err).Msg("[SERVE] failed to close persistence")
	}
	log.Info().Msg("[SERVE] stopped")
	return runErr
}
