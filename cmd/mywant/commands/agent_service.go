package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/dispatch"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/types"
	"github.com/onelittlenightmusic/MyWant-sub007/pkg/worker"
)

var AgentServiceCmd = &cobra.Command{
	Use:     "agent-service",
	Aliases: []string{"worker"},
	Short:   "Run the built-in agents as a remote agent service",
	Long: `Serve the built-in agents to engines configured with agent_mode
webhook or grpc. The HTTP endpoint is always served; the gRPC endpoint
only when --grpc-port is set. Requests must carry agent_auth_token as a
Bearer token when one is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(viper.GetViper())
		if err != nil {
			return err
		}
		logging.ConfigureRuntime()
		logging.SetDebug(cfg.Debug)

		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		grpcPort, _ := cmd.Flags().GetInt("grpc-port")

		local := dispatch.NewLocal()
		if err := types.RegisterBuiltins(mywant.NewWantTypeRegistry(), local); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		w := worker.New(worker.Config{
			Host:      host,
			Port:      port,
			GRPCPort:  grpcPort,
			AuthToken: cfg.AgentAuthToken,
		}, local)
		return w.Run(ctx)
	},
}

func init() {
	AgentServiceCmd.Flags().String("host", "localhost", "Listen host")
	AgentServiceCmd.Flags().IntP("port", "p", 8081, "HTTP port")
	AgentServiceCmd.Flags().Int("grpc-port", 0, "gRPC port (disabled when 0)")
}
