package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/onelittlenightmusic/MyWant-sub007/engine/dispatch"
)

const envPrefix = "MYWANT"

// MyWantConfig holds every setting the CLI and the serve command read.
// Keys map 1:1 to config file keys and MYWANT_<KEY> environment variables.
type MyWantConfig struct {
	Server                   string        `yaml:"server" mapstructure:"server"`
	ServerHost               string        `yaml:"server_host" mapstructure:"server_host"`
	ServerPort               int           `yaml:"server_port" mapstructure:"server_port"`
	Debug                    bool          `yaml:"debug" mapstructure:"debug"`
	AgentMode                string        `yaml:"agent_mode" mapstructure:"agent_mode"` // local, webhook, grpc
	AgentServiceURL          string        `yaml:"agent_service_url" mapstructure:"agent_service_url"`
	AgentAuthToken           string        `yaml:"agent_auth_token" mapstructure:"agent_auth_token"`
	AgentGRPCAddr            string        `yaml:"agent_grpc_addr" mapstructure:"agent_grpc_addr"`
	AgentTimeoutMs           int           `yaml:"agent_timeout_ms" mapstructure:"agent_timeout_ms"`
	DispatchMaxAttempts      uint          `yaml:"dispatch_max_attempts" mapstructure:"dispatch_max_attempts"`
	DispatchInitialBackoffMs int           `yaml:"dispatch_initial_backoff_ms" mapstructure:"dispatch_initial_backoff_ms"`
	ReconcileWorkers         int           `yaml:"reconcile_workers" mapstructure:"reconcile_workers"`
	WantTypesDir             string        `yaml:"want_types_dir" mapstructure:"want_types_dir"`
	Persistence              string        `yaml:"persistence" mapstructure:"persistence"` // file, postgres, none
	MemoryPath               string        `yaml:"memory_path" mapstructure:"memory_path"`
	DatabaseURL              string        `yaml:"database_url" mapstructure:"database_url"`
	OTLPEndpoint             string        `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	ReactionRetention        time.Duration `yaml:"reaction_retention" mapstructure:"reaction_retention"`
}

// getMyWantDir returns ~/.mywant, falling back to a relative directory.
func getMyWantDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mywant"
	}
	return filepath.Join(home, ".mywant")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server", "http://localhost:8080")
	v.SetDefault("server_host", "localhost")
	v.SetDefault("server_port", 8080)
	v.SetDefault("debug", false)
	v.SetDefault("agent_mode", string(dispatch.ModeLocal))
	v.SetDefault("agent_service_url", "")
	v.SetDefault("agent_auth_token", "")
	v.SetDefault("agent_grpc_addr", "")
	v.SetDefault("agent_timeout_ms", 30000)
	v.SetDefault("dispatch_max_attempts", 5)
	v.SetDefault("dispatch_initial_backoff_ms", 200)
	v.SetDefault("reconcile_workers", 4)
	v.SetDefault("want_types_dir", "")
	v.SetDefault("persistence", "file")
	v.SetDefault("memory_path", filepath.Join(getMyWantDir(), "memory", "wants.yaml"))
	v.SetDefault("database_url", "")
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("reaction_retention", "24h")
}

// configure prepares v with defaults, environment binding and an optional
// config file. A missing default config file is not an error.
func configure(v *viper.Viper, cfgFile string) error {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(getMyWantDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

// InitConfig loads configuration into the global viper instance.
func InitConfig(cfgFile string) error {
	return configure(viper.GetViper(), cfgFile)
}

// BindServerFlag adds the persistent --server flag used by client commands.
func BindServerFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().String("server", "http://localhost:8080", "MyWant server URL")
	viper.BindPFlag("server", cmd.PersistentFlags().Lookup("server"))
}

// LoadConfig decodes the effective configuration from v.
func LoadConfig(v *viper.Viper) (*MyWantConfig, error) {
	var cfg MyWantConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	switch cfg.Persistence {
	case "file", "postgres", "none":
	default:
		return nil, fmt.Errorf("unknown persistence backend %q (want file, postgres or none)", cfg.Persistence)
	}
	if cfg.Persistence == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("persistence postgres requires database_url")
	}
	return &cfg, nil
}

// DispatchConfig translates the agent settings into a dispatcher config.
func (c *MyWantConfig) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		Mode: dispatch.Mode(c.AgentMode),
		Webhook: dispatch.WebhookConfig{
			ServiceURL:  c.AgentServiceURL,
			CallbackURL: fmt.Sprintf("http://%s:%d/api/v1/wants/{id}/state", c.ServerHost, c.ServerPort),
			AuthToken:   c.AgentAuthToken,
			TimeoutMs:   c.AgentTimeoutMs,
		},
		GRPC: dispatch.GRPCConfig{
			Endpoint:  c.AgentGRPCAddr,
			TimeoutMs: c.AgentTimeoutMs,
		},
	}
}

var ConfigCmd = &cobra.Command{
	Use:     "config",
	Aliases: []string{"cfg"},
	Short:   "Show or initialize MyWant configuration",
}

var configGetCmd = &cobra.Command{
	Use:     "get",
	Aliases: []string{"g", "show"},
	Short:   "Display the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(viper.GetViper())
		if err != nil {
			return err
		}
		cfg.DatabaseURL = redact(cfg.DatabaseURL)
		cfg.AgentAuthToken = redact(cfg.AgentAuthToken)
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		if used := viper.ConfigFileUsed(); used != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# config file: %s\n", used)
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("output")
		if path == "" {
			path = filepath.Join(getMyWantDir(), "config.yaml")
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		v := viper.New()
		setDefaults(v)
		cfg, err := LoadConfig(v)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := os.WriteFile(path, out, 0644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
		return nil
	},
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func init() {
	ConfigCmd.AddCommand(configGetCmd)
	ConfigCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().StringP("output", "o", "", "Path to write (default $HOME/.mywant/config.yaml)")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
}
