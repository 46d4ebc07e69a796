package dispatch

import (
	"fmt"
	"strings"
)

// Mode selects where agent work runs.
type Mode string

const (
	ModeLocal   Mode = "local"
	ModeWebhook Mode = "webhook"
	ModeGRPC    Mode = "grpc"
)

// Config defines how agents are reached.
type Config struct {
	Mode    Mode          `yaml:"mode" json:"mode"`
	Webhook WebhookConfig `yaml:"webhook,omitempty" json:"webhook,omitempty"`
	GRPC    GRPCConfig    `yaml:"grpc,omitempty" json:"grpc,omitempty"`
}

// WebhookConfig contains webhook execution settings
type WebhookConfig struct {
	ServiceURL  string `yaml:"service_url" json:"service_url"`   // External agent service endpoint
	CallbackURL string `yaml:"callback_url" json:"callback_url"` // MyWant state callback handed to agents; {id} is replaced by the want id
	AuthToken   string `yaml:"auth_token" json:"auth_token"`
	TimeoutMs   int    `yaml:"timeout_ms" json:"timeout_ms"`
}

// GRPCConfig contains gRPC execution settings
type GRPCConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"` // host:port
	TimeoutMs int    `yaml:"timeout_ms" json:"timeout_ms"`
}

// Validate validates the configuration. An empty mode means local.
func (c *Config) Validate() error {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	switch c.Mode {
	case "":
		c.Mode = ModeLocal
		return nil
	case ModeLocal:
		return nil
	case ModeWebhook:
		if c.Webhook.ServiceURL == "" {
			return fmt.Errorf("webhook mode requires service_url")
		}
		if !strings.HasPrefix(c.Webhook.ServiceURL, "http://") && !strings.HasPrefix(c.Webhook.ServiceURL, "https://") {
			return fmt.Errorf("webhook service_url must be http(s): %s", c.Webhook.ServiceURL)
		}
		return nil
	case ModeGRPC:
		if c.GRPC.Endpoint == "" {
			return fmt.Errorf("grpc mode requires endpoint")
		}
		return nil
	default:
		return fmt.Errorf("unknown agent mode: %s", c.Mode)
	}
}
