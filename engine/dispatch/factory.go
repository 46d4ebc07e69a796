package dispatch

import (
	"fmt"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

// New returns the dispatcher for config. Local mode uses local, which must be
// non-nil in that case. Remote dispatchers implement io.Closer.
func New(config Config, local *Local) (mywant.Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	switch config.Mode {
	case ModeWebhook:
		return NewWebhook(config.Webhook), nil
	case ModeGRPC:
		g, err := NewGRPC(config.GRPC)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		if local == nil {
			return nil, fmt.Errorf("local mode requires an agent registry")
		}
		return local, nil
	}
}
