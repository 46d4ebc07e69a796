// Package types ships the built-in want types served by local agents.
package types

import (
	"embed"
	"fmt"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/dispatch"
)

//go:embed defs/*.yaml
var defs embed.FS

// RegisterBuiltins loads the embedded want type definitions into reg and
// binds their agents on local.
func RegisterBuiltins(reg *mywant.WantTypeRegistry, local *dispatch.Local) error {
	if _, err := reg.LoadFS(defs, "defs"); err != nil {
		return fmt.Errorf("failed to load built-in want types: %w", err)
	}
	local.Register("approval", ApprovalAgent)
	local.Register("counter", CounterAgent)
	local.Register("webhook", WebhookAgent)
	return nil
}

func paramOr[T any](w *mywant.Want, key string, fallback T) T {
	if v, ok := w.Spec.Params[key].(T); ok {
		return v
	}
	return fallback
}

// toFloat accepts the numeric shapes produced by JSON, YAML and Go callers.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
