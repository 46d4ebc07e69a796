package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
)

// AgentFunc is an in-process agent.
type AgentFunc func(ctx context.Context, req mywant.AgentRequest) (mywant.AgentResult, error)

// Local executes agents in the same process. Agents are looked up by
// agent name first, then by want type.
type Local struct {
	mu     sync.RWMutex
	agents map[string]AgentFunc
	log    zerolog.Logger
}

var _ mywant.Dispatcher = (*Local)(nil)

func NewLocal() *Local {
	return &Local{agents: make(map[string]AgentFunc), log: logging.For("dispatch")}
}

// Register binds fn to name, replacing any earlier binding.
func (l *Local) Register(name string, fn AgentFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents[name] = fn
}

func (l *Local) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.agents))
	for n := range l.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (l *Local) lookup(req mywant.AgentRequest) (AgentFunc, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if fn, ok := l.agents[req.AgentName]; ok && req.AgentName != "" {
		return fn, true
	}
	if req.Want != nil {
		fn, ok := l.agents[req.Want.Metadata.Type]
		return fn, ok
	}
	return nil, false
}

// Dispatch runs the agent. A missing agent is reported unavailable; a panic
// is reported as a crash.
func (l *Local) Dispatch(ctx context.Context, req mywant.AgentRequest) (res mywant.AgentResult, err error) {
	fn, ok := l.lookup(req)
	if !ok {
		return mywant.AgentResult{}, fmt.Errorf("no local agent %q: %w", req.AgentName, mywant.ErrAgentUnavailable)
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Str("agent", req.AgentName).Interface("panic", r).Msg("[LOCAL] agent panicked")
			res, err = mywant.AgentResult{}, fmt.Errorf("agent %s panicked: %v", req.AgentName, r)
		}
	}()
	return fn(ctx, req)
}
