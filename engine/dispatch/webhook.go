package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
)

// ExecutePath is appended to the webhook service URL.
const ExecutePath = "/api/v1/agent-service/execute"

const defaultWebhookTimeout = 30 * time.Second

// Webhook executes agents on an external HTTP service.
type Webhook struct {
	config     WebhookConfig
	httpClient *http.Client
	log        zerolog.Logger
}

var _ mywant.Dispatcher = (*Webhook)(nil)

func NewWebhook(config WebhookConfig) *Webhook {
	timeout := defaultWebhookTimeout
	if config.TimeoutMs > 0 {
		timeout = time.Duration(config.TimeoutMs) * time.Millisecond
	}
	return &Webhook{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		log:        logging.For("dispatch"),
	}
}

func (e *Webhook) Dispatch(ctx context.Context, req mywant.AgentRequest) (mywant.AgentResult, error) {
	body, err := json.Marshal(newExecuteRequest(req, e.config.CallbackURL))
	if err != nil {
		return mywant.AgentResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(e.config.ServiceURL, "/") + ExecutePath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return mywant.AgentResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.config.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.config.AuthToken)
	}

	e.log.Debug().Str("agent", req.AgentName).Str("url", url).Msg("[WEBHOOK] executing agent")
	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return mywant.AgentResult{}, ctx.Err()
		}
		return mywant.AgentResult{}, fmt.Errorf("webhook request failed: %v: %w", err, mywant.ErrAgentUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return mywant.AgentResult{}, fmt.Errorf("webhook returned status %d: %w", resp.StatusCode, mywant.ErrAgentUnavailable)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted:
		return mywant.AgentResult{}, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var execResp ExecuteResponse
	if err := json.Unmarshal(respBody, &execResp); err != nil {
		return mywant.AgentResult{}, fmt.Errorf("failed to decode response: %w", err)
	}
	e.log.Debug().Str("agent", req.AgentName).Str("status", execResp.Status).
		Int64("ms", execResp.ExecutionTimeMs).Msg("[WEBHOOK] agent returned")
	return execResp.toResult()
}
