package types

import (
	"context"
	"encoding/json"
	"fmt"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

// Webhook state keys.
const (
	webhookStatusKey    = "webhook_status"
	webhookMessagesKey  = "webhook_messages"
	webhookCountKey     = "webhook_message_count"
	webhookLatestKey    = "webhook_latest_message"
	webhookURLKey       = "webhook_url"
	webhookProcessedKey = "webhook_last_processed_at"
)

// messageCount extracts an int from values that may be int, float64 or json.Number.
func messageCount(val any) int {
	switch v := val.(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

// WebhookAgent records payloads delivered through the webhook endpoint. Each
// delivery is identified by webhook_received_at; passes without a new
// delivery only refresh progress. Deliveries that arrive between two passes
// coalesce, so only the latest of them is recorded.
func WebhookAgent(_ context.Context, req mywant.AgentRequest) (mywant.AgentResult, error) {
	w := req.Want
	expected := 1
	if n, ok := toFloat(w.Spec.Params["expected"]); ok && n >= 1 {
		expected = int(n)
	}
	keep := 20
	if n, ok := toFloat(w.Spec.Params["keep"]); ok && n >= 1 {
		keep = int(n)
	}
	filter := paramOr(w, "channel_filter", "")

	count := messageCount(w.State[webhookCountKey])
	updates := map[string]any{
		webhookURLKey:                  fmt.Sprintf("/api/v1/webhooks/%s", w.Metadata.Name),
		webhookStatusKey:               "active",
		mywant.StateFieldActionByAgent: "webhook",
	}

	payload, hasPayload := w.State[mywant.StateFieldWebhookPayload].(map[string]any)
	receivedAt, _ := w.State[mywant.StateFieldWebhookReceived].(string)
	lastProcessed, _ := w.State[webhookProcessedKey].(string)

	if hasPayload && receivedAt != "" && receivedAt != lastProcessed {
		updates[webhookProcessedKey] = receivedAt
		channel, _ := payload["channel"].(string)
		if filter == "" || channel == filter {
			messages, _ := w.State[webhookMessagesKey].([]any)
			messages = append(append([]any(nil), messages...), payload)
			if len(messages) > keep {
				messages = messages[len(messages)-keep:]
			}
			count++
			updates[webhookMessagesKey] = messages
			updates[webhookCountKey] = count
			updates[webhookLatestKey] = payload
		}
	}

	percent := min(count*100/expected, 100)
	updates[mywant.StateFieldAchievingPercent] = percent
	if count >= expected {
		updates[webhookStatusKey] = "stopped"
		updates[mywant.StateFieldFinalResult] = updates[webhookLatestKey]
		if updates[mywant.StateFieldFinalResult] == nil {
			updates[mywant.StateFieldFinalResult] = w.State[webhookLatestKey]
		}
		return mywant.AgentResult{Outcome: mywant.OutcomeAchieved, StateUpdates: updates}, nil
	}
	return mywant.AgentResult{Outcome: mywant.OutcomeProgress, StateUpdates: updates}, nil
}
