package client

import (
	"context"
	"net/url"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

func (c *Client) ListReactions(ctx context.Context) ([]mywant.Reaction, error) {
	var result []mywant.Reaction
	if err := c.Request(ctx, "GET", "/api/v1/reactions", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) GetReaction(ctx context.Context, queueID string) (*mywant.Reaction, error) {
	var result mywant.Reaction
	if err := c.Request(ctx, "GET", "/api/v1/reactions/"+url.PathEscape(queueID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DecideReaction approves or denies a live reaction.
func (c *Client) DecideReaction(ctx context.Context, queueID string, approved bool, comment string) (*mywant.Reaction, error) {
	var result mywant.Reaction
	body := map[string]any{"approved": approved, "comment": comment}
	if err := c.Request(ctx, "PUT", "/api/v1/reactions/"+url.PathEscape(queueID), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
