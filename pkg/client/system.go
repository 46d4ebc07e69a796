package client

import (
	"context"
	"net/url"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

// Health returns the /health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var result map[string]any
	if err := c.Request(ctx, "GET", "/health", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ListWantTypes retrieves available want types
func (c *Client) ListWantTypes(ctx context.Context) ([]mywant.WantTypeDefinition, error) {
	var result []mywant.WantTypeDefinition
	if err := c.Request(ctx, "GET", "/api/v1/want-types", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetWantType retrieves a specific want type definition
func (c *Client) GetWantType(ctx context.Context, name string) (*mywant.WantTypeDefinition, error) {
	var result mywant.WantTypeDefinition
	if err := c.Request(ctx, "GET", "/api/v1/want-types/"+url.PathEscape(name), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
