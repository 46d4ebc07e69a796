package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

// ListOptions filters ListWants. Labels are "key:value" pairs.
type ListOptions struct {
	Type     string
	Statuses []string
	Labels   []string
	OwnerID  string
	Roots    bool
}

func (o ListOptions) query() string {
	q := url.Values{}
	if o.Type != "" {
		q.Set("type", o.Type)
	}
	if len(o.Statuses) > 0 {
		q.Set("status", strings.Join(o.Statuses, ","))
	}
	for _, l := range o.Labels {
		q.Add("label", l)
	}
	if o.OwnerID != "" {
		q.Set("owner", o.OwnerID)
	}
	if o.Roots {
		q.Set("roots", "true")
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// ListWants retrieves wants from the server, optionally filtered
func (c *Client) ListWants(ctx context.Context, opts ListOptions) ([]mywant.Want, error) {
	var result []mywant.Want
	if err := c.Request(ctx, "GET", "/api/v1/wants"+opts.query(), nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetWant retrieves a specific want by ID
func (c *Client) GetWant(ctx context.Context, id string) (*mywant.Want, error) {
	var result mywant.Want
	if err := c.Request(ctx, "GET", "/api/v1/wants/"+url.PathEscape(id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) CreateWant(ctx context.Context, want *mywant.Want) (*mywant.Want, error) {
	var result mywant.Want
	if err := c.Request(ctx, "POST", "/api/v1/wants", want, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateWant replaces spec and labels; a non-zero version guards against
// concurrent writers.
func (c *Client) UpdateWant(ctx context.Context, id string, version int64, spec mywant.WantSpec, labels map[string]string) (*mywant.Want, error) {
	body := map[string]any{
		"metadata": map[string]any{"version": version, "labels": labels},
		"spec":     spec,
	}
	var result mywant.Want
	if err := c.Request(ctx, "PUT", "/api/v1/wants/"+url.PathEscape(id), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteWant deletes a want by ID
func (c *Client) DeleteWant(ctx context.Context, id string) error {
	return c.Request(ctx, "DELETE", "/api/v1/wants/"+url.PathEscape(id), nil, nil)
}

func (c *Client) AddLabel(ctx context.Context, id, key, value string) (*mywant.Want, error) {
	var result mywant.Want
	body := map[string]string{"key": key, "value": value}
	if err := c.Request(ctx, "POST", fmt.Sprintf("/api/v1/wants/%s/labels", url.PathEscape(id)), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) RemoveLabel(ctx context.Context, id, key string) (*mywant.Want, error) {
	var result mywant.Want
	path := fmt.Sprintf("/api/v1/wants/%s/labels/%s", url.PathEscape(id), url.PathEscape(key))
	if err := c.Request(ctx, "DELETE", path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) SuspendWant(ctx context.Context, id string) (*mywant.Want, error) {
	return c.control(ctx, id, "suspend")
}

func (c *Client) ResumeWant(ctx context.Context, id string) (*mywant.Want, error) {
	return c.control(ctx, id, "resume")
}

func (c *Client) StopWant(ctx context.Context, id string) (*mywant.Want, error) {
	return c.control(ctx, id, "stop")
}

func (c *Client) control(ctx context.Context, id, op string) (*mywant.Want, error) {
	var result mywant.Want
	if err := c.Request(ctx, "POST", fmt.Sprintf("/api/v1/wants/%s/%s", url.PathEscape(id), op), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Reparent moves id under parentID; an empty parentID detaches it.
func (c *Client) Reparent(ctx context.Context, id, parentID string) (*mywant.Want, error) {
	var result mywant.Want
	body := map[string]string{"parent_id": parentID}
	if err := c.Request(ctx, "PUT", fmt.Sprintf("/api/v1/wants/%s/owner", url.PathEscape(id)), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ListChildren(ctx context.Context, id string) ([]mywant.Want, error) {
	var result []mywant.Want
	if err := c.Request(ctx, "GET", fmt.Sprintf("/api/v1/wants/%s/children", url.PathEscape(id)), nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SendWebhook delivers payload to the want with the given id or name.
func (c *Client) SendWebhook(ctx context.Context, idOrName string, payload map[string]any) error {
	return c.Request(ctx, "POST", "/api/v1/webhooks/"+url.PathEscape(idOrName), payload, nil)
}
