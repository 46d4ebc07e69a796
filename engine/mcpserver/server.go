// Package mcpserver exposes MyWant operations as MCP tools over stdio, so
// assistants can create wants and answer approval requests.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
	"github.com/onelittlenightmusic/MyWant-sub007/pkg/client"
)

const (
	serverName    = "mywant-mcp-server"
	serverVersion = "1.0.0"
)

// Server adapts the MyWant HTTP API to MCP tools.
type Server struct {
	api *client.Client
	mcp *mcp.Server
	log zerolog.Logger
}

func New(api *client.Client) *Server {
	s := &Server{
		api: api,
		mcp: mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil),
		log: logging.For("mcp"),
	}
	s.registerTools()
	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

// RunStdio serves until stdin closes or ctx is cancelled. stdout carries
// JSON-RPC, so logs must go to stderr.
func (s *Server) RunStdio(ctx context.Context) error {
	s.log.Info().Str("api", s.api.BaseURL).Msg("[MCP] starting stdio server")
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	s.log.Info().Msg("[MCP] server shutting down")
	return err
}

type noArgs struct{}

type idArgs struct {
	ID string `json:"id" jsonschema:"want id"`
}

type nameArgs struct {
	Name string `json:"name" jsonschema:"want type name"`
}

type listWantsArgs struct {
	Type   string   `json:"type,omitempty" jsonschema:"only wants of this type"`
	Status []string `json:"status,omitempty" jsonschema:"only wants in one of these statuses"`
	Labels []string `json:"labels,omitempty" jsonschema:"label selectors in key:value form"`
	Owner  string   `json:"owner,omitempty" jsonschema:"only children of this want id"`
}

type createWantArgs struct {
	Name   string            `json:"name" jsonschema:"unique want name"`
	Type   string            `json:"type" jsonschema:"registered want type"`
	Params map[string]any    `json:"params,omitempty" jsonschema:"want parameters"`
	Labels map[string]string `json:"labels,omitempty" jsonschema:"labels to attach"`
	Parent string            `json:"parent,omitempty" jsonschema:"id of the owning want"`
	Block  bool              `json:"block_owner_deletion,omitempty" jsonschema:"delete this want together with its owner"`
}

type controlArgs struct {
	ID     string `json:"id" jsonschema:"want id"`
	Action string `json:"action" jsonschema:"one of suspend, resume, stop"`
}

type decideArgs struct {
	QueueID  string `json:"queue_id" jsonschema:"reaction queue id (rq-...)"`
	Approved bool   `json:"approved" jsonschema:"true to approve, false to deny"`
	Comment  string `json:"comment,omitempty" jsonschema:"optional reviewer comment"`
}

type webhookArgs struct {
	Target  string         `json:"target" jsonschema:"want id or name"`
	Payload map[string]any `json:"payload,omitempty" jsonschema:"JSON payload stored on the want"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_want_types",
		Description: "List all registered want types with their parameters and agents",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
		return s.reply(s.api.ListWantTypes(ctx))
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_want_type",
		Description: "Get a want type definition including parameter rules and denial policy",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in nameArgs) (*mcp.CallToolResult, any, error) {
		return s.reply(s.api.GetWantType(ctx, in.Name))
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_wants",
		Description: "List wants, optionally filtered by type, status, labels or owner",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in listWantsArgs) (*mcp.CallToolResult, any, error) {
		return s.reply(s.api.ListWants(ctx, client.ListOptions{
			Type:     in.Type,
			Statuses: in.Status,
			Labels:   in.Labels,
			OwnerID:  in.Owner,
		}))
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_want",
		Description: "Get a want with its status, state and agent history",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in idArgs) (*mcp.CallToolResult, any, error) {
		return s.reply(s.api.GetWant(ctx, in.ID))
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "create_want",
		Description: "Create a want of a registered type",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in createWantArgs) (*mcp.CallToolResult, any, error) {
		w := &mywant.Want{
			Metadata: mywant.Metadata{Name: in.Name, Type: in.Type, Labels: in.Labels},
			Spec:     mywant.WantSpec{Params: in.Params},
		}
		if in.Parent != "" {
			w.Metadata.OwnerReferences = []mywant.OwnerReference{{
				Kind:               "Want",
				ID:                 in.Parent,
				Controller:         true,
				BlockOwnerDeletion: in.Block,
			}}
		}
		return s.reply(s.api.CreateWant(ctx, w))
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "delete_want",
		Description: "Delete a want; blocking descendants are deleted with it",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in idArgs) (*mcp.CallToolResult, any, error) {
		if err := s.api.DeleteWant(ctx, in.ID); err != nil {
			return nil, nil, err
		}
		return text(fmt.Sprintf("want %s deleted", in.ID)), nil, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "control_want",
		Description: "Suspend, resume or stop a want",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in controlArgs) (*mcp.CallToolResult, any, error) {
		switch in.Action {
		case "suspend":
			return s.reply(s.api.SuspendWant(ctx, in.ID))
		case "resume":
			return s.reply(s.api.ResumeWant(ctx, in.ID))
		case "stop":
			return s.reply(s.api.StopWant(ctx, in.ID))
		}
		return nil, nil, fmt.Errorf("unknown action %q", in.Action)
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_reactions",
		Description: "List approval requests; pending ones are waiting for a decision",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
		return s.reply(s.api.ListReactions(ctx))
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "decide_reaction",
		Description: "Approve or deny a pending approval request",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in decideArgs) (*mcp.CallToolResult, any, error) {
		return s.reply(s.api.DecideReaction(ctx, in.QueueID, in.Approved, in.Comment))
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "send_webhook",
		Description: "Deliver a webhook payload to a want and re-trigger it",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in webhookArgs) (*mcp.CallToolResult, any, error) {
		if err := s.api.SendWebhook(ctx, in.Target, in.Payload); err != nil {
			return nil, nil, err
		}
		return text("webhook delivered to " + in.Target), nil, nil
	})
}

// reply renders an API result as indented JSON text. API errors become
// tool errors so the caller sees the message instead of a protocol failure.
func (s *Server) reply(result any, err error) (*mcp.CallToolResult, any, error) {
	if err != nil {
		s.log.Debug().Err(err).Msg("[MCP] tool call failed")
		return nil, nil, err
	}
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return text(string(b)), nil, nil
}

func text(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}
}
