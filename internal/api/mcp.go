package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/curator/internal/lifecycle"
	"github.com/kalambet/curator/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Lifecycle Lifecycle
	Scheduler Scheduler // optional; if nil, run_discovery returns an error
	Reporter  Reporter  // optional
	Version   string
}

// NewMCPServer creates an MCP server with the review tools and the stats
// resource registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"curator",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("curator: review queue for discovered short-form videos. List pending media, approve to publish as a story with creator credit, or reject."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_pending",
			mcp.WithDescription("List media awaiting review, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of items (default 20)")),
		),
		mcpListPending(deps),
	)

	s.AddTool(
		mcp.NewTool("approve_media",
			mcp.WithDescription("Approve a media item: download, render the credit overlay and publish it as a story."),
			mcp.WithNumber("id", mcp.Description("Media item id"), mcp.Required()),
		),
		mcpApprove(deps),
	)

	s.AddTool(
		mcp.NewTool("reject_media",
			mcp.WithDescription("Reject a media item so it is never published."),
			mcp.WithNumber("id", mcp.Description("Media item id"), mcp.Required()),
		),
		mcpReject(deps),
	)

	s.AddTool(
		mcp.NewTool("run_discovery",
			mcp.WithDescription("Queue a discovery run over the configured hashtags and locations."),
		),
		mcpRunDiscovery(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"curator://stats",
			"Curator Stats",
			mcp.WithResourceDescription("Media counts by status, today's publish budget and the last discovery run"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

type pendingSummary struct {
	ID       int64    `json:"id"`
	Code     string   `json:"code"`
	Creator  string   `json:"creator"`
	Caption  string   `json:"caption"`
	Likes    int64    `json:"likes"`
	Hashtags []string `json:"hashtags"`
}

func mcpListPending(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		items, err := deps.Store.ListMedia(ctx, storage.MediaFilter{Status: storage.StatusPendingApproval, Limit: limit})
		if err != nil {
			return mcpError(fmt.Sprintf("listing pending media failed: %v", err)), nil
		}

		out := make([]pendingSummary, len(items))
		for i, m := range items {
			caption := m.Caption
			if utf8.RuneCountInString(caption) > 200 {
				caption = string([]rune(caption)[:200]) + "..."
			}
			out[i] = pendingSummary{
				ID:       m.ID,
				Code:     m.Code,
				Creator:  m.CreatorHandle,
				Caption:  caption,
				Likes:    m.LikeCount,
				Hashtags: m.Hashtags,
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func requireID(req mcp.CallToolRequest) (int64, error) {
	v, err := req.RequireFloat("id")
	if err != nil {
		return 0, errors.New("id is required")
	}
	if v <= 0 || v != float64(int64(v)) {
		return 0, fmt.Errorf("invalid id %v", v)
	}
	return int64(v), nil
}

func mcpApprove(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := requireID(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		postID, err := deps.Lifecycle.Approve(ctx, id)
		if err != nil {
			var stepErr *lifecycle.StepError
			switch {
			case errors.Is(err, storage.ErrNotFound):
				return mcpError(fmt.Sprintf("media %d not found", id)), nil
			case errors.Is(err, lifecycle.ErrRateLimitExceeded):
				return mcpError(fmt.Sprintf("media %d not published: %v", id, err)), nil
			case errors.As(err, &stepErr):
				return mcpError(fmt.Sprintf("media %d failed at %s: %v", id, stepErr.Step, stepErr.Err)), nil
			}
			return mcpError(fmt.Sprintf("approve failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Published media %d as story %s", id, postID)), nil
	}
}

func mcpReject(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := requireID(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		item, err := deps.Lifecycle.Reject(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("media %d not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("reject failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Rejected media %d (%s by @%s)", id, item.Code, item.CreatorHandle)), nil
	}
}

func mcpRunDiscovery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Scheduler == nil {
			return mcpError("discovery worker is not running"), nil
		}
		if !deps.Scheduler.Trigger() {
			return mcpText("A discovery run is already queued."), nil
		}
		return mcpText("Discovery run queued."), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		counts, err := deps.Store.CountMediaByStatus(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count media: %w", err)
		}
		used, limit, err := deps.Lifecycle.Budget(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read budget: %w", err)
		}
		stats := Stats{Media: counts, Budget: Budget{Used: used, Limit: limit}}
		if deps.Reporter != nil {
			stats.LastRun = deps.Reporter.LastReport()
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
