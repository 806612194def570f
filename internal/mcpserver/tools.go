// Package mcpserver registers MCP tools that expose sync status and
// control. It adapts the orchestrator components to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/fin-sync/internal/autosync"
	"github.com/alexjbarnes/fin-sync/internal/models"
	"github.com/alexjbarnes/fin-sync/internal/server"
	"github.com/alexjbarnes/fin-sync/internal/store"
	"github.com/alexjbarnes/fin-sync/internal/summary"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Deps are the components the tools read from and drive. SyncAll may be
// nil when auto-sync is disabled.
type Deps struct {
	Store   *store.Store
	Summary server.SummarySource
	Stream  server.ConnectionSource
	SyncAll server.SyncAller
	Bulk    server.BulkRunner
}

// RegisterTools adds all sync tools to the given MCP server.
func RegisterTools(srv *mcp.Server, d Deps) {
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "sync_status",
		Description: "Summary of every tracked wallet and bank account: counts by status, average progress of running syncs, last completed sync, plus event stream connection health.",
	}, statusHandler(d))

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "sync_entities",
		Description: "List tracked entities with their sync status, progress and error. Optionally filter by status (e.g. FAILED) and kind (WALLET or BANK_ACCOUNT).",
	}, entitiesHandler(d))

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "sync_all",
		Description: "Ask the server to sync every wallet and bank account now. Ignores the once-a-day rule but still honours the cooldown and skips while a sync is running.",
	}, syncAllHandler(d))

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "sync_bulk",
		Description: "Run sync, disconnect or delete across a list of entity ids. Items are attempted independently; the result lists which succeeded and why the others failed.",
	}, bulkHandler(d))

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "sync_reset_connection",
		Description: "Drop the event stream connection and reconnect immediately, skipping any pending backoff.",
	}, resetHandler(d))
}

// --- Input types ---

// StatusInput has no parameters.
type StatusInput struct{}

// EntitiesInput holds parameters for sync_entities.
type EntitiesInput struct {
	Status string `json:"status,omitempty" jsonschema:"only entities in this status"`
	Kind   string `json:"kind,omitempty" jsonschema:"only entities of this kind, WALLET or BANK_ACCOUNT"`
}

// SyncAllInput has no parameters.
type SyncAllInput struct{}

// BulkInput holds parameters for sync_bulk.
type BulkInput struct {
	Action string   `json:"action" jsonschema:"sync, disconnect or delete"`
	IDs    []string `json:"ids" jsonschema:"entity ids to act on"`
	Kind   string   `json:"kind,omitempty" jsonschema:"kind of every id; looked up per entity when omitted"`
}

// ResetInput has no parameters.
type ResetInput struct{}

// --- Output types ---

// StatusResult is returned by sync_status.
type StatusResult struct {
	Summary    summary.Summary        `json:"summary"`
	Connection models.ConnectionState `json:"connection"`
	Bulk       models.BulkStatus      `json:"bulk"`
}

// EntitiesResult is returned by sync_entities.
type EntitiesResult struct {
	Total    int                `json:"total"`
	Entities []models.SyncState `json:"entities"`
}

// ResetResult is returned by sync_reset_connection.
type ResetResult struct {
	Reset bool `json:"reset"`
}

// --- Handlers ---

func statusHandler(d Deps) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := &StatusResult{
			Summary:    d.Summary.Latest(),
			Connection: d.Stream.ConnectionState(),
			Bulk:       d.Bulk.Status(),
		}

		return textResult(result), result, nil
	}
}

func entitiesHandler(d Deps) mcp.ToolHandlerFor[EntitiesInput, *EntitiesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input EntitiesInput) (*mcp.CallToolResult, *EntitiesResult, error) {
		var (
			status models.SyncStatus
			kind   models.EntityKind
		)

		if input.Status != "" {
			s, err := models.ParseSyncStatus(input.Status)
			if err != nil {
				return nil, nil, err
			}

			status = s
		}

		if input.Kind != "" {
			k, err := models.ParseEntityKind(input.Kind)
			if err != nil {
				return nil, nil, err
			}

			kind = k
		}

		result := &EntitiesResult{Entities: []models.SyncState{}}

		for _, st := range d.Store.Snapshot() {
			if status != "" && st.Status != status {
				continue
			}

			if kind != "" && st.Kind != kind {
				continue
			}

			result.Entities = append(result.Entities, st)
		}

		result.Total = len(result.Entities)

		return textResult(result), result, nil
	}
}

func syncAllHandler(d Deps) mcp.ToolHandlerFor[SyncAllInput, *autosync.Outcome] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncAllInput) (*mcp.CallToolResult, *autosync.Outcome, error) {
		if d.SyncAll == nil {
			return nil, nil, fmt.Errorf("auto-sync is disabled")
		}

		out, err := d.SyncAll.SyncAll(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("starting sync: %w", err)
		}

		return textResult(out), &out, nil
	}
}

func bulkHandler(d Deps) mcp.ToolHandlerFor[BulkInput, *models.BulkOperationResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input BulkInput) (*mcp.CallToolResult, *models.BulkOperationResult, error) {
		if len(input.IDs) == 0 {
			return nil, nil, fmt.Errorf("ids is required")
		}

		items, err := server.BulkItems(d.Store, input.IDs, input.Kind)
		if err != nil {
			return nil, nil, err
		}

		res, err := d.Bulk.Run(context.WithoutCancel(ctx), models.BulkAction(input.Action), items)
		if err != nil {
			return nil, nil, err
		}

		return textResult(res), &res, nil
	}
}

func resetHandler(d Deps) mcp.ToolHandlerFor[ResetInput, *ResetResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ResetInput) (*mcp.CallToolResult, *ResetResult, error) {
		d.Stream.ResetConnection()

		result := &ResetResult{Reset: true}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// The SDK fills in the structured output alongside it.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
