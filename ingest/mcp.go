package ingest

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/ingestd/kit"
)

// RegisterMCP registers the read-only query tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerQueryRecords(srv)
	s.registerConnectorStatus(srv)
	s.registerStats(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (s *Service) registerQueryRecords(srv *mcp.Server) {
	type req struct {
		Source    string `json:"source"`
		Connector string `json:"connector"`
		Since     string `json:"since"`
		Until     string `json:"until"`
		Text      string `json:"text"`
		PageToken string `json:"page_token"`
		Limit     int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "ingest_query_records",
		Description: "Page through ingested records in ingestion order, optionally filtered by source, connector, time window or text",
		InputSchema: inputSchema(map[string]any{
			"source":     map[string]any{"type": "string", "description": "Source tag"},
			"connector":  map[string]any{"type": "string", "description": "Connector id"},
			"since":      map[string]any{"type": "string", "description": "Ingested at or after (RFC3339)"},
			"until":      map[string]any{"type": "string", "description": "Ingested before (RFC3339)"},
			"text":       map[string]any{"type": "string", "description": "Substring of title or text"},
			"page_token": map[string]any{"type": "string", "description": "nextPageToken of the previous page"},
			"limit":      map[string]any{"type": "integer", "description": "Page size (default 50)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		f, err := ParseFilter(p.Source, p.Connector, p.Since, p.Until, p.Text)
		if err != nil {
			return nil, err
		}
		return s.Query(ctx, f, p.PageToken, p.Limit)
	}

	mw := kit.Chain(kit.Logging(s.logger, "ingest_query_records"))
	kit.RegisterMCPTool(srv, tool, mw(endpoint), kit.DecodeJSON[req]())
}

func (s *Service) registerConnectorStatus(srv *mcp.Server) {
	type req struct {
		ConnectorID string `json:"connector_id"`
		History     int    `json:"history"`
	}
	type status struct {
		ConnectorState
		History []*FetchLogEntry `json:"history,omitempty"`
	}

	tool := &mcp.Tool{
		Name:        "ingest_connector_status",
		Description: "Show the scheduling state of every connector, or of one connector with its recent fetch history",
		InputSchema: inputSchema(map[string]any{
			"connector_id": map[string]any{"type": "string", "description": "Connector id (all when empty)"},
			"history":      map[string]any{"type": "integer", "description": "Number of fetch log entries (default 10)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		states := s.Connectors()
		if p.ConnectorID == "" {
			return map[string]any{"connectors": states}, nil
		}
		for _, st := range states {
			if st.ConnectorID != p.ConnectorID {
				continue
			}
			n := p.History
			if n <= 0 {
				n = 10
			}
			hist, err := s.History(ctx, st.ConnectorID, n)
			if err != nil {
				return nil, err
			}
			return status{ConnectorState: st, History: hist}, nil
		}
		return nil, ErrUnknownConnector
	}

	mw := kit.Chain(kit.Logging(s.logger, "ingest_connector_status"))
	kit.RegisterMCPTool(srv, tool, mw(endpoint), kit.DecodeJSON[req]())
}

func (s *Service) registerStats(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_stats",
		Description: "Corpus counters: records by source, annotated records, connectors by status",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.Stats(ctx)
	}

	mw := kit.Chain(kit.Logging(s.logger, "ingest_stats"))
	kit.RegisterMCPTool(srv, tool, mw(endpoint), kit.DecodeJSON[struct{}]())
}
