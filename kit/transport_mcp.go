package kit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Decoder turns raw MCP tool arguments into the endpoint's request type.
type Decoder func(args json.RawMessage) (any, error)

// DecodeJSON returns a Decoder unmarshalling into a fresh *T. Empty
// arguments decode to the zero value.
func DecodeJSON[T any]() Decoder {
	return func(args json.RawMessage) (any, error) {
		var v T
		if len(args) == 0 {
			return &v, nil
		}
		if err := json.Unmarshal(args, &v); err != nil {
			return nil, err
		}
		return &v, nil
	}
}

// RegisterMCPTool exposes an Endpoint as an MCP tool. The response is
// returned as one JSON text content; decode and endpoint errors become tool
// errors rather than protocol errors.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode Decoder) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decoded, err := decode(req.Params.Arguments)
		if err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}
		resp, err := endpoint(WithTransport(ctx, "mcp"), decoded)
		if err != nil {
			return toolError(errors.New(err.Error())), nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return toolError(fmt.Errorf("marshal: %w", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}
