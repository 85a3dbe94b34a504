package tools

import (
	"context"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPServer exposes the toolset for one owner over the Model Context Protocol.
type MCPServer struct {
	server  *gomcp.Server
	tools   *Toolset
	ownerID string
}

func NewMCPServer(tools *Toolset, ownerID, version string) *MCPServer {
	if version == "" {
		version = "dev"
	}
	s := &MCPServer{tools: tools, ownerID: ownerID}
	s.server = gomcp.NewServer(&gomcp.Implementation{Name: "driftline", Version: version}, nil)
	s.register()
	return s
}

// Run serves on stdio until the client disconnects or ctx ends.
func (s *MCPServer) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// Server returns the underlying server so tests can attach in-memory
// transports.
func (s *MCPServer) Server() *gomcp.Server {
	return s.server
}

func (s *MCPServer) register() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        SearchContent,
		Description: "Search synced content by keyword. Returns item summaries with ids.",
	}, s.handleSearch)
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        ReadContent,
		Description: "Read the full body of one content item by id.",
	}, s.handleRead)
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        ListContent,
		Description: "List recent content items, newest first.",
	}, s.handleList)
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        WebSearch,
		Description: "Search the public web.",
	}, s.handleWebSearch)
}

func (s *MCPServer) handleSearch(ctx context.Context, _ *gomcp.CallToolRequest, in SearchContentInput) (*gomcp.CallToolResult, ItemsOutput, error) {
	out, err := s.tools.SearchContent(ctx, s.ownerID, in)
	if err != nil {
		return errorResult(err), ItemsOutput{}, nil
	}
	return nil, out, nil
}

func (s *MCPServer) handleRead(ctx context.Context, _ *gomcp.CallToolRequest, in ReadContentInput) (*gomcp.CallToolResult, ContentOutput, error) {
	out, err := s.tools.ReadContent(ctx, s.ownerID, in)
	if err != nil {
		return errorResult(err), ContentOutput{}, nil
	}
	return nil, out, nil
}

func (s *MCPServer) handleList(ctx context.Context, _ *gomcp.CallToolRequest, in ListContentInput) (*gomcp.CallToolResult, ItemsOutput, error) {
	out, err := s.tools.ListContent(ctx, s.ownerID, in)
	if err != nil {
		return errorResult(err), ItemsOutput{}, nil
	}
	return nil, out, nil
}

func (s *MCPServer) handleWebSearch(ctx context.Context, _ *gomcp.CallToolRequest, in WebSearchInput) (*gomcp.CallToolResult, WebSearchOutput, error) {
	out, err := s.tools.WebSearch(ctx, in)
	if err != nil {
		return errorResult(err), WebSearchOutput{}, nil
	}
	return nil, out, nil
}

func errorResult(err error) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: err.Error()}},
		IsError: true,
	}
}
