package router

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jamaly87/mcp-router/internal/models"
)

const (
	serverName    = "mcp-router"
	serverVersion = "1.0.0"
)

// Server exposes the router as an MCP server with the single semantic_router
// tool, over stdio or streamable HTTP.
type Server struct {
	router    *Router
	mcpServer *server.MCPServer
}

// NewServer builds the MCP surface. The tool description embeds the live
// directory of indexed servers so callers see what is available up front.
func NewServer(ctx context.Context, router *Router) *Server {
	s := &Server{router: router}

	mcpServer := server.NewMCPServer(serverName, serverVersion)
	mcpServer.AddTool(s.routerTool(ctx), s.handleCall)
	s.mcpServer = mcpServer

	log.Printf("MCP server initialized: %s v%s", serverName, serverVersion)
	return s
}

// ServeStdio blocks serving the stdio transport.
func (s *Server) ServeStdio() error {
	log.Printf("Starting MCP server on stdio transport...")
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// ServeHTTP blocks serving the streamable HTTP transport on addr at /mcp.
func (s *Server) ServeHTTP(addr string) error {
	log.Printf("Starting MCP server on http://%s/mcp ...", addr)
	httpServer := server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath("/mcp"),
	)
	if err := httpServer.Start(addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) handleCall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args map[string]interface{}
	if request.Params.Arguments != nil {
		var ok bool
		args, ok = request.Params.Arguments.(map[string]interface{})
		if !ok {
			return textResult("ERROR:INTERNAL: invalid arguments format"), nil
		}
	} else {
		args = make(map[string]interface{})
	}

	envelope := s.router.Dispatch(ctx, args)

	contents := make([]mcp.Content, 0, len(envelope.Parts))
	for _, part := range envelope.Parts {
		contents = append(contents, mcp.TextContent{Type: "text", Text: renderPart(part)})
	}
	if len(contents) == 0 {
		contents = append(contents, mcp.TextContent{Type: "text", Text: "(empty result)"})
	}
	return &mcp.CallToolResult{Content: contents}, nil
}

func (s *Server) routerTool(ctx context.Context) mcp.Tool {
	description := fmt.Sprintf(`Single entry point for discovering and executing tools across many MCP servers. Instead of loading every tool schema up front, describe what you need with search_tools, inspect the match with get_tool_details, then run it with execute_tool. Servers start on demand and idle ones shut down automatically.

Operations:
- search_tools(query, top_k?, server_filter?): semantic search over all indexed tools
- list_indexed_servers(limit?, offset?): the live directory of indexed servers with tool counts
- get_server_info(server_name): summary, hints and blocked tools of one server
- list_server_tools(server_name): every indexed tool of one server
- get_tool_details(server_name, tool_name): enriched description and full input schema
- execute_tool(server_name, tool_name, arguments?, in_background?, priority?): run a tool; background runs return a task ID
- poll_task_result(task_id): status and result of a background task
- cancel_task(task_id): cancel a still-queued background task
- manage_server(server_name, action): "start" or "shutdown"
- list_running_servers(): currently active servers
- get_content(ref_id, chunk_index?): retrieve offloaded result content chunk by chunk

Large or binary results are offloaded: you receive a preview plus a ref_id to page through with get_content.

%s`, s.router.DirectoryText(ctx))

	return mcp.Tool{
		Name:        "semantic_router",
		Description: description,
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"operation": map[string]interface{}{
					"type":        "string",
					"description": "Which operation to perform",
					"enum": []string{
						"search_tools", "list_indexed_servers", "get_server_info",
						"list_server_tools", "get_tool_details", "execute_tool",
						"poll_task_result", "cancel_task", "manage_server",
						"list_running_servers", "get_content",
					},
				},
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Natural language description of the capability you need (search_tools)",
				},
				"top_k": map[string]interface{}{
					"type":        "number",
					"description": "Maximum number of search results, up to 50 (default: 5)",
					"default":     5,
				},
				"server_filter": map[string]interface{}{
					"type":        "string",
					"description": "Restrict search_tools to one server",
				},
				"limit": map[string]interface{}{
					"type":        "number",
					"description": "Maximum servers per list_indexed_servers page (default: 20)",
					"default":     20,
				},
				"offset": map[string]interface{}{
					"type":        "number",
					"description": "Servers to skip before the list_indexed_servers page (default: 0)",
					"default":     0,
				},
				"server_name": map[string]interface{}{
					"type":        "string",
					"description": "Target server name",
				},
				"tool_name": map[string]interface{}{
					"type":        "string",
					"description": "Target tool name",
				},
				"arguments": map[string]interface{}{
					"type":        "object",
					"description": "Arguments for execute_tool, matching the tool's input schema",
				},
				"in_background": map[string]interface{}{
					"type":        "boolean",
					"description": "Queue the execution and return a task ID instead of waiting (default: false)",
					"default":     false,
				},
				"priority": map[string]interface{}{
					"type":        "number",
					"description": "Background task priority, higher runs first (default: 0)",
					"default":     0,
				},
				"action": map[string]interface{}{
					"type":        "string",
					"description": "Lifecycle action for manage_server",
					"enum":        []string{"start", "shutdown"},
				},
				"task_id": map[string]interface{}{
					"type":        "string",
					"description": "Background task ID returned by execute_tool",
				},
				"ref_id": map[string]interface{}{
					"type":        "string",
					"description": "Content reference ID from an offloaded result",
				},
				"chunk_index": map[string]interface{}{
					"type":        "number",
					"description": "Zero-based chunk to retrieve (default: 0)",
					"default":     0,
				},
			},
			Required: []string{"operation"},
		},
	}
}

// renderPart turns an envelope part into the text the caller sees. Offloaded
// content becomes a preview block with retrieval instructions.
func renderPart(part models.EnvelopePart) string {
	if part.Type == models.PartInlineText {
		return part.Text
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[offloaded content: %s, ref_id=%s, %d chunks", part.Kind, part.RefID, part.TotalChunks)
	if part.Mime != "" {
		fmt.Fprintf(&b, ", mime=%s", part.Mime)
	}
	b.WriteString("]\n")
	if part.Preview != "" {
		fmt.Fprintf(&b, "Preview: %s\n", part.Preview)
	}
	fmt.Fprintf(&b, "Retrieve with get_content(ref_id=%q, chunk_index=0..%d)", part.RefID, part.TotalChunks-1)
	return b.String()
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}
