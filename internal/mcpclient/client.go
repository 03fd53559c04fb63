// Package mcpclient manages a single upstream MCP session: it spawns the
// configured child process, performs the protocol handshake over stdio and
// exposes list/call/shutdown. Request correlation and multiplexing are
// handled by the underlying transport; concurrent CallTool invocations on one
// session are safe.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	mcpgo "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jamaly87/mcp-router/internal/models"
	"github.com/jamaly87/mcp-router/pkg/config"
)

const clientName = "mcp-router"

// TerminationCallback is invoked once when the session dies unexpectedly.
// The supervisor registers it at construction time so the client never holds
// a back-pointer.
type TerminationCallback func(serverName string)

// Client is one live upstream MCP session.
type Client struct {
	serverName   string
	session      *mcpgo.Client
	onTerminated TerminationCallback

	closeOnce sync.Once
	crashed   atomic.Bool
}

// Start spawns the configured child process and completes the MCP handshake,
// waiting up to the server's configured timeout for readiness.
func Start(ctx context.Context, cfg *config.ServerConfig, onTerminated TerminationCallback) (*Client, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	session, err := mcpgo.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, models.WrapError(models.KindServerUnavailable, err,
			"failed to spawn server %q", cfg.Name)
	}

	c := &Client{
		serverName:   cfg.Name,
		session:      session,
		onTerminated: onTerminated,
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	_, err = session.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		_ = session.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, models.WrapError(models.KindServerUnavailable, err,
				"server %q did not become ready within %s", cfg.Name, cfg.Timeout())
		}
		return nil, c.classify(err, "initialize")
	}

	log.Printf("Initialized MCP session for server %q", cfg.Name)
	return c, nil
}

// ServerName returns the configured server name for this session.
func (c *Client) ServerName() string { return c.serverName }

// ListTools enumerates the tools the upstream server offers.
func (c *Client) ListTools(ctx context.Context) ([]models.ToolSpec, error) {
	result, err := c.session.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, c.classify(err, "list tools")
	}

	specs := make([]models.ToolSpec, 0, len(result.Tools))
	for _, tool := range result.Tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, models.WrapError(models.KindProtocolError, err,
				"server %q returned an unencodable schema for tool %q", c.serverName, tool.Name)
		}
		specs = append(specs, models.ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return specs, nil
}

// CallTool invokes a tool and returns its raw content parts in order.
// An upstream result flagged IsError is surfaced as an INTERNAL error with
// the upstream text as message.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) ([]models.RawContentPart, error) {
	result, err := c.session.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, c.classify(err, fmt.Sprintf("call tool %q", name))
	}

	parts := convertContent(result.Content)
	if result.IsError {
		msg := "tool reported an error"
		if len(parts) > 0 && parts[0].Text != "" {
			msg = parts[0].Text
		}
		return nil, models.NewError(models.KindInternal, "tool %q on server %q failed: %s", name, c.serverName, msg)
	}
	return parts, nil
}

// Shutdown terminates the child process and closes the session.
func (c *Client) Shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		log.Printf("Shutting down MCP session for server %q", c.serverName)
		err = c.session.Close()
	})
	return err
}

// classify maps transport failures to the error taxonomy and fires the
// termination callback when the child process is gone.
func (c *Client) classify(err error, operation string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.WrapError(models.KindTimeout, err,
			"timed out waiting for server %q to %s", c.serverName, operation)
	case isDisconnect(err):
		if c.crashed.CompareAndSwap(false, true) && c.onTerminated != nil {
			c.onTerminated(c.serverName)
		}
		return models.WrapError(models.KindServerCrashed, err,
			"server %q process died during %s", c.serverName, operation)
	default:
		return models.WrapError(models.KindProtocolError, err,
			"server %q failed to %s", c.serverName, operation)
	}
}

// isDisconnect recognizes the errors a dead child process produces on the
// stdio pipes.
func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "file already closed") ||
		strings.Contains(msg, "process already finished") ||
		strings.Contains(msg, "signal: killed")
}

func convertContent(content []mcp.Content) []models.RawContentPart {
	parts := make([]models.RawContentPart, 0, len(content))
	for _, block := range content {
		switch v := block.(type) {
		case mcp.TextContent:
			parts = append(parts, models.RawContentPart{Type: "text", Text: v.Text})
		case mcp.ImageContent:
			parts = append(parts, models.RawContentPart{Type: "image", Data: v.Data, Mime: v.MIMEType})
		case mcp.AudioContent:
			parts = append(parts, models.RawContentPart{Type: "audio", Data: v.Data, Mime: v.MIMEType})
		default:
			// Resources and unknown blocks are preserved as their JSON text.
			raw, err := json.Marshal(block)
			if err != nil {
				continue
			}
			parts = append(parts, models.RawContentPart{Type: "text", Text: string(raw)})
		}
	}
	return parts
}
