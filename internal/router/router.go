// Package router implements the semantic_router meta-tool: one outward MCP
// tool whose tagged operation envelope multiplexes discovery, lifecycle,
// execution and content retrieval.
package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jamaly87/mcp-router/internal/llm"
	"github.com/jamaly87/mcp-router/internal/models"
	"github.com/jamaly87/mcp-router/internal/vectordb"
)

const (
	defaultTopK = 5
	maxTopK     = 50

	// Total deadline for one router operation; slightly above the upstream
	// call timeout so the per-call error wins when the upstream is slow.
	defaultOpDeadline = 150 * time.Second
)

// SearchIndex is the read side of the vector collection.
type SearchIndex interface {
	SearchTools(ctx context.Context, vector []float32, topK int, serverFilter string) ([]vectordb.ScoredTool, error)
	ListServerTools(ctx context.Context, serverName string) ([]models.ToolRecord, error)
	GetTool(ctx context.Context, serverName, toolName string) (*models.ToolRecord, error)
	GetServer(ctx context.Context, serverName string) (*models.ServerRecord, error)
	ListServers(ctx context.Context) ([]models.ServerRecord, error)
}

// Lifecycle is the supervisor surface the router drives.
type Lifecycle interface {
	Start(ctx context.Context, serverName string) (models.ServerState, error)
	Shutdown(serverName string) (models.ServerState, error)
	ListRunning() []models.ServerSnapshot
	Execute(ctx context.Context, serverName, toolName string, args map[string]any) ([]models.RawContentPart, error)
}

// Tasks is the background execution surface.
type Tasks interface {
	Submit(serverName, toolName string, args map[string]any, priority int) (string, error)
	Poll(taskID string) (*models.Task, error)
	Cancel(taskID string) (bool, error)
}

// Content reads offloaded payloads back.
type Content interface {
	Get(refID string, chunkIndex int) ([]byte, *models.ContentRef, error)
}

// ResultPipeline wraps raw upstream output into envelopes.
type ResultPipeline interface {
	Process(ctx context.Context, raw []models.RawContentPart) (*models.ResultEnvelope, error)
}

// Router dispatches semantic_router operations to the subsystems.
type Router struct {
	index      SearchIndex
	embedder   llm.Embedder
	lifecycle  Lifecycle
	tasks      Tasks
	content    Content
	pipeline   ResultPipeline
	opDeadline time.Duration
}

// New wires a router. All dependencies are required.
func New(index SearchIndex, embedder llm.Embedder, lifecycle Lifecycle, tasks Tasks, content Content, pipeline ResultPipeline) *Router {
	return &Router{
		index:      index,
		embedder:   embedder,
		lifecycle:  lifecycle,
		tasks:      tasks,
		content:    content,
		pipeline:   pipeline,
		opDeadline: defaultOpDeadline,
	}
}

// Dispatch validates the operation envelope and runs it. It always returns a
// well-formed envelope; failures become a single ERROR:<kind> text part.
func (r *Router) Dispatch(ctx context.Context, args map[string]any) *models.ResultEnvelope {
	operation, ok := stringArg(args, "operation")
	if !ok || operation == "" {
		return errorEnvelope(models.NewError(models.KindInternal, "operation is required"))
	}

	ctx, cancel := context.WithTimeout(ctx, r.opDeadline)
	defer cancel()

	envelope, err := r.run(ctx, operation, args)
	if err != nil {
		if ctx.Err() != nil && models.KindOf(err) == models.KindInternal {
			err = models.WrapError(models.KindTimeout, err, "operation %q exceeded its deadline", operation)
		}
		return errorEnvelope(err)
	}
	return envelope
}

func (r *Router) run(ctx context.Context, operation string, args map[string]any) (*models.ResultEnvelope, error) {
	switch operation {
	case "search_tools":
		return r.searchTools(ctx, args)
	case "get_server_info":
		return r.getServerInfo(ctx, args)
	case "list_server_tools":
		return r.listServerTools(ctx, args)
	case "get_tool_details":
		return r.getToolDetails(ctx, args)
	case "list_indexed_servers":
		return r.listIndexedServers(ctx, args)
	case "manage_server":
		return r.manageServer(ctx, args)
	case "list_running_servers":
		return r.listRunningServers(ctx)
	case "execute_tool":
		return r.executeTool(ctx, args)
	case "poll_task_result":
		return r.pollTaskResult(ctx, args)
	case "cancel_task":
		return r.cancelTask(ctx, args)
	case "get_content":
		return r.getContent(ctx, args)
	default:
		return nil, models.NewError(models.KindInternal, "unknown operation %q", operation)
	}
}

func (r *Router) searchTools(ctx context.Context, args map[string]any) (*models.ResultEnvelope, error) {
	query, ok := stringArg(args, "query")
	if !ok || query == "" {
		return nil, models.NewError(models.KindInternal, "search_tools requires a query")
	}

	topK := intArg(args, "top_k", defaultTopK)
	if topK > maxTopK {
		return nil, models.NewError(models.KindInternal, "top_k must be at most %d, got %d", maxTopK, topK)
	}
	if topK < 0 {
		return nil, models.NewError(models.KindInternal, "top_k must not be negative, got %d", topK)
	}
	serverFilter, _ := stringArg(args, "server_filter")

	if topK == 0 {
		return models.InlineText(fmt.Sprintf("Found 0 results for query: %q", query)), nil
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := r.index.SearchTools(ctx, vector, topK, serverFilter)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "search failed")
	}

	envelope := &models.ResultEnvelope{}
	envelope.Parts = append(envelope.Parts, models.EnvelopePart{
		Type: models.PartInlineText,
		Text: fmt.Sprintf("Found %d results for query: %q", len(hits), query),
	})
	for _, hit := range hits {
		line, _ := json.Marshal(map[string]any{
			"server_name":          hit.Record.ServerName,
			"tool_name":            hit.Record.ToolName,
			"score":                hit.Score,
			"enriched_description": hit.Record.EnrichedDescription,
		})
		envelope.Parts = append(envelope.Parts, models.EnvelopePart{Type: models.PartInlineText, Text: string(line)})
	}
	envelope.Parts = append(envelope.Parts, guidance(
		"Use get_tool_details(server_name, tool_name) to see the full schema before execution",
		"Use execute_tool(server_name, tool_name, arguments) to run a tool",
	))
	return envelope, nil
}

func (r *Router) getServerInfo(ctx context.Context, args map[string]any) (*models.ResultEnvelope, error) {
	serverName, err := requiredString(args, "server_name")
	if err != nil {
		return nil, err
	}

	record, err := r.index.GetServer(ctx, serverName)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "failed to load server info")
	}
	if record == nil {
		return nil, models.NewError(models.KindUnknownServer, "server %q is not indexed", serverName)
	}

	tools, err := r.index.ListServerTools(ctx, serverName)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "failed to list server tools")
	}
	var blocked []string
	for _, tool := range tools {
		if tool.Blocked {
			blocked = append(blocked, tool.ToolName)
		}
	}
	sort.Strings(blocked)

	var b strings.Builder
	fmt.Fprintf(&b, "Server: %s\n", record.ServerName)
	fmt.Fprintf(&b, "Title: %s\n", record.Title)
	fmt.Fprintf(&b, "Tools: %d\n", record.ToolCount)
	if len(record.Hints) > 0 {
		fmt.Fprintf(&b, "Hints: %s\n", strings.Join(record.Hints, "; "))
	}
	if len(blocked) > 0 {
		fmt.Fprintf(&b, "Blocked tools: %s\n", strings.Join(blocked, ", "))
	}
	fmt.Fprintf(&b, "\nSummary: %s\n", record.Summary)

	envelope := models.InlineText(b.String())
	envelope.Parts = append(envelope.Parts, guidance(
		fmt.Sprintf("Use list_server_tools(%q) to see available tools", serverName),
		fmt.Sprintf("Use manage_server(%q, \"start\") to start the server for execution", serverName),
	))
	return envelope, nil
}

func (r *Router) listServerTools(ctx context.Context, args map[string]any) (*models.ResultEnvelope, error) {
	serverName, err := requiredString(args, "server_name")
	if err != nil {
		return nil, err
	}

	tools, err := r.index.ListServerTools(ctx, serverName)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "failed to list tools")
	}
	if len(tools) == 0 {
		record, err := r.index.GetServer(ctx, serverName)
		if err != nil {
			return nil, models.WrapError(models.KindInternal, err, "failed to list tools")
		}
		if record == nil {
			return nil, models.NewError(models.KindUnknownServer, "server %q is not indexed", serverName)
		}
	}

	sort.Slice(tools, func(i, j int) bool { return tools[i].ToolName < tools[j].ToolName })

	var b strings.Builder
	fmt.Fprintf(&b, "Tools available on %q (%d total):\n\n", serverName, len(tools))
	for _, tool := range tools {
		line := "- " + tool.ToolName
		if tool.OriginalDescription != "" {
			line += ": " + firstLine(tool.OriginalDescription)
		}
		if tool.Blocked {
			line += " [blocked]"
		}
		b.WriteString(line + "\n")
	}

	envelope := models.InlineText(b.String())
	envelope.Parts = append(envelope.Parts, guidance(
		fmt.Sprintf("Use get_tool_details(%q, tool_name) for the full schema", serverName),
		"Always check the schema before calling execute_tool",
	))
	return envelope, nil
}

func (r *Router) getToolDetails(ctx context.Context, args map[string]any) (*models.ResultEnvelope, error) {
	serverName, err := requiredString(args, "server_name")
	if err != nil {
		return nil, err
	}
	toolName, err := requiredString(args, "tool_name")
	if err != nil {
		return nil, err
	}

	record, err := r.index.GetTool(ctx, serverName, toolName)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "failed to load tool details")
	}
	if record == nil {
		return nil, models.NewError(models.KindUnknownTool, "tool %q is not indexed on server %q", toolName, serverName)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Tool: %s (from %s)\n\n", record.ToolName, record.ServerName)
	fmt.Fprintf(&b, "Description: %s\n\n", record.EnrichedDescription)
	fmt.Fprintf(&b, "Schema:\n%s\n", prettySchema(record.InputSchema))
	if record.Blocked {
		b.WriteString("\nThis tool is blocked and cannot be executed.\n")
	}

	envelope := models.InlineText(b.String())
	envelope.Parts = append(envelope.Parts, guidance(
		fmt.Sprintf("Execute with execute_tool(%q, %q, arguments)", serverName, toolName),
		"Provide arguments matching the schema above",
	))
	return envelope, nil
}

func (r *Router) listIndexedServers(ctx context.Context, args map[string]any) (*models.ResultEnvelope, error) {
	limit := intArg(args, "limit", 20)
	if limit < 0 {
		return nil, models.NewError(models.KindInternal, "limit must not be negative, got %d", limit)
	}
	offset := intArg(args, "offset", 0)
	if offset < 0 {
		return nil, models.NewError(models.KindInternal, "offset must not be negative, got %d", offset)
	}

	records, err := r.index.ListServers(ctx)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "failed to list indexed servers")
	}
	if len(records) == 0 {
		envelope := models.InlineText("No servers indexed yet.")
		envelope.Parts = append(envelope.Parts, guidance(
			"Run the index command to populate the server directory",
		))
		return envelope, nil
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ServerName < records[j].ServerName })

	total := len(records)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := records[offset:end]

	var b strings.Builder
	fmt.Fprintf(&b, "Indexed servers (%d total, showing %d):\n\n", total, len(page))
	for _, rec := range page {
		line := fmt.Sprintf("- %s (%d tools)", rec.ServerName, rec.ToolCount)
		if rec.Title != "" && rec.Title != rec.ServerName {
			line += ": " + rec.Title
		}
		if len(rec.Hints) > 0 {
			line += " [hints: " + strings.Join(rec.Hints, "; ") + "]"
		}
		b.WriteString(line + "\n")
	}

	envelope := models.InlineText(b.String())
	if end < total {
		envelope.Parts = append(envelope.Parts, guidance(
			fmt.Sprintf("Use list_indexed_servers(offset=%d) for the next page", end),
			"Use get_server_info(server_name) for one server's summary and hints",
		))
	} else {
		envelope.Parts = append(envelope.Parts, guidance(
			"Use get_server_info(server_name) for one server's summary and hints",
			"Use search_tools(query) to find tools across all servers",
		))
	}
	return envelope, nil
}

func (r *Router) manageServer(ctx context.Context, args map[string]any) (*models.ResultEnvelope, error) {
	serverName, err := requiredString(args, "server_name")
	if err != nil {
		return nil, err
	}
	action, err := requiredString(args, "action")
	if err != nil {
		return nil, err
	}

	switch action {
	case "start":
		state, err := r.lifecycle.Start(ctx, serverName)
		if err != nil {
			return nil, err
		}
		envelope := models.InlineText(fmt.Sprintf("Server %q is %s", serverName, state))
		envelope.Parts = append(envelope.Parts, guidance(
			fmt.Sprintf("Use list_server_tools(%q) to browse available tools", serverName),
			"Use execute_tool to run tools on this server",
		))
		return envelope, nil
	case "shutdown":
		if _, err := r.lifecycle.Shutdown(serverName); err != nil {
			return nil, err
		}
		envelope := models.InlineText(fmt.Sprintf("Server %q has been shut down", serverName))
		envelope.Parts = append(envelope.Parts, guidance(
			fmt.Sprintf("Use manage_server(%q, \"start\") to restart when needed", serverName),
		))
		return envelope, nil
	default:
		return nil, models.NewError(models.KindInternal, "invalid action %q, use \"start\" or \"shutdown\"", action)
	}
}

func (r *Router) listRunningServers(_ context.Context) (*models.ResultEnvelope, error) {
	snapshots := r.lifecycle.ListRunning()
	if len(snapshots) == 0 {
		envelope := models.InlineText("No MCP servers are currently running.")
		envelope.Parts = append(envelope.Parts, guidance(
			"Use manage_server(server_name, \"start\") to start one",
			"execute_tool starts its target server automatically",
		))
		return envelope, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Active MCP servers (%d running):\n\n", len(snapshots))
	for _, snap := range snapshots {
		fmt.Fprintf(&b, "- %s: %s, in-flight=%d, last used %s\n",
			snap.ServerName, snap.State, snap.InFlight, snap.LastUsedAt.Format(time.RFC3339))
	}
	return models.InlineText(b.String()), nil
}

func (r *Router) executeTool(ctx context.Context, args map[string]any) (*models.ResultEnvelope, error) {
	serverName, err := requiredString(args, "server_name")
	if err != nil {
		return nil, err
	}
	toolName, err := requiredString(args, "tool_name")
	if err != nil {
		return nil, err
	}
	arguments := mapArg(args, "arguments")

	// Execution policy: only indexed, unblocked tools run, checked before
	// the target server is ever started.
	record, err := r.index.GetTool(ctx, serverName, toolName)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "failed to check tool policy")
	}
	if record == nil {
		server, err := r.index.GetServer(ctx, serverName)
		if err != nil {
			return nil, models.WrapError(models.KindInternal, err, "failed to check tool policy")
		}
		if server == nil {
			return nil, models.NewError(models.KindUnknownServer, "server %q is not indexed", serverName)
		}
		return nil, models.NewError(models.KindUnknownTool, "tool %q is not indexed on server %q", toolName, serverName)
	}
	if record.Blocked {
		return nil, models.NewError(models.KindBlocked, "tool %q on server %q is blocked by configuration", toolName, serverName)
	}

	if boolArg(args, "in_background") {
		priority := intArg(args, "priority", 0)
		taskID, err := r.tasks.Submit(serverName, toolName, arguments, priority)
		if err != nil {
			return nil, err
		}
		return &models.ResultEnvelope{Parts: []models.EnvelopePart{
			{Type: models.PartInlineText, Text: fmt.Sprintf(
				"Tool %q on server %q has been queued for background execution with task ID %s.",
				toolName, serverName, taskID)},
			{Type: models.PartInlineText, Text: fmt.Sprintf(
				"Use poll_task_result(%q) to track its status and retrieve the result.", taskID)},
		}}, nil
	}

	raw, err := r.lifecycle.Execute(ctx, serverName, toolName, arguments)
	if err != nil {
		return nil, err
	}
	return r.pipeline.Process(ctx, raw)
}

func (r *Router) pollTaskResult(_ context.Context, args map[string]any) (*models.ResultEnvelope, error) {
	taskID, err := requiredString(args, "task_id")
	if err != nil {
		return nil, err
	}

	task, err := r.tasks.Poll(taskID)
	if err != nil {
		return nil, err
	}

	header := fmt.Sprintf("Task %s: %s", task.ID, task.Status)
	switch {
	case task.Status == models.TaskFailed:
		return &models.ResultEnvelope{Parts: []models.EnvelopePart{
			{Type: models.PartInlineText, Text: header},
			{Type: models.PartInlineText, Text: "ERROR: " + task.Error},
		}}, nil
	case task.Status.Terminal() && task.Result != nil:
		envelope := &models.ResultEnvelope{Parts: []models.EnvelopePart{
			{Type: models.PartInlineText, Text: header},
		}}
		envelope.Parts = append(envelope.Parts, task.Result.Parts...)
		return envelope, nil
	default:
		envelope := models.InlineText(header)
		if !task.Status.Terminal() {
			envelope.Parts = append(envelope.Parts, guidance(
				fmt.Sprintf("Check again later with poll_task_result(%q)", taskID),
			))
		}
		return envelope, nil
	}
}

func (r *Router) cancelTask(_ context.Context, args map[string]any) (*models.ResultEnvelope, error) {
	taskID, err := requiredString(args, "task_id")
	if err != nil {
		return nil, err
	}

	cancelled, err := r.tasks.Cancel(taskID)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return models.InlineText(fmt.Sprintf("Task %s is no longer queued and was not cancelled.", taskID)), nil
	}
	return models.InlineText(fmt.Sprintf("Task %s has been cancelled.", taskID)), nil
}

func (r *Router) getContent(_ context.Context, args map[string]any) (*models.ResultEnvelope, error) {
	refID, err := requiredString(args, "ref_id")
	if err != nil {
		return nil, err
	}
	chunkIndex := intArg(args, "chunk_index", 0)

	data, ref, err := r.content.Get(refID, chunkIndex)
	if err != nil {
		return nil, err
	}

	header := fmt.Sprintf("Content %s (%s), chunk %d of %d, %d bytes total",
		ref.RefID, ref.Kind, chunkIndex, ref.TotalChunks, ref.SizeBytes)
	body := string(data)
	if ref.Kind != models.KindTextChunked {
		body = base64.StdEncoding.EncodeToString(data)
		header += fmt.Sprintf(", mime %s, base64-encoded", ref.Mime)
	}

	envelope := &models.ResultEnvelope{Parts: []models.EnvelopePart{
		{Type: models.PartInlineText, Text: header},
		{Type: models.PartInlineText, Text: body},
	}}
	if ref.VisionDescription != "" {
		envelope.Parts = append(envelope.Parts, models.EnvelopePart{
			Type: models.PartInlineText,
			Text: "Vision description: " + ref.VisionDescription,
		})
	}
	return envelope, nil
}

// DirectoryText renders the live server directory embedded in the outward
// tool description, so the calling model sees what is indexed without a
// bigger static schema.
func (r *Router) DirectoryText(ctx context.Context) string {
	records, err := r.index.ListServers(ctx)
	if err != nil || len(records) == 0 {
		return "No servers indexed yet. Run the index command first."
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ServerName < records[j].ServerName })

	var b strings.Builder
	fmt.Fprintf(&b, "Indexed servers (%d):\n", len(records))
	for _, rec := range records {
		line := fmt.Sprintf("- %s (%d tools)", rec.ServerName, rec.ToolCount)
		if rec.Title != "" && rec.Title != rec.ServerName {
			line += ": " + rec.Title
		}
		if len(rec.Hints) > 0 {
			line += " [hints: " + strings.Join(rec.Hints, "; ") + "]"
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// errorEnvelope renders any failure as a single ERROR text part so the outer
// tool call itself never fails.
func errorEnvelope(err error) *models.ResultEnvelope {
	var modelErr *models.Error
	kind := models.KindOf(err)
	var msg string
	if errors.As(err, &modelErr) {
		msg = modelErr.Msg
	} else {
		// Unclassified failures get an ID so logs can be correlated.
		id := uuid.New().String()[:8]
		log.Printf("Internal error %s: %v", id, err)
		msg = fmt.Sprintf("unexpected failure (id %s)", id)
	}
	return models.InlineText(fmt.Sprintf("ERROR:%s: %s", kind, msg))
}

func guidance(lines ...string) models.EnvelopePart {
	var b strings.Builder
	b.WriteString("Next steps:\n")
	for _, line := range lines {
		b.WriteString("- " + line + "\n")
	}
	return models.EnvelopePart{Type: models.PartInlineText, Text: b.String()}
}

func prettySchema(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "(no schema)"
	}
	var buf strings.Builder
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return string(raw)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx]
	}
	return text
}

// Argument helpers. Arguments arrive as decoded JSON, so numbers are float64.

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func requiredString(args map[string]any, key string) (string, error) {
	v, ok := stringArg(args, key)
	if !ok || v == "" {
		return "", models.NewError(models.KindInternal, "%s is required and must be a string", key)
	}
	return v, nil
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func mapArg(args map[string]any, key string) map[string]any {
	if v, ok := args[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}
