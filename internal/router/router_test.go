package router

import (
	"context"
	"strings"
	"testing"

	"github.com/jamaly87/mcp-router/internal/models"
	"github.com/jamaly87/mcp-router/internal/vectordb"
)

type fakeIndex struct {
	servers map[string]*models.ServerRecord
	tools   map[string]*models.ToolRecord
	hits    []vectordb.ScoredTool

	lastTopK   int
	lastFilter string
}

func toolKey(server, tool string) string { return server + "/" + tool }

func (f *fakeIndex) SearchTools(ctx context.Context, vector []float32, topK int, serverFilter string) ([]vectordb.ScoredTool, error) {
	f.lastTopK = topK
	f.lastFilter = serverFilter
	return f.hits, nil
}

func (f *fakeIndex) ListServerTools(ctx context.Context, serverName string) ([]models.ToolRecord, error) {
	var out []models.ToolRecord
	for _, rec := range f.tools {
		if rec.ServerName == serverName {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeIndex) GetTool(ctx context.Context, serverName, toolName string) (*models.ToolRecord, error) {
	return f.tools[toolKey(serverName, toolName)], nil
}

func (f *fakeIndex) GetServer(ctx context.Context, serverName string) (*models.ServerRecord, error) {
	return f.servers[serverName], nil
}

func (f *fakeIndex) ListServers(ctx context.Context) ([]models.ServerRecord, error) {
	var out []models.ServerRecord
	for _, rec := range f.servers {
		out = append(out, *rec)
	}
	return out, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, 4), nil
}
func (fakeEmbedder) Dimensions() int { return 4 }

type fakeLifecycle struct {
	running  []models.ServerSnapshot
	executed []string
	startErr error
	raw      []models.RawContentPart
}

func (f *fakeLifecycle) Start(ctx context.Context, serverName string) (models.ServerState, error) {
	if f.startErr != nil {
		return models.StateFailed, f.startErr
	}
	return models.StateReady, nil
}

func (f *fakeLifecycle) Shutdown(serverName string) (models.ServerState, error) {
	return models.StateStopping, nil
}

func (f *fakeLifecycle) ListRunning() []models.ServerSnapshot { return f.running }

func (f *fakeLifecycle) Execute(ctx context.Context, serverName, toolName string, args map[string]any) ([]models.RawContentPart, error) {
	f.executed = append(f.executed, toolKey(serverName, toolName))
	return f.raw, nil
}

type fakeTasks struct {
	submitted []string
	task      *models.Task
	submitErr error
}

func (f *fakeTasks) Submit(serverName, toolName string, args map[string]any, priority int) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, toolKey(serverName, toolName))
	return "task-123", nil
}

func (f *fakeTasks) Poll(taskID string) (*models.Task, error) {
	if f.task == nil {
		return nil, models.NewError(models.KindNotFound, "no task with ID %s", taskID)
	}
	return f.task, nil
}

func (f *fakeTasks) Cancel(taskID string) (bool, error) {
	return f.task != nil && f.task.Status == models.TaskQueued, nil
}

type fakeContent struct {
	data []byte
	ref  *models.ContentRef
}

func (f *fakeContent) Get(refID string, chunkIndex int) ([]byte, *models.ContentRef, error) {
	if f.ref == nil {
		return nil, nil, models.NewError(models.KindNotFound, "no content with ref %s", refID)
	}
	return f.data, f.ref, nil
}

type passthroughPipeline struct{}

func (passthroughPipeline) Process(ctx context.Context, raw []models.RawContentPart) (*models.ResultEnvelope, error) {
	envelope := &models.ResultEnvelope{}
	for _, part := range raw {
		envelope.Parts = append(envelope.Parts, models.EnvelopePart{Type: models.PartInlineText, Text: part.Text})
	}
	return envelope, nil
}

func newTestRouter(index *fakeIndex, lifecycle *fakeLifecycle, tasks *fakeTasks, content *fakeContent) *Router {
	if index == nil {
		index = &fakeIndex{servers: map[string]*models.ServerRecord{}, tools: map[string]*models.ToolRecord{}}
	}
	if lifecycle == nil {
		lifecycle = &fakeLifecycle{}
	}
	if tasks == nil {
		tasks = &fakeTasks{}
	}
	if content == nil {
		content = &fakeContent{}
	}
	return New(index, fakeEmbedder{}, lifecycle, tasks, content, passthroughPipeline{})
}

func allText(envelope *models.ResultEnvelope) string {
	var b strings.Builder
	for _, part := range envelope.Parts {
		b.WriteString(part.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func TestDispatchValidation(t *testing.T) {
	router := newTestRouter(nil, nil, nil, nil)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing operation", map[string]any{}, "ERROR:INTERNAL"},
		{"unknown operation", map[string]any{"operation": "fly"}, "ERROR:INTERNAL"},
		{"search without query", map[string]any{"operation": "search_tools"}, "ERROR:INTERNAL"},
		{"top_k too large", map[string]any{"operation": "search_tools", "query": "q", "top_k": float64(51)}, "ERROR:INTERNAL"},
		{"negative top_k", map[string]any{"operation": "search_tools", "query": "q", "top_k": float64(-1)}, "ERROR:INTERNAL"},
		{"server info without name", map[string]any{"operation": "get_server_info"}, "ERROR:INTERNAL"},
		{"manage without action", map[string]any{"operation": "manage_server", "server_name": "files"}, "ERROR:INTERNAL"},
		{"negative limit", map[string]any{"operation": "list_indexed_servers", "limit": float64(-1)}, "ERROR:INTERNAL"},
		{"negative offset", map[string]any{"operation": "list_indexed_servers", "offset": float64(-2)}, "ERROR:INTERNAL"},
		{"manage invalid action", map[string]any{"operation": "manage_server", "server_name": "files", "action": "reboot"}, "ERROR:INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelope := router.Dispatch(context.Background(), tt.args)
			if len(envelope.Parts) != 1 {
				t.Fatalf("got %d parts, want 1", len(envelope.Parts))
			}
			if !strings.HasPrefix(envelope.Parts[0].Text, tt.want) {
				t.Errorf("text = %q, want prefix %q", envelope.Parts[0].Text, tt.want)
			}
		})
	}
}

func TestSearchTools(t *testing.T) {
	index := &fakeIndex{
		servers: map[string]*models.ServerRecord{},
		tools:   map[string]*models.ToolRecord{},
		hits: []vectordb.ScoredTool{
			{Score: 0.92, Record: models.ToolRecord{ServerName: "files", ToolName: "read_file", EnrichedDescription: "Reads files"}},
			{Score: 0.71, Record: models.ToolRecord{ServerName: "files", ToolName: "write_file", EnrichedDescription: "Writes files"}},
		},
	}
	router := newTestRouter(index, nil, nil, nil)

	envelope := router.Dispatch(context.Background(), map[string]any{
		"operation": "search_tools",
		"query":     "read a file",
	})

	text := allText(envelope)
	if !strings.Contains(text, "Found 2 results") {
		t.Errorf("missing result header:\n%s", text)
	}
	if !strings.Contains(text, "read_file") || !strings.Contains(text, "write_file") {
		t.Errorf("missing hits:\n%s", text)
	}
	if !strings.Contains(text, "Next steps:") {
		t.Errorf("missing guidance:\n%s", text)
	}
	if index.lastTopK != 5 {
		t.Errorf("default top_k = %d, want 5", index.lastTopK)
	}
}

func TestSearchToolsZeroTopK(t *testing.T) {
	index := &fakeIndex{
		servers: map[string]*models.ServerRecord{},
		tools:   map[string]*models.ToolRecord{},
		hits:    []vectordb.ScoredTool{{Record: models.ToolRecord{ToolName: "x"}}},
	}
	router := newTestRouter(index, nil, nil, nil)
	index.lastTopK = -1 // sentinel, flips if the index is queried

	envelope := router.Dispatch(context.Background(), map[string]any{
		"operation": "search_tools",
		"query":     "anything",
		"top_k":     float64(0),
	})

	if !strings.Contains(allText(envelope), "Found 0 results") {
		t.Errorf("top_k=0 must return an empty result set:\n%s", allText(envelope))
	}
	if index.lastTopK != -1 {
		t.Error("search must not hit the index when top_k is 0")
	}
}

func TestSearchToolsServerFilter(t *testing.T) {
	index := &fakeIndex{servers: map[string]*models.ServerRecord{}, tools: map[string]*models.ToolRecord{}}
	router := newTestRouter(index, nil, nil, nil)

	router.Dispatch(context.Background(), map[string]any{
		"operation":     "search_tools",
		"query":         "q",
		"server_filter": "files",
	})
	if index.lastFilter != "files" {
		t.Errorf("server filter = %q, want files", index.lastFilter)
	}
}

func TestGetServerInfo(t *testing.T) {
	index := &fakeIndex{
		servers: map[string]*models.ServerRecord{
			"files": {ServerName: "files", Title: "File tools", Summary: "Filesystem access", ToolCount: 2, Hints: []string{"local disk"}},
		},
		tools: map[string]*models.ToolRecord{
			toolKey("files", "read_file"):   {ServerName: "files", ToolName: "read_file"},
			toolKey("files", "delete_file"): {ServerName: "files", ToolName: "delete_file", Blocked: true},
		},
	}
	router := newTestRouter(index, nil, nil, nil)

	envelope := router.Dispatch(context.Background(), map[string]any{
		"operation":   "get_server_info",
		"server_name": "files",
	})

	text := allText(envelope)
	for _, want := range []string{"Server: files", "Title: File tools", "Tools: 2", "local disk", "Blocked tools: delete_file", "Filesystem access"} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q:\n%s", want, text)
		}
	}
}

func TestGetServerInfoUnknown(t *testing.T) {
	router := newTestRouter(nil, nil, nil, nil)
	envelope := router.Dispatch(context.Background(), map[string]any{
		"operation":   "get_server_info",
		"server_name": "nope",
	})
	if !strings.HasPrefix(envelope.Parts[0].Text, "ERROR:UNKNOWN_SERVER") {
		t.Errorf("text = %q, want UNKNOWN_SERVER error", envelope.Parts[0].Text)
	}
}

func TestGetToolDetails(t *testing.T) {
	index := &fakeIndex{
		servers: map[string]*models.ServerRecord{},
		tools: map[string]*models.ToolRecord{
			toolKey("files", "read_file"): {
				ServerName:          "files",
				ToolName:            "read_file",
				EnrichedDescription: "Reads a file from the local disk",
				InputSchema:         []byte(`{"properties":{"path":{"type":"string"}}}`),
			},
		},
	}
	router := newTestRouter(index, nil, nil, nil)

	envelope := router.Dispatch(context.Background(), map[string]any{
		"operation":   "get_tool_details",
		"server_name": "files",
		"tool_name":   "read_file",
	})

	text := allText(envelope)
	for _, want := range []string{"Tool: read_file", "Reads a file", `"path"`} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q:\n%s", want, text)
		}
	}
}

func TestExecuteToolPolicy(t *testing.T) {
	index := &fakeIndex{
		servers: map[string]*models.ServerRecord{
			"files": {ServerName: "files"},
		},
		tools: map[string]*models.ToolRecord{
			toolKey("files", "read_file"):   {ServerName: "files", ToolName: "read_file"},
			toolKey("files", "delete_file"): {ServerName: "files", ToolName: "delete_file", Blocked: true},
		},
	}
	lifecycle := &fakeLifecycle{raw: []models.RawContentPart{{Type: "text", Text: "contents"}}}
	router := newTestRouter(index, lifecycle, nil, nil)

	tests := []struct {
		name   string
		server string
		tool   string
		want   string
	}{
		{"unknown server", "nope", "read_file", "ERROR:UNKNOWN_SERVER"},
		{"unknown tool", "files", "nope", "ERROR:UNKNOWN_TOOL"},
		{"blocked tool", "files", "delete_file", "ERROR:BLOCKED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelope := router.Dispatch(context.Background(), map[string]any{
				"operation":   "execute_tool",
				"server_name": tt.server,
				"tool_name":   tt.tool,
			})
			if !strings.HasPrefix(envelope.Parts[0].Text, tt.want) {
				t.Errorf("text = %q, want prefix %q", envelope.Parts[0].Text, tt.want)
			}
		})
	}
	if len(lifecycle.executed) != 0 {
		t.Errorf("rejected calls must never reach the server, executed = %v", lifecycle.executed)
	}
}

func TestExecuteToolSync(t *testing.T) {
	index := &fakeIndex{
		servers: map[string]*models.ServerRecord{"files": {ServerName: "files"}},
		tools: map[string]*models.ToolRecord{
			toolKey("files", "read_file"): {ServerName: "files", ToolName: "read_file"},
		},
	}
	lifecycle := &fakeLifecycle{raw: []models.RawContentPart{{Type: "text", Text: "file contents"}}}
	router := newTestRouter(index, lifecycle, nil, nil)

	envelope := router.Dispatch(context.Background(), map[string]any{
		"operation":   "execute_tool",
		"server_name": "files",
		"tool_name":   "read_file",
		"arguments":   map[string]any{"path": "/tmp/x"},
	})

	if len(lifecycle.executed) != 1 {
		t.Fatalf("executed = %v, want one call", lifecycle.executed)
	}
	if envelope.Parts[0].Text != "file contents" {
		t.Errorf("result = %q", envelope.Parts[0].Text)
	}
}

func TestExecuteToolBackground(t *testing.T) {
	index := &fakeIndex{
		servers: map[string]*models.ServerRecord{"files": {ServerName: "files"}},
		tools: map[string]*models.ToolRecord{
			toolKey("files", "read_file"): {ServerName: "files", ToolName: "read_file"},
		},
	}
	lifecycle := &fakeLifecycle{}
	tasks := &fakeTasks{}
	router := newTestRouter(index, lifecycle, tasks, nil)

	envelope := router.Dispatch(context.Background(), map[string]any{
		"operation":     "execute_tool",
		"server_name":   "files",
		"tool_name":     "read_file",
		"in_background": true,
		"priority":      float64(5),
	})

	if len(envelope.Parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(envelope.Parts))
	}
	if !strings.Contains(envelope.Parts[0].Text, "task-123") {
		t.Errorf("first part missing task ID: %q", envelope.Parts[0].Text)
	}
	if !strings.Contains(envelope.Parts[1].Text, "poll_task_result") {
		t.Errorf("second part missing polling hint: %q", envelope.Parts[1].Text)
	}
	if len(lifecycle.executed) != 0 {
		t.Error("background submit must not execute synchronously")
	}
	if len(tasks.submitted) != 1 {
		t.Errorf("submitted = %v, want one task", tasks.submitted)
	}
}

func TestPollTaskResult(t *testing.T) {
	tests := []struct {
		name string
		task *models.Task
		want []string
	}{
		{
			"queued",
			&models.Task{ID: "t1", Status: models.TaskQueued},
			[]string{"Task t1: QUEUED", "poll_task_result"},
		},
		{
			"succeeded",
			&models.Task{ID: "t2", Status: models.TaskSucceeded, Result: models.InlineText("the answer")},
			[]string{"Task t2: SUCCEEDED", "the answer"},
		},
		{
			"failed",
			&models.Task{ID: "t3", Status: models.TaskFailed, Error: "TIMEOUT: call timed out"},
			[]string{"Task t3: FAILED", "TIMEOUT"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(nil, nil, &fakeTasks{task: tt.task}, nil)
			envelope := router.Dispatch(context.Background(), map[string]any{
				"operation": "poll_task_result",
				"task_id":   tt.task.ID,
			})
			text := allText(envelope)
			for _, want := range tt.want {
				if !strings.Contains(text, want) {
					t.Errorf("missing %q:\n%s", want, text)
				}
			}
		})
	}
}

func TestPollUnknownTask(t *testing.T) {
	router := newTestRouter(nil, nil, &fakeTasks{}, nil)
	envelope := router.Dispatch(context.Background(), map[string]any{
		"operation": "poll_task_result",
		"task_id":   "missing",
	})
	if !strings.HasPrefix(envelope.Parts[0].Text, "ERROR:NOT_FOUND") {
		t.Errorf("text = %q, want NOT_FOUND error", envelope.Parts[0].Text)
	}
}

func TestGetContent(t *testing.T) {
	content := &fakeContent{
		data: []byte("chunk body"),
		ref: &models.ContentRef{
			RefID:       "ref-1",
			Kind:        models.KindTextChunked,
			TotalChunks: 3,
			SizeBytes:   1000,
		},
	}
	router := newTestRouter(nil, nil, nil, content)

	envelope := router.Dispatch(context.Background(), map[string]any{
		"operation":   "get_content",
		"ref_id":      "ref-1",
		"chunk_index": float64(1),
	})

	text := allText(envelope)
	if !strings.Contains(text, "chunk 1 of 3") {
		t.Errorf("missing chunk header:\n%s", text)
	}
	if !strings.Contains(text, "chunk body") {
		t.Errorf("missing chunk body:\n%s", text)
	}
}

func TestGetContentBinaryIsBase64(t *testing.T) {
	content := &fakeContent{
		data: []byte{0x00, 0x01, 0x02},
		ref: &models.ContentRef{
			RefID:             "ref-2",
			Kind:              models.KindImage,
			TotalChunks:       1,
			Mime:              "image/png",
			VisionDescription: "a tiny gradient",
		},
	}
	router := newTestRouter(nil, nil, nil, content)

	envelope := router.Dispatch(context.Background(), map[string]any{
		"operation": "get_content",
		"ref_id":    "ref-2",
	})

	text := allText(envelope)
	if !strings.Contains(text, "base64-encoded") {
		t.Errorf("binary content must note base64 encoding:\n%s", text)
	}
	if !strings.Contains(text, "AAEC") {
		t.Errorf("missing base64 payload:\n%s", text)
	}
	if !strings.Contains(text, "a tiny gradient") {
		t.Errorf("missing vision description:\n%s", text)
	}
}

func TestManageServer(t *testing.T) {
	router := newTestRouter(nil, &fakeLifecycle{}, nil, nil)

	envelope := router.Dispatch(context.Background(), map[string]any{
		"operation":   "manage_server",
		"server_name": "files",
		"action":      "start",
	})
	if !strings.Contains(allText(envelope), "READY") {
		t.Errorf("start output:\n%s", allText(envelope))
	}

	envelope = router.Dispatch(context.Background(), map[string]any{
		"operation":   "manage_server",
		"server_name": "files",
		"action":      "shutdown",
	})
	if !strings.Contains(allText(envelope), "shut down") {
		t.Errorf("shutdown output:\n%s", allText(envelope))
	}
}

func TestListRunningServers(t *testing.T) {
	lifecycle := &fakeLifecycle{running: []models.ServerSnapshot{
		{ServerName: "files", State: models.StateReady, InFlight: 2},
	}}
	router := newTestRouter(nil, lifecycle, nil, nil)

	envelope := router.Dispatch(context.Background(), map[string]any{"operation": "list_running_servers"})
	text := allText(envelope)
	if !strings.Contains(text, "files") || !strings.Contains(text, "in-flight=2") {
		t.Errorf("listing output:\n%s", text)
	}

	lifecycle.running = nil
	envelope = router.Dispatch(context.Background(), map[string]any{"operation": "list_running_servers"})
	if !strings.Contains(allText(envelope), "No MCP servers are currently running") {
		t.Errorf("empty listing output:\n%s", allText(envelope))
	}
}

func TestListIndexedServers(t *testing.T) {
	index := &fakeIndex{
		servers: map[string]*models.ServerRecord{
			"files":  {ServerName: "files", ToolCount: 3, Hints: []string{"local disk"}},
			"github": {ServerName: "github", Title: "GitHub API", ToolCount: 12},
			"sql":    {ServerName: "sql", ToolCount: 5},
		},
		tools: map[string]*models.ToolRecord{},
	}
	router := newTestRouter(index, nil, nil, nil)

	envelope := router.Dispatch(context.Background(), map[string]any{"operation": "list_indexed_servers"})
	text := allText(envelope)
	for _, want := range []string{
		"Indexed servers (3 total, showing 3)",
		"files (3 tools)",
		"github (12 tools): GitHub API",
		"local disk",
		"sql (5 tools)",
		"get_server_info",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q:\n%s", want, text)
		}
	}
}

func TestListIndexedServersPagination(t *testing.T) {
	index := &fakeIndex{
		servers: map[string]*models.ServerRecord{
			"alpha": {ServerName: "alpha", ToolCount: 1},
			"beta":  {ServerName: "beta", ToolCount: 2},
			"gamma": {ServerName: "gamma", ToolCount: 3},
		},
		tools: map[string]*models.ToolRecord{},
	}
	router := newTestRouter(index, nil, nil, nil)

	envelope := router.Dispatch(context.Background(), map[string]any{
		"operation": "list_indexed_servers", "limit": float64(2),
	})
	text := allText(envelope)
	if !strings.Contains(text, "alpha") || !strings.Contains(text, "beta") {
		t.Errorf("first page missing entries:\n%s", text)
	}
	if strings.Contains(text, "gamma") {
		t.Errorf("first page leaked past the limit:\n%s", text)
	}
	if !strings.Contains(text, "list_indexed_servers(offset=2)") {
		t.Errorf("first page missing next-page hint:\n%s", text)
	}

	envelope = router.Dispatch(context.Background(), map[string]any{
		"operation": "list_indexed_servers", "limit": float64(2), "offset": float64(2),
	})
	text = allText(envelope)
	if !strings.Contains(text, "gamma") || strings.Contains(text, "beta") {
		t.Errorf("second page wrong:\n%s", text)
	}

	// An offset past the end yields an empty page, not an error.
	envelope = router.Dispatch(context.Background(), map[string]any{
		"operation": "list_indexed_servers", "offset": float64(10),
	})
	if !strings.Contains(allText(envelope), "showing 0") {
		t.Errorf("out-of-range offset output:\n%s", allText(envelope))
	}
}

func TestListIndexedServersEmpty(t *testing.T) {
	router := newTestRouter(nil, nil, nil, nil)

	envelope := router.Dispatch(context.Background(), map[string]any{"operation": "list_indexed_servers"})
	if !strings.Contains(allText(envelope), "No servers indexed yet") {
		t.Errorf("empty directory output:\n%s", allText(envelope))
	}
}

func TestDirectoryText(t *testing.T) {
	index := &fakeIndex{
		servers: map[string]*models.ServerRecord{
			"files":  {ServerName: "files", ToolCount: 3, Hints: []string{"local disk"}},
			"github": {ServerName: "github", Title: "GitHub API", ToolCount: 12},
		},
		tools: map[string]*models.ToolRecord{},
	}
	router := newTestRouter(index, nil, nil, nil)

	text := router.DirectoryText(context.Background())
	for _, want := range []string{"Indexed servers (2)", "files (3 tools)", "github (12 tools): GitHub API", "local disk"} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q:\n%s", want, text)
		}
	}

	empty := newTestRouter(nil, nil, nil, nil)
	if !strings.Contains(empty.DirectoryText(context.Background()), "No servers indexed yet") {
		t.Error("empty index should produce the bootstrap hint")
	}
}
