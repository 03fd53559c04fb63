package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ToolRecord is one indexed tool as stored in the vector collection.
// Identity is (ServerName, ToolName); the point ID is derived from it.
type ToolRecord struct {
	ServerName          string          `json:"server_name"`
	ToolName            string          `json:"tool_name"`
	OriginalDescription string          `json:"original_description"`
	InputSchema         json.RawMessage `json:"input_schema"`
	EnrichedDescription string          `json:"enriched_description"`
	Embedding           []float32       `json:"embedding,omitempty"`
	Blocked             bool            `json:"blocked"`
}

// ServerRecord is the per-server summary point stored alongside the tools.
type ServerRecord struct {
	ServerName string    `json:"server_name"`
	Title      string    `json:"title"`
	Summary    string    `json:"summary"`
	Hints      []string  `json:"hints,omitempty"`
	ToolCount  int       `json:"tool_count"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// ToolID returns the deterministic point ID for a tool, stable across reindex runs.
func ToolID(serverName, toolName string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(serverName+"::"+toolName)).String()
}

// ServerID returns the deterministic point ID for a server summary record.
func ServerID(serverName string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(serverName)).String()
}

// ToolSpec is what an upstream server reports for one of its tools.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ServerState tracks the lifecycle of a running upstream session.
type ServerState string

const (
	StateStarting ServerState = "STARTING"
	StateReady    ServerState = "READY"
	StateStopping ServerState = "STOPPING"
	StateFailed   ServerState = "FAILED"
)

// ServerSnapshot is a point-in-time view of one running server.
type ServerSnapshot struct {
	ServerName string      `json:"server_name"`
	State      ServerState `json:"state"`
	StartedAt  time.Time   `json:"started_at"`
	LastUsedAt time.Time   `json:"last_used_at"`
	InFlight   int         `json:"in_flight"`
}

// TaskStatus is the lifecycle status of a background execution.
// A task only ever moves forward through QUEUED -> RUNNING -> terminal.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Task is a background tool execution record.
type Task struct {
	ID          string          `json:"task_id"`
	ServerName  string          `json:"server_name"`
	ToolName    string          `json:"tool_name"`
	Arguments   map[string]any  `json:"arguments,omitempty"`
	Priority    int             `json:"priority"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Status      TaskStatus      `json:"status"`
	Result      *ResultEnvelope `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ContentKind classifies an offloaded payload.
type ContentKind string

const (
	KindTextChunked ContentKind = "TEXT_CHUNKED"
	KindImage       ContentKind = "IMAGE"
	KindAudio       ContentKind = "AUDIO"
	KindBinary      ContentKind = "BINARY"
)

// ContentRef points at an offloaded payload in the content store.
// Immutable once published.
type ContentRef struct {
	RefID             string      `json:"ref_id"`
	Kind              ContentKind `json:"kind"`
	TotalChunks       int         `json:"total_chunks"`
	Mime              string      `json:"mime,omitempty"`
	SizeBytes         int64       `json:"size_bytes"`
	VisionDescription string      `json:"vision_description,omitempty"`
	CallID            string      `json:"call_id,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

// PartType discriminates envelope parts.
type PartType string

const (
	PartInlineText PartType = "inline_text"
	PartRefPreview PartType = "content_ref_preview"
)

// EnvelopePart is one ordered element of a ResultEnvelope.
type EnvelopePart struct {
	Type PartType `json:"type"`

	// inline_text
	Text string `json:"text,omitempty"`

	// content_ref_preview
	RefID       string      `json:"ref_id,omitempty"`
	Kind        ContentKind `json:"kind,omitempty"`
	Preview     string      `json:"preview,omitempty"`
	TotalChunks int         `json:"total_chunks,omitempty"`
	Mime        string      `json:"mime,omitempty"`
}

// ResultEnvelope is what a tool execution returns to the calling model:
// inline text and/or previews of offloaded content, in upstream part order.
type ResultEnvelope struct {
	Parts []EnvelopePart `json:"parts"`
}

// InlineText builds a single-part inline text envelope.
func InlineText(text string) *ResultEnvelope {
	return &ResultEnvelope{Parts: []EnvelopePart{{Type: PartInlineText, Text: text}}}
}

// RawContentPart is one part of a raw upstream tool result before processing.
type RawContentPart struct {
	Type string `json:"type"` // "text", "image", "audio" or "resource"
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"` // base64 for image/audio
	Mime string `json:"mimeType,omitempty"`
}

// EstimateTokens approximates the token count of a text with the
// 4-chars-per-token heuristic used for the offload decision.
func EstimateTokens(text string) int {
	return len(text) / 4
}
