// Package vectordb wraps the Qdrant gRPC client with the narrow operations
// the router and indexer need: idempotent upsert, filtered search, scroll and
// per-server deletion over a single collection.
package vectordb

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/jamaly87/mcp-router/internal/models"
)

const (
	payloadTypeServer = "server"
	payloadTypeTool   = "tool"

	scrollLimit = 4096
)

// Client wraps a Qdrant connection and one collection of tool/server points.
type Client struct {
	client     *qdrant.Client
	collection string
	dimensions int
}

// ScoredTool is one search hit.
type ScoredTool struct {
	Record models.ToolRecord
	Score  float64
}

// NewClient connects to Qdrant at addr ("host:port", scheme optional).
func NewClient(addr, collection string, dimensions int) (*Client, error) {
	host, port, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		UseTLS: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant at %s: %w", addr, err)
	}

	return &Client{
		client:     client,
		collection: collection,
		dimensions: dimensions,
	}, nil
}

func splitAddr(addr string) (string, int, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "grpc://")
	if !strings.Contains(trimmed, ":") {
		return trimmed, 6334, nil
	}
	u, err := url.Parse("grpc://" + trimmed)
	if err != nil {
		return "", 0, fmt.Errorf("invalid qdrant address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return "", 0, fmt.Errorf("invalid qdrant port in %q: %w", addr, err)
	}
	return u.Hostname(), port, nil
}

// Initialize creates the collection if it does not exist yet.
func (c *Client) Initialize(ctx context.Context) error {
	exists, err := c.client.CollectionExists(ctx, c.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = c.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: c.collection,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     uint64(c.dimensions),
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	log.Printf("Created collection %s with %d dimensions", c.collection, c.dimensions)
	return nil
}

// UpsertTool writes one tool record under its deterministic point ID.
func (c *Client) UpsertTool(ctx context.Context, rec models.ToolRecord) error {
	payload := map[string]*qdrant.Value{
		"type":                 qdrant.NewValueString(payloadTypeTool),
		"server_name":          qdrant.NewValueString(rec.ServerName),
		"tool_name":            qdrant.NewValueString(rec.ToolName),
		"original_description": qdrant.NewValueString(rec.OriginalDescription),
		"enriched_description": qdrant.NewValueString(rec.EnrichedDescription),
		"input_schema":         qdrant.NewValueString(string(rec.InputSchema)),
		"blocked":              qdrant.NewValueBool(rec.Blocked),
	}
	return c.upsert(ctx, models.ToolID(rec.ServerName, rec.ToolName), rec.Embedding, payload)
}

// UpsertServer writes the per-server summary record.
func (c *Client) UpsertServer(ctx context.Context, rec models.ServerRecord) error {
	hints, _ := json.Marshal(rec.Hints)
	payload := map[string]*qdrant.Value{
		"type":        qdrant.NewValueString(payloadTypeServer),
		"server_name": qdrant.NewValueString(rec.ServerName),
		"title":       qdrant.NewValueString(rec.Title),
		"summary":     qdrant.NewValueString(rec.Summary),
		"hints":       qdrant.NewValueString(string(hints)),
		"tool_count":  qdrant.NewValueInt(int64(rec.ToolCount)),
	}
	return c.upsert(ctx, models.ServerID(rec.ServerName), rec.Embedding, payload)
}

func (c *Client) upsert(ctx context.Context, id string, vector []float32, payload map[string]*qdrant.Value) error {
	point := &qdrant.PointStruct{
		Id: &qdrant.PointId{
			PointIdOptions: &qdrant.PointId_Uuid{Uuid: id},
		},
		Vectors: &qdrant.Vectors{
			VectorsOptions: &qdrant.Vectors_Vector{
				Vector: &qdrant.Vector{Data: vector},
			},
		},
		Payload: payload,
	}

	_, err := c.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: c.collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point %s: %w", id, err)
	}
	return nil
}

// SearchTools ranks tool records by cosine similarity against vector.
// serverFilter, when non-empty, restricts hits to one server.
func (c *Client) SearchTools(ctx context.Context, vector []float32, topK int, serverFilter string) ([]ScoredTool, error) {
	if topK <= 0 {
		return []ScoredTool{}, nil
	}

	limit := uint64(topK)
	must := []*qdrant.Condition{keywordCondition("type", payloadTypeTool)}
	if serverFilter != "" {
		must = append(must, keywordCondition("server_name", serverFilter))
	}

	results, err := c.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: c.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		Filter:         &qdrant.Filter{Must: must},
		WithPayload:    enablePayload(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]ScoredTool, 0, len(results))
	for _, result := range results {
		hits = append(hits, ScoredTool{
			Record: toolFromPayload(result.Payload),
			Score:  float64(result.Score),
		})
	}
	return hits, nil
}

// ListServerTools returns every tool record indexed for a server.
func (c *Client) ListServerTools(ctx context.Context, serverName string) ([]models.ToolRecord, error) {
	points, err := c.scroll(ctx, &qdrant.Filter{Must: []*qdrant.Condition{
		keywordCondition("type", payloadTypeTool),
		keywordCondition("server_name", serverName),
	}})
	if err != nil {
		return nil, err
	}

	records := make([]models.ToolRecord, 0, len(points))
	for _, p := range points {
		records = append(records, toolFromPayload(p.Payload))
	}
	return records, nil
}

// ListServers returns all server summary records.
func (c *Client) ListServers(ctx context.Context) ([]models.ServerRecord, error) {
	points, err := c.scroll(ctx, &qdrant.Filter{Must: []*qdrant.Condition{
		keywordCondition("type", payloadTypeServer),
	}})
	if err != nil {
		return nil, err
	}

	records := make([]models.ServerRecord, 0, len(points))
	for _, p := range points {
		records = append(records, serverFromPayload(p.Payload))
	}
	return records, nil
}

// GetTool fetches one tool record by identity, nil when absent.
func (c *Client) GetTool(ctx context.Context, serverName, toolName string) (*models.ToolRecord, error) {
	payload, err := c.getPayload(ctx, models.ToolID(serverName, toolName))
	if err != nil || payload == nil {
		return nil, err
	}
	rec := toolFromPayload(payload)
	return &rec, nil
}

// GetServer fetches the summary record for a server, nil when absent.
func (c *Client) GetServer(ctx context.Context, serverName string) (*models.ServerRecord, error) {
	payload, err := c.getPayload(ctx, models.ServerID(serverName))
	if err != nil || payload == nil {
		return nil, err
	}
	rec := serverFromPayload(payload)
	return &rec, nil
}

func (c *Client) getPayload(ctx context.Context, id string) (map[string]*qdrant.Value, error) {
	points, err := c.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: c.collection,
		Ids: []*qdrant.PointId{
			{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}},
		},
		WithPayload: enablePayload(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve point %s: %w", id, err)
	}
	if len(points) == 0 {
		return nil, nil
	}
	return points[0].Payload, nil
}

// DeleteServer removes the server summary and every tool point for a server.
func (c *Client) DeleteServer(ctx context.Context, serverName string) error {
	_, err := c.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: c.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{Must: []*qdrant.Condition{
					keywordCondition("server_name", serverName),
				}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points for server %s: %w", serverName, err)
	}
	return nil
}

// DeleteTools removes specific tool points, used to drop records for tools
// that no longer exist upstream.
func (c *Client) DeleteTools(ctx context.Context, serverName string, toolNames []string) error {
	if len(toolNames) == 0 {
		return nil
	}

	ids := make([]*qdrant.PointId, len(toolNames))
	for i, name := range toolNames {
		ids[i] = &qdrant.PointId{
			PointIdOptions: &qdrant.PointId_Uuid{Uuid: models.ToolID(serverName, name)},
		}
	}

	_, err := c.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: c.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: ids},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete stale tools for server %s: %w", serverName, err)
	}
	return nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Client) scroll(ctx context.Context, filter *qdrant.Filter) ([]*qdrant.RetrievedPoint, error) {
	limit := uint32(scrollLimit)
	points, err := c.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: c.collection,
		Filter:         filter,
		Limit:          &limit,
		WithPayload:    enablePayload(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scroll: %w", err)
	}
	return points, nil
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func enablePayload() *qdrant.WithPayloadSelector {
	return &qdrant.WithPayloadSelector{
		SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
	}
}

func toolFromPayload(payload map[string]*qdrant.Value) models.ToolRecord {
	return models.ToolRecord{
		ServerName:          payload["server_name"].GetStringValue(),
		ToolName:            payload["tool_name"].GetStringValue(),
		OriginalDescription: payload["original_description"].GetStringValue(),
		EnrichedDescription: payload["enriched_description"].GetStringValue(),
		InputSchema:         json.RawMessage(payload["input_schema"].GetStringValue()),
		Blocked:             payload["blocked"].GetBoolValue(),
	}
}

func serverFromPayload(payload map[string]*qdrant.Value) models.ServerRecord {
	var hints []string
	if raw := payload["hints"].GetStringValue(); raw != "" {
		_ = json.Unmarshal([]byte(raw), &hints)
	}
	return models.ServerRecord{
		ServerName: payload["server_name"].GetStringValue(),
		Title:      payload["title"].GetStringValue(),
		Summary:    payload["summary"].GetStringValue(),
		Hints:      hints,
		ToolCount:  int(payload["tool_count"].GetIntegerValue()),
	}
}
