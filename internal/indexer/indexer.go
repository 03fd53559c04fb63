// Package indexer builds the semantic index: it opens a temporary session to
// each configured server, enriches every tool description through the
// describer, embeds it and upserts the records into the vector collection.
package indexer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jamaly87/mcp-router/internal/llm"
	"github.com/jamaly87/mcp-router/internal/mcpclient"
	"github.com/jamaly87/mcp-router/internal/models"
	"github.com/jamaly87/mcp-router/pkg/config"
)

// VectorIndex is the slice of the vector store the indexer writes to.
type VectorIndex interface {
	GetServer(ctx context.Context, serverName string) (*models.ServerRecord, error)
	ListServers(ctx context.Context) ([]models.ServerRecord, error)
	ListServerTools(ctx context.Context, serverName string) ([]models.ToolRecord, error)
	UpsertTool(ctx context.Context, rec models.ToolRecord) error
	UpsertServer(ctx context.Context, rec models.ServerRecord) error
	DeleteTools(ctx context.Context, serverName string, toolNames []string) error
	DeleteServer(ctx context.Context, serverName string) error
}

// ListToolsFunc opens a short-lived session to a server and returns its tools.
type ListToolsFunc func(ctx context.Context, cfg *config.ServerConfig) ([]models.ToolSpec, error)

// DefaultListTools spawns the real server, lists its tools and shuts it down.
func DefaultListTools(ctx context.Context, cfg *config.ServerConfig) ([]models.ToolSpec, error) {
	client, err := mcpclient.Start(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Shutdown() }()
	return client.ListTools(ctx)
}

// Report summarizes one indexing run.
type Report struct {
	Indexed []string
	Skipped []string
	Pruned  []string
	Failed  map[string]error
}

// PartialFailure reports whether some servers indexed and some failed.
func (r *Report) PartialFailure() bool {
	return len(r.Failed) > 0
}

// Indexer drives the enrichment pipeline.
type Indexer struct {
	index     VectorIndex
	embedder  llm.Embedder
	describer llm.Describer // nil disables enrichment, raw documents are used
	listTools ListToolsFunc

	serverLimit int
	toolLimit   int
}

// New builds an indexer. listTools defaults to spawning real sessions.
func New(index VectorIndex, embedder llm.Embedder, describer llm.Describer, listTools ListToolsFunc, serverLimit, toolLimit int) *Indexer {
	if listTools == nil {
		listTools = DefaultListTools
	}
	if serverLimit <= 0 {
		serverLimit = 3
	}
	if toolLimit <= 0 {
		toolLimit = 8
	}
	return &Indexer{
		index:       index,
		embedder:    embedder,
		describer:   describer,
		listTools:   listTools,
		serverLimit: serverLimit,
		toolLimit:   toolLimit,
	}
}

// Index processes every non-ignored server. Servers already indexed are
// skipped unless their config sets overwrite or force is given. Per-server
// failures do not abort the run; they are collected in the report.
func (ix *Indexer) Index(ctx context.Context, servers *config.ServersConfig, force bool) *Report {
	report := &Report{Failed: make(map[string]error)}

	names := make([]string, 0, len(servers.Servers))
	for name := range servers.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(ix.serverLimit)

	for _, name := range names {
		cfg := servers.Servers[name]
		if cfg.Ignore {
			log.Printf("Skipping ignored server %q", name)
			continue
		}
		group.Go(func() error {
			skipped, err := ix.indexServer(groupCtx, cfg, force)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				log.Printf("Failed to index server %q: %v", cfg.Name, err)
				report.Failed[cfg.Name] = err
			case skipped:
				report.Skipped = append(report.Skipped, cfg.Name)
			default:
				report.Indexed = append(report.Indexed, cfg.Name)
			}
			return nil // per-server errors never abort sibling servers
		})
	}
	_ = group.Wait()

	report.Pruned = ix.pruneRemoved(ctx, servers)

	log.Printf("Indexing run complete: %d indexed, %d skipped, %d pruned, %d failed",
		len(report.Indexed), len(report.Skipped), len(report.Pruned), len(report.Failed))
	return report
}

// pruneRemoved deletes index records for servers that are no longer in the
// config at all. Ignored servers keep their records.
func (ix *Indexer) pruneRemoved(ctx context.Context, servers *config.ServersConfig) []string {
	indexed, err := ix.index.ListServers(ctx)
	if err != nil {
		log.Printf("Failed to list indexed servers for pruning: %v", err)
		return nil
	}

	var pruned []string
	for _, rec := range indexed {
		if _, ok := servers.Get(rec.ServerName); ok {
			continue
		}
		if err := ix.index.DeleteServer(ctx, rec.ServerName); err != nil {
			log.Printf("Failed to prune removed server %q: %v", rec.ServerName, err)
			continue
		}
		log.Printf("Pruned index records for removed server %q", rec.ServerName)
		pruned = append(pruned, rec.ServerName)
	}
	sort.Strings(pruned)
	return pruned
}

// indexServer handles a single server; returns skipped=true when the existing
// index is kept as-is.
func (ix *Indexer) indexServer(ctx context.Context, cfg *config.ServerConfig, force bool) (bool, error) {
	existing, err := ix.index.GetServer(ctx, cfg.Name)
	if err != nil {
		return false, fmt.Errorf("failed to check existing index: %w", err)
	}
	if existing != nil && !cfg.Overwrite && !force {
		log.Printf("Server %q already indexed, skipping", cfg.Name)
		return true, nil
	}

	specs, err := ix.listTools(ctx, cfg)
	if err != nil {
		return false, fmt.Errorf("failed to enumerate tools: %w", err)
	}
	log.Printf("Indexing %d tools from server %q", len(specs), cfg.Name)

	// Per-tool failures skip the tool and keep going; the rest of the
	// server's tools still index.
	var (
		failedMu sync.Mutex
		failed   []string
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(ix.toolLimit)
	for _, spec := range specs {
		group.Go(func() error {
			if err := ix.indexTool(groupCtx, cfg, spec); err != nil {
				log.Printf("Skipping tool %s/%s: %v", cfg.Name, spec.Name, err)
				failedMu.Lock()
				failed = append(failed, spec.Name)
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	if len(failed) == len(specs) && len(specs) > 0 {
		return false, models.NewError(models.KindUpstreamLLMError,
			"all %d tools of server %q failed to index", len(specs), cfg.Name)
	}

	if err := ix.dropStaleTools(ctx, cfg.Name, specs); err != nil {
		return false, err
	}
	if err := ix.upsertServerRecord(ctx, cfg, specs); err != nil {
		return false, err
	}
	return false, nil
}

func (ix *Indexer) indexTool(ctx context.Context, cfg *config.ServerConfig, spec models.ToolSpec) error {
	document := BuildToolDocument(cfg, spec)

	enriched := document
	if ix.describer != nil {
		described, err := ix.describer.Describe(ctx, document)
		if err != nil {
			// Enrichment is best-effort; the raw document still indexes fine.
			log.Printf("Describer failed for %s/%s, using raw document: %v", cfg.Name, spec.Name, err)
		} else {
			enriched = described
		}
	}
	if strings.TrimSpace(enriched) == "" {
		enriched = fmt.Sprintf("Tool %s on server %s", spec.Name, cfg.Name)
	}

	vector, err := ix.embedder.Embed(ctx, enriched)
	if err != nil {
		return models.WrapError(models.KindUpstreamLLMError, err,
			"failed to embed tool %s/%s", cfg.Name, spec.Name)
	}
	if len(vector) != ix.embedder.Dimensions() {
		return models.NewError(models.KindUpstreamLLMError,
			"embedding for %s/%s has %d dimensions, expected %d",
			cfg.Name, spec.Name, len(vector), ix.embedder.Dimensions())
	}

	return ix.index.UpsertTool(ctx, models.ToolRecord{
		ServerName:          cfg.Name,
		ToolName:            spec.Name,
		OriginalDescription: spec.Description,
		InputSchema:         spec.InputSchema,
		EnrichedDescription: enriched,
		Embedding:           vector,
		Blocked:             cfg.IsBlocked(spec.Name),
	})
}

// dropStaleTools removes records for tools the server no longer offers.
func (ix *Indexer) dropStaleTools(ctx context.Context, serverName string, specs []models.ToolSpec) error {
	indexed, err := ix.index.ListServerTools(ctx, serverName)
	if err != nil {
		return fmt.Errorf("failed to list indexed tools: %w", err)
	}

	upstream := make(map[string]bool, len(specs))
	for _, spec := range specs {
		upstream[spec.Name] = true
	}

	var stale []string
	for _, rec := range indexed {
		if !upstream[rec.ToolName] {
			stale = append(stale, rec.ToolName)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	log.Printf("Dropping %d stale tool records for server %q", len(stale), serverName)
	return ix.index.DeleteTools(ctx, serverName, stale)
}

func (ix *Indexer) upsertServerRecord(ctx context.Context, cfg *config.ServerConfig, specs []models.ToolSpec) error {
	document := BuildServerDocument(cfg, specs)

	title, summary := cfg.Name, document
	if ix.describer != nil {
		described, err := ix.describer.Describe(ctx, document)
		if err != nil {
			log.Printf("Describer failed for server %q summary, using raw document: %v", cfg.Name, err)
		} else {
			summary = described
		}
	}

	vector, err := ix.embedder.Embed(ctx, summary)
	if err != nil {
		return models.WrapError(models.KindUpstreamLLMError, err,
			"failed to embed server %q summary", cfg.Name)
	}

	return ix.index.UpsertServer(ctx, models.ServerRecord{
		ServerName: cfg.Name,
		Title:      title,
		Summary:    summary,
		Hints:      cfg.Hints,
		ToolCount:  len(specs),
		Embedding:  vector,
	})
}
