package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jamaly87/mcp-router/internal/indexer"
	"github.com/jamaly87/mcp-router/internal/llm"
	"github.com/jamaly87/mcp-router/internal/vectordb"
	"github.com/jamaly87/mcp-router/pkg/config"
)

const (
	exitGenericError   = 1
	exitConfigError    = 2
	exitPartialFailure = 3
)

func main() {
	configPath := flag.String("config", "", "path to the servers-config JSON file (required)")
	force := flag.Bool("force", false, "reindex servers even when already indexed")
	flag.Parse()

	if *configPath == "" {
		log.Printf("--config is required")
		os.Exit(exitConfigError)
	}

	settings, err := config.LoadSettings()
	if err != nil {
		log.Printf("Failed to load settings: %v", err)
		os.Exit(exitConfigError)
	}
	servers, err := config.LoadServers(*configPath)
	if err != nil {
		log.Printf("Failed to load servers config: %v", err)
		os.Exit(exitConfigError)
	}

	slog.Info("Configuration loaded",
		"servers", len(servers.Servers),
		"index", settings.IndexName,
		"embedding_model", settings.EmbeddingModelName,
		"dimensions", settings.Dimensions,
		"force", *force)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("Received shutdown signal, aborting")
		cancel()
	}()

	provider, err := llm.NewOpenAIClient(llm.Options{
		APIKey:         settings.OpenAIAPIKey,
		EmbeddingModel: settings.EmbeddingModelName,
		DescriberModel: settings.DescriptorModelName,
		VisionModel:    settings.VisionModelName,
		Dimensions:     settings.Dimensions,
	})
	if err != nil {
		log.Printf("Failed to create LLM client: %v", err)
		os.Exit(exitGenericError)
	}

	vectorDB, err := vectordb.NewClient(settings.QdrantURL, settings.IndexName, settings.Dimensions)
	if err != nil {
		log.Printf("Failed to create vector DB client: %v", err)
		os.Exit(exitGenericError)
	}
	defer vectorDB.Close()
	if err := vectorDB.Initialize(ctx); err != nil {
		log.Printf("Failed to initialize vector DB: %v", err)
		os.Exit(exitGenericError)
	}

	idx := indexer.New(vectorDB, provider, provider, nil, settings.ServerIndexers, settings.ToolIndexers)

	slog.Info("Starting indexing run")
	startTime := time.Now()
	report := idx.Index(ctx, servers, *force)
	duration := time.Since(startTime)

	for name, err := range report.Failed {
		slog.Error("Server failed to index", "server", name, "error", err)
	}
	slog.Info("Indexing run finished",
		"indexed", len(report.Indexed),
		"skipped", len(report.Skipped),
		"pruned", len(report.Pruned),
		"failed", len(report.Failed),
		"duration", duration)

	if report.PartialFailure() {
		os.Exit(exitPartialFailure)
	}
}
