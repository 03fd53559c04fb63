package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jamaly87/mcp-router/internal/contentstore"
	"github.com/jamaly87/mcp-router/internal/llm"
	"github.com/jamaly87/mcp-router/internal/models"
	"github.com/jamaly87/mcp-router/internal/results"
	"github.com/jamaly87/mcp-router/internal/router"
	"github.com/jamaly87/mcp-router/internal/supervisor"
	"github.com/jamaly87/mcp-router/internal/taskpool"
	"github.com/jamaly87/mcp-router/internal/vectordb"
	"github.com/jamaly87/mcp-router/pkg/config"
)

const (
	exitGenericError   = 1
	exitConfigError    = 2
	exitTransportError = 4
)

func main() {
	configPath := flag.String("config", "", "path to the servers-config JSON file (required)")
	transport := flag.String("transport", "stdio", "transport to serve: stdio or http")
	host := flag.String("host", "127.0.0.1", "bind host for the http transport")
	port := flag.Int("port", 8765, "bind port for the http transport")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetPrefix("[mcp-router] ")
	// Stdout carries the MCP protocol when serving stdio.
	log.SetOutput(os.Stderr)
	if path := os.Getenv("LOG_FILE"); path != "" {
		logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("Failed to open log file %s: %v", path, err)
		} else {
			defer logFile.Close()
			log.SetOutput(io.MultiWriter(os.Stderr, logFile))
		}
	}

	if *configPath == "" {
		log.Printf("--config is required")
		os.Exit(exitConfigError)
	}
	if *transport != "stdio" && *transport != "http" {
		log.Printf("invalid --transport %q, use stdio or http", *transport)
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
	log.Printf("Configuration loaded: %d servers, index %q", len(servers.Servers), settings.IndexName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	store, err := contentstore.New(settings.ContentStoragePath, settings.MaxResultTokens)
	if err != nil {
		log.Printf("Failed to open content store: %v", err)
		os.Exit(exitGenericError)
	}

	sup := supervisor.New(servers, nil, settings.ServerIdleTTL, settings.CallTimeout)
	defer sup.Close()

	pipeline := results.New(store, provider, settings.DescribeImages)

	pool := taskpool.New(settings.TaskWorkers, settings.TaskQueueSize,
		func(ctx context.Context, serverName, toolName string, args map[string]any) (*models.ResultEnvelope, error) {
			raw, err := sup.Execute(ctx, serverName, toolName, args)
			if err != nil {
				return nil, err
			}
			return pipeline.Process(ctx, raw)
		})
	defer pool.Close()

	rt := router.New(vectorDB, provider, sup, pool, store, pipeline)
	srv := router.NewServer(ctx, rt)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal...")
		cancel()
		// ServeStdio returns when stdin closes; force the process down if
		// the parent keeps the pipe open.
		<-sigChan
		os.Exit(1)
	}()

	var serveErr error
	switch *transport {
	case "stdio":
		serveErr = srv.ServeStdio()
	case "http":
		serveErr = srv.ServeHTTP(fmt.Sprintf("%s:%d", *host, *port))
	}
	if serveErr != nil {
		log.Printf("Server error: %v", serveErr)
		os.Exit(exitTransportError)
	}
}
