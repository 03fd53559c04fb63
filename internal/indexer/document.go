package indexer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jamaly87/mcp-router/internal/models"
	"github.com/jamaly87/mcp-router/pkg/config"
)

// schemaDoc is the subset of a JSON schema we summarize parameters from.
type schemaDoc struct {
	Properties map[string]struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"properties"`
	Required []string `json:"required"`
}

// BuildToolDocument assembles the raw description document for one tool:
// server context, hints, the tool's own description and a parameter-by-
// parameter summary derived from its input schema.
func BuildToolDocument(cfg *config.ServerConfig, spec models.ToolSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Server: %s\n", cfg.Name)
	if len(cfg.Hints) > 0 {
		fmt.Fprintf(&b, "Server hints: %s\n", strings.Join(cfg.Hints, "; "))
	}
	fmt.Fprintf(&b, "Tool: %s\n", spec.Name)
	if spec.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", spec.Description)
	}

	if params := summarizeSchema(spec.InputSchema); len(params) > 0 {
		b.WriteString("Parameters:\n")
		for _, p := range params {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	return b.String()
}

// BuildServerDocument assembles the raw summary document for a server from
// its config hints and tool listing.
func BuildServerDocument(cfg *config.ServerConfig, specs []models.ToolSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MCP server: %s\n", cfg.Name)
	if len(cfg.Hints) > 0 {
		fmt.Fprintf(&b, "Hints: %s\n", strings.Join(cfg.Hints, "; "))
	}
	fmt.Fprintf(&b, "Offers %d tools:\n", len(specs))
	for _, spec := range specs {
		line := spec.Name
		if spec.Description != "" {
			line += ": " + firstSentence(spec.Description)
		}
		fmt.Fprintf(&b, "- %s\n", line)
	}
	return b.String()
}

// summarizeSchema renders one line per parameter, required ones first.
func summarizeSchema(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var schema schemaDoc
	if err := json.Unmarshal(raw, &schema); err != nil || len(schema.Properties) == 0 {
		return nil
	}

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if required[names[i]] != required[names[j]] {
			return required[names[i]]
		}
		return names[i] < names[j]
	})

	lines := make([]string, 0, len(names))
	for _, name := range names {
		prop := schema.Properties[name]
		line := name
		if prop.Type != "" {
			line += " (" + prop.Type
			if required[name] {
				line += ", required"
			}
			line += ")"
		} else if required[name] {
			line += " (required)"
		}
		if prop.Description != "" {
			line += ": " + prop.Description
		}
		lines = append(lines, line)
	}
	return lines
}

func firstSentence(text string) string {
	if idx := strings.IndexAny(text, ".\n"); idx > 0 {
		return text[:idx]
	}
	return text
}
