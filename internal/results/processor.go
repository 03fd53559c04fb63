// Package results turns raw upstream tool output into the compact envelope
// the calling model receives: small text stays inline, everything large or
// binary is offloaded to the content store and replaced by a ref preview.
package results

import (
	"context"
	"encoding/base64"
	"log"

	"github.com/google/uuid"

	"github.com/jamaly87/mcp-router/internal/contentstore"
	"github.com/jamaly87/mcp-router/internal/llm"
	"github.com/jamaly87/mcp-router/internal/models"
)

// Processor post-processes tool-call results. Part order is preserved.
type Processor struct {
	store          *contentstore.Store
	vision         llm.Vision
	describeImages bool
}

// New builds a processor. vision may be nil when captions are disabled.
func New(store *contentstore.Store, vision llm.Vision, describeImages bool) *Processor {
	return &Processor{
		store:          store,
		vision:         vision,
		describeImages: describeImages && vision != nil,
	}
}

// Process converts raw content parts into a ResultEnvelope. All refs created
// for one invocation share a call ID in their manifests.
func (p *Processor) Process(ctx context.Context, raw []models.RawContentPart) (*models.ResultEnvelope, error) {
	callID := uuid.New().String()
	envelope := &models.ResultEnvelope{Parts: make([]models.EnvelopePart, 0, len(raw))}

	for _, part := range raw {
		switch part.Type {
		case "text":
			out, err := p.processText(part.Text, callID)
			if err != nil {
				return nil, err
			}
			envelope.Parts = append(envelope.Parts, out)
		case "image":
			out, err := p.processBinary(ctx, part, models.KindImage, callID)
			if err != nil {
				return nil, err
			}
			envelope.Parts = append(envelope.Parts, out)
		case "audio":
			out, err := p.processBinary(ctx, part, models.KindAudio, callID)
			if err != nil {
				return nil, err
			}
			envelope.Parts = append(envelope.Parts, out)
		default:
			out, err := p.processBinary(ctx, part, models.KindBinary, callID)
			if err != nil {
				return nil, err
			}
			envelope.Parts = append(envelope.Parts, out)
		}
	}
	return envelope, nil
}

func (p *Processor) processText(text, callID string) (models.EnvelopePart, error) {
	ref, preview, err := p.store.PutText(text, callID)
	if err != nil {
		return models.EnvelopePart{}, err
	}
	if ref == nil {
		return models.EnvelopePart{Type: models.PartInlineText, Text: text}, nil
	}
	return models.EnvelopePart{
		Type:        models.PartRefPreview,
		RefID:       ref.RefID,
		Kind:        ref.Kind,
		Preview:     preview,
		TotalChunks: ref.TotalChunks,
		Mime:        ref.Mime,
	}, nil
}

func (p *Processor) processBinary(ctx context.Context, part models.RawContentPart, kind models.ContentKind, callID string) (models.EnvelopePart, error) {
	var data []byte
	if part.Data != "" {
		decoded, err := base64.StdEncoding.DecodeString(part.Data)
		if err != nil {
			return models.EnvelopePart{}, models.WrapError(models.KindProtocolError, err,
				"upstream returned undecodable %s data", kind)
		}
		data = decoded
	} else {
		data = []byte(part.Text)
	}

	ref, err := p.store.PutBinary(data, part.Mime, kind, callID)
	if err != nil {
		return models.EnvelopePart{}, err
	}

	preview := ""
	if kind == models.KindImage && p.describeImages {
		description, err := p.vision.DescribeImage(ctx, data, part.Mime)
		if err != nil {
			// A missing caption is not worth failing the whole call over.
			log.Printf("Vision description for %s failed: %v", ref.RefID, err)
		} else {
			preview = description
			if err := p.store.SetVisionDescription(ref, description); err != nil {
				log.Printf("Failed to record vision description for %s: %v", ref.RefID, err)
			}
		}
	}

	return models.EnvelopePart{
		Type:        models.PartRefPreview,
		RefID:       ref.RefID,
		Kind:        kind,
		Preview:     preview,
		TotalChunks: ref.TotalChunks,
		Mime:        ref.Mime,
	}, nil
}
