// Package contentstore persists oversized tool results on disk so only a
// compact reference travels back through the conversation.
package contentstore

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jamaly87/mcp-router/internal/models"
)

const previewChars = 500

// Store is a directory-backed blob store. Each ref owns one subdirectory
// holding its chunks and a manifest. Writes go to a temp directory first and
// are renamed into place, so readers never observe a partial ref.
type Store struct {
	root      string
	maxTokens int
}

// New creates a store rooted at dir. The directory is created if missing.
func New(dir string, maxTokens int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, models.WrapError(models.KindStorageError, err, "failed to create content root %s", dir)
	}
	return &Store{root: dir, maxTokens: maxTokens}, nil
}

// PutText stores content if it exceeds the token budget. When the content fits
// (token estimate <= maxTokens) it returns (nil, "", nil) and the caller
// inlines the text unchanged. Otherwise the text is split into ordered chunks
// of at most maxTokens each and a ref plus a bounded preview is returned.
func (s *Store) PutText(content, callID string) (*models.ContentRef, string, error) {
	if models.EstimateTokens(content) <= s.maxTokens {
		return nil, "", nil
	}

	maxChars := s.maxTokens * 4
	var chunks []string
	for start := 0; start < len(content); {
		end := start + maxChars
		if end >= len(content) {
			end = len(content)
		} else {
			end = alignToRune(content, start, end)
		}
		chunks = append(chunks, content[start:end])
		start = end
	}

	ref := &models.ContentRef{
		RefID:       uuid.New().String(),
		Kind:        models.KindTextChunked,
		TotalChunks: len(chunks),
		Mime:        "text/plain",
		SizeBytes:   int64(len(content)),
		CallID:      callID,
		CreatedAt:   time.Now().UTC(),
	}

	err := s.publish(ref, func(dir string) error {
		for i, chunk := range chunks {
			name := filepath.Join(dir, fmt.Sprintf("chunk_%d.txt", i))
			if err := os.WriteFile(name, []byte(chunk), 0o644); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	preview := chunks[0]
	if len(preview) > previewChars {
		preview = preview[:alignToRune(preview, 0, previewChars)]
	}
	log.Printf("Offloaded %d chars of text as %s (%d chunks)", len(content), ref.RefID, len(chunks))
	return ref, preview, nil
}

// alignToRune moves a cut point at end backwards until it does not split a
// multi-byte rune, so every slice of s is valid UTF-8 on its own. Content that
// is not UTF-8 in the first place is cut at end unchanged.
func alignToRune(s string, start, end int) int {
	cut := end
	for cut > start && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == start {
		return end
	}
	return cut
}

// PutBinary stores a single opaque blob (image, audio or other binary).
func (s *Store) PutBinary(data []byte, mime string, kind models.ContentKind, callID string) (*models.ContentRef, error) {
	ref := &models.ContentRef{
		RefID:       uuid.New().String(),
		Kind:        kind,
		TotalChunks: 1,
		Mime:        mime,
		SizeBytes:   int64(len(data)),
		CallID:      callID,
		CreatedAt:   time.Now().UTC(),
	}

	err := s.publish(ref, func(dir string) error {
		return os.WriteFile(filepath.Join(dir, "chunk_0.bin"), data, 0o644)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("Offloaded %d bytes of %s as %s", len(data), kind, ref.RefID)
	return ref, nil
}

// SetVisionDescription rewrites the manifest with a vision caption. Only
// called before the ref is handed out, so published refs stay immutable.
func (s *Store) SetVisionDescription(ref *models.ContentRef, description string) error {
	ref.VisionDescription = description
	data, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return models.WrapError(models.KindStorageError, err, "failed to encode manifest for %s", ref.RefID)
	}
	path := filepath.Join(s.root, ref.RefID, "manifest.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return models.WrapError(models.KindStorageError, err, "failed to write manifest for %s", ref.RefID)
	}
	return nil
}

// Get returns one chunk of a stored ref along with its manifest.
func (s *Store) Get(refID string, chunkIndex int) ([]byte, *models.ContentRef, error) {
	dir := filepath.Join(s.root, refID)
	manifestData, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, models.NewError(models.KindNotFound, "no content with ref %s", refID)
		}
		return nil, nil, models.WrapError(models.KindStorageError, err, "failed to read manifest for %s", refID)
	}

	var ref models.ContentRef
	if err := json.Unmarshal(manifestData, &ref); err != nil {
		return nil, nil, models.WrapError(models.KindStorageError, err, "corrupt manifest for %s", refID)
	}

	if chunkIndex < 0 || chunkIndex >= ref.TotalChunks {
		return nil, nil, models.NewError(models.KindOutOfRange,
			"chunk index %d out of range for %s (total %d)", chunkIndex, refID, ref.TotalChunks)
	}

	name := fmt.Sprintf("chunk_%d.txt", chunkIndex)
	if ref.Kind != models.KindTextChunked {
		name = fmt.Sprintf("chunk_%d.bin", chunkIndex)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, nil, models.WrapError(models.KindStorageError, err, "failed to read chunk %d of %s", chunkIndex, refID)
	}
	return data, &ref, nil
}

// publish writes the ref's files into a temp directory and renames it into
// place, cleaning up on any failure.
func (s *Store) publish(ref *models.ContentRef, write func(dir string) error) error {
	tmp, err := os.MkdirTemp(s.root, ".tmp-"+ref.RefID+"-*")
	if err != nil {
		return models.WrapError(models.KindStorageError, err, "failed to create staging dir for %s", ref.RefID)
	}
	defer os.RemoveAll(tmp)

	if err := write(tmp); err != nil {
		return models.WrapError(models.KindStorageError, err, "failed to write content for %s", ref.RefID)
	}

	manifest, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return models.WrapError(models.KindStorageError, err, "failed to encode manifest for %s", ref.RefID)
	}
	if err := os.WriteFile(filepath.Join(tmp, "manifest.json"), manifest, 0o644); err != nil {
		return models.WrapError(models.KindStorageError, err, "failed to write manifest for %s", ref.RefID)
	}

	final := filepath.Join(s.root, ref.RefID)
	if err := os.Rename(tmp, final); err != nil {
		return models.WrapError(models.KindStorageError, err, "failed to publish content %s", ref.RefID)
	}
	return nil
}
