package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/pkoukk/tiktoken-go"

	"github.com/jamaly87/mcp-router/internal/models"
)

const (
	// Input bounds for the provider calls. Documents beyond these are
	// truncated rather than rejected.
	maxEmbedTokens    = 8000
	maxDescribeTokens = 6000

	describerSystemPrompt = "You are a technical writer. Rewrite the following raw MCP tool description " +
		"document into one dense paragraph that captures the server context, the tool's purpose and its " +
		"parameters. Keep it under 200 words. Output only the paragraph."

	visionPrompt = "Describe this image in two or three sentences, focusing on what a developer " +
		"would need to know about its content."
)

// OpenAIClient implements Embedder, Describer and Vision against the OpenAI API.
type OpenAIClient struct {
	client         oai.Client
	embeddingModel string
	describerModel string
	visionModel    string
	dimensions     int
	tokenizer      *tiktoken.Tiktoken
}

// Options configures an OpenAIClient.
type Options struct {
	APIKey         string
	EmbeddingModel string
	DescriberModel string
	VisionModel    string
	Dimensions     int
}

// NewOpenAIClient builds the provider client. The tokenizer is best-effort:
// when the encoding cannot be loaded, truncation falls back to a character
// heuristic.
func NewOpenAIClient(opts Options) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("openai: api key must not be empty")
	}
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("openai: dimensions must be positive, got %d", opts.Dimensions)
	}

	tokenizer, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Printf("Tokenizer unavailable, falling back to character-based truncation: %v", err)
		tokenizer = nil
	}

	return &OpenAIClient{
		client:         oai.NewClient(option.WithAPIKey(opts.APIKey)),
		embeddingModel: opts.EmbeddingModel,
		describerModel: opts.DescriberModel,
		visionModel:    opts.VisionModel,
		dimensions:     opts.Dimensions,
		tokenizer:      tokenizer,
	}, nil
}

// Embed implements Embedder. The returned vector always has exactly
// Dimensions entries; a mismatch from the provider is an error.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	text = c.truncate(text, maxEmbedTokens)

	resp, err := c.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model:      c.embeddingModel,
		Input:      oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)},
		Dimensions: oai.Int(int64(c.dimensions)),
	})
	if err != nil {
		return nil, models.WrapError(models.KindUpstreamLLMError, err, "embedding request failed")
	}
	if len(resp.Data) == 0 {
		return nil, models.NewError(models.KindUpstreamLLMError, "embedding response was empty")
	}

	embedding := resp.Data[0].Embedding
	if len(embedding) != c.dimensions {
		return nil, models.NewError(models.KindUpstreamLLMError,
			"expected %d dimensions, got %d", c.dimensions, len(embedding))
	}

	vector := make([]float32, len(embedding))
	for i, v := range embedding {
		vector[i] = float32(v)
	}
	return vector, nil
}

// Dimensions implements Embedder.
func (c *OpenAIClient) Dimensions() int { return c.dimensions }

// Describe implements Describer.
func (c *OpenAIClient) Describe(ctx context.Context, document string) (string, error) {
	document = c.truncate(document, maxDescribeTokens)

	resp, err := c.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: c.describerModel,
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(describerSystemPrompt),
			oai.UserMessage(document),
		},
	})
	if err != nil {
		return "", models.WrapError(models.KindUpstreamLLMError, err, "describer request failed")
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", models.NewError(models.KindUpstreamLLMError, "describer returned no content")
	}
	return resp.Choices[0].Message.Content, nil
}

// DescribeImage implements Vision.
func (c *OpenAIClient) DescribeImage(ctx context.Context, data []byte, mime string) (string, error) {
	if mime == "" {
		mime = "image/png"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))

	resp, err := c.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: c.visionModel,
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
				oai.TextContentPart(visionPrompt),
				oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
			}),
		},
	})
	if err != nil {
		return "", models.WrapError(models.KindUpstreamLLMError, err, "vision request failed")
	}
	if len(resp.Choices) == 0 {
		return "", models.NewError(models.KindUpstreamLLMError, "vision model returned no content")
	}
	return resp.Choices[0].Message.Content, nil
}

// truncate bounds text to maxTokens, token-accurate when the tokenizer is
// available.
func (c *OpenAIClient) truncate(text string, maxTokens int) string {
	if c.tokenizer == nil {
		if maxChars := maxTokens * 4; len(text) > maxChars {
			return text[:maxChars]
		}
		return text
	}

	tokens := c.tokenizer.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return c.tokenizer.Decode(tokens[:maxTokens])
}
