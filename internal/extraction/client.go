package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kgtrace/backend/pkg/circuitbreaker"
	"github.com/kgtrace/backend/pkg/logger"
	"github.com/kgtrace/backend/pkg/retry"
)

// Extraction is one raw tuple produced by an external extractor: a text span
// with character offsets into the source chunk, a semantic label, and the
// extractor's own confidence.
type Extraction struct {
	Text       string  `json:"text"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Extractor is the collaborator boundary: anything that turns chunk text into
// extraction tuples.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Extraction, error)
}

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewClient(apiKey, model, embeddingModel string, temperature float32, maxTokens int) *Client {
	client := openai.NewClient(apiKey)

	cb := circuitbreaker.New("llm", circuitbreaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM extraction client initialized",
		zap.String("model", model),
		zap.String("embedding_model", embeddingModel),
	)

	return &Client{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		maxTokens:      maxTokens,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

const extractSystemPrompt = `You are an entity extraction tool. Given a passage, return a JSON array of objects with fields "text" (the exact span), "start" and "end" (character offsets into the passage), "label" (one of PERSON, ORGANIZATION, LOCATION, PRODUCT, EVENT, CONCEPT), and "confidence" (0.0-1.0). Return only the JSON array.`

// Extract asks the LLM for entity spans in the chunk text.
func (c *Client) Extract(ctx context.Context, text string) ([]Extraction, error) {
	var content string

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:       c.model,
				Temperature: c.temperature,
				MaxTokens:   c.maxTokens,
				Messages: []openai.ChatCompletionMessage{
					{Role: openai.ChatMessageRoleSystem, Content: extractSystemPrompt},
					{Role: openai.ChatMessageRoleUser, Content: text},
				},
			})
			if err != nil {
				return err
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("empty completion response")
			}
			content = resp.Choices[0].Message.Content
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract entities: %w", err)
	}

	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var extractions []Extraction
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &extractions); err != nil {
		return nil, fmt.Errorf("failed to parse extraction response: %w", err)
	}

	// Offsets from the model are not trusted blindly; spans that do not
	// match the source text are re-anchored or dropped.
	valid := extractions[:0]
	for _, ext := range extractions {
		if ext.Text == "" {
			continue
		}
		if ext.Start >= 0 && ext.End <= len(text) && ext.End > ext.Start && text[ext.Start:ext.End] == ext.Text {
			valid = append(valid, ext)
			continue
		}
		if idx := strings.Index(text, ext.Text); idx >= 0 {
			ext.Start = idx
			ext.End = idx + len(ext.Text)
			valid = append(valid, ext)
		}
	}

	logger.Debug("LLM extraction finished",
		zap.Int("raw", len(extractions)),
		zap.Int("anchored", len(valid)),
	)
	return valid, nil
}

// GenerateBatchEmbeddings embeds chunk texts for the vector index.
func (c *Client) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var embeddings [][]float32
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Model: openai.EmbeddingModel(c.embeddingModel),
				Input: texts,
			})
			if err != nil {
				return err
			}
			embeddings = make([][]float32, len(resp.Data))
			for i, d := range resp.Data {
				embeddings[i] = d.Embedding
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}

	if len(embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(texts))
	}
	return embeddings, nil
}
