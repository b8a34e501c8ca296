package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atticlabs/attic/internal/util"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
)

const defaultDimensions = 1024

// Client embeds text via an OpenAI-compatible embeddings endpoint.
type Client struct {
	embeddingModel string
	timeoutMin     int

	reqLock *semaphore.Weighted

	EmbeddingClient *openai.Client
}

type NewClientParams struct {
	EmbeddingModel string
	EmbeddingURL   string
	EmbeddingKey   string

	MaxConcurrentRequests int64
	TimeoutMin            int
}

func NewClient(params NewClientParams) *Client {
	opts := []option.RequestOption{}
	if params.EmbeddingURL != "" {
		opts = append(opts, option.WithBaseURL(params.EmbeddingURL))
	}
	if params.EmbeddingKey != "" {
		opts = append(opts, option.WithAPIKey(params.EmbeddingKey))
	}
	cli := openai.NewClient(opts...)

	if params.MaxConcurrentRequests <= 0 {
		params.MaxConcurrentRequests = 4
	}
	if params.TimeoutMin <= 0 {
		params.TimeoutMin = 5
	}

	return &Client{
		embeddingModel:  params.EmbeddingModel,
		timeoutMin:      params.TimeoutMin,
		reqLock:         semaphore.NewWeighted(params.MaxConcurrentRequests),
		EmbeddingClient: &cli,
	}
}

// Embed returns the vector for the given text, truncated or zero-padded to
// the configured dimensionality. Blank input yields a zero vector without
// an API round trip.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	dim := int(util.GetEnvNumeric("AI_EMBED_DIM", defaultDimensions))
	if strings.TrimSpace(text) == "" {
		return make([]float32, dim), nil
	}

	rCtx, cancel := context.WithTimeout(ctx, time.Minute*time.Duration(c.timeoutMin))
	defer cancel()

	if err := c.reqLock.Acquire(rCtx, 1); err != nil {
		return nil, err
	}
	defer c.reqLock.Release(1)

	response, err := c.EmbeddingClient.Embeddings.New(rCtx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Model: c.embeddingModel,
	})
	if err != nil {
		return nil, err
	}
	if len(response.Data) != 1 {
		return nil, fmt.Errorf("unexpected embedding result size: got %d want 1", len(response.Data))
	}

	vec := make([]float32, 0, dim)
	for _, v := range response.Data[0].Embedding {
		if len(vec) >= dim {
			break
		}
		vec = append(vec, float32(v))
	}
	if len(vec) < dim {
		padded := make([]float32, dim)
		copy(padded, vec)
		vec = padded
	}
	return vec, nil
}
