// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

package embed

import (
	"context"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	mmerr "github.com/halcy/mastodon-mod-tools/pkg/errors"
)

// OpenAIConfig holds OpenAI embedder configuration.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string // optional, useful for testing against a mock server
	Model      string
	Dimensions int
}

// OpenAIEmbedder implements Provider for text via the OpenAI
// embeddings API. Image values are reported as no-signal; deployments
// that monitor image fields use the CLIP service provider instead.
type OpenAIEmbedder struct {
	client openaisdk.Client
	model  openaisdk.EmbeddingModel
	dims   int
}

var _ Provider = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an OpenAI-backed embedder. Returns an
// error if the API key is missing.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, mmerr.New(mmerr.CodeConfigValidateInvalidValue, "openai embedder: missing api_key")
	}
	if cfg.Model == "" {
		cfg.Model = string(openaisdk.EmbeddingModelTextEmbedding3Small)
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 512
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIEmbedder{
		client: openaisdk.NewClient(opts...),
		model:  openaisdk.EmbeddingModel(cfg.Model),
		dims:   cfg.Dimensions,
	}, nil
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

func (e *OpenAIEmbedder) EmbedText(ctx context.Context, text string) (Vector, error) {
	resp, err := e.client.Embeddings.New(ctx, openaisdk.EmbeddingNewParams{
		Input:      openaisdk.EmbeddingNewParamsInputUnion{OfString: openaisdk.String(text)},
		Model:      e.model,
		Dimensions: openaisdk.Int(int64(e.dims)),
	})
	if err != nil {
		return nil, mmerr.Wrap(err, mmerr.CodeEmbedUpstreamFailure, "openai embeddings call")
	}
	if len(resp.Data) == 0 {
		return nil, mmerr.New(mmerr.CodeEmbedUpstreamFailure, "openai embeddings: empty response")
	}

	raw := resp.Data[0].Embedding
	vec := make(Vector, len(raw))
	for i, x := range raw {
		vec[i] = float32(x)
	}
	return Normalize(vec), nil
}

func (e *OpenAIEmbedder) EmbedImage(_ context.Context, src string) (Vector, error) {
	return nil, mmerr.New(mmerr.CodeEmbedNoSignal, "openai embedder does not support images", mmerr.Field("src", src))
}
