// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

package embed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	mmerr "github.com/halcy/mastodon-mod-tools/pkg/errors"
)

// CLIPService is a Provider backed by a self-hosted CLIP embedding
// sidecar. Unlike the OpenAI embedder it handles both text and images
// in the same vector space, which is what cross-field matching against
// avatar/header fingerprints needs.
type CLIPService struct {
	baseURL string
	dims    int
	http    *http.Client
}

var _ Provider = (*CLIPService)(nil)

// NewCLIPService creates a client for the sidecar at baseURL.
func NewCLIPService(baseURL string, dimensions int) *CLIPService {
	return &CLIPService{
		baseURL: strings.TrimRight(baseURL, "/"),
		dims:    dimensions,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *CLIPService) Dimensions() int { return c.dims }

type clipRequest struct {
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"` // base64 image bytes
}

type clipResponse struct {
	Embedding Vector `json:"embedding"`
}

func (c *CLIPService) EmbedText(ctx context.Context, text string) (Vector, error) {
	return c.call(ctx, "/embed/text", clipRequest{Text: text})
}

func (c *CLIPService) EmbedImage(ctx context.Context, src string) (Vector, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		vec, err := c.call(ctx, "/embed/image", clipRequest{URL: src})
		if err != nil && mmerr.IsUpstreamFailure(err) {
			// An unreachable or deleted media URL is degraded to
			// no-signal so the engine skips the field.
			return nil, mmerr.Wrap(err, mmerr.CodeEmbedNoSignal, "media not embeddable", mmerr.Field("src", src))
		}
		return vec, err
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return nil, mmerr.Wrap(err, mmerr.CodeEmbedUpstreamFailure, "reading reference image", mmerr.Field("src", src))
	}
	return c.call(ctx, "/embed/image", clipRequest{Data: base64.StdEncoding.EncodeToString(data)})
}

func (c *CLIPService) call(ctx context.Context, path string, body clipRequest) (Vector, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, mmerr.Wrap(err, mmerr.CodeEmbedUpstreamFailure, "marshalling embed request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, mmerr.Wrap(err, mmerr.CodeEmbedUpstreamFailure, "building embed request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, mmerr.Wrap(err, mmerr.CodeEmbedUpstreamFailure, "calling embed service")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, mmerr.Errorf(mmerr.CodeEmbedUpstreamFailure, "embed service %s: status %d: %s", path, resp.StatusCode, snippet)
	}

	var out clipResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, mmerr.Wrap(err, mmerr.CodeEmbedUpstreamFailure, "decoding embed response")
	}
	if len(out.Embedding) == 0 {
		return nil, mmerr.New(mmerr.CodeEmbedUpstreamFailure, "embed service returned empty vector")
	}

	return Normalize(out.Embedding), nil
}
