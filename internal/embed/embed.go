// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

// Package embed is the boundary to the embedding model: given a text
// or image value, return a unit-normalized vector of fixed dimension.
// The matching engine only ever consumes the Provider interface.
package embed

import (
	"context"
	"math"
)

// Vector is a unit-normalized embedding.
type Vector []float32

// Dot returns the dot product of two vectors. For unit-normalized
// vectors this is the cosine similarity.
func (v Vector) Dot(o Vector) float64 {
	n := len(v)
	if len(o) < n {
		n = len(o)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(v[i]) * float64(o[i])
	}
	return sum
}

// Normalize scales v to unit length in place and returns it. The zero
// vector is returned unchanged.
func Normalize(v Vector) Vector {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// Provider turns field values into embeddings. Implementations return
// an error with code embed.value.no_signal when a value cannot be
// embedded for reasons that are not failures (unsupported kind,
// unreachable media); callers skip the field in that case.
type Provider interface {
	EmbedText(ctx context.Context, text string) (Vector, error)
	// EmbedImage embeds the image at src, which is either an http(s)
	// URL or a local file path (reference entries are local files).
	EmbedImage(ctx context.Context, src string) (Vector, error)
	Dimensions() int
}
