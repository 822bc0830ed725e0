// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

package embed

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	mmerr "github.com/halcy/mastodon-mod-tools/pkg/errors"
)

// CachedProvider memoizes embeddings in a SQLite database so repeated
// evaluations of the same field value (the same avatar across a spam
// wave, the same reference entries every refresh) hit the model once.
// Cache failures are logged and degrade to pass-through; the cache is
// an optimization, never a correctness dependency.
type CachedProvider struct {
	inner Provider
	db    *sql.DB
}

var _ Provider = (*CachedProvider)(nil)

// NewCachedProvider opens (or creates) the cache database at dbPath
// and wraps inner with it.
func NewCachedProvider(inner Provider, dbPath string) (*CachedProvider, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, mmerr.Wrap(err, mmerr.CodeEmbedCacheFailure, "opening embedding cache", mmerr.Field("path", dbPath))
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS embed_cache (
	key       TEXT PRIMARY KEY,
	kind      TEXT NOT NULL,
	embedding BLOB NOT NULL
)`
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, mmerr.Wrap(err, mmerr.CodeEmbedCacheFailure, "migrating embedding cache", mmerr.Field("path", dbPath))
	}

	return &CachedProvider{inner: inner, db: db}, nil
}

func (c *CachedProvider) Dimensions() int { return c.inner.Dimensions() }

func (c *CachedProvider) EmbedText(ctx context.Context, text string) (Vector, error) {
	return c.embed(ctx, "text", text, func() (Vector, error) {
		return c.inner.EmbedText(ctx, text)
	})
}

func (c *CachedProvider) EmbedImage(ctx context.Context, src string) (Vector, error) {
	return c.embed(ctx, "image", src, func() (Vector, error) {
		return c.inner.EmbedImage(ctx, src)
	})
}

// Close closes the underlying cache database.
func (c *CachedProvider) Close() error {
	return c.db.Close()
}

func (c *CachedProvider) embed(ctx context.Context, kind, value string, compute func() (Vector, error)) (Vector, error) {
	key := cacheKey(kind, value)

	if vec, ok := c.lookup(ctx, key); ok {
		return vec, nil
	}

	vec, err := compute()
	if err != nil {
		return nil, err
	}

	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		slog.Warn("embedding cache serialize failed", "kind", kind, "error", err)
		return vec, nil
	}
	const upsert = `INSERT INTO embed_cache(key, kind, embedding) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET embedding = excluded.embedding`
	if _, err := c.db.ExecContext(ctx, upsert, key, kind, blob); err != nil {
		slog.Warn("embedding cache write failed", "kind", kind, "error", err)
	}

	return vec, nil
}

func (c *CachedProvider) lookup(ctx context.Context, key string) (Vector, bool) {
	var blob []byte
	err := c.db.QueryRowContext(ctx, `SELECT embedding FROM embed_cache WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		slog.Warn("embedding cache read failed", "error", err)
		return nil, false
	}
	if len(blob)%4 != 0 {
		return nil, false
	}

	vec := make(Vector, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, true
}

func cacheKey(kind, value string) string {
	sum := sha256.Sum256([]byte(kind + "\x00" + value))
	return hex.EncodeToString(sum[:])
}
