// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

// Package instance caches nodeinfo metadata for remote instances. The
// moderation core mostly asks one question of it: does this domain
// for-sure report closed registrations? Closed communities are treated
// as trusted and exempt from preemptive silencing.
package instance

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	mmerr "github.com/halcy/mastodon-mod-tools/pkg/errors"
)

// Nodeinfo is the subset of the nodeinfo 2.x schema the core consumes.
type Nodeinfo struct {
	OpenRegistrations *bool `json:"openRegistrations"`
	Software          struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"software"`
}

type cacheEntry struct {
	fetchedAt time.Time
	info      *Nodeinfo
}

// Cache is a TTL cache over nodeinfo lookups.
type Cache struct {
	ttl  time.Duration
	http *http.Client
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// DefaultTTL is how long a cached nodeinfo response stays fresh.
const DefaultTTL = time.Hour

// NewCache creates a Cache with the given entry TTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		http:    &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// normalizeDomain trims standard protocols; non-standard ones are left
// alone so the failure is visible downstream.
func normalizeDomain(domain string) string {
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	return strings.TrimSuffix(domain, "/")
}

// Nodeinfo returns the instance metadata for domain, refreshing the
// cache when stale. A stale entry is still returned if the refresh
// fails.
func (c *Cache) Nodeinfo(ctx context.Context, domain string) (*Nodeinfo, error) {
	domain = normalizeDomain(domain)

	c.mu.Lock()
	entry, ok := c.entries[domain]
	c.mu.Unlock()

	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.info, nil
	}

	info, err := c.fetch(ctx, domain)
	if err != nil {
		if ok {
			slog.Debug("nodeinfo refresh failed, serving stale entry", "domain", domain, "error", err)
			return entry.info, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[domain] = cacheEntry{fetchedAt: c.now(), info: info}
	c.mu.Unlock()

	return info, nil
}

// IsClosedRegistrations reports whether domain for-sure advertises
// closed registrations. Any lookup or parse failure yields false.
func (c *Cache) IsClosedRegistrations(ctx context.Context, domain string) bool {
	info, err := c.Nodeinfo(ctx, domain)
	if err != nil || info == nil || info.OpenRegistrations == nil {
		return false
	}
	return !*info.OpenRegistrations
}

func (c *Cache) fetch(ctx context.Context, domain string) (*Nodeinfo, error) {
	var lastErr error
	for _, scheme := range []string{"https", "http"} {
		info, err := c.discover(ctx, scheme+"://"+domain)
		if err == nil {
			return info, nil
		}
		lastErr = err
	}
	return nil, mmerr.Wrap(lastErr, mmerr.CodeInstanceInfoUnavailable, "fetching nodeinfo", mmerr.FieldDomain(domain))
}

// discover follows the well-known nodeinfo document to the schema
// endpoint and parses it.
func (c *Cache) discover(ctx context.Context, base string) (*Nodeinfo, error) {
	var wellKnown struct {
		Links []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := c.getJSON(ctx, base+"/.well-known/nodeinfo", &wellKnown); err != nil {
		return nil, err
	}

	href := ""
	for _, link := range wellKnown.Links {
		if strings.Contains(link.Rel, "nodeinfo.diaspora.software/ns/schema/2") {
			href = link.Href
		}
	}
	if href == "" {
		return nil, mmerr.New(mmerr.CodeInstanceInfoUnavailable, "no nodeinfo schema link", mmerr.Field("base", base))
	}

	var info Nodeinfo
	if err := c.getJSON(ctx, href, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Cache) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return mmerr.Wrap(err, mmerr.CodeInstanceInfoUnavailable, "building nodeinfo request", mmerr.Field("url", url))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return mmerr.Wrap(err, mmerr.CodeInstanceInfoUnavailable, "fetching nodeinfo document", mmerr.Field("url", url))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return mmerr.Errorf(mmerr.CodeInstanceInfoUnavailable, "GET %s: status %d", url, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return mmerr.Wrap(err, mmerr.CodeInstanceInfoUnavailable, "decoding nodeinfo document", mmerr.Field("url", url))
	}
	return nil
}
