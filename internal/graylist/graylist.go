// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

// Package graylist limits instances the server has never federated
// with before, and lifts the limit from individual accounts once they
// have posted enough clean statuses.
package graylist

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/halcy/mastodon-mod-tools/internal/engine"
	"github.com/halcy/mastodon-mod-tools/internal/mastoapi"
)

// graylistMarker tags domain blocks created by this component, so they
// can be told apart from blocks a moderator placed by hand.
const graylistMarker = "automod:graylisted"

// DomainStatus classifies a domain's standing.
type DomainStatus string

const (
	StatusOK         DomainStatus = "ok"
	StatusGraylisted DomainStatus = "graylisted"
	StatusSilenced   DomainStatus = "silenced"
	StatusSuspended  DomainStatus = "suspended"
	StatusOther      DomainStatus = "other"
)

// OpenReportIndex answers whether an account has an unresolved report.
// Satisfied by *ledger.Ledger.
type OpenReportIndex interface {
	HasOpenReport(accountID string) bool
}

// Config holds graylist tunables.
type Config struct {
	// PullInterval is the minimum time between domain block list pulls.
	PullInterval time.Duration
	// OkStatusNb is how many clean statuses an account needs before its
	// limit is lifted.
	OkStatusNb int
	// OkStatusThreshold is the likelihood below which a status counts
	// as clean.
	OkStatusThreshold float64
}

type domainEntry struct {
	Domain string
	Status DomainStatus
}

// Graylist holds the cached domain block list and applies graylisting.
type Graylist struct {
	cfg     Config
	client  mastoapi.Client
	engine  *engine.Engine
	reports OpenReportIndex
	now     func() time.Time

	// pulling serializes list pulls; contenders skip.
	pulling sync.Mutex

	mu             sync.RWMutex
	cache          map[string]domainEntry
	lastPull       time.Time
	successfulPull bool
}

// New creates a Graylist. The block list is pulled lazily on first use.
func New(cfg Config, client mastoapi.Client, eng *engine.Engine, reports OpenReportIndex) *Graylist {
	return &Graylist{
		cfg:     cfg,
		client:  client,
		engine:  eng,
		reports: reports,
		now:     time.Now,
		cache:   map[string]domainEntry{},
	}
}

// UpdateLists refreshes the cached domain block list if the pull
// interval has elapsed. On the very first successful pull it also
// seeds every currently known peer as ok, so established instances are
// never graylisted retroactively. A pull already in progress causes
// the call to return immediately.
func (g *Graylist) UpdateLists(ctx context.Context) {
	g.mu.RLock()
	fresh := g.now().Sub(g.lastPull) < g.cfg.PullInterval
	seeded := g.successfulPull
	g.mu.RUnlock()
	if fresh {
		return
	}

	if !g.pulling.TryLock() {
		return
	}
	defer g.pulling.Unlock()

	next := map[string]domainEntry{}

	if !seeded {
		peers, err := g.client.InstancePeers(ctx)
		if err != nil {
			slog.Error("peer list pull failed", "error", err)
			return
		}
		for _, peer := range peers {
			next[peer] = domainEntry{Domain: peer, Status: StatusOK}
		}
	}

	blocks, err := g.client.AdminDomainBlocks(ctx)
	if err != nil {
		slog.Error("domain block list pull failed", "error", err)
		return
	}
	for _, block := range blocks {
		next[block.Domain] = domainEntry{
			Domain: block.Domain,
			Status: classify(block),
		}
	}

	g.mu.Lock()
	g.cache = next
	g.lastPull = g.now()
	g.successfulPull = true
	g.mu.Unlock()

	slog.Info("domain lists updated", "domains", len(next))
}

func classify(block *mastoapi.DomainBlock) DomainStatus {
	switch block.Severity {
	case "silence":
		if strings.Contains(block.PrivateComment, graylistMarker) {
			return StatusGraylisted
		}
		return StatusSilenced
	case "suspend":
		return StatusSuspended
	default:
		return StatusOther
	}
}

// TryApplyGraylisting limits a domain if this server has never seen it
// before. Returns whether the domain is graylisted and whether this
// call created the limit. Called from the account-creation path so the
// limit lands before the account can post.
func (g *Graylist) TryApplyGraylisting(ctx context.Context, domain string) (graylisted, newly bool) {
	if domain == "" {
		return false, false
	}

	g.UpdateLists(ctx)

	g.mu.RLock()
	seeded := g.successfulPull
	entry, known := g.cache[domain]
	g.mu.RUnlock()

	// Without a peer baseline every domain would look new.
	if !seeded {
		return false, false
	}
	if known {
		return entry.Status == StatusGraylisted, false
	}

	if _, err := g.client.CreateDomainBlock(ctx, domain, "silence", graylistMarker, "Graylisted (auto)"); err != nil {
		slog.Error("graylisting domain failed", "domain", domain, "error", err)
		return false, false
	}

	g.mu.Lock()
	g.cache[domain] = domainEntry{Domain: domain, Status: StatusGraylisted}
	g.mu.Unlock()

	slog.Info("graylisted first-seen domain", "domain", domain)
	return true, true
}

// CheckUser decides whether a limited account on a graylisted instance
// has earned an unsilence: enough recent statuses, all scoring clean,
// and no open report against it. Called from the status webhook for
// every incoming status, so the common paths return early. Statuses
// already in hand may be passed in to save a fetch.
func (g *Graylist) CheckUser(ctx context.Context, account *mastoapi.Account, statuses []*mastoapi.Status) error {
	if account == nil {
		return nil
	}

	graylisted, newly := g.TryApplyGraylisting(ctx, account.Domain())
	if !graylisted {
		return nil
	}

	if !newly && !account.Limited {
		return nil
	}

	if g.reports.HasOpenReport(account.ID) {
		return nil
	}

	if len(statuses) < g.cfg.OkStatusNb {
		var err error
		statuses, err = g.client.AccountStatuses(ctx, account.ID, g.cfg.OkStatusNb)
		if err != nil {
			return err
		}
	}
	if len(statuses) < g.cfg.OkStatusNb {
		return nil
	}

	clean := 0
	for _, status := range statuses {
		res, err := g.engine.Evaluate(ctx, engine.StatusRecord(status), engine.Options{
			MutateHistory: false,
			Fields:        []string{"status"},
		})
		if err != nil {
			return err
		}
		if res.BestLikelihood < g.cfg.OkStatusThreshold {
			clean++
		}
	}
	if clean < g.cfg.OkStatusNb {
		return nil
	}

	slog.Info("unsilencing account with clean history", "account", account.Acct, "statuses", clean)
	return g.client.UnsilenceAccount(ctx, account.ID)
}
