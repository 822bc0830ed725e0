// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

package scanner_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcy/mastodon-mod-tools/internal/embed"
	"github.com/halcy/mastodon-mod-tools/internal/engine"
	"github.com/halcy/mastodon-mod-tools/internal/mastoapi"
	"github.com/halcy/mastodon-mod-tools/internal/scanner"
	"github.com/halcy/mastodon-mod-tools/internal/trigger"
	"github.com/halcy/mastodon-mod-tools/internal/worker"
)

// spamProvider flags every value containing "spam" with the reference
// vector and everything else with an orthogonal one.
type spamProvider struct{}

func (spamProvider) Dimensions() int { return 2 }

func (spamProvider) EmbedText(_ context.Context, text string) (embed.Vector, error) {
	for i := 0; i+4 <= len(text); i++ {
		if text[i:i+4] == "spam" {
			return embed.Vector{1, 0}, nil
		}
	}
	return embed.Vector{0, 1}, nil
}

func (p spamProvider) EmbedImage(ctx context.Context, src string) (embed.Vector, error) {
	return p.EmbedText(ctx, src)
}

// fakeClient serves canned admin account pages and records moderation
// calls.
type fakeClient struct {
	mu    sync.Mutex
	pages [][]*mastoapi.AdminAccount

	filed     []string
	comments  []string
	silenced  []string
	nextCalls int
}

func (c *fakeClient) AdminAccounts(_ context.Context, _, _ string) (*mastoapi.AccountsPage, error) {
	return c.page(0), nil
}

func (c *fakeClient) NextPage(_ context.Context, p *mastoapi.AccountsPage) (*mastoapi.AccountsPage, error) {
	c.mu.Lock()
	c.nextCalls++
	n := c.nextCalls
	c.mu.Unlock()
	return c.page(n), nil
}

func (c *fakeClient) page(n int) *mastoapi.AccountsPage {
	if n >= len(c.pages) {
		return nil
	}
	return &mastoapi.AccountsPage{Accounts: c.pages[n]}
}

func (c *fakeClient) FileReport(_ context.Context, accountID, comment string) (*mastoapi.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filed = append(c.filed, accountID)
	c.comments = append(c.comments, comment)
	return &mastoapi.Report{ID: fmt.Sprintf("r-%s", accountID)}, nil
}

func (c *fakeClient) ModerateAccount(_ context.Context, accountID string, action mastoapi.ModerationAction, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if action == mastoapi.ActionSilence {
		c.silenced = append(c.silenced, accountID)
	}
	return nil
}

func (c *fakeClient) filedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.filed)
}

func (c *fakeClient) Account(context.Context, string) (*mastoapi.Account, error) { return nil, nil }
func (c *fakeClient) AccountStatuses(context.Context, string, int) ([]*mastoapi.Status, error) {
	return nil, nil
}
func (c *fakeClient) AdminReports(context.Context, bool) ([]*mastoapi.Report, error) {
	return nil, nil
}
func (c *fakeClient) ResolveReport(context.Context, string) error               { return nil }
func (c *fakeClient) ReopenReport(context.Context, string) error                { return nil }
func (c *fakeClient) UnsilenceAccount(context.Context, string) error            { return nil }
func (c *fakeClient) AdminDomainBlocks(context.Context) ([]*mastoapi.DomainBlock, error) {
	return nil, nil
}
func (c *fakeClient) CreateDomainBlock(context.Context, string, string, string, string) (*mastoapi.DomainBlock, error) {
	return nil, nil
}
func (c *fakeClient) InstancePeers(context.Context) ([]string, error) { return nil, nil }

type openInstances struct{}

func (openInstances) IsClosedRegistrations(context.Context, string) bool { return false }

type closedInstances struct{}

func (closedInstances) IsClosedRegistrations(context.Context, string) bool { return true }

func newStore(t *testing.T) *trigger.Store {
	t.Helper()
	dir := t.TempDir()

	cfg := map[string]any{
		"fields": map[string]any{
			"note": map[string]any{"type": "text", "threshold": 0.9, "threshold_similar": 0.8, "min_len": 3},
		},
		"overall_threshold_likelihood":  0.9,
		"overall_threshold_flags":       2,
		"similar_users_count_threshold": 3,
		"similar_users_threshold_flags": 2,
		"similar_users_history_length":  100,
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.json"), []byte(`["spam reference"]`), 0o644))

	store, err := trigger.NewStore(trigger.StoreConfig{
		SnapshotPath: filepath.Join(dir, "embed_db.json"),
		RawDir:       dir,
		Provider:     spamProvider{},
	})
	require.NoError(t, err)
	return store
}

func adminAccount(id, note string) *mastoapi.AdminAccount {
	return &mastoapi.AdminAccount{
		ID:     id,
		Domain: "spam.example",
		Account: &mastoapi.Account{
			ID:   id,
			Acct: fmt.Sprintf("user%s@spam.example", id),
			Note: note,
		},
	}
}

func newScanner(cfg scanner.Config, store *trigger.Store, client *fakeClient) *scanner.Scanner {
	eng := engine.New(store, spamProvider{})
	return scanner.New(cfg, store, eng, client, openInstances{})
}

func TestScanner_PanicStopCapsReports(t *testing.T) {
	var bad []*mastoapi.AdminAccount
	for i := 0; i < 7; i++ {
		bad = append(bad, adminAccount(fmt.Sprintf("%d", 100+i), "spam spam spam"))
	}
	client := &fakeClient{pages: [][]*mastoapi.AdminAccount{bad}}
	store := newStore(t)

	scan := newScanner(scanner.Config{
		WaitTime:      time.Hour,
		PanicStop:     2,
		MaxFetchPages: 5,
		IDHistLength:  100,
	}, store, client)

	scan.Start()
	require.Eventually(t, func() bool {
		return scan.State() == worker.StateStopped
	}, 10*time.Second, 10*time.Millisecond, "panic stop should halt the worker")

	assert.Equal(t, 2, client.filedCount(), "filed reports must stop at the panic threshold")
}

func TestScanner_DedupeNeverFilesTwice(t *testing.T) {
	client := &fakeClient{}
	store := newStore(t)
	scan := newScanner(scanner.Config{WaitTime: time.Hour, PanicStop: 10, MaxFetchPages: 5, IDHistLength: 100}, store, client)

	target := engine.ReportTarget{
		Account: &mastoapi.Account{ID: "55", Acct: "x@spam.example"},
		Reason:  "spam",
	}

	filed, err := scan.FileTarget(context.Background(), target)
	require.NoError(t, err)
	assert.True(t, filed)

	filed, err = scan.FileTarget(context.Background(), target)
	require.NoError(t, err)
	assert.False(t, filed)

	assert.Equal(t, 1, client.filedCount())
}

func TestScanner_ReasonTruncatedAndPrefixed(t *testing.T) {
	client := &fakeClient{}
	store := newStore(t)
	scan := newScanner(scanner.Config{WaitTime: time.Hour, PanicStop: 10, MaxFetchPages: 5, IDHistLength: 100}, store, client)

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	_, err := scan.FileTarget(context.Background(), engine.ReportTarget{
		Account: &mastoapi.Account{ID: "56", Acct: "y@spam.example"},
		Reason:  string(long),
	})
	require.NoError(t, err)
	require.Len(t, client.comments, 1)

	comment := client.comments[0]
	assert.True(t, strings.HasPrefix(comment, "/!\\ AUTOMATED DETECTION /!\\"))
	assert.LessOrEqual(t, len(comment), len("/!\\ AUTOMATED DETECTION /!\\\n\nReason: ")+950)
}

func TestScanner_TruncationKeepsValidUTF8(t *testing.T) {
	client := &fakeClient{}
	store := newStore(t)
	scan := newScanner(scanner.Config{WaitTime: time.Hour, PanicStop: 10, MaxFetchPages: 5, IDHistLength: 100}, store, client)

	// 3-byte runes put byte 950 mid-rune, so a byte cut would split one.
	_, err := scan.FileTarget(context.Background(), engine.ReportTarget{
		Account: &mastoapi.Account{ID: "57", Acct: "z@spam.example"},
		Reason:  strings.Repeat("€", 400),
	})
	require.NoError(t, err)
	require.Len(t, client.comments, 1)

	comment := client.comments[0]
	assert.True(t, utf8.ValidString(comment))
	assert.LessOrEqual(t, len(comment), len("/!\\ AUTOMATED DETECTION /!\\\n\nReason: ")+950)
}

func TestScanner_FirstRunFetchesOnePage(t *testing.T) {
	client := &fakeClient{pages: [][]*mastoapi.AdminAccount{
		{adminAccount("20", "fine"), adminAccount("19", "fine")},
		{adminAccount("18", "fine")},
	}}
	store := newStore(t)
	scan := newScanner(scanner.Config{WaitTime: time.Hour, PanicStop: 10, MaxFetchPages: 5, IDHistLength: 100}, store, client)

	accounts, err := scan.FetchNewAccounts(context.Background())
	require.NoError(t, err)

	assert.Len(t, accounts, 2, "first run stops after one page")
	assert.Zero(t, client.nextCalls)
	assert.Equal(t, "20", store.LastCheckedID())
}

func TestScanner_SeenIDStopsPagination(t *testing.T) {
	client := &fakeClient{pages: [][]*mastoapi.AdminAccount{
		{adminAccount("10", "fine"), adminAccount("9", "fine")},
		{adminAccount("8", "fine"), adminAccount("7", "fine")},
		{adminAccount("6", "fine")},
	}}
	store := newStore(t)
	store.AdvanceLastChecked("5")
	store.ObserveSeen("8", 100)

	scan := newScanner(scanner.Config{WaitTime: time.Hour, PanicStop: 10, MaxFetchPages: 5, IDHistLength: 100}, store, client)

	accounts, err := scan.FetchNewAccounts(context.Background())
	require.NoError(t, err)

	ids := make([]string, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}
	assert.Equal(t, []string{"10", "9", "7"}, ids, "seen id is skipped and stops further pages")
	assert.Equal(t, 1, client.nextCalls, "page three is never fetched")
	assert.Equal(t, "10", store.LastCheckedID())
}

func TestScanner_PreemptiveSilenceSkipsClosedInstances(t *testing.T) {
	client := &fakeClient{}
	store := newStore(t)
	eng := engine.New(store, spamProvider{})

	closed := scanner.New(scanner.Config{WaitTime: time.Hour, PanicStop: 10, PreemptiveSilence: true, MaxFetchPages: 5, IDHistLength: 100},
		store, eng, client, closedInstances{})

	_, err := closed.FileTarget(context.Background(), engine.ReportTarget{
		Account: &mastoapi.Account{ID: "60", Acct: "a@closed.example"},
		Reason:  "spam",
	})
	require.NoError(t, err)
	assert.Empty(t, client.silenced, "closed-registration instances are never preemptively silenced")

	open := scanner.New(scanner.Config{WaitTime: time.Hour, PanicStop: 10, PreemptiveSilence: true, MaxFetchPages: 5, IDHistLength: 100},
		store, eng, client, openInstances{})

	_, err = open.FileTarget(context.Background(), engine.ReportTarget{
		Account: &mastoapi.Account{ID: "61", Acct: "b@open.example"},
		Reason:  "spam",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"61"}, client.silenced)
}
