// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

package engine_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcy/mastodon-mod-tools/internal/embed"
	"github.com/halcy/mastodon-mod-tools/internal/engine"
	"github.com/halcy/mastodon-mod-tools/internal/mastoapi"
	"github.com/halcy/mastodon-mod-tools/internal/trigger"
)

// mapProvider returns canned vectors per exact value.
type mapProvider struct {
	vectors map[string]embed.Vector
}

func (p *mapProvider) Dimensions() int { return 3 }

func (p *mapProvider) EmbedText(_ context.Context, text string) (embed.Vector, error) {
	if vec, ok := p.vectors[text]; ok {
		return vec, nil
	}
	return embed.Vector{0, 0, 1}, nil
}

func (p *mapProvider) EmbedImage(ctx context.Context, src string) (embed.Vector, error) {
	return p.EmbedText(ctx, src)
}

type sourceParams struct {
	fields            map[string]map[string]any
	overallLikelihood float64
	overallFlags      int
	similarCount      int
	similarFlags      int
	historyLength     int
	references        map[string][]string
}

func defaultParams() sourceParams {
	return sourceParams{
		fields: map[string]map[string]any{
			"note": {"type": "text", "threshold": 0.75, "threshold_similar": 0.5, "min_len": 3},
		},
		overallLikelihood: 0.75,
		overallFlags:      2,
		similarCount:      2,
		similarFlags:      2,
		historyLength:     100,
		references:        map[string][]string{"note": {"spam phrase"}},
	}
}

func buildEngine(t *testing.T, p sourceParams, provider embed.Provider) (*engine.Engine, *trigger.Store) {
	t.Helper()
	dir := t.TempDir()

	cfg := map[string]any{
		"fields":                        p.fields,
		"overall_threshold_likelihood":  p.overallLikelihood,
		"overall_threshold_flags":       p.overallFlags,
		"similar_users_count_threshold": p.similarCount,
		"similar_users_threshold_flags": p.similarFlags,
		"similar_users_history_length":  p.historyLength,
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644))

	for field := range p.fields {
		list, err := json.Marshal(p.references[field])
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, field+".json"), list, 0o644))
	}

	store, err := trigger.NewStore(trigger.StoreConfig{
		SnapshotPath: filepath.Join(dir, "embed_db.json"),
		RawDir:       dir,
		Provider:     provider,
	})
	require.NoError(t, err)
	require.NoError(t, store.Refresh(context.Background()))

	return engine.New(store, provider), store
}

func account(id, acct, note string) *mastoapi.Account {
	return &mastoapi.Account{ID: id, Acct: acct, Note: note}
}

func TestEvaluate_NoConfigYieldsEmptyResult(t *testing.T) {
	provider := &mapProvider{}
	dir := t.TempDir()
	store, err := trigger.NewStore(trigger.StoreConfig{
		SnapshotPath: filepath.Join(dir, "db.json"),
		RawDir:       dir,
		Provider:     provider,
	})
	require.NoError(t, err)

	res, err := engine.New(store, provider).Evaluate(context.Background(),
		engine.AccountRecord(account("1", "x@spam.example", "anything")), engine.Options{})
	require.NoError(t, err)
	assert.False(t, res.Hit)
	assert.Empty(t, res.Targets)
}

func TestEvaluate_ThresholdBoundaryInclusive(t *testing.T) {
	// 0.75 is exactly representable, so the dot product lands exactly
	// on the threshold.
	provider := &mapProvider{vectors: map[string]embed.Vector{
		"spam phrase": {1, 0, 0},
		"at boundary": {0.75, 0.661437828, 0},
		"just below":  {0.5, 0.8660254, 0},
	}}
	eng, _ := buildEngine(t, defaultParams(), provider)

	res, err := eng.Evaluate(context.Background(),
		engine.AccountRecord(account("1", "a@spam.example", "at boundary")), engine.Options{})
	require.NoError(t, err)
	require.Len(t, res.Flagged, 1)
	assert.True(t, res.Hit)
	assert.Equal(t, "spam phrase", res.Flagged[0].MatchedLabel)

	res, err = eng.Evaluate(context.Background(),
		engine.AccountRecord(account("2", "b@spam.example", "just below")), engine.Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Flagged)
	assert.False(t, res.Hit)
}

func TestEvaluate_EndToEndSpamPhrase(t *testing.T) {
	provider := &mapProvider{vectors: map[string]embed.Vector{
		"spam phrase":        {1, 0, 0},
		"buy my spam phrase": {0.9375, 0.348106, 0},
	}}
	p := defaultParams()
	p.fields["note"]["threshold"] = 0.9
	p.overallLikelihood = 0.9
	eng, _ := buildEngine(t, p, provider)

	res, err := eng.Evaluate(context.Background(),
		engine.AccountRecord(account("1", "spammer@spam.example", "buy my spam phrase")), engine.Options{MutateHistory: true})
	require.NoError(t, err)

	assert.True(t, res.Hit)
	require.Len(t, res.Flagged, 1)
	require.Len(t, res.Targets, 1)
	assert.Equal(t, "1", res.Targets[0].Account.ID)
	assert.Contains(t, res.Targets[0].Reason, "Exceeded overall likelihood threshold.")
	assert.Contains(t, res.Targets[0].Reason, "matched db entry 'spam phrase'")
}

func TestEvaluate_IgnoreListAndMinLen(t *testing.T) {
	provider := &mapProvider{vectors: map[string]embed.Vector{
		"spam phrase":    {1, 0, 0},
		"ignore-me-note": {1, 0, 0},
	}}
	p := defaultParams()
	p.fields["note"]["ignore"] = []string{"ignore-me-note"}
	eng, _ := buildEngine(t, p, provider)

	// Identical to the reference, but on the ignore list.
	res, err := eng.Evaluate(context.Background(),
		engine.AccountRecord(account("1", "a@spam.example", "ignore-me-note")), engine.Options{})
	require.NoError(t, err)
	assert.False(t, res.Hit)
	assert.Empty(t, res.Flagged)

	// Below min_len.
	res, err = eng.Evaluate(context.Background(),
		engine.AccountRecord(account("2", "b@spam.example", "hi")), engine.Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Flagged)
	assert.Zero(t, res.BestLikelihood)
}

func TestEvaluate_HistoryMutationControlledByOptions(t *testing.T) {
	provider := &mapProvider{vectors: map[string]embed.Vector{"spam phrase": {1, 0, 0}}}
	eng, store := buildEngine(t, defaultParams(), provider)

	rec := engine.AccountRecord(account("1", "a@spam.example", "some long note"))

	_, err := eng.Evaluate(context.Background(), rec, engine.Options{MutateHistory: false})
	require.NoError(t, err)
	assert.Zero(t, store.HistoryLen("note"))

	_, err = eng.Evaluate(context.Background(), rec, engine.Options{MutateHistory: true})
	require.NoError(t, err)
	assert.Equal(t, 1, store.HistoryLen("note"))
}

func TestEvaluate_CrossFieldIntersection(t *testing.T) {
	noteVec := embed.Vector{0, 1, 0}
	nameVec := embed.Vector{0, 0, 1}
	provider := &mapProvider{vectors: map[string]embed.Vector{
		"spam ref note": {1, 0, 0},
		"spam ref name": {1, 0, 0},
		"wave note":     noteVec,
		"wave name":     nameVec,
	}}

	p := defaultParams()
	p.fields = map[string]map[string]any{
		"note":         {"type": "text", "threshold": 0.99, "threshold_similar": 0.5, "min_len": 3},
		"display_name": {"type": "text", "threshold": 0.99, "threshold_similar": 0.5, "min_len": 3},
	}
	p.references = map[string][]string{
		"note":         {"spam ref note"},
		"display_name": {"spam ref name"},
	}
	p.similarCount = 2
	p.similarFlags = 2
	eng, store := buildEngine(t, p, provider)

	// Prior records: A and B cluster on note; B and C cluster on
	// display_name. Only B is in both.
	for _, h := range []struct {
		field string
		acct  *mastoapi.Account
		vec   embed.Vector
	}{
		{"note", account("A", "a@wave.example", ""), noteVec},
		{"note", account("B", "b@wave.example", ""), noteVec},
		{"display_name", account("B", "b@wave.example", ""), nameVec},
		{"display_name", account("C", "c@wave.example", ""), nameVec},
	} {
		store.AppendHistory(h.field, trigger.HistoryEntry{
			Account: h.acct,
			Fields:  map[string]string{h.field: "prior value"},
			Vector:  h.vec,
		}, 100)
	}

	current := &mastoapi.Account{ID: "D", Acct: "d@wave.example", Note: "wave note", DisplayName: "wave name"}
	res, err := eng.Evaluate(context.Background(), engine.AccountRecord(current), engine.Options{})
	require.NoError(t, err)

	require.True(t, res.Hit)
	require.Len(t, res.Targets, 2, "intersection plus the current record, not the union")
	assert.Equal(t, "B", res.Targets[0].Account.ID)
	assert.Equal(t, "D", res.Targets[1].Account.ID)
	assert.Contains(t, res.Targets[0].Reason, "Similar user count exceeded")
}

func TestEvaluate_WaveReasonShowsPriorRecordValues(t *testing.T) {
	noteVec := embed.Vector{0, 1, 0}
	nameVec := embed.Vector{0, 0, 1}
	provider := &mapProvider{vectors: map[string]embed.Vector{
		"spam ref note": {1, 0, 0},
		"spam ref name": {1, 0, 0},
		"note A":        noteVec,
		"note B":        noteVec,
		"note C":        noteVec,
		"name A":        nameVec,
		"name B":        nameVec,
		"name C":        nameVec,
	}}

	p := defaultParams()
	p.fields = map[string]map[string]any{
		"note":         {"type": "text", "threshold": 0.99, "threshold_similar": 0.5, "min_len": 3},
		"display_name": {"type": "text", "threshold": 0.99, "threshold_similar": 0.5, "min_len": 3},
	}
	p.references = map[string][]string{
		"note":         {"spam ref note"},
		"display_name": {"spam ref name"},
	}
	p.similarCount = 2
	p.similarFlags = 2
	eng, _ := buildEngine(t, p, provider)

	// Two accounts build the history through full evaluations, the
	// third trips the wave on both fields.
	ctx := context.Background()
	for _, a := range []*mastoapi.Account{
		{ID: "A", Acct: "a@wave.example", Note: "note A", DisplayName: "name A"},
		{ID: "B", Acct: "b@wave.example", Note: "note B", DisplayName: "name B"},
	} {
		_, err := eng.Evaluate(ctx, engine.AccountRecord(a), engine.Options{MutateHistory: true})
		require.NoError(t, err)
	}

	current := &mastoapi.Account{ID: "C", Acct: "c@wave.example", Note: "note C", DisplayName: "name C"}
	res, err := eng.Evaluate(ctx, engine.AccountRecord(current), engine.Options{MutateHistory: true})
	require.NoError(t, err)

	require.True(t, res.Hit)
	require.Len(t, res.Targets, 3)

	// The justification shows each prior record's own value, not a
	// blank: the moderator sees what actually matched.
	reason := res.Targets[0].Reason
	assert.Contains(t, reason, "a@wave.example, note = 'note A'")
	assert.Contains(t, reason, "b@wave.example, note = 'note B'")
	assert.Contains(t, reason, "c@wave.example, note = 'note C'")
	assert.NotContains(t, reason, "= ''")
}

func TestEvaluate_FieldsOptionRestricts(t *testing.T) {
	provider := &mapProvider{vectors: map[string]embed.Vector{
		"spam phrase":     {1, 0, 0},
		"spam note value": {1, 0, 0},
	}}
	eng, _ := buildEngine(t, defaultParams(), provider)

	rec := engine.AccountRecord(account("1", "a@spam.example", "spam note value"))

	res, err := eng.Evaluate(context.Background(), rec, engine.Options{Fields: []string{"status"}})
	require.NoError(t, err)
	assert.Empty(t, res.Flagged)

	res, err = eng.Evaluate(context.Background(), rec, engine.Options{Fields: []string{"note"}})
	require.NoError(t, err)
	assert.Len(t, res.Flagged, 1)
}

func TestStatusRecord(t *testing.T) {
	st := &mastoapi.Status{
		Content: "<p>hello &amp; <a href=\"https://spam.example\">welcome</a></p>",
		Account: account("1", "a@spam.example", ""),
	}
	rec := engine.StatusRecord(st)
	assert.Equal(t, "hello & welcome", rec.Value("status"))
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"<p>plain</p>", "plain"},
		{"a &lt; b &gt; c", "a < b > c"},
		{"  <span>trimmed</span>  ", "trimmed"},
		{"no markup", "no markup"},
		// Entities decode once: &amp;lt; is a literal "&lt;", not "<".
		{"a &amp;lt; b", "a &lt; b"},
		{"&#39;quoted&#39; &quot;text&quot;", `'quoted' "text"`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, engine.StripHTML(tt.in))
	}
}
