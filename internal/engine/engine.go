// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

// Package engine holds the pure matching logic: given a record and the
// trigger database, decide whether to file reports and against whom.
package engine

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strings"

	"github.com/halcy/mastodon-mod-tools/internal/embed"
	"github.com/halcy/mastodon-mod-tools/internal/mastoapi"
	"github.com/halcy/mastodon-mod-tools/internal/trigger"
	mmerr "github.com/halcy/mastodon-mod-tools/pkg/errors"
)

// Record is one unit of evaluation: an account plus the field values
// to test. Explicit Fields entries (e.g. status text) take precedence
// over the account's profile fields of the same name.
type Record struct {
	Account *mastoapi.Account
	Fields  map[string]string
}

// Value returns the record's value for the named field.
func (r Record) Value(field string) string {
	if v, ok := r.Fields[field]; ok {
		return v
	}
	return r.Account.FieldValue(field)
}

// AccountRecord builds a Record from an account's profile fields.
func AccountRecord(a *mastoapi.Account) Record {
	return Record{Account: a}
}

// StatusRecord builds a Record carrying a single status's text under
// the "status" field.
func StatusRecord(st *mastoapi.Status) Record {
	return Record{
		Account: st.Account,
		Fields:  map[string]string{"status": StripHTML(st.Content)},
	}
}

// Options controls one evaluation.
type Options struct {
	// MutateHistory appends the record to the rolling per-field
	// history. Reconciliation and consistency checks evaluate with
	// this off so they never distort the cluster signal.
	MutateHistory bool
	// Fields restricts evaluation to the named fields; nil means every
	// monitored field.
	Fields []string
}

// FlaggedField is one field whose similarity against a reference
// fingerprint met the field's threshold.
type FlaggedField struct {
	Field        string
	Likelihood   float64
	Value        string
	MatchedLabel string
}

// ReportTarget is one account to report, with justification text.
type ReportTarget struct {
	Account *mastoapi.Account
	Reason  string
}

// Result is the outcome of one evaluation.
type Result struct {
	Hit            bool
	BestLikelihood float64
	Flagged        []FlaggedField
	Targets        []ReportTarget
}

// Engine evaluates records against a trigger store.
type Engine struct {
	store    *trigger.Store
	provider embed.Provider
}

// New creates an Engine.
func New(store *trigger.Store, provider embed.Provider) *Engine {
	return &Engine{store: store, provider: provider}
}

// Evaluate tests one record. Missing or unreachable external data is
// never an error: affected fields simply contribute no signal. The
// only error returned is context cancellation.
func (e *Engine) Evaluate(ctx context.Context, rec Record, opts Options) (*Result, error) {
	res := &Result{}

	cfg := e.store.SourceConfig()
	if cfg == nil {
		return res, nil
	}

	var selected map[string]bool
	if opts.Fields != nil {
		selected = make(map[string]bool, len(opts.Fields))
		for _, f := range opts.Fields {
			selected[f] = true
		}
	}

	// Embed every selected field up front: history entries carry the
	// record's complete field set, so a wave justification can show
	// any field's value regardless of which field matched first.
	type embeddedField struct {
		field string
		cfg   trigger.FieldConfig
		value string
		vec   embed.Vector
	}
	values := make(map[string]string)
	var embedded []embeddedField

	for _, field := range e.store.MonitoredFields() {
		if selected != nil && !selected[field] {
			continue
		}
		fieldCfg, ok := cfg.Fields[field]
		if !ok {
			continue
		}

		value := rec.Value(field)
		if fieldCfg.Ignores(value) {
			continue
		}
		minLen := 1
		if fieldCfg.Kind == trigger.FieldKindText {
			minLen = fieldCfg.MinLen
		}
		if len(value) < minLen {
			continue
		}

		vec, err := e.embedField(ctx, fieldCfg.Kind, value)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			slog.Debug("field skipped, no embedding", "field", field, "error", err)
			continue
		}
		values[field] = value
		embedded = append(embedded, embeddedField{field: field, cfg: fieldCfg, value: value, vec: vec})
	}

	var clusterFields []string
	// clusterCross is the running intersection of per-field matching
	// prior records, keyed by account id. A record only stays in it if
	// every cluster-hit field flagged it.
	var clusterCross map[string]trigger.HistoryEntry

	for _, ef := range embedded {
		if likelihood, label, ok := e.store.BestReference(ef.field, ef.vec); ok {
			if likelihood >= ef.cfg.Threshold {
				res.Flagged = append(res.Flagged, FlaggedField{
					Field:        ef.field,
					Likelihood:   likelihood,
					Value:        ef.value,
					MatchedLabel: label,
				})
			}
			if likelihood > res.BestLikelihood {
				res.BestLikelihood = likelihood
			}
		}

		matches := e.store.SimilarHistory(ef.field, ef.vec, ef.cfg.ThresholdSimilar)
		if len(matches) >= cfg.SimilarUsersCountThreshold {
			clusterFields = append(clusterFields, ef.field)
			matchSet := make(map[string]trigger.HistoryEntry, len(matches))
			for _, m := range matches {
				if m.Account != nil {
					matchSet[m.Account.ID] = m
				}
			}
			if clusterCross == nil {
				clusterCross = matchSet
			} else {
				for id := range clusterCross {
					if _, ok := matchSet[id]; !ok {
						delete(clusterCross, id)
					}
				}
			}
		}

		if opts.MutateHistory {
			entryFields := make(map[string]string, len(values))
			for k, v := range values {
				entryFields[k] = v
			}
			e.store.AppendHistory(ef.field, trigger.HistoryEntry{
				Account: rec.Account,
				Fields:  entryFields,
				Vector:  ef.vec,
			}, cfg.SimilarUsersHistoryLength)
		}
	}

	var reason string
	if res.BestLikelihood >= cfg.OverallThresholdLikelihood {
		res.Hit = true
		reason = "Exceeded overall likelihood threshold."
	}
	if len(res.Flagged) >= cfg.OverallThresholdFlags {
		res.Hit = true
		reason = "Exceeded flagged fields threshold."
	}

	if len(clusterFields) >= cfg.SimilarUsersThresholdFlags {
		res.Hit = true
		waveReason := e.waveReason(rec, clusterFields, clusterCross)
		for _, id := range sortedKeys(clusterCross) {
			res.Targets = append(res.Targets, ReportTarget{Account: clusterCross[id].Account, Reason: waveReason})
		}
		res.Targets = append(res.Targets, ReportTarget{Account: rec.Account, Reason: waveReason})
	}

	if reason != "" {
		var b strings.Builder
		fmt.Fprintf(&b, "Reason: %s\n\nMatches:\n", reason)
		for _, f := range res.Flagged {
			fmt.Fprintf(&b, " * %s = '%s' matched db entry '%s' with likelihood %.3f\n",
				f.Field, f.Value, f.MatchedLabel, f.Likelihood)
		}
		res.Targets = append(res.Targets, ReportTarget{Account: rec.Account, Reason: b.String()})
	}

	return res, nil
}

func (e *Engine) embedField(ctx context.Context, kind trigger.FieldKind, value string) (embed.Vector, error) {
	switch kind {
	case trigger.FieldKindText:
		return e.provider.EmbedText(ctx, value)
	case trigger.FieldKindImage:
		return e.provider.EmbedImage(ctx, value)
	}
	return nil, mmerr.Errorf(mmerr.CodeTriggerFieldNotFound, "unknown field kind %q", kind)
}

// waveReason renders the shared justification text for a coordinated
// wave: the cluster-hit fields and the intersected set of prior
// records, plus the current one.
func (e *Engine) waveReason(rec Record, clusterFields []string, cross map[string]trigger.HistoryEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Similar user count exceeded on fields %v. Matching users (matching fields intersection):\n", clusterFields)

	field := clusterFields[len(clusterFields)-1]
	for _, id := range sortedKeys(cross) {
		entry := cross[id]
		fmt.Fprintf(&b, " * %s, %s = '%s'\n", entry.Account.Acct, field, entry.Fields[field])
	}
	fmt.Fprintf(&b, " * %s, %s = '%s'\n", rec.Account.Acct, field, rec.Value(field))

	return b.String()
}

func sortedKeys(m map[string]trigger.HistoryEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StripHTML removes markup from status content, leaving the text the
// embedding model should see.
func StripHTML(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(html.UnescapeString(b.String()))
}
