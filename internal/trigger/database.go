// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

// Package trigger owns the trigger database: reference fingerprints
// per monitored field, per-field configuration, rolling history of
// recently evaluated records, and the seen/reported bookkeeping the
// scanning worker checkpoints between runs.
package trigger

import (
	"sort"

	"github.com/halcy/mastodon-mod-tools/internal/embed"
	"github.com/halcy/mastodon-mod-tools/internal/mastoapi"
	mmerr "github.com/halcy/mastodon-mod-tools/pkg/errors"
)

// FieldKind distinguishes text fields from image fields.
type FieldKind string

const (
	FieldKindText  FieldKind = "text"
	FieldKindImage FieldKind = "image"
)

// FieldConfig is the per-field matching configuration, reloaded
// wholesale from the reference source on every refresh.
type FieldConfig struct {
	Kind             FieldKind `json:"type"`
	Threshold        float64   `json:"threshold"`
	ThresholdSimilar float64   `json:"threshold_similar"`
	MinLen           int       `json:"min_len"`
	Ignore           []string  `json:"ignore"`
}

// Ignores reports whether value is on the field's ignore list. The
// list holds values that carry no signal, like the default avatar URL
// or the instance's internal fetch actor.
func (c FieldConfig) Ignores(value string) bool {
	for _, ignored := range c.Ignore {
		if value == ignored {
			return true
		}
	}
	return false
}

// SourceConfig is the classifier configuration read from config.json
// in the reference source directory.
type SourceConfig struct {
	Fields                     map[string]FieldConfig `json:"fields"`
	OverallThresholdLikelihood float64                `json:"overall_threshold_likelihood"`
	OverallThresholdFlags      int                    `json:"overall_threshold_flags"`
	SimilarUsersCountThreshold int                    `json:"similar_users_count_threshold"`
	SimilarUsersThresholdFlags int                    `json:"similar_users_threshold_flags"`
	SimilarUsersHistoryLength  int                    `json:"similar_users_history_length"`
}

// Validate checks the source config for values that would make the
// decision rules degenerate (a zero flag threshold reports everyone).
func (c *SourceConfig) Validate() []error {
	var errs []error

	if c.OverallThresholdLikelihood <= 0 || c.OverallThresholdLikelihood > 1 {
		errs = append(errs, mmerr.Errorf(mmerr.CodeTriggerSourceInvalid,
			"overall_threshold_likelihood must be in (0, 1], got %g", c.OverallThresholdLikelihood))
	}
	if c.OverallThresholdFlags < 1 {
		errs = append(errs, mmerr.Errorf(mmerr.CodeTriggerSourceInvalid,
			"overall_threshold_flags must be at least 1, got %d", c.OverallThresholdFlags))
	}
	if c.SimilarUsersCountThreshold < 1 {
		errs = append(errs, mmerr.Errorf(mmerr.CodeTriggerSourceInvalid,
			"similar_users_count_threshold must be at least 1, got %d", c.SimilarUsersCountThreshold))
	}
	if c.SimilarUsersThresholdFlags < 1 {
		errs = append(errs, mmerr.Errorf(mmerr.CodeTriggerSourceInvalid,
			"similar_users_threshold_flags must be at least 1, got %d", c.SimilarUsersThresholdFlags))
	}
	if c.SimilarUsersHistoryLength < 1 {
		errs = append(errs, mmerr.Errorf(mmerr.CodeTriggerSourceInvalid,
			"similar_users_history_length must be at least 1, got %d", c.SimilarUsersHistoryLength))
	}

	for name, fc := range c.Fields {
		if fc.Kind != FieldKindText && fc.Kind != FieldKindImage {
			errs = append(errs, mmerr.Errorf(mmerr.CodeTriggerSourceInvalid,
				"field %s: type must be text or image, got %q", name, fc.Kind))
		}
		if fc.Threshold <= 0 || fc.Threshold > 1 {
			errs = append(errs, mmerr.Errorf(mmerr.CodeTriggerSourceInvalid,
				"field %s: threshold must be in (0, 1], got %g", name, fc.Threshold))
		}
		if fc.ThresholdSimilar <= 0 || fc.ThresholdSimilar > 1 {
			errs = append(errs, mmerr.Errorf(mmerr.CodeTriggerSourceInvalid,
				"field %s: threshold_similar must be in (0, 1], got %g", name, fc.ThresholdSimilar))
		}
	}

	return errs
}

// ReferenceEntry is one known-bad fingerprint: a label (the reference
// text, or an image file name) and its embedding.
type ReferenceEntry struct {
	Label  string       `json:"label"`
	Vector embed.Vector `json:"vector"`
}

// HistoryEntry is one recently evaluated record for a field: the
// account it belonged to, the field values that were evaluated, and
// the embedding of this field's value.
type HistoryEntry struct {
	Account *mastoapi.Account `json:"account"`
	Fields  map[string]string `json:"fields"`
	Vector  embed.Vector      `json:"vector"`
}

// Matrix is the stacked reference embeddings of one field. Row i MUST
// equal the i-th inserted reference vector; it is rebuilt whenever the
// reference list for the field changes.
type Matrix []embed.Vector

// Scores returns the cosine similarity of v against every row.
func (m Matrix) Scores(v embed.Vector) []float64 {
	scores := make([]float64, len(m))
	for i, row := range m {
		scores[i] = row.Dot(v)
	}
	return scores
}

// Database is the persisted unit. References are ordered slices, not
// maps: insertion order is significant and must round-trip exactly.
type Database struct {
	Config        *SourceConfig               `json:"config"`
	References    map[string][]ReferenceEntry `json:"references"`
	History       map[string][]HistoryEntry   `json:"history"`
	SeenIDs       []string                    `json:"seen_ids"`
	ReportedIDs   map[string]bool             `json:"reported_ids"`
	LastCheckedID string                      `json:"last_checked_id"`

	// matrices are derived from References and rebuilt after load or
	// mutation; never serialized.
	matrices map[string]Matrix
}

// NewDatabase returns an empty trigger database.
func NewDatabase() *Database {
	return &Database{
		References:  make(map[string][]ReferenceEntry),
		History:     make(map[string][]HistoryEntry),
		ReportedIDs: make(map[string]bool),
		matrices:    make(map[string]Matrix),
	}
}

// RebuildMatrices recomputes every field's matrix from its reference
// list, restoring the row-order invariant after a snapshot load.
func (d *Database) RebuildMatrices() {
	d.matrices = make(map[string]Matrix, len(d.References))
	for field := range d.References {
		d.rebuildMatrix(field)
	}
}

func (d *Database) rebuildMatrix(field string) {
	refs := d.References[field]
	m := make(Matrix, len(refs))
	for i, ref := range refs {
		m[i] = ref.Vector
	}
	d.matrices[field] = m
}

// Matrix returns the reference matrix for field, or nil if the field
// has no references.
func (d *Database) Matrix(field string) Matrix {
	return d.matrices[field]
}

// MonitoredFields returns the fields that currently have reference
// fingerprints, in stable order.
func (d *Database) MonitoredFields() []string {
	fields := make([]string, 0, len(d.References))
	for field := range d.References {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// hasReference reports whether field already holds a reference with
// the given label.
func (d *Database) hasReference(field, label string) bool {
	for _, ref := range d.References[field] {
		if ref.Label == label {
			return true
		}
	}
	return false
}

// idLess orders platform ids: they are decimal strings, so a shorter
// id is always smaller and equal lengths compare lexicographically.
func idLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
