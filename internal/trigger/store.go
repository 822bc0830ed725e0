// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/halcy/mastodon-mod-tools/internal/embed"
	"github.com/halcy/mastodon-mod-tools/internal/snapshot"
	mmerr "github.com/halcy/mastodon-mod-tools/pkg/errors"
)

// StoreConfig configures a Store.
type StoreConfig struct {
	// SnapshotPath is where the database checkpoint lives.
	SnapshotPath string
	// RawDir is the reference source root: config.json, one
	// <field>.json flat list per text field, one <field>/ directory
	// of images per image field.
	RawDir string
	// ImageExtensions are the recognized image file suffixes, without
	// the leading dot.
	ImageExtensions []string
	// Provider embeds new reference entries during refresh.
	Provider embed.Provider
}

// Store owns a Database and serializes access to it. Mutating entry
// points are short append-and-trim operations; refresh, the only
// read-modify-rebuild operation, prepares everything off-lock and
// applies under the exclusive section.
type Store struct {
	mu  sync.RWMutex
	cfg StoreConfig
	db  *Database
}

// NewStore creates a Store, restoring the persisted snapshot from
// SnapshotPath if one exists.
func NewStore(cfg StoreConfig) (*Store, error) {
	s := &Store{cfg: cfg, db: NewDatabase()}

	var loaded Database
	err := snapshot.Load(cfg.SnapshotPath, &loaded)
	switch {
	case err == nil:
		if loaded.References == nil {
			loaded.References = make(map[string][]ReferenceEntry)
		}
		if loaded.History == nil {
			loaded.History = make(map[string][]HistoryEntry)
		}
		if loaded.ReportedIDs == nil {
			loaded.ReportedIDs = make(map[string]bool)
		}
		loaded.RebuildMatrices()
		s.db = &loaded
		slog.Info("trigger database restored",
			"path", cfg.SnapshotPath,
			"fields", len(loaded.References),
			"reported", len(loaded.ReportedIDs))
	case mmerr.IsNotFound(err):
		slog.Info("no trigger snapshot, starting empty", "path", cfg.SnapshotPath)
	default:
		return nil, err
	}

	return s, nil
}

// Refresh reloads the field configuration and embeds reference entries
// not yet present. It either applies a complete update or, when the
// reference source is unreachable, fails without mutating any state.
func (s *Store) Refresh(ctx context.Context) error {
	srcCfg, err := s.loadSourceConfig()
	if err != nil {
		return err
	}

	type newEntry struct {
		field string
		entry ReferenceEntry
	}
	var added []newEntry

	fields := make([]string, 0, len(srcCfg.Fields))
	for field := range srcCfg.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		fieldCfg := srcCfg.Fields[field]

		labels, sources, err := s.listReferenceSource(field, fieldCfg)
		if err != nil {
			return err
		}

		for i, label := range labels {
			s.mu.RLock()
			present := s.db.hasReference(field, label)
			s.mu.RUnlock()
			if present {
				continue
			}

			var vec embed.Vector
			switch fieldCfg.Kind {
			case FieldKindText:
				vec, err = s.cfg.Provider.EmbedText(ctx, label)
			case FieldKindImage:
				vec, err = s.cfg.Provider.EmbedImage(ctx, sources[i])
			}
			if err != nil {
				// A half-embedded refresh must not be applied; the next
				// cycle retries from scratch.
				return mmerr.Wrap(err, mmerr.CodeTriggerSourceUnreachable,
					"embedding reference entry",
					mmerr.FieldTriggerField(field), mmerr.Field("label", label))
			}

			added = append(added, newEntry{field: field, entry: ReferenceEntry{Label: label, Vector: vec}})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.db.Config = srcCfg

	dirty := make(map[string]bool)
	for _, a := range added {
		if s.db.hasReference(a.field, a.entry.Label) {
			continue
		}
		s.db.References[a.field] = append(s.db.References[a.field], a.entry)
		dirty[a.field] = true
	}
	for field := range dirty {
		s.db.rebuildMatrix(field)
	}

	if len(dirty) > 0 {
		slog.Info("trigger references updated", "new_entries", len(added), "fields_rebuilt", len(dirty))
	}

	return nil
}

func (s *Store) loadSourceConfig() (*SourceConfig, error) {
	path := filepath.Join(s.cfg.RawDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mmerr.Wrap(err, mmerr.CodeTriggerSourceUnreachable, "reading trigger config", mmerr.Field("path", path))
	}

	var srcCfg SourceConfig
	if err := json.Unmarshal(data, &srcCfg); err != nil {
		return nil, mmerr.Wrap(err, mmerr.CodeTriggerSourceInvalid, "parsing trigger config", mmerr.Field("path", path))
	}
	if errs := srcCfg.Validate(); len(errs) > 0 {
		return nil, mmerr.Wrap(errors.Join(errs...), mmerr.CodeTriggerSourceInvalid, "validating trigger config", mmerr.Field("path", path))
	}

	return &srcCfg, nil
}

// listReferenceSource enumerates the reference entries for one field.
// It returns parallel slices of labels and embed sources (for text
// fields the label is its own source).
func (s *Store) listReferenceSource(field string, fieldCfg FieldConfig) ([]string, []string, error) {
	switch fieldCfg.Kind {
	case FieldKindText:
		path := filepath.Join(s.cfg.RawDir, field+".json")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, mmerr.Wrap(err, mmerr.CodeTriggerSourceUnreachable, "reading reference list", mmerr.Field("path", path))
		}
		var texts []string
		if err := json.Unmarshal(data, &texts); err != nil {
			return nil, nil, mmerr.Wrap(err, mmerr.CodeTriggerSourceInvalid, "parsing reference list", mmerr.Field("path", path))
		}
		return texts, texts, nil

	case FieldKindImage:
		dir := filepath.Join(s.cfg.RawDir, field)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil, nil
			}
			return nil, nil, mmerr.Wrap(err, mmerr.CodeTriggerSourceUnreachable, "listing reference images", mmerr.Field("path", dir))
		}

		var labels, sources []string
		for _, entry := range entries {
			if entry.IsDir() || !s.recognizedImage(entry.Name()) {
				continue
			}
			labels = append(labels, entry.Name())
			sources = append(sources, filepath.Join(dir, entry.Name()))
		}
		return labels, sources, nil
	}

	return nil, nil, mmerr.Errorf(mmerr.CodeTriggerSourceInvalid, "field %s: unknown kind %q", field, fieldCfg.Kind)
}

func (s *Store) recognizedImage(name string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	for _, allowed := range s.cfg.ImageExtensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// Save persists the database via an atomic snapshot.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot.Save(s.cfg.SnapshotPath, s.db)
}

// SourceConfig returns the current classifier configuration, or nil
// before the first successful refresh. The returned value is treated
// as immutable: refresh replaces the pointer wholesale.
func (s *Store) SourceConfig() *SourceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Config
}

// MonitoredFields returns the fields that can currently be evaluated.
func (s *Store) MonitoredFields() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.MonitoredFields()
}

// References returns a copy of the field's reference entries in
// insertion order.
func (s *Store) References(field string) []ReferenceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := s.db.References[field]
	out := make([]ReferenceEntry, len(refs))
	copy(out, refs)
	return out
}

// MatrixRows returns a copy of the field's reference matrix rows.
func (s *Store) MatrixRows(field string) []embed.Vector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.db.Matrix(field)
	out := make([]embed.Vector, len(m))
	copy(out, m)
	return out
}

// BestReference computes the highest cosine similarity of v against
// the field's reference matrix. ok is false when the field has no
// references.
func (s *Store) BestReference(field string, v embed.Vector) (likelihood float64, label string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.db.Matrix(field)
	if len(m) == 0 {
		return 0, "", false
	}

	best := -1.0
	bestIdx := 0
	for i, score := range m.Scores(v) {
		if score > best {
			best = score
			bestIdx = i
		}
	}
	return best, s.db.References[field][bestIdx].Label, true
}

// SimilarHistory returns the history entries for field whose stored
// embedding exceeds threshold similarity with v.
func (s *Store) SimilarHistory(field string, v embed.Vector, threshold float64) []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []HistoryEntry
	for _, entry := range s.db.History[field] {
		if entry.Vector.Dot(v) > threshold {
			matches = append(matches, entry)
		}
	}
	return matches
}

// AppendHistory appends an entry to the field's rolling history,
// trimming to maxLen with FIFO eviction.
func (s *Store) AppendHistory(field string, entry HistoryEntry, maxLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist := append(s.db.History[field], entry)
	if maxLen > 0 && len(hist) > maxLen {
		hist = hist[len(hist)-maxLen:]
	}
	s.db.History[field] = hist
}

// HistoryLen returns the current history length for field.
func (s *Store) HistoryLen(field string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.db.History[field])
}

// IsReported reports whether a report for the account id has already
// been filed.
func (s *Store) IsReported(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.ReportedIDs[id]
}

// MarkReported records that a report was filed for id. It returns
// false if the id was already marked.
func (s *Store) MarkReported(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db.ReportedIDs[id] {
		return false
	}
	s.db.ReportedIDs[id] = true
	return true
}

// SeenContains reports whether id is in the pagination watermark set.
func (s *Store) SeenContains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, seen := range s.db.SeenIDs {
		if seen == id {
			return true
		}
	}
	return false
}

// ObserveSeen appends id to the seen set, trimming to bound.
func (s *Store) ObserveSeen(id string, bound int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.db.SeenIDs = append(s.db.SeenIDs, id)
	if bound > 0 && len(s.db.SeenIDs) > bound {
		s.db.SeenIDs = s.db.SeenIDs[len(s.db.SeenIDs)-bound:]
	}
}

// LastCheckedID returns the pagination watermark; "" before the very
// first completed fetch.
func (s *Store) LastCheckedID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.LastCheckedID
}

// AdvanceLastChecked raises the watermark to id if it is greater.
func (s *Store) AdvanceLastChecked(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db.LastCheckedID == "" || idLess(s.db.LastCheckedID, id) {
		s.db.LastCheckedID = id
	}
}
