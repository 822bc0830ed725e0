// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

// Package snapshot persists component state as atomically-replaced JSON
// files. A snapshot is written to a temporary file in the target
// directory, synced, then renamed over the previous generation, so a
// crash mid-write never leaves a truncated or mixed-generation file.
package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"

	mmerr "github.com/halcy/mastodon-mod-tools/pkg/errors"
)

// Save writes v as JSON to path via write-to-temp-then-rename.
func Save(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return mmerr.Wrap(err, mmerr.CodeSnapshotWriteFailure, "marshalling snapshot", mmerr.Field("path", path))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return mmerr.Wrap(err, mmerr.CodeSnapshotWriteFailure, "creating snapshot directory", mmerr.Field("path", dir))
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return mmerr.Wrap(err, mmerr.CodeSnapshotWriteFailure, "creating temp snapshot", mmerr.Field("path", path))
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return mmerr.Wrap(err, mmerr.CodeSnapshotWriteFailure, "writing temp snapshot", mmerr.Field("path", tmpName))
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return mmerr.Wrap(err, mmerr.CodeSnapshotWriteFailure, "syncing temp snapshot", mmerr.Field("path", tmpName))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return mmerr.Wrap(err, mmerr.CodeSnapshotWriteFailure, "closing temp snapshot", mmerr.Field("path", tmpName))
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return mmerr.Wrap(err, mmerr.CodeSnapshotWriteFailure, "replacing snapshot", mmerr.Field("path", path))
	}

	return nil
}

// Load reads a JSON snapshot from path into v. A missing file is
// reported with a not-found code so callers can treat it as "start
// empty" rather than a failure.
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mmerr.Wrap(err, mmerr.CodeSnapshotNotFound, "no snapshot", mmerr.Field("path", path))
		}
		return mmerr.Wrap(err, mmerr.CodeSnapshotReadFailure, "reading snapshot", mmerr.Field("path", path))
	}

	if err := json.Unmarshal(data, v); err != nil {
		return mmerr.Wrap(err, mmerr.CodeSnapshotReadFailure, "unmarshalling snapshot", mmerr.Field("path", path))
	}

	return nil
}
