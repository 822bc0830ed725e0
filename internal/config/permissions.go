// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

//go:build !windows

package config

import (
	"io/fs"
	"log/slog"
	"os"
)

// WarnInsecurePermissions logs a warning when the config file is group-
// or world-readable. The file carries the admin access token and the
// webhook secret, so anything looser than 0600 exposes them to other
// users on the host. Best effort: startup proceeds either way.
func WarnInsecurePermissions(path string) {
	if path == "" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		slog.Debug("could not stat config file for permission check", "path", path, "error", err)
		return
	}

	const groupRead fs.FileMode = 0o040
	const otherRead fs.FileMode = 0o004

	perm := info.Mode().Perm()
	if perm&(groupRead|otherRead) != 0 {
		slog.Warn("config file is readable by other users, tokens may be exposed",
			"path", path,
			"mode", info.Mode(),
			"recommended", "0600",
		)
	}
}
