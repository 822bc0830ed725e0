// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

package scanner

import (
	"context"

	"github.com/halcy/mastodon-mod-tools/internal/mastoapi"
)

// FetchNewAccounts exposes pagination for tests.
func (s *Scanner) FetchNewAccounts(ctx context.Context) ([]*mastoapi.AdminAccount, error) {
	return s.fetchNewAccounts(ctx)
}
