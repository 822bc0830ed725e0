// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

// Package mastoapi is the boundary to the moderation platform. The
// core depends only on the Client interface; the REST implementation
// speaks the Mastodon admin API.
package mastoapi

import "context"

// ModerationAction names a server-side moderation measure.
type ModerationAction string

const (
	ActionSilence ModerationAction = "silence"
	ActionSuspend ModerationAction = "suspend"
)

// Client is the set of platform calls the moderation core needs.
type Client interface {
	// AdminAccounts lists accounts visible to the admin, newest first.
	AdminAccounts(ctx context.Context, origin, status string) (*AccountsPage, error)
	// NextPage fetches the page after p, or nil when p was the last one.
	NextPage(ctx context.Context, p *AccountsPage) (*AccountsPage, error)

	Account(ctx context.Context, id string) (*Account, error)
	AccountStatuses(ctx context.Context, id string, limit int) ([]*Status, error)

	FileReport(ctx context.Context, accountID, comment string) (*Report, error)
	AdminReports(ctx context.Context, resolved bool) ([]*Report, error)
	ResolveReport(ctx context.Context, reportID string) error
	ReopenReport(ctx context.Context, reportID string) error

	// ModerateAccount applies a silence or suspend action, optionally
	// linked to the report that motivated it.
	ModerateAccount(ctx context.Context, accountID string, action ModerationAction, reportID string) error
	UnsilenceAccount(ctx context.Context, accountID string) error

	AdminDomainBlocks(ctx context.Context) ([]*DomainBlock, error)
	CreateDomainBlock(ctx context.Context, domain, severity, privateComment, publicComment string) (*DomainBlock, error)
	InstancePeers(ctx context.Context) ([]string, error)
}
