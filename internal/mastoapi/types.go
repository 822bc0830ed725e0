// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

package mastoapi

import (
	"encoding/json"
	"strings"
	"time"
)

// Account is the subset of a fediverse account record the moderation
// core evaluates. Profile fields are addressed by name through
// FieldValue so the trigger configuration can monitor any of them.
type Account struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Acct        string    `json:"acct"`
	DisplayName string    `json:"display_name"`
	Note        string    `json:"note"`
	Avatar      string    `json:"avatar"`
	Header      string    `json:"header"`
	Limited     bool      `json:"limited"`
	CreatedAt   time.Time `json:"created_at"`
}

// Domain returns the account's home instance, or "" for local accounts.
func (a *Account) Domain() string {
	if a == nil {
		return ""
	}
	idx := strings.LastIndex(a.Acct, "@")
	if idx < 0 {
		return ""
	}
	return a.Acct[idx+1:]
}

// FieldValue returns the named profile field, or "" if the account has
// no such field.
func (a *Account) FieldValue(field string) string {
	if a == nil {
		return ""
	}
	switch field {
	case "username":
		return a.Username
	case "acct":
		return a.Acct
	case "display_name":
		return a.DisplayName
	case "note":
		return a.Note
	case "avatar":
		return a.Avatar
	case "header":
		return a.Header
	default:
		return ""
	}
}

// AdminAccount is an account as seen through the admin listing API.
type AdminAccount struct {
	ID      string   `json:"id"`
	Domain  string   `json:"domain"`
	Account *Account `json:"account"`
}

// Status is a single post by an account.
type Status struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Account   *Account  `json:"account"`
	CreatedAt time.Time `json:"created_at"`
}

// Report is a moderation report as returned by the admin API. Raw
// preserves the full upstream payload so the ledger snapshot
// round-trips fields the core does not model.
type Report struct {
	ID            string          `json:"id"`
	ActionTaken   bool            `json:"action_taken"`
	Comment       string          `json:"comment"`
	TargetAccount *Account        `json:"target_account"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// TargetID returns the reported account's id, or "" when the payload
// carried no target.
func (r *Report) TargetID() string {
	if r == nil || r.TargetAccount == nil {
		return ""
	}
	return r.TargetAccount.ID
}

// DomainBlock is one entry of the instance-level block list.
type DomainBlock struct {
	ID             string    `json:"id"`
	Domain         string    `json:"domain"`
	Severity       string    `json:"severity"`
	PrivateComment string    `json:"private_comment"`
	PublicComment  string    `json:"public_comment"`
	CreatedAt      time.Time `json:"created_at"`
}

// AccountsPage is one page of an admin account listing, newest first.
type AccountsPage struct {
	Accounts []*AdminAccount

	// nextURL is the rel="next" link of the page, empty on the last page.
	nextURL string
}

// HasNext reports whether another page can be fetched.
func (p *AccountsPage) HasNext() bool {
	return p != nil && p.nextURL != ""
}
