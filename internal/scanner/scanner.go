// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

// Package scanner owns the background loop that pulls newly seen
// remote accounts, runs them through the matching engine, and files
// reports, with pagination watermarks, deduplication, and a panic-stop
// breaker against false-positive storms.
package scanner

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/halcy/mastodon-mod-tools/internal/engine"
	"github.com/halcy/mastodon-mod-tools/internal/mastoapi"
	"github.com/halcy/mastodon-mod-tools/internal/trigger"
	"github.com/halcy/mastodon-mod-tools/internal/worker"
	"github.com/halcy/mastodon-mod-tools/pkg/errors"
)

// maxReasonLen bounds the justification text sent with a report; the
// platform rejects longer comments.
const maxReasonLen = 950

// errBackoff is the pause after a failed scan pass before retrying.
const errBackoff = time.Second

// reportPrefix marks filed reports as automated.
const reportPrefix = "/!\\ AUTOMATED DETECTION /!\\\n\nReason: "

// RegistrationChecker answers whether a domain advertises closed
// registrations. Satisfied by *instance.Cache.
type RegistrationChecker interface {
	IsClosedRegistrations(ctx context.Context, domain string) bool
}

// Config holds scanner tunables.
type Config struct {
	// WaitTime is how long to idle between scan passes.
	WaitTime time.Duration
	// PanicStop is the maximum number of reports filed in one pass
	// before the worker trips its breaker and stops itself.
	PanicStop int
	// PreemptiveSilence silences reported accounts immediately,
	// leaving the report open for a moderator to review.
	PreemptiveSilence bool
	// MaxFetchPages bounds pagination per pass.
	MaxFetchPages int
	// IDHistLength bounds the seen-id watermark set.
	IDHistLength int
}

// Scanner is the account scanning worker.
type Scanner struct {
	runner    *worker.Runner
	cfg       Config
	store     *trigger.Store
	engine    *engine.Engine
	client    mastoapi.Client
	instances RegistrationChecker
}

// New creates a Scanner.
func New(cfg Config, store *trigger.Store, eng *engine.Engine, client mastoapi.Client, instances RegistrationChecker) *Scanner {
	return &Scanner{
		runner:    worker.NewRunner("scanner"),
		cfg:       cfg,
		store:     store,
		engine:    eng,
		client:    client,
		instances: instances,
	}
}

// Start launches the scan loop if it is not already running.
func (s *Scanner) Start() { s.runner.Start(s.loop) }

// Stop signals the loop to stop and waits for it to exit.
func (s *Scanner) Stop() { s.runner.Stop() }

// State returns the worker's lifecycle state.
func (s *Scanner) State() worker.State { return s.runner.State() }

func (s *Scanner) loop(ctx context.Context) {
	for !s.runner.Stopping() {
		if err := s.scanPass(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.HasCode(err, errors.CodeScannerPanicStop) {
				// Already logged; the runner is stopping.
				return
			}
			slog.Error("scan pass failed", "error", err)
			s.runner.Wait(ctx, errBackoff)
			continue
		}

		slog.Info("entering waiting state", "component", "scanner")
		s.runner.Wait(ctx, s.cfg.WaitTime)
	}
}

// scanPass is one full iteration: refresh triggers, fetch new
// accounts, checkpoint, evaluate, report, checkpoint again.
func (s *Scanner) scanPass(ctx context.Context) error {
	pass := uuid.NewString()

	if err := s.store.Refresh(ctx); err != nil {
		return err
	}

	accounts, err := s.fetchNewAccounts(ctx)
	if err != nil {
		return err
	}
	slog.Info("checking new users", "pass", pass, "count", len(accounts), "last_checked_id", s.store.LastCheckedID())

	// Checkpoint before evaluating, so a crash mid-evaluation does not
	// replay already-seen accounts.
	if err := s.store.Save(); err != nil {
		slog.Error("trigger snapshot failed", "error", err)
	}

	filed := 0
	tripped := false
	for _, adminAcct := range accounts {
		if s.runner.Stopping() {
			break
		}
		if adminAcct.Account == nil {
			continue
		}

		res, err := s.engine.Evaluate(ctx, engine.AccountRecord(adminAcct.Account), engine.Options{MutateHistory: true})
		if err != nil {
			return err
		}

		for _, target := range res.Targets {
			done, err := s.FileTarget(ctx, target)
			if err != nil {
				slog.Error("filing report failed", "account", target.Account.Acct, "error", err)
				continue
			}
			if !done {
				continue
			}

			filed++
			if s.cfg.PanicStop > 0 && filed >= s.cfg.PanicStop {
				slog.Error("panic stop: reporting users at too great a rate, stopping component", "pass", pass, "reports", filed)
				s.runner.RequestStop()
				tripped = true
				break
			}
		}
	}

	if err := s.store.Save(); err != nil {
		slog.Error("trigger snapshot failed", "error", err)
	}

	if tripped {
		return errors.Errorf(errors.CodeScannerPanicStop, "filed %d reports in one pass", filed)
	}
	return nil
}

// fetchNewAccounts paginates the admin account listing newest-first,
// stopping when it reaches an id seen on a prior pass, the configured
// page bound, or (on the very first run ever) the end of page one.
func (s *Scanner) fetchNewAccounts(ctx context.Context) ([]*mastoapi.AdminAccount, error) {
	firstRun := s.store.LastCheckedID() == ""

	page, err := s.client.AdminAccounts(ctx, "remote", "active")
	if err != nil {
		return nil, err
	}

	var accounts []*mastoapi.AdminAccount
	pages := 1
	for page != nil && len(page.Accounts) > 0 {
		caughtUp := false
		for _, acct := range page.Accounts {
			if s.store.SeenContains(acct.ID) {
				caughtUp = true
				continue
			}
			accounts = append(accounts, acct)
			s.store.ObserveSeen(acct.ID, s.cfg.IDHistLength)
		}

		// On the first run there is no watermark; scanning the entire
		// backlog would be a massive startup cost, so stop after one page.
		if caughtUp || firstRun || pages >= s.cfg.MaxFetchPages {
			break
		}

		page, err = s.client.NextPage(ctx, page)
		if err != nil {
			return nil, err
		}
		pages++
		slog.Info("fetching page", "page", pages)
	}

	for _, acct := range accounts {
		s.store.AdvanceLastChecked(acct.ID)
	}

	return accounts, nil
}

// FileTarget logs the hit, files the report, optionally silences the
// target, and marks it reported. Returns false if the target turned
// out to be already reported (lost a race between the scan loop and
// the status webhook, which share this path).
func (s *Scanner) FileTarget(ctx context.Context, target engine.ReportTarget) (bool, error) {
	if target.Account == nil || s.store.IsReported(target.Account.ID) {
		return false, nil
	}

	reason := target.Reason
	if len(reason) > maxReasonLen {
		// Back up to a rune boundary so the cut never produces
		// invalid UTF-8.
		cut := maxReasonLen
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}

	slog.Info("hit on user", "account", target.Account.Acct, "reason", reason)

	report, err := s.client.FileReport(ctx, target.Account.ID, reportPrefix+reason)
	if err != nil {
		return false, errors.Wrap(err, errors.CodePlatformUpstreamFailure, "filing report",
			errors.FieldAccountID(target.Account.ID))
	}

	if !s.store.MarkReported(target.Account.ID) {
		return false, nil
	}
	if err := s.store.Save(); err != nil {
		slog.Error("trigger snapshot failed after report", "error", err)
	}

	// Trusted/closed communities are not auto-silenced.
	if s.cfg.PreemptiveSilence && !s.instances.IsClosedRegistrations(ctx, target.Account.Domain()) {
		if err := s.client.ModerateAccount(ctx, target.Account.ID, mastoapi.ActionSilence, report.ID); err != nil {
			slog.Error("preemptive silence failed", "account", target.Account.Acct, "error", err)
		} else if err := s.client.ReopenReport(ctx, report.ID); err != nil {
			slog.Error("reopening report after silence failed", "report", report.ID, "error", err)
		}
	}

	return true, nil
}
