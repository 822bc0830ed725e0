// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

// Package ledger tracks moderation reports pulled from the platform,
// reconciles them on an interval, and auto-escalates targets whose
// recent posting history is uniformly bad.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/halcy/mastodon-mod-tools/internal/engine"
	"github.com/halcy/mastodon-mod-tools/internal/mastoapi"
	"github.com/halcy/mastodon-mod-tools/internal/snapshot"
	"github.com/halcy/mastodon-mod-tools/internal/worker"
	"github.com/halcy/mastodon-mod-tools/pkg/errors"
)

// Config holds ledger tunables.
type Config struct {
	// SnapshotPath is where the report ledger is persisted.
	SnapshotPath string
	// ReconcileInterval is the time between reconciliation passes.
	ReconcileInterval time.Duration
	// BadStatusNb is how many recent statuses an autoclose check
	// fetches; fewer than this available leaves the report open.
	BadStatusNb int
	// BadStatusThresh is the likelihood at or above which a status
	// counts as bad.
	BadStatusThresh float64
}

// ledgerState is the persisted shape of the ledger. The open index is
// derived, not stored.
type ledgerState struct {
	Reports map[string]*mastoapi.Report `json:"reports"`
}

// Ledger is the report reconciliation component.
type Ledger struct {
	runner *worker.Runner
	cfg    Config
	client mastoapi.Client
	engine *engine.Engine

	// reconciling serializes reconcile passes; contenders skip.
	reconciling sync.Mutex

	mu           sync.Mutex
	reports      map[string]*mastoapi.Report
	openByTarget map[string]string // account id -> report id
}

// New creates a Ledger, loading a prior snapshot if one exists.
func New(cfg Config, client mastoapi.Client, eng *engine.Engine) (*Ledger, error) {
	l := &Ledger{
		runner:       worker.NewRunner("ledger"),
		cfg:          cfg,
		client:       client,
		engine:       eng,
		reports:      map[string]*mastoapi.Report{},
		openByTarget: map[string]string{},
	}

	var state ledgerState
	err := snapshot.Load(cfg.SnapshotPath, &state)
	switch {
	case err == nil:
		if state.Reports != nil {
			l.reports = state.Reports
		}
		for id, report := range l.reports {
			if !report.ActionTaken {
				if target := report.TargetID(); target != "" {
					l.openByTarget[target] = id
				}
			}
		}
	case errors.IsNotFound(err):
		slog.Info("no report snapshot, starting empty", "path", cfg.SnapshotPath)
	default:
		return nil, err
	}

	return l, nil
}

// Start launches the reconcile loop if it is not already running.
func (l *Ledger) Start() { l.runner.Start(l.loop) }

// Stop signals the loop to stop and waits for it to exit.
func (l *Ledger) Stop() { l.runner.Stop() }

// State returns the worker's lifecycle state.
func (l *Ledger) State() worker.State { return l.runner.State() }

func (l *Ledger) loop(ctx context.Context) {
	for !l.runner.Stopping() {
		if err := l.Reconcile(ctx); err != nil && !errors.IsConflict(err) {
			if ctx.Err() != nil {
				return
			}
			slog.Error("report reconciliation failed", "error", err)
		}
		l.runner.Wait(ctx, l.cfg.ReconcileInterval)
	}
}

// HasOpenReport reports whether the target account currently has an
// unresolved report in the ledger.
func (l *Ledger) HasOpenReport(accountID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.openByTarget[accountID]
	return ok
}

// OpenCount returns the number of unresolved reports.
func (l *Ledger) OpenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.openByTarget)
}

// ProcessReport ingests one report delivered out of band (the report
// webhook) and kicks off a reconciliation so it is evaluated without
// waiting for the next tick.
func (l *Ledger) ProcessReport(report *mastoapi.Report) {
	l.upsert(report)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ReconcileInterval)
		defer cancel()
		if err := l.Reconcile(ctx); err != nil && !errors.IsConflict(err) {
			slog.Error("report reconciliation failed", "error", err)
		}
	}()
}

// upsert records a report and keeps the open index consistent with its
// resolved flag.
func (l *Ledger) upsert(report *mastoapi.Report) {
	if report == nil || report.ID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reports[report.ID] = report
	target := report.TargetID()
	if target == "" {
		return
	}
	if report.ActionTaken {
		if l.openByTarget[target] == report.ID {
			delete(l.openByTarget, target)
		}
	} else {
		l.openByTarget[target] = report.ID
	}
}

// markResolved flips a report closed locally after the platform
// accepted the resolve call.
func (l *Ledger) markResolved(reportID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	report, ok := l.reports[reportID]
	if !ok {
		return
	}
	report.ActionTaken = true
	if target := report.TargetID(); target != "" && l.openByTarget[target] == reportID {
		delete(l.openByTarget, target)
	}
}

// openReports returns a stable copy of the open index for iteration
// outside the lock.
func (l *Ledger) openReports() map[string]*mastoapi.Report {
	l.mu.Lock()
	defer l.mu.Unlock()

	open := make(map[string]*mastoapi.Report, len(l.openByTarget))
	for target, id := range l.openByTarget {
		if report, ok := l.reports[id]; ok {
			open[target] = report
		}
	}
	return open
}

// Reconcile pulls the platform's view of all reports, then runs the
// autoclose check over every open one. A reconciliation already in
// progress causes the call to skip, not queue.
func (l *Ledger) Reconcile(ctx context.Context) error {
	if !l.reconciling.TryLock() {
		return errors.New(errors.CodeLedgerReconcileBusy, "reconciliation already in progress")
	}
	defer l.reconciling.Unlock()

	for _, resolved := range []bool{false, true} {
		reports, err := l.client.AdminReports(ctx, resolved)
		if err != nil {
			return err
		}
		for _, report := range reports {
			l.upsert(report)
		}
	}

	open := l.openReports()
	slog.Info("reconciling reports", "open", len(open))

	for target, report := range open {
		if l.runner.Stopping() || ctx.Err() != nil {
			break
		}
		if err := l.checkOpenReport(ctx, target, report); err != nil {
			slog.Error("autoclose check failed", "report", report.ID, "error", err)
		}
	}

	if err := l.save(); err != nil {
		slog.Error("report snapshot failed", "error", err)
	}

	return nil
}

// checkOpenReport decides one open report: resolve it when the target
// is gone, escalate and resolve when the target's N most recent
// statuses all score bad, otherwise leave it open.
func (l *Ledger) checkOpenReport(ctx context.Context, target string, report *mastoapi.Report) error {
	_, err := l.client.Account(ctx, target)
	if errors.IsNotFound(err) {
		slog.Info("report target gone, resolving", "report", report.ID, "account", target)
		if err := l.client.ResolveReport(ctx, report.ID); err != nil {
			return errors.Wrap(err, errors.CodePlatformUpstreamFailure, "resolving report",
				errors.FieldReportID(report.ID))
		}
		l.markResolved(report.ID)
		return nil
	}
	if err != nil {
		return err
	}

	statuses, err := l.client.AccountStatuses(ctx, target, l.cfg.BadStatusNb)
	if err != nil {
		return err
	}
	if len(statuses) < l.cfg.BadStatusNb {
		// Not enough signal yet.
		return nil
	}

	bad := 0
	for _, status := range statuses {
		res, err := l.engine.Evaluate(ctx, engine.StatusRecord(status), engine.Options{
			MutateHistory: false,
			Fields:        []string{"status"},
		})
		if err != nil {
			return err
		}
		if res.BestLikelihood >= l.cfg.BadStatusThresh {
			bad++
		}
	}
	if bad < len(statuses) {
		return nil
	}

	slog.Info("all recent statuses bad, suspending and resolving", "report", report.ID, "account", target, "statuses", bad)
	if err := l.client.ModerateAccount(ctx, target, mastoapi.ActionSuspend, report.ID); err != nil {
		return errors.Wrap(err, errors.CodePlatformUpstreamFailure, "suspending account",
			errors.FieldAccountID(target), errors.FieldReportID(report.ID))
	}
	if err := l.client.ResolveReport(ctx, report.ID); err != nil {
		return errors.Wrap(err, errors.CodePlatformUpstreamFailure, "resolving report",
			errors.FieldReportID(report.ID))
	}
	l.markResolved(report.ID)
	return nil
}

func (l *Ledger) save() error {
	l.mu.Lock()
	state := ledgerState{Reports: make(map[string]*mastoapi.Report, len(l.reports))}
	for id, report := range l.reports {
		state.Reports[id] = report
	}
	l.mu.Unlock()

	return snapshot.Save(l.cfg.SnapshotPath, &state)
}
