// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/halcy/mastodon-mod-tools/internal/engine"
	"github.com/halcy/mastodon-mod-tools/internal/mastoapi"
	"github.com/halcy/mastodon-mod-tools/internal/worker"
)

// Component is a background worker the dashboard can control.
type Component interface {
	Start()
	Stop()
	State() worker.State
}

// ReportFiler files a report for one engine target, deduplicating
// against already-reported accounts. Satisfied by *scanner.Scanner.
type ReportFiler interface {
	FileTarget(ctx context.Context, target engine.ReportTarget) (bool, error)
}

// ReportIngester takes a report delivered by webhook and exposes the
// count of unresolved reports for the dashboard. Satisfied by
// *ledger.Ledger.
type ReportIngester interface {
	ProcessReport(report *mastoapi.Report)
	OpenCount() int
}

// GraylistChecker runs the per-status unsilence check. Satisfied by
// *graylist.Graylist; nil disables graylisting.
type GraylistChecker interface {
	CheckUser(ctx context.Context, account *mastoapi.Account, statuses []*mastoapi.Status) error
}

// RegistrationChecker answers whether a domain has closed
// registrations. Satisfied by *instance.Cache.
type RegistrationChecker interface {
	IsClosedRegistrations(ctx context.Context, domain string) bool
}

// Deps are the collaborators the HTTP surface dispatches into.
type Deps struct {
	Engine    *engine.Engine
	Filer     ReportFiler
	Ledger    ReportIngester
	Graylist  GraylistChecker
	Instances RegistrationChecker

	// Components maps dashboard names to controllable workers.
	Components map[string]Component
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.router.Route("/webhooks", func(r chi.Router) {
		r.Use(hmacAuth(s.cfg.WebhookSecret))
		r.Post("/status", s.handleStatusWebhook)
		r.Post("/report", s.handleReportWebhook)
	})

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Route("/components/{name}", func(r chi.Router) {
			r.Post("/start", s.handleComponentStart)
			r.Post("/stop", s.handleComponentStop)
			r.Get("/state", s.handleComponentState)
		})
	})
}

func (s *Server) component(w http.ResponseWriter, r *http.Request) (string, Component, bool) {
	name := chi.URLParam(r, "name")
	c, ok := s.deps.Components[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such component: " + name})
		return "", nil, false
	}
	return name, c, true
}

func (s *Server) handleComponentStart(w http.ResponseWriter, r *http.Request) {
	name, c, ok := s.component(w, r)
	if !ok {
		return
	}
	c.Start()
	writeJSON(w, http.StatusOK, componentState{Component: name, State: c.State()})
}

func (s *Server) handleComponentStop(w http.ResponseWriter, r *http.Request) {
	name, c, ok := s.component(w, r)
	if !ok {
		return
	}
	c.Stop()
	writeJSON(w, http.StatusOK, componentState{Component: name, State: c.State()})
}

func (s *Server) handleComponentState(w http.ResponseWriter, r *http.Request) {
	name, c, ok := s.component(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, componentState{Component: name, State: c.State()})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	states := make(map[string]worker.State, len(s.deps.Components))
	for name, c := range s.deps.Components {
		states[name] = c.State()
	}
	payload := map[string]any{"components": states}
	if s.deps.Ledger != nil {
		payload["open_reports"] = s.deps.Ledger.OpenCount()
	}
	writeJSON(w, http.StatusOK, payload)
}

type componentState struct {
	Component string       `json:"component"`
	State     worker.State `json:"state"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
