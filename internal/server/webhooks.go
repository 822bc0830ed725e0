// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/halcy/mastodon-mod-tools/internal/engine"
	"github.com/halcy/mastodon-mod-tools/internal/mastoapi"
)

// signatureHeader carries the webhook body HMAC, hex-encoded with a
// "sha256=" prefix.
const signatureHeader = "X-Hub-Signature"

// maxWebhookBody bounds how much of a webhook payload is read.
const maxWebhookBody = 1 << 20

// hmacAuth verifies the body signature before the handler runs. A
// missing header, a bad signature, or an unset secret all reject the
// request with 403 and no state change.
func hmacAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
			if err != nil {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
				return
			}

			sig := r.Header.Get(signatureHeader)
			if !validSignature(secret, body, sig) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func validSignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// statusWebhookPayload is the platform's status.created event shape.
type statusWebhookPayload struct {
	Object *mastoapi.Status `json:"object"`
}

// reportWebhookPayload is the platform's report.created event shape.
type reportWebhookPayload struct {
	Object json.RawMessage `json:"object"`
}

// handleStatusWebhook screens a freshly created status. Statuses from
// closed-registration instances are trusted and short-circuit to ok;
// everything else runs through the matching engine, and hits file
// reports immediately.
func (s *Server) handleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	var payload statusWebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Object == nil || payload.Object.Account == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}
	status := payload.Object
	account := status.Account

	if s.deps.Instances != nil && s.deps.Instances.IsClosedRegistrations(r.Context(), account.Domain()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	res, err := s.deps.Engine.Evaluate(r.Context(), engine.StatusRecord(status), engine.Options{
		MutateHistory: true,
		Fields:        []string{"status"},
	})
	if err != nil {
		s.internalError(w, "status webhook evaluation failed", err)
		return
	}

	for _, target := range res.Targets {
		if _, err := s.deps.Filer.FileTarget(r.Context(), target); err != nil {
			s.internalError(w, "status webhook report filing failed", err)
			return
		}
	}

	if s.deps.Graylist != nil {
		if err := s.deps.Graylist.CheckUser(r.Context(), account, []*mastoapi.Status{status}); err != nil {
			slog.Error("graylist check failed", "account", account.Acct, "error", err)
		}
	}

	if len(res.Targets) > 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "bad"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReportWebhook hands an externally created report to the ledger
// so it is reconciled without waiting for the next tick.
func (s *Server) handleReportWebhook(w http.ResponseWriter, r *http.Request) {
	var payload reportWebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload.Object) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}

	var report mastoapi.Report
	if err := json.Unmarshal(payload.Object, &report); err != nil || report.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}
	report.Raw = payload.Object

	s.deps.Ledger.ProcessReport(&report)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// internalError hides the failure from the caller but logs it with a
// stack trace.
func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err, "stack", string(debug.Stack()))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
