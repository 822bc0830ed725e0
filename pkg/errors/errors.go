// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

package errors

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeTriggerSourceUnreachable Code = "trigger.refresh.source.upstream.failure"
	CodeTriggerSourceInvalid     Code = "trigger.refresh.source.invalid_format"
	CodeTriggerFieldNotFound     Code = "trigger.field.not_found"

	CodeSnapshotNotFound     Code = "snapshot.load.not_found"
	CodeSnapshotReadFailure  Code = "snapshot.load.failure"
	CodeSnapshotWriteFailure Code = "snapshot.write.failure"

	CodeEmbedNoSignal        Code = "embed.value.no_signal"
	CodeEmbedUpstreamFailure Code = "embed.upstream.failure"
	CodeEmbedCacheFailure    Code = "embed.cache.database_failure"

	CodePlatformUpstreamFailure Code = "platform.upstream.failure"
	CodePlatformNotFound        Code = "platform.entity.not_found"
	CodePlatformRequestInvalid  Code = "platform.request.invalid_input"

	CodeInstanceInfoUnavailable Code = "instance.nodeinfo.upstream.failure"

	CodeWorkerStartConflict Code = "worker.start.conflict"
	CodeScannerPanicStop    Code = "scanner.reports.panic_stop"
	CodeLedgerReconcileBusy Code = "ledger.reconcile.conflict"

	CodeServerRequestInvalid   Code = "server.request.invalid_input"
	CodeServerAuthForbidden    Code = "server.auth.forbidden"
	CodeServerEntityNotFound   Code = "server.entity.not_found"
	CodeServerInternalFailure  Code = "server.internal.failure"
	CodeServerStartFailure     Code = "server.start.failure"
	CodeServerShutdownFailure  Code = "server.shutdown.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldAccountID(value string) Attr {
	return Field("account_id", value)
}

func FieldReportID(value string) Attr {
	return Field("report_id", value)
}

func FieldDomain(value string) Attr {
	return Field("domain", value)
}

func FieldTriggerField(value string) Attr {
	return Field("field", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsNoSignal reports whether err represents the "no signal for this
// field" condition (unreachable media, unsupported input kind). It is
// not a failure and callers skip the field rather than propagate it.
func IsNoSignal(err error) bool {
	return reason(CodeOf(err)) == "no_signal"
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

func IsForbidden(err error) bool {
	r := reason(CodeOf(err))
	return r == "forbidden" || r == "denied"
}

func IsUpstreamFailure(err error) bool {
	code := CodeOf(err)
	return strings.Contains(string(code), "upstream") && reason(code) == "failure"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsForbidden(err):
		return http.StatusForbidden
	case IsUpstreamFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
