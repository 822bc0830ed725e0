// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

package errors_test

import (
	stderrors "errors"
	"net/http"
	"testing"

	mmerr "github.com/halcy/mastodon-mod-tools/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIncludesCodeAndFields(t *testing.T) {
	err := mmerr.New(
		mmerr.CodeTriggerSourceInvalid,
		"malformed trigger config",
		mmerr.FieldTriggerField("avatar"),
		mmerr.Field("path", "/srv/triggers/config.json"),
	)

	require.Error(t, err)
	assert.Equal(t, mmerr.CodeTriggerSourceInvalid, mmerr.CodeOf(err))
	assert.True(t, mmerr.HasCode(err, mmerr.CodeTriggerSourceInvalid))

	fields := mmerr.FieldsOf(err)
	assert.Equal(t, "avatar", fields["field"])
	assert.Equal(t, "/srv/triggers/config.json", fields["path"])
}

func TestErrorfFormatsMessage(t *testing.T) {
	err := mmerr.Errorf(mmerr.CodePlatformUpstreamFailure, "fetching page %d: status %d", 3, 502)
	require.Error(t, err)
	assert.Equal(t, mmerr.CodePlatformUpstreamFailure, mmerr.CodeOf(err))
	assert.Contains(t, err.Error(), "fetching page 3: status 502")
}

func TestWrapPreservesWrappedErrorAndCode(t *testing.T) {
	root := stderrors.New("no such file")
	err := mmerr.Wrap(
		root,
		mmerr.CodeSnapshotNotFound,
		"loading trigger snapshot",
		mmerr.Field("path", "/var/lib/mastomod/triggers.json"),
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, root)
	assert.Equal(t, mmerr.CodeSnapshotNotFound, mmerr.CodeOf(err))
	assert.True(t, mmerr.IsNotFound(err))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, mmerr.Wrap(nil, mmerr.CodeSnapshotWriteFailure, "ignored"))
	assert.NoError(t, mmerr.Wrapf(nil, mmerr.CodeSnapshotWriteFailure, "ignored %d", 1))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, mmerr.Code(""), mmerr.CodeOf(stderrors.New("plain")))
	assert.Equal(t, mmerr.Code(""), mmerr.CodeOf(nil))
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"no signal", mmerr.New(mmerr.CodeEmbedNoSignal, "unreachable media"), mmerr.IsNoSignal},
		{"not found", mmerr.New(mmerr.CodePlatformNotFound, "account gone"), mmerr.IsNotFound},
		{"conflict", mmerr.New(mmerr.CodeLedgerReconcileBusy, "reconcile in progress"), mmerr.IsConflict},
		{"invalid input", mmerr.New(mmerr.CodeServerRequestInvalid, "bad payload"), mmerr.IsInvalidInput},
		{"forbidden", mmerr.New(mmerr.CodeServerAuthForbidden, "bad signature"), mmerr.IsForbidden},
		{"upstream", mmerr.New(mmerr.CodeTriggerSourceUnreachable, "source down"), mmerr.IsUpstreamFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
		})
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"forbidden", mmerr.New(mmerr.CodeServerAuthForbidden, "x"), http.StatusForbidden},
		{"not found", mmerr.New(mmerr.CodeServerEntityNotFound, "x"), http.StatusNotFound},
		{"invalid", mmerr.New(mmerr.CodeServerRequestInvalid, "x"), http.StatusBadRequest},
		{"conflict", mmerr.New(mmerr.CodeWorkerStartConflict, "x"), http.StatusConflict},
		{"upstream", mmerr.New(mmerr.CodePlatformUpstreamFailure, "x"), http.StatusBadGateway},
		{"internal", mmerr.New(mmerr.CodeServerInternalFailure, "x"), http.StatusInternalServerError},
		{"plain", stderrors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mmerr.HTTPStatus(tt.err))
		})
	}
}
