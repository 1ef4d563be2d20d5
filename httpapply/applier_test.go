// Copyright 2025 Trendpulse Contributors
// SPDX-License-Identifier: Apache-2.0

package httpapply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trendpulse/go-offsync/offsync"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestApplier(rt roundTripFunc) *Applier {
	a := NewApplier("https://api.example.com", nil)
	a.HTTP = &http.Client{Transport: rt}
	return a
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestApplyRouting(t *testing.T) {
	cases := []struct {
		kind     offsync.ActionKind
		entityID string
		method   string
		path     string
	}{
		{offsync.KindCreateEntity, "", http.MethodPost, "/api/trends"},
		{offsync.KindUpdateEntity, "t1", http.MethodPut, "/api/trends/t1"},
		{offsync.KindDeleteEntity, "t1", http.MethodDelete, "/api/trends/t1"},
		{offsync.KindSubmitVote, "t1", http.MethodPost, "/api/trends/t1/votes"},
		{offsync.KindCreateSession, "", http.MethodPost, "/api/sessions"},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			var gotMethod, gotPath string
			applier := newTestApplier(func(req *http.Request) (*http.Response, error) {
				gotMethod = req.Method
				gotPath = req.URL.Path
				return jsonResponse(http.StatusNoContent, ""), nil
			})

			_, err := applier.Apply(context.Background(), &offsync.PendingAction{
				ID: "act-1", Kind: tc.kind, EntityID: tc.entityID, Payload: []byte(`{}`),
			})
			require.NoError(t, err)
			require.Equal(t, tc.method, gotMethod)
			require.Equal(t, tc.path, gotPath)
		})
	}
}

func TestApplySendsIdempotencyKeyAndToken(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	applier := newTestApplier(func(req *http.Request) (*http.Response, error) {
		gotHeaders = req.Header.Clone()
		gotBody, _ = io.ReadAll(req.Body)
		return jsonResponse(http.StatusOK, `{"entity_id":"t1","updated_at":"2026-03-01T10:00:00Z"}`), nil
	})
	applier.Token = func(ctx context.Context) (string, error) { return "tok-123", nil }

	version, err := applier.Apply(context.Background(), &offsync.PendingAction{
		ID: "act-9", Kind: offsync.KindCreateEntity, Payload: []byte(`{"title":"t"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, version)
	require.Equal(t, "t1", version.EntityID)

	require.Equal(t, "act-9", gotHeaders.Get("Idempotency-Key"))
	require.Equal(t, "Bearer tok-123", gotHeaders.Get("Authorization"))
	require.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	require.JSONEq(t, `{"title":"t"}`, string(gotBody))
}

func TestApplyDeleteOmitsBody(t *testing.T) {
	applier := newTestApplier(func(req *http.Request) (*http.Response, error) {
		require.Nil(t, req.Body)
		return jsonResponse(http.StatusNoContent, ""), nil
	})

	_, err := applier.Apply(context.Background(), &offsync.PendingAction{
		ID: "act-1", Kind: offsync.KindDeleteEntity, EntityID: "t1", Payload: []byte(`{}`),
	})
	require.NoError(t, err)
}

func TestApplyTokenFailureIsTransient(t *testing.T) {
	applier := newTestApplier(func(req *http.Request) (*http.Response, error) {
		t.Fatal("request should not be sent without a token")
		return nil, nil
	})
	applier.Token = func(ctx context.Context) (string, error) {
		return "", fmt.Errorf("keychain locked")
	}

	_, err := applier.Apply(context.Background(), &offsync.PendingAction{
		ID: "act-1", Kind: offsync.KindCreateEntity, Payload: []byte(`{}`),
	})
	requireClass(t, err, offsync.ErrClassTransient)
}

func TestApplyTransportErrorIsTransient(t *testing.T) {
	applier := newTestApplier(func(req *http.Request) (*http.Response, error) {
		return nil, fmt.Errorf("connection refused")
	})
	_, err := applier.Apply(context.Background(), &offsync.PendingAction{
		ID: "act-1", Kind: offsync.KindCreateEntity, Payload: []byte(`{}`),
	})
	requireClass(t, err, offsync.ErrClassTransient)
}

func TestApplyStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		class  string
	}{
		{http.StatusRequestTimeout, offsync.ErrClassTransient},
		{http.StatusTooManyRequests, offsync.ErrClassTransient},
		{http.StatusInternalServerError, offsync.ErrClassTransient},
		{http.StatusBadGateway, offsync.ErrClassTransient},
		{http.StatusServiceUnavailable, offsync.ErrClassTransient},
		{http.StatusNotFound, offsync.ErrClassNotFound},
		{http.StatusGone, offsync.ErrClassNotFound},
		{http.StatusBadRequest, offsync.ErrClassRejected},
		{http.StatusUnauthorized, offsync.ErrClassRejected},
		{http.StatusForbidden, offsync.ErrClassRejected},
		{http.StatusUnprocessableEntity, offsync.ErrClassRejected},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			applier := newTestApplier(func(req *http.Request) (*http.Response, error) {
				return jsonResponse(tc.status, `{"error":"nope"}`), nil
			})
			_, err := applier.Apply(context.Background(), &offsync.PendingAction{
				ID: "act-1", Kind: offsync.KindCreateEntity, Payload: []byte(`{}`),
			})
			requireClass(t, err, tc.class)
		})
	}
}

func TestApplyConflictCarriesRemoteVersion(t *testing.T) {
	updated := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	body, err := json.Marshal(map[string]any{
		"error": "version mismatch",
		"current": &offsync.EntityVersion{
			EntityID:  "t1",
			UpdatedAt: updated,
			Payload:   []byte(`{"title":"server"}`),
		},
	})
	require.NoError(t, err)

	applier := newTestApplier(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusConflict, string(body)), nil
	})
	_, err = applier.Apply(context.Background(), &offsync.PendingAction{
		ID: "act-1", Kind: offsync.KindUpdateEntity, EntityID: "t1", Payload: []byte(`{}`),
	})

	var applyErr *offsync.ApplyError
	require.ErrorAs(t, err, &applyErr)
	require.Equal(t, offsync.ErrClassConflict, applyErr.Class)
	require.NotNil(t, applyErr.Remote)
	require.Equal(t, "t1", applyErr.Remote.EntityID)
	require.True(t, updated.Equal(applyErr.Remote.UpdatedAt))
}

func TestApplyConflictWithUnreadableBody(t *testing.T) {
	applier := newTestApplier(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusConflict, `not json`), nil
	})
	_, err := applier.Apply(context.Background(), &offsync.PendingAction{
		ID: "act-1", Kind: offsync.KindUpdateEntity, EntityID: "t1", Payload: []byte(`{}`),
	})

	var applyErr *offsync.ApplyError
	require.ErrorAs(t, err, &applyErr)
	require.Equal(t, offsync.ErrClassConflict, applyErr.Class)
	require.Nil(t, applyErr.Remote)
}

func TestApplyUnknownKindRejected(t *testing.T) {
	applier := newTestApplier(func(req *http.Request) (*http.Response, error) {
		t.Fatal("no request expected for an unroutable action")
		return nil, nil
	})
	_, err := applier.Apply(context.Background(), &offsync.PendingAction{
		ID: "act-1", Kind: offsync.ActionKind("FROB_WIDGET"),
	})
	requireClass(t, err, offsync.ErrClassRejected)
}

func TestApplyUpdateWithoutEntityIDRejected(t *testing.T) {
	applier := newTestApplier(func(req *http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})
	_, err := applier.Apply(context.Background(), &offsync.PendingAction{
		ID: "act-1", Kind: offsync.KindUpdateEntity, Payload: []byte(`{}`),
	})
	requireClass(t, err, offsync.ErrClassRejected)
}

func TestApplyErrorMessageFromBody(t *testing.T) {
	applier := newTestApplier(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusUnprocessableEntity, `{"error":"title is required"}`), nil
	})
	_, err := applier.Apply(context.Background(), &offsync.PendingAction{
		ID: "act-1", Kind: offsync.KindCreateEntity, Payload: []byte(`{}`),
	})
	require.ErrorContains(t, err, "title is required")
}

func requireClass(t *testing.T, err error, class string) {
	t.Helper()
	var applyErr *offsync.ApplyError
	require.True(t, errors.As(err, &applyErr), "expected ApplyError, got %v", err)
	require.Equal(t, class, applyErr.Class)
}
