// Package httpapply is a reference RemoteApplier over HTTP/JSON: each
// action kind maps to exactly one idempotent-if-retried endpoint, requests
// carry a JWT bearer token, and HTTP failures are classified into the
// offsync apply-error taxonomy.
// Copyright 2025 Trendpulse Contributors
// SPDX-License-Identifier: Apache-2.0

package httpapply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/trendpulse/go-offsync/offsync"
)

// TokenFunc supplies the bearer token for a request.
type TokenFunc func(ctx context.Context) (string, error)

// Applier performs remote mutations over HTTP.
type Applier struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
}

var _ offsync.RemoteApplier = (*Applier)(nil)

// NewApplier creates an HTTP applier for the given API base URL.
func NewApplier(baseURL string, token TokenFunc) *Applier {
	return &Applier{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Apply implements offsync.RemoteApplier.
func (a *Applier) Apply(ctx context.Context, action *offsync.PendingAction) (*offsync.EntityVersion, error) {
	method, path, err := a.route(action)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(action.Payload) > 0 && method != http.MethodDelete {
		body = bytes.NewReader(action.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, body)
	if err != nil {
		return nil, offsync.NewRejectedError(fmt.Sprintf("failed to create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	// The action id doubles as the idempotency key: a retried create must
	// not produce a duplicate on the server.
	req.Header.Set("Idempotency-Key", action.ID)

	if a.Token != nil {
		token, err := a.Token(ctx)
		if err != nil {
			return nil, offsync.NewTransientError(fmt.Errorf("failed to get token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return nil, offsync.NewTransientError(err)
	}
	defer resp.Body.Close()

	return classifyResponse(resp)
}

// route maps an action kind to its remote operation.
func (a *Applier) route(action *offsync.PendingAction) (method, path string, err error) {
	entity := url.PathEscape(action.EntityID)
	switch action.Kind {
	case offsync.KindCreateEntity:
		return http.MethodPost, "/api/trends", nil
	case offsync.KindUpdateEntity:
		if action.EntityID == "" {
			return "", "", offsync.NewRejectedError("update action missing entity id")
		}
		return http.MethodPut, "/api/trends/" + entity, nil
	case offsync.KindDeleteEntity:
		if action.EntityID == "" {
			return "", "", offsync.NewRejectedError("delete action missing entity id")
		}
		return http.MethodDelete, "/api/trends/" + entity, nil
	case offsync.KindSubmitVote:
		if action.EntityID == "" {
			return "", "", offsync.NewRejectedError("vote action missing entity id")
		}
		return http.MethodPost, "/api/trends/" + entity + "/votes", nil
	case offsync.KindCreateSession:
		return http.MethodPost, "/api/sessions", nil
	default:
		return "", "", offsync.NewRejectedError(fmt.Sprintf("unknown action kind %q", action.Kind))
	}
}

// errorResponse is the server's error body. On 409 it carries the current
// remote version of the contested entity.
type errorResponse struct {
	Error   string                 `json:"error,omitempty"`
	Current *offsync.EntityVersion `json:"current,omitempty"`
}

func classifyResponse(resp *http.Response) (*offsync.EntityVersion, error) {
	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var version offsync.EntityVersion
		if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
			return nil, offsync.NewTransientError(fmt.Errorf("failed to decode response: %w", err))
		}
		return &version, nil

	case resp.StatusCode == http.StatusConflict:
		var body errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			// Conflict with an unreadable body still routes to the
			// resolver; a nil remote resolves as a stale target.
			return nil, offsync.NewConflictError(nil)
		}
		return nil, offsync.NewConflictError(body.Current)

	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, offsync.NewNotFoundError(readError(resp.Body))

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, offsync.NewTransientError(fmt.Errorf("server returned status %d: %s", resp.StatusCode, readError(resp.Body)))

	default:
		// 400, 401, 403, 422 and friends: the server examined the request
		// and said no; retrying the same bytes will not help.
		return nil, offsync.NewRejectedError(fmt.Sprintf("server returned status %d: %s", resp.StatusCode, readError(resp.Body)))
	}
}

func readError(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var body errorResponse
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return string(data)
}
