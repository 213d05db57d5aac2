// Package escrow talks to the escrow provider holding winning buyers' funds.
package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ReleaseRequest asks the provider to pay out a funded escrow.
type ReleaseRequest struct {
	EscrowID           string `json:"escrowId"`
	NetToSellerCents   int64  `json:"netToSellerCents"`
	FeeToPlatformCents int64  `json:"feeToPlatformCents"`
	Reference          string `json:"reference"`
}

// ErrReleaseRejected is returned when the provider answers 2xx but reports
// that the release did not happen.
var ErrReleaseRejected = errors.New("escrow release rejected")

// ReleaseResult is the provider's acknowledgement. OK is nil when the
// provider omits it.
type ReleaseResult struct {
	OK        *bool  `json:"ok,omitempty"`
	ReleaseID string `json:"releaseId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Releaser releases escrowed funds.
type Releaser interface {
	Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error)
}

// HTTPClient calls the provider's REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the provider at baseURL.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Release posts to /v1/escrows/{id}/release. A non-2xx answer or a body
// with "ok": false is an error.
func (c *HTTPClient) Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	endpoint := fmt.Sprintf("%s/v1/escrows/%s/release", c.baseURL, url.PathEscape(req.EscrowID))

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal release request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create release request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Reference)
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("escrow release %s: %w", req.EscrowID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read release response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("escrow release %s: status %d: %s", req.EscrowID, resp.StatusCode, bytes.TrimSpace(data))
	}

	var result ReleaseResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("decode release response: %w", err)
		}
	}
	if result.OK != nil && !*result.OK {
		reason := result.Error
		if reason == "" {
			reason = "no reason given"
		}
		return nil, fmt.Errorf("escrow release %s: %w: %s", req.EscrowID, ErrReleaseRejected, reason)
	}
	return &result, nil
}

// Local acknowledges every release without calling a provider. It is
// wired when no provider URL is configured.
type Local struct{}

func (Local) Release(_ context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	slog.Warn("escrow provider not configured, release recorded locally",
		"escrow", req.EscrowID,
		"net_to_seller", req.NetToSellerCents,
		"fee_to_platform", req.FeeToPlatformCents,
	)
	ok := true
	return &ReleaseResult{OK: &ok, ReleaseID: "local:" + req.Reference, Status: "released"}, nil
}
