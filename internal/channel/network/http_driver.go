package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ignite/sequencer/internal/pkg/httpretry"
)

// HTTPDriver implements Driver by delegating to an external browser
// automation service over HTTP, the boundary the spec draws between the
// adapter's rate-limiting/serialization responsibilities and the actual
// session mechanics.
type HTTPDriver struct {
	baseURL string
	client  httpretry.HTTPDoer
}

// NewHTTPDriver builds an HTTPDriver against baseURL. A nil client
// defaults to an http.DefaultClient wrapped with retry/backoff, since
// the automation service sits behind the same rate limits and
// occasional 5xx blips as any other outbound dependency.
func NewHTTPDriver(baseURL string, client *http.Client) *HTTPDriver {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDriver{baseURL: baseURL, client: httpretry.NewRetryClient(client, 3)}
}

type driverRequest struct {
	AccountID  string `json:"account_id"`
	ProfileURL string `json:"profile_url"`
	Message    string `json:"message,omitempty"`
}

type driverResponse struct {
	ExternalRef string `json:"external_ref"`
	Error       string `json:"error,omitempty"`
	Permanent   bool   `json:"permanent,omitempty"`
}

// driverError carries the Permanent() marker classifyDriverError looks
// for.
type driverError struct {
	msg       string
	permanent bool
}

func (e *driverError) Error() string   { return e.msg }
func (e *driverError) Permanent() bool { return e.permanent }

func (d *HTTPDriver) Connect(ctx context.Context, accountID, profileURL, message, accessToken string) (string, error) {
	return d.call(ctx, "connect", accountID, profileURL, message, accessToken)
}

func (d *HTTPDriver) Message(ctx context.Context, accountID, profileURL, message, accessToken string) (string, error) {
	return d.call(ctx, "message", accountID, profileURL, message, accessToken)
}

func (d *HTTPDriver) call(ctx context.Context, action, accountID, profileURL, message, accessToken string) (string, error) {
	body, err := json.Marshal(driverRequest{AccountID: accountID, ProfileURL: profileURL, Message: message})
	if err != nil {
		return "", fmt.Errorf("network: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("network: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", &driverError{msg: err.Error()}
	}
	defer resp.Body.Close()

	var out driverResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return out.ExternalRef, nil
	}
	if out.Error == "" {
		out.Error = fmt.Sprintf("automation service returned %d", resp.StatusCode)
	}
	permanent := out.Permanent || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusBadRequest
	return "", &driverError{msg: out.Error, permanent: permanent}
}
