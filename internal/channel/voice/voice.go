// Package voice implements the voice-call channel adapter: it submits a
// call request referencing a dynamic script and returns the provider's
// call identifier. The call's actual outcome (answered, voicemail,
// failed) arrives later through the webhook ingress, not from Dispatch.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/sequencer/internal/channel"
	"github.com/ignite/sequencer/internal/pkg/httpretry"
)

// Adapter submits outbound call requests to a voice provider's REST API.
type Adapter struct {
	baseURL string
	apiKey  string
	client  httpretry.HTTPDoer
	timeout time.Duration
}

// New builds the voice Adapter. Submission requests are retried with
// backoff by httpretry on 429/5xx responses and transient network
// errors before Dispatch classifies the call as sent or failed.
func New(baseURL, apiKey string, timeout time.Duration) *Adapter {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 3),
		timeout: timeout,
	}
}

type callRequest struct {
	To     string `json:"to"`
	From   string `json:"from"`
	Script string `json:"script"`
}

type callResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// Dispatch submits the call. It does not wait for the call to complete;
// a "submitted"/"queued" response from the provider is classified sent,
// carrying the provider's call identifier as ExternalRef so a later
// webhook can correlate the outcome.
func (a *Adapter) Dispatch(ctx context.Context, msg channel.Message, senderCtx channel.SenderContext) (channel.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	body, err := json.Marshal(callRequest{To: msg.To, From: msg.From, Script: msg.Script})
	if err != nil {
		return channel.Result{}, fmt.Errorf("voice: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/calls", bytes.NewReader(body))
	if err != nil {
		return channel.Result{}, fmt.Errorf("voice: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return channel.Result{Status: channel.StatusTransientFailure, Detail: "deadline exceeded"}, nil
		}
		return channel.Result{Status: channel.StatusTransientFailure, Detail: err.Error()}, nil
	}
	defer resp.Body.Close()

	var out callResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)

	switch {
	case resp.StatusCode >= 500:
		return channel.Result{Status: channel.StatusTransientFailure, Detail: fmt.Sprintf("provider returned %d", resp.StatusCode)}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return channel.Result{Status: channel.StatusTransientFailure, Detail: "rate limited"}, nil
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusForbidden:
		return channel.Result{Status: channel.StatusPermanentFailure, Detail: fmt.Sprintf("provider returned %d", resp.StatusCode)}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return channel.Result{Status: channel.StatusSent, ExternalRef: out.CallID}, nil
	default:
		return channel.Result{Status: channel.StatusTransientFailure, Detail: fmt.Sprintf("unexpected status %d", resp.StatusCode)}, nil
	}
}
