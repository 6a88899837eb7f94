// Package network implements the network-connect and network-message
// channel adapters. Both drive a browser session owned by the adapter;
// sessions are pooled per account, serialized, and rate-limited by a
// minimum inter-action interval plus a hard daily cap enforced ahead of
// the Rate Governor.
package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ignite/sequencer/internal/channel"
)

// Action distinguishes the two network-driven step kinds.
type Action string

const (
	ActionConnect Action = "connect"
	ActionMessage Action = "message"
)

// Driver performs one browser-session action against a professional
// network. No concrete headless-browser library exists in this module's
// dependency set; HTTPDriver below delegates to an external automation
// service instead, which is consistent with adapters talking to an
// external system rather than embedding a browser engine in-process.
type Driver interface {
	Connect(ctx context.Context, accountID, profileURL, message, accessToken string) (externalRef string, err error)
	Message(ctx context.Context, accountID, profileURL, message, accessToken string) (externalRef string, err error)
}

// Adapter implements channel.Adapter for network_connect / network_message
// steps.
type Adapter struct {
	driver      Driver
	tokenSource oauth2.TokenSource
	pool        *pool

	capMu      sync.Mutex
	dailyCap   int
	sentToday  map[string]int // accountID -> count, reset externally via ResetDailyCaps
}

// New builds the network Adapter. oauthCfg is a client-credentials flow
// shared across accounts (per-account delegated tokens are out of scope
// for the core; the surrounding system is expected to front per-account
// auth if it differs).
func New(driver Driver, oauthCfg clientcredentials.Config, minInterval, jitter time.Duration, dailyCap int) *Adapter {
	return &Adapter{
		driver:      driver,
		tokenSource: oauthCfg.TokenSource(context.Background()),
		pool:        newPool(minInterval, jitter),
		dailyCap:    dailyCap,
		sentToday:   map[string]int{},
	}
}

// ResetDailyCaps clears every account's daily counter. Nothing in this
// repository calls it on a schedule; counts accumulate until a caller
// invokes it or the process restarts.
func (a *Adapter) ResetDailyCaps() {
	a.capMu.Lock()
	defer a.capMu.Unlock()
	a.sentToday = map[string]int{}
}

// Dispatch routes to Connect or Message based on msg.Script: "connect"
// is a connect request, any other value is a message.
func (a *Adapter) Dispatch(ctx context.Context, msg channel.Message, senderCtx channel.SenderContext) (channel.Result, error) {
	action := ActionMessage
	if msg.Script == string(ActionConnect) {
		action = ActionConnect
	}
	return a.dispatchAction(ctx, action, senderCtx.SenderEmail, msg.NetworkURL, msg.Text)
}

func (a *Adapter) dispatchAction(ctx context.Context, action Action, accountID, profileURL, text string) (channel.Result, error) {
	if a.capExceeded(accountID) {
		return channel.Result{Status: channel.StatusTransientFailure, Detail: "account daily cap reached"}, nil
	}

	token, err := a.tokenSource.Token()
	if err != nil {
		return channel.Result{Status: channel.StatusTransientFailure, Detail: "token refresh failed: " + err.Error()}, nil
	}

	var result channel.Result
	queue := a.pool.queueFor(accountID)
	err = queue.run(ctx, func(ctx context.Context) error {
		var ref string
		var actionErr error
		switch action {
		case ActionConnect:
			ref, actionErr = a.driver.Connect(ctx, accountID, profileURL, text, token.AccessToken)
		default:
			ref, actionErr = a.driver.Message(ctx, accountID, profileURL, text, token.AccessToken)
		}
		if actionErr != nil {
			result = classifyDriverError(actionErr)
			return nil
		}
		result = channel.Result{Status: channel.StatusSent, ExternalRef: ref}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return channel.Result{Status: channel.StatusTransientFailure, Detail: "deadline exceeded"}, nil
		}
		return channel.Result{}, fmt.Errorf("network: queue run: %w", err)
	}

	if result.Status == channel.StatusSent {
		a.incrementCap(accountID)
	}
	return result, nil
}

func (a *Adapter) capExceeded(accountID string) bool {
	if a.dailyCap <= 0 {
		return false
	}
	a.capMu.Lock()
	defer a.capMu.Unlock()
	return a.sentToday[accountID] >= a.dailyCap
}

func (a *Adapter) incrementCap(accountID string) {
	a.capMu.Lock()
	defer a.capMu.Unlock()
	a.sentToday[accountID]++
}

// classifyDriverError maps a driver error to a terminal status. Account
// disabled/forbidden conditions are permanent; anything else (timeouts,
// session drops) is transient.
func classifyDriverError(err error) channel.Result {
	type permanent interface{ Permanent() bool }
	if p, ok := err.(permanent); ok && p.Permanent() {
		return channel.Result{Status: channel.StatusPermanentFailure, Detail: err.Error()}
	}
	return channel.Result{Status: channel.StatusTransientFailure, Detail: err.Error()}
}
