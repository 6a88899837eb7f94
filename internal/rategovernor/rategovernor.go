// Package rategovernor implements the per-sender quota keeper: daily
// cap, warmup ramp, send window, and on-hold flag. A slot reservation is
// a two-phase operation (reserve, then commit or release) serialized
// under a per-sender lock so per-sender-per-day counters never race,
// mirroring the platform's existing Redis-Lua rate limiting and
// PMTA warmup scheduling, generalized from per-ESP/per-IP to per-sender.
package rategovernor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/sequencer/internal/domain"
	"github.com/ignite/sequencer/internal/pkg/distlock"
	"github.com/ignite/sequencer/internal/pkg/logger"
)

// DenialReason explains why request_slot refused a reservation.
type DenialReason string

const (
	DeniedPaused DenialReason = "paused"
	DeniedWindow DenialReason = "window"
	DeniedQuota  DenialReason = "quota"
)

// Decision is the result of a slot request.
type Decision struct {
	Granted        bool
	Reason         DenialReason
	NextEligibleAt time.Time
}

// SenderStore loads the sender record a slot request is evaluated
// against.
type SenderStore interface {
	GetSender(ctx context.Context, email string) (domain.Sender, error)
}

// WarmupStore persists per-sender per-date successful send counts. These
// survive restart; see Governor.Recover for how in-memory pending
// reservations are rebuilt instead.
type WarmupStore interface {
	GetCount(ctx context.Context, senderEmail, date string) (int, error)
	IncrementCount(ctx context.Context, senderEmail, date string) error
}

// Governor is the Rate Governor. One Governor instance serves the whole
// scheduler process.
type Governor struct {
	senders SenderStore
	warmup  WarmupStore
	redis   *redis.Client
	lock    distlock.Locker
	lockTTL time.Duration
	clock   func() time.Time

	pendingScript *redis.Script
	recoverScript *redis.Script
}

// New builds a Governor. lockFactory is typically distlock.NewFactory
// wrapping the shared Redis client (or a Postgres advisory-lock fallback
// when Redis is unavailable).
func New(senders SenderStore, warmup WarmupStore, redisClient *redis.Client, lockFactory distlock.Locker) *Governor {
	return &Governor{
		senders:       senders,
		warmup:        warmup,
		redis:         redisClient,
		lock:          lockFactory,
		lockTTL:       2 * time.Minute,
		clock:         time.Now,
		pendingScript: redis.NewScript(pendingDeltaScript),
		recoverScript: redis.NewScript(pendingSetScript),
	}
}

// Grant is a reserved, uncommitted slot. The caller must call Commit on a
// successful send or Release otherwise; failing to call either leaks the
// per-sender lock until its TTL expires.
type Grant struct {
	governor    *Governor
	senderEmail string
	date        string
	unlock      func(context.Context) error
}

// Commit records the send as successful: the persisted warmup counter is
// incremented and the pending reservation is released.
func (g *Grant) Commit(ctx context.Context) error {
	defer g.unlock(ctx)
	if err := g.governor.warmup.IncrementCount(ctx, g.senderEmail, g.date); err != nil {
		return fmt.Errorf("rategovernor: commit: %w", err)
	}
	if err := g.governor.adjustPending(ctx, g.senderEmail, g.date, -1); err != nil {
		logger.Warn("rategovernor: failed to release pending reservation after commit", "sender_email", g.senderEmail, "error", err.Error())
	}
	return nil
}

// Release abandons the reservation without counting it toward warmup,
// used on transient or permanent channel failure.
func (g *Grant) Release(ctx context.Context) error {
	defer g.unlock(ctx)
	return g.governor.adjustPending(ctx, g.senderEmail, g.date, -1)
}

// RequestSlot implements the five-step decision in the spec: on-hold,
// window, effective cap, quota, reservation. On grant, the returned Grant
// must be Commit'd or Release'd by the caller.
func (gov *Governor) RequestSlot(ctx context.Context, senderEmail string) (*Grant, Decision, error) {
	now := gov.clock()

	sender, err := gov.senders.GetSender(ctx, senderEmail)
	if err != nil {
		return nil, Decision{}, fmt.Errorf("rategovernor: load sender %s: %w", senderEmail, err)
	}

	unlock, err := gov.acquireSenderLock(ctx, senderEmail)
	if err != nil {
		return nil, Decision{}, err
	}

	if sender.OnHold {
		unlock(ctx)
		return nil, Decision{Reason: DeniedPaused}, nil
	}

	open, err := inWindow(sender.Window, now)
	if err != nil {
		unlock(ctx)
		return nil, Decision{}, fmt.Errorf("rategovernor: evaluate window: %w", err)
	}
	if !open {
		next, err := nextWindowOpening(sender.Window, now)
		unlock(ctx)
		if err != nil {
			return nil, Decision{}, fmt.Errorf("rategovernor: compute next window: %w", err)
		}
		return nil, Decision{Reason: DeniedWindow, NextEligibleAt: next}, nil
	}

	loc, err := windowLocation(sender.Window)
	if err != nil {
		unlock(ctx)
		return nil, Decision{}, fmt.Errorf("rategovernor: load window timezone: %w", err)
	}
	cap := effectiveCap(sender, now)
	date := dateKey(now, loc)

	persisted, err := gov.warmup.GetCount(ctx, senderEmail, date)
	if err != nil {
		unlock(ctx)
		return nil, Decision{}, fmt.Errorf("rategovernor: read warmup count: %w", err)
	}
	pending, err := gov.pendingCount(ctx, senderEmail, date)
	if err != nil {
		unlock(ctx)
		return nil, Decision{}, fmt.Errorf("rategovernor: read pending count: %w", err)
	}

	if persisted+pending >= cap {
		nextDay := now.AddDate(0, 0, 1)
		next, err := nextWindowOpening(sender.Window, time.Date(nextDay.Year(), nextDay.Month(), nextDay.Day(), 0, 0, 0, 0, nextDay.Location()))
		unlock(ctx)
		if err != nil {
			return nil, Decision{}, fmt.Errorf("rategovernor: compute next window: %w", err)
		}
		return nil, Decision{Reason: DeniedQuota, NextEligibleAt: next}, nil
	}

	if err := gov.adjustPending(ctx, senderEmail, date, 1); err != nil {
		unlock(ctx)
		return nil, Decision{}, fmt.Errorf("rategovernor: reserve slot: %w", err)
	}

	return &Grant{governor: gov, senderEmail: senderEmail, date: date, unlock: unlock}, Decision{Granted: true}, nil
}

// Recover reconstructs the in-memory (Redis-backed) pending reservation
// count for a sender from the number of enrollments currently in_flight
// for it, as required after a scheduler restart.
func (gov *Governor) Recover(ctx context.Context, senderEmail string, inFlightCount int) error {
	sender, err := gov.senders.GetSender(ctx, senderEmail)
	if err != nil {
		return fmt.Errorf("rategovernor: load sender %s: %w", senderEmail, err)
	}
	loc, err := windowLocation(sender.Window)
	if err != nil {
		loc = time.UTC
	}
	return gov.recoverScript.Run(ctx, gov.redis, []string{pendingKey(senderEmail, dateKey(gov.clock(), loc))}, inFlightCount, 90000).Err()
}

func (gov *Governor) acquireSenderLock(ctx context.Context, senderEmail string) (func(context.Context) error, error) {
	lock := gov.lock.NewLock(fmt.Sprintf("sender:%s", senderEmail), gov.lockTTL)

	const maxAttempts = 20
	for attempt := 0; attempt < maxAttempts; attempt++ {
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("rategovernor: acquire sender lock: %w", err)
		}
		if acquired {
			return lock.Release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("rategovernor: sender %s is busy", senderEmail)
}

func (gov *Governor) pendingCount(ctx context.Context, senderEmail, date string) (int, error) {
	val, err := gov.redis.Get(ctx, pendingKey(senderEmail, date)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

func (gov *Governor) adjustPending(ctx context.Context, senderEmail, date string, delta int) error {
	return gov.pendingScript.Run(ctx, gov.redis, []string{pendingKey(senderEmail, date)}, delta, 90000).Err()
}

func pendingKey(senderEmail, date string) string {
	return fmt.Sprintf("rg:pending:%s:%s", senderEmail, date)
}

const pendingDeltaScript = `
local key = KEYS[1]
local delta = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local newVal = redis.call("INCRBY", key, delta)
if newVal < 0 then
    redis.call("SET", key, 0)
    newVal = 0
end
redis.call("EXPIRE", key, ttl)
return newVal
`

const pendingSetScript = `
local key = KEYS[1]
local value = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
redis.call("SET", key, value)
redis.call("EXPIRE", key, ttl)
return value
`
