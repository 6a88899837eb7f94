// Package executor implements the Step Executor: given one enrollment
// due now, it advances it exactly one step and reports the resulting
// enrollment state plus an optional log entry for the caller (the
// Scheduler) to persist transactionally. Grounded on
// internal/worker/journey_executor.go's processEnrollment/executeNode
// shape, generalized from a single hardcoded node-type switch to a typed
// Step.Kind switch and from one email callback to the full per-channel
// Adapter interface.
package executor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ignite/sequencer/internal/channel"
	"github.com/ignite/sequencer/internal/domain"
	"github.com/ignite/sequencer/internal/personalize"
	"github.com/ignite/sequencer/internal/rategovernor"
	"github.com/ignite/sequencer/internal/render"
	"github.com/ignite/sequencer/internal/signature"
)

const (
	maxAttemptsDefault = 5
	backoffBase        = 5 * time.Minute
	backoffFactor      = 2
	backoffCap         = 6 * time.Hour
	backoffJitter      = 0.2
)

// SequenceStore loads a sequence and its steps.
type SequenceStore interface {
	GetSequence(ctx context.Context, id string) (domain.Sequence, error)
}

// RecipientStore loads a recipient by identifier.
type RecipientStore interface {
	GetRecipient(ctx context.Context, id string) (domain.Recipient, error)
}

// SenderStore loads a sender by email. Shares its shape with
// rategovernor.SenderStore; a single Postgres store implementation
// satisfies both.
type SenderStore interface {
	GetSender(ctx context.Context, email string) (domain.Sender, error)
}

// Adapters resolves a step kind to the channel adapter that dispatches
// it.
type Adapters struct {
	Email          channel.Adapter
	Voice          channel.Adapter
	NetworkConnect channel.Adapter
	NetworkMessage channel.Adapter
}

func (a Adapters) forKind(kind domain.StepKind) (channel.Adapter, domain.Channel, error) {
	switch kind {
	case domain.StepEmail:
		return a.Email, domain.ChannelEmail, nil
	case domain.StepCall:
		return a.Voice, domain.ChannelVoice, nil
	case domain.StepNetworkConnect:
		return a.NetworkConnect, domain.ChannelNetworkConnect, nil
	case domain.StepNetworkMessage:
		return a.NetworkMessage, domain.ChannelNetworkMessage, nil
	default:
		return nil, "", fmt.Errorf("executor: step kind %q has no adapter", kind)
	}
}

// Outcome is what Execute decided to do with the enrollment, for the
// Scheduler to persist.
type Outcome struct {
	Enrollment domain.Enrollment
	LogEntry   *domain.LogEntry
}

// Executor is the Step Executor.
type Executor struct {
	sequences  SequenceStore
	recipients RecipientStore
	senders    SenderStore
	governor   *rategovernor.Governor
	adapters   Adapters
	personal   *personalize.Personalizer

	cache          *lru.Cache[string, domain.Sequence]
	maxAttemptsCfg int
	clock          func() time.Time
}

// New builds an Executor. cacheSize bounds the in-memory sequence
// snapshot cache (0 disables caching).
func New(sequences SequenceStore, recipients RecipientStore, senders SenderStore, governor *rategovernor.Governor, adapters Adapters, personalizer *personalize.Personalizer, cacheSize int) *Executor {
	var cache *lru.Cache[string, domain.Sequence]
	if cacheSize > 0 {
		cache, _ = lru.New[string, domain.Sequence](cacheSize)
	}
	return &Executor{
		sequences:      sequences,
		recipients:     recipients,
		senders:        senders,
		governor:       governor,
		adapters:       adapters,
		personal:       personalizer,
		cache:          cache,
		maxAttemptsCfg: maxAttemptsDefault,
		clock:          time.Now,
	}
}

// InvalidateSequence drops a cached snapshot, called by the Control API
// after a sequence's steps are replaced.
func (e *Executor) InvalidateSequence(id string) {
	if e.cache != nil {
		e.cache.Remove(id)
	}
}

func (e *Executor) loadSequence(ctx context.Context, id string) (domain.Sequence, error) {
	if e.cache != nil {
		if seq, ok := e.cache.Get(id); ok {
			return seq, nil
		}
	}
	seq, err := e.sequences.GetSequence(ctx, id)
	if err != nil {
		return domain.Sequence{}, err
	}
	if e.cache != nil {
		e.cache.Add(id, seq)
	}
	return seq, nil
}

// Execute advances enrollment by exactly one step.
func (e *Executor) Execute(ctx context.Context, enrollment domain.Enrollment) (Outcome, error) {
	seq, err := e.loadSequence(ctx, enrollment.SequenceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: load sequence: %w", err)
	}

	step, ok := seq.StepAt(enrollment.StepIndex)
	if !ok {
		enrollment.Status = domain.EnrollmentCompleted
		return Outcome{Enrollment: enrollment}, nil
	}

	if step.IsWait() {
		return e.executeWait(enrollment, step), nil
	}

	recipient, err := e.recipients.GetRecipient(ctx, enrollment.RecipientID)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: load recipient: %w", err)
	}
	sender, err := e.senders.GetSender(ctx, seq.SenderEmail)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: load sender: %w", err)
	}

	msg, subject, err := e.buildMessage(ctx, seq, step, recipient, sender)
	if err != nil {
		return e.handleTemplateError(enrollment, err), nil
	}

	grant, decision, err := e.governor.RequestSlot(ctx, seq.SenderEmail)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: request slot: %w", err)
	}
	if !decision.Granted {
		enrollment.Status = domain.EnrollmentPending
		enrollment.DueAt = decision.NextEligibleAt
		return Outcome{Enrollment: enrollment}, nil
	}

	adapter, ch, err := e.adapters.forKind(step.Kind)
	if err != nil {
		_ = grant.Release(ctx)
		return Outcome{}, err
	}

	result, err := adapter.Dispatch(ctx, msg, channel.SenderContext{SenderEmail: seq.SenderEmail})
	if err != nil {
		_ = grant.Release(ctx)
		return Outcome{}, fmt.Errorf("executor: dispatch: %w", err)
	}

	switch result.Status {
	case channel.StatusSent:
		if err := grant.Commit(ctx); err != nil {
			return Outcome{}, fmt.Errorf("executor: commit slot: %w", err)
		}
		return e.advancePastSend(seq, enrollment, step, ch, recipient.ID, subject, result), nil

	case channel.StatusTransientFailure:
		_ = grant.Release(ctx)
		return e.scheduleRetry(seq, enrollment, step, ch, recipient.ID, subject, result), nil

	default: // permanent_failure
		_ = grant.Release(ctx)
		return e.failEnrollment(seq, enrollment, step, ch, recipient.ID, subject, result), nil
	}
}

func (e *Executor) executeWait(enrollment domain.Enrollment, step domain.Step) Outcome {
	enrollment.Status = domain.EnrollmentWaiting
	enrollment.DueAt = e.clock().Add(time.Duration(step.DelayDays) * 24 * time.Hour)
	enrollment.StepIndex++
	return Outcome{Enrollment: enrollment}
}

// buildMessage assembles the variable bag, runs the renderer and
// signature composer, and returns the adapter-ready message plus the
// rendered subject (for logging).
func (e *Executor) buildMessage(ctx context.Context, seq domain.Sequence, step domain.Step, recipient domain.Recipient, sender domain.Sender) (channel.Message, string, error) {
	sequenceContext := fmt.Sprintf("sequence %q, step kind %s", seq.Name, step.Kind)

	vars := render.Vars{}
	for k, v := range recipientVars(recipient) {
		vars[k] = v
	}
	for k, v := range senderVars(sender) {
		vars[k] = v
	}
	for k, v := range constantVars(e.clock(), seq.Name) {
		vars[k] = v
	}

	if step.Kind == domain.StepEmail {
		if e.personal != nil {
			out := e.personal.Personalize(ctx, recipient, step.PersonalizationMode, sequenceContext)
			for k, v := range out.Vars {
				vars[k] = v
			}
			if out.BodyReplaced {
				step.InlineBody = out.ReplaceBody
			}
		}

		body := step.InlineBody

		subject, err := render.Render(step.InlineSubject, vars)
		if err != nil {
			return channel.Message{}, "", err
		}
		richBody, err := render.Render(body, vars)
		if err != nil {
			return channel.Message{}, "", err
		}

		composed := signature.Compose(sender, richBody)
		return channel.Message{
			From:      sender.Email,
			To:        recipient.Email,
			Subject:   subject,
			RichBody:  composed.Rich,
			PlainBody: composed.Plain,
		}, subject, nil
	}

	text, err := render.Render(step.Message, vars)
	if err != nil {
		return channel.Message{}, "", err
	}
	script, err := render.Render(step.Script, vars)
	if err != nil {
		return channel.Message{}, "", err
	}

	switch step.Kind {
	case domain.StepCall:
		return channel.Message{From: sender.Phone, To: recipient.Phone, Script: script}, "", nil
	default: // network_connect, network_message
		return channel.Message{Script: script, Text: text, NetworkURL: recipient.NetworkURL}, "", nil
	}
}

func recipientVars(r domain.Recipient) map[string]string {
	return map[string]string{
		"first_name":   r.FirstName,
		"last_name":    r.LastName,
		"title":        r.Title,
		"email":        r.Email,
		"phone":        r.Phone,
		"linkedin_url": r.NetworkURL,
		"company_name": r.Attribute("company_name"),
		"industry":     r.Attribute("industry"),
		"city":         r.Attribute("city"),
		"state":        r.Attribute("state"),
	}
}

func senderVars(s domain.Sender) map[string]string {
	return map[string]string{
		"sender_name":  s.Name,
		"sender_email": s.Email,
		"sender_title": s.Title,
		"signature":    s.SignaturePlain,
	}
}

func constantVars(now time.Time, campaignName string) map[string]string {
	return map[string]string{
		"current_date": now.UTC().Format("2006-01-02"),
		"campaign_name": campaignName,
	}
}

func (e *Executor) handleTemplateError(enrollment domain.Enrollment, err error) Outcome {
	enrollment.Status = domain.EnrollmentFailed
	enrollment.LastError = err.Error()
	return Outcome{Enrollment: enrollment}
}

func (e *Executor) advancePastSend(seq domain.Sequence, enrollment domain.Enrollment, step domain.Step, ch domain.Channel, recipientID, subject string, result channel.Result) Outcome {
	entry := &domain.LogEntry{
		EnrollmentID: enrollment.ID,
		StepIndex:    enrollment.StepIndex,
		Channel:      ch,
		SenderEmail:  seq.SenderEmail,
		RecipientID:  recipientID,
		Subject:      subject,
		Status:       domain.OutcomeSent,
		ExternalRef:  result.ExternalRef,
		Timestamp:    e.clock(),
	}

	enrollment.StepIndex++
	enrollment.Attempts = 0
	enrollment.LastError = ""

	next, ok := seq.StepAt(enrollment.StepIndex)
	if !ok {
		enrollment.Status = domain.EnrollmentCompleted
		return Outcome{Enrollment: enrollment, LogEntry: entry}
	}

	if next.DelayDays > 0 {
		enrollment.Status = domain.EnrollmentWaiting
		enrollment.DueAt = e.clock().Add(time.Duration(next.DelayDays) * 24 * time.Hour)
	} else {
		enrollment.Status = domain.EnrollmentPending
		enrollment.DueAt = e.clock()
	}
	return Outcome{Enrollment: enrollment, LogEntry: entry}
}

func (e *Executor) scheduleRetry(seq domain.Sequence, enrollment domain.Enrollment, step domain.Step, ch domain.Channel, recipientID, subject string, result channel.Result) Outcome {
	entry := &domain.LogEntry{
		EnrollmentID: enrollment.ID,
		StepIndex:    enrollment.StepIndex,
		Channel:      ch,
		SenderEmail:  seq.SenderEmail,
		RecipientID:  recipientID,
		Subject:      subject,
		Status:       domain.OutcomeTransientFailure,
		Timestamp:    e.clock(),
	}

	enrollment.Attempts++
	enrollment.LastError = result.Detail

	if enrollment.Attempts >= e.maxAttempts() {
		enrollment.Status = domain.EnrollmentFailed
		entry.Status = domain.OutcomePermanentFailure
		return Outcome{Enrollment: enrollment, LogEntry: entry}
	}

	enrollment.Status = domain.EnrollmentPending
	enrollment.DueAt = e.clock().Add(backoffDelay(enrollment.Attempts))
	return Outcome{Enrollment: enrollment, LogEntry: entry}
}

func (e *Executor) failEnrollment(seq domain.Sequence, enrollment domain.Enrollment, step domain.Step, ch domain.Channel, recipientID, subject string, result channel.Result) Outcome {
	entry := &domain.LogEntry{
		EnrollmentID: enrollment.ID,
		StepIndex:    enrollment.StepIndex,
		Channel:      ch,
		SenderEmail:  seq.SenderEmail,
		RecipientID:  recipientID,
		Subject:      subject,
		Status:       domain.OutcomePermanentFailure,
		Timestamp:    e.clock(),
	}
	enrollment.Status = domain.EnrollmentFailed
	enrollment.LastError = result.Detail
	return Outcome{Enrollment: enrollment, LogEntry: entry}
}

func (e *Executor) maxAttempts() int {
	if e.maxAttemptsCfg > 0 {
		return e.maxAttemptsCfg
	}
	return maxAttemptsDefault
}

// backoffDelay computes the exponential backoff for the given 1-based
// attempt count: base 5m, factor 2, capped at 6h, jittered +/-20%.
func backoffDelay(attempt int) time.Duration {
	delay := float64(backoffBase) * pow(backoffFactor, attempt-1)
	if delay > float64(backoffCap) {
		delay = float64(backoffCap)
	}
	jitterRange := delay * backoffJitter
	jittered := delay + (rand.Float64()*2-1)*jitterRange
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
