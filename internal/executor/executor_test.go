package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/sequencer/internal/channel"
	"github.com/ignite/sequencer/internal/domain"
	"github.com/ignite/sequencer/internal/pkg/distlock"
	"github.com/ignite/sequencer/internal/rategovernor"
)

type fakeSequenceStore struct {
	sequences map[string]domain.Sequence
}

func (f *fakeSequenceStore) GetSequence(ctx context.Context, id string) (domain.Sequence, error) {
	return f.sequences[id], nil
}

type fakeRecipientStore struct {
	recipients map[string]domain.Recipient
}

func (f *fakeRecipientStore) GetRecipient(ctx context.Context, id string) (domain.Recipient, error) {
	return f.recipients[id], nil
}

type fakeSenderStore struct {
	mu      sync.Mutex
	senders map[string]domain.Sender
}

func (f *fakeSenderStore) GetSender(ctx context.Context, email string) (domain.Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.senders[email], nil
}

type fakeAdapter struct {
	result channel.Result
	err    error
	calls  int
}

func (f *fakeAdapter) Dispatch(ctx context.Context, msg channel.Message, senderCtx channel.SenderContext) (channel.Result, error) {
	f.calls++
	return f.result, f.err
}

func openWindowAllDays() domain.SendWindow {
	days := map[time.Weekday]bool{}
	for d := time.Sunday; d <= time.Saturday; d++ {
		days[d] = true
	}
	return domain.SendWindow{Days: days, StartHHMM: "00:00", EndHHMM: "23:59", Timezone: "UTC"}
}

func newTestGovernor(t *testing.T, sender domain.Sender) *rategovernor.Governor {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	senders := &fakeSenderStore{senders: map[string]domain.Sender{sender.Email: sender}}
	warmup := &fakeWarmupStore{counts: map[string]int{}}
	return rategovernor.New(senders, warmup, client, distlock.NewFactory(client, nil))
}

type fakeWarmupStore struct {
	mu     sync.Mutex
	counts map[string]int
}

func (f *fakeWarmupStore) GetCount(ctx context.Context, sender, date string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[sender+"|"+date], nil
}

func (f *fakeWarmupStore) IncrementCount(ctx context.Context, sender, date string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[sender+"|"+date]++
	return nil
}

func testSequence(steps ...domain.Step) domain.Sequence {
	return domain.Sequence{ID: "seq-1", CampaignID: "camp-1", Name: "Outbound Q3", SenderEmail: "rep@co.com", Steps: steps}
}

func testRecipient() domain.Recipient {
	return domain.Recipient{ID: "rec-1", FirstName: "Dana", LastName: "Lee", Email: "dana@target.com"}
}

func testSender() domain.Sender {
	return domain.Sender{Email: "rep@co.com", Name: "Alex Rep", DailyCap: 10, Window: openWindowAllDays()}
}

func newExecutor(t *testing.T, seq domain.Sequence, recipient domain.Recipient, sender domain.Sender, emailAdapter channel.Adapter) *Executor {
	t.Helper()
	sequences := &fakeSequenceStore{sequences: map[string]domain.Sequence{seq.ID: seq}}
	recipients := &fakeRecipientStore{recipients: map[string]domain.Recipient{recipient.ID: recipient}}
	senders := &fakeSenderStore{senders: map[string]domain.Sender{sender.Email: sender}}
	gov := newTestGovernor(t, sender)
	adapters := Adapters{Email: emailAdapter}
	return New(sequences, recipients, senders, gov, adapters, nil, 0)
}

func TestExecuteWaitStepSetsWaitingAndAdvancesIndex(t *testing.T) {
	seq := testSequence(domain.Step{Kind: domain.StepWait, DelayDays: 3}, domain.Step{Kind: domain.StepEmail, InlineBody: "hi"})
	e := newExecutor(t, seq, testRecipient(), testSender(), &fakeAdapter{})

	enrollment := domain.Enrollment{ID: "e1", RecipientID: "rec-1", SequenceID: "seq-1", StepIndex: 0}
	out, err := e.Execute(context.Background(), enrollment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Enrollment.Status != domain.EnrollmentWaiting {
		t.Fatalf("expected waiting, got %s", out.Enrollment.Status)
	}
	if out.Enrollment.StepIndex != 1 {
		t.Fatalf("expected step index 1, got %d", out.Enrollment.StepIndex)
	}
	if out.LogEntry != nil {
		t.Fatal("wait step should not produce a log entry")
	}
}

func TestExecuteEmailStepSentAdvancesAndLogs(t *testing.T) {
	seq := testSequence(domain.Step{Kind: domain.StepEmail, InlineSubject: "Hi {{first_name}}", InlineBody: "Body for {{first_name}}", PersonalizationMode: domain.PersonalizationSignalBased})
	adapter := &fakeAdapter{result: channel.Result{Status: channel.StatusSent, ExternalRef: "ext-1"}}
	e := newExecutor(t, seq, testRecipient(), testSender(), adapter)

	enrollment := domain.Enrollment{ID: "e1", RecipientID: "rec-1", SequenceID: "seq-1", StepIndex: 0}
	out, err := e.Execute(context.Background(), enrollment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Enrollment.Status != domain.EnrollmentCompleted {
		t.Fatalf("expected completed (single-step sequence), got %s", out.Enrollment.Status)
	}
	if out.LogEntry == nil || out.LogEntry.Status != domain.OutcomeSent {
		t.Fatalf("expected a sent log entry, got %+v", out.LogEntry)
	}
	if out.LogEntry.ExternalRef != "ext-1" {
		t.Fatalf("expected external ref propagated, got %q", out.LogEntry.ExternalRef)
	}
	if adapter.calls != 1 {
		t.Fatalf("expected adapter invoked once, got %d", adapter.calls)
	}
}

func TestExecuteEmailStepAdvancesToWaitingWhenNextHasDelay(t *testing.T) {
	seq := testSequence(
		domain.Step{Kind: domain.StepEmail, InlineSubject: "Hi", InlineBody: "Body"},
		domain.Step{Kind: domain.StepEmail, InlineBody: "Follow-up", DelayDays: 2},
	)
	adapter := &fakeAdapter{result: channel.Result{Status: channel.StatusSent}}
	e := newExecutor(t, seq, testRecipient(), testSender(), adapter)

	enrollment := domain.Enrollment{ID: "e1", RecipientID: "rec-1", SequenceID: "seq-1", StepIndex: 0}
	out, err := e.Execute(context.Background(), enrollment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Enrollment.Status != domain.EnrollmentWaiting {
		t.Fatalf("expected waiting before delayed next step, got %s", out.Enrollment.Status)
	}
	if out.Enrollment.StepIndex != 1 {
		t.Fatalf("expected step index 1, got %d", out.Enrollment.StepIndex)
	}
}

func TestExecuteTransientFailureReschedulesWithBackoff(t *testing.T) {
	seq := testSequence(domain.Step{Kind: domain.StepEmail, InlineBody: "Body"})
	adapter := &fakeAdapter{result: channel.Result{Status: channel.StatusTransientFailure, Detail: "timeout"}}
	e := newExecutor(t, seq, testRecipient(), testSender(), adapter)

	enrollment := domain.Enrollment{ID: "e1", RecipientID: "rec-1", SequenceID: "seq-1", StepIndex: 0}
	start := time.Now()
	out, err := e.Execute(context.Background(), enrollment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Enrollment.Status != domain.EnrollmentPending {
		t.Fatalf("expected pending for retry, got %s", out.Enrollment.Status)
	}
	if out.Enrollment.Attempts != 1 {
		t.Fatalf("expected attempts incremented to 1, got %d", out.Enrollment.Attempts)
	}
	if !out.Enrollment.DueAt.After(start) {
		t.Fatalf("expected due-at pushed into the future, got %v", out.Enrollment.DueAt)
	}
	if out.LogEntry.Status != domain.OutcomeTransientFailure {
		t.Fatalf("expected transient_failure log entry, got %s", out.LogEntry.Status)
	}
}

func TestExecuteTransientFailureEscalatesToPermanentAfterMaxAttempts(t *testing.T) {
	seq := testSequence(domain.Step{Kind: domain.StepEmail, InlineBody: "Body"})
	adapter := &fakeAdapter{result: channel.Result{Status: channel.StatusTransientFailure, Detail: "timeout"}}
	e := newExecutor(t, seq, testRecipient(), testSender(), adapter)

	enrollment := domain.Enrollment{ID: "e1", RecipientID: "rec-1", SequenceID: "seq-1", StepIndex: 0, Attempts: maxAttemptsDefault - 1}
	out, err := e.Execute(context.Background(), enrollment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Enrollment.Status != domain.EnrollmentFailed {
		t.Fatalf("expected failed after exhausting attempts, got %s", out.Enrollment.Status)
	}
	if out.LogEntry.Status != domain.OutcomePermanentFailure {
		t.Fatalf("expected escalated log entry, got %s", out.LogEntry.Status)
	}
}

func TestExecutePermanentFailureStopsEnrollment(t *testing.T) {
	seq := testSequence(domain.Step{Kind: domain.StepEmail, InlineBody: "Body"})
	adapter := &fakeAdapter{result: channel.Result{Status: channel.StatusPermanentFailure, Detail: "bad address"}}
	e := newExecutor(t, seq, testRecipient(), testSender(), adapter)

	enrollment := domain.Enrollment{ID: "e1", RecipientID: "rec-1", SequenceID: "seq-1", StepIndex: 0}
	out, err := e.Execute(context.Background(), enrollment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Enrollment.Status != domain.EnrollmentFailed {
		t.Fatalf("expected failed, got %s", out.Enrollment.Status)
	}
	if out.Enrollment.StepIndex != 0 {
		t.Fatalf("expected step index unchanged on permanent failure, got %d", out.Enrollment.StepIndex)
	}
	if out.LogEntry.Status != domain.OutcomePermanentFailure {
		t.Fatalf("expected permanent_failure log entry, got %s", out.LogEntry.Status)
	}
}

func TestExecuteRateDeniedReschedulesWithoutDispatch(t *testing.T) {
	seq := testSequence(domain.Step{Kind: domain.StepEmail, InlineBody: "Body"})
	sender := testSender()
	sender.OnHold = true
	adapter := &fakeAdapter{result: channel.Result{Status: channel.StatusSent}}
	e := newExecutor(t, seq, testRecipient(), sender, adapter)

	enrollment := domain.Enrollment{ID: "e1", RecipientID: "rec-1", SequenceID: "seq-1", StepIndex: 0}
	out, err := e.Execute(context.Background(), enrollment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Enrollment.Status != domain.EnrollmentPending {
		t.Fatalf("expected pending while on hold, got %s", out.Enrollment.Status)
	}
	if adapter.calls != 0 {
		t.Fatalf("expected adapter not invoked while sender on hold, got %d calls", adapter.calls)
	}
}

func TestExecuteTemplateSyntaxErrorFailsEnrollment(t *testing.T) {
	seq := testSequence(domain.Step{Kind: domain.StepEmail, InlineSubject: "Hi {{first_name", InlineBody: "Body"})
	adapter := &fakeAdapter{result: channel.Result{Status: channel.StatusSent}}
	e := newExecutor(t, seq, testRecipient(), testSender(), adapter)

	enrollment := domain.Enrollment{ID: "e1", RecipientID: "rec-1", SequenceID: "seq-1", StepIndex: 0}
	out, err := e.Execute(context.Background(), enrollment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Enrollment.Status != domain.EnrollmentFailed {
		t.Fatalf("expected failed on unclosed template token, got %s", out.Enrollment.Status)
	}
	if adapter.calls != 0 {
		t.Fatalf("expected adapter not invoked when rendering fails, got %d calls", adapter.calls)
	}
}

func TestInvalidateSequenceDropsCachedSnapshot(t *testing.T) {
	seq := testSequence(domain.Step{Kind: domain.StepEmail, InlineBody: "Body"})
	sequences := &fakeSequenceStore{sequences: map[string]domain.Sequence{seq.ID: seq}}
	recipients := &fakeRecipientStore{recipients: map[string]domain.Recipient{"rec-1": testRecipient()}}
	sender := testSender()
	senders := &fakeSenderStore{senders: map[string]domain.Sender{sender.Email: sender}}
	gov := newTestGovernor(t, sender)
	adapter := &fakeAdapter{result: channel.Result{Status: channel.StatusSent}}
	e := New(sequences, recipients, senders, gov, Adapters{Email: adapter}, nil, 8)

	ctx := context.Background()
	if _, err := e.loadSequence(ctx, seq.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sequences.sequences[seq.ID] = testSequence(domain.Step{Kind: domain.StepEmail, InlineBody: "Updated"}, domain.Step{Kind: domain.StepWait, DelayDays: 1})
	e.InvalidateSequence(seq.ID)

	reloaded, err := e.loadSequence(ctx, seq.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reloaded.Steps) != 2 {
		t.Fatalf("expected invalidated cache to pick up updated sequence, got %d steps", len(reloaded.Steps))
	}
}
