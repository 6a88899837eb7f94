package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/sequencer/internal/domain"
	"github.com/ignite/sequencer/internal/executor"
)

func setupStoreTest(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func TestGetSequenceLoadsStepsInOrder(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, campaign_id, name, sender_email, created_at FROM sequences").
		WithArgs("seq-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "name", "sender_email", "created_at"}).
			AddRow("seq-1", "camp-1", "drip", "rep@co.com", now))

	mock.ExpectQuery("SELECT kind, payload_json FROM sequence_steps").
		WithArgs("seq-1").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "payload_json"}).
			AddRow("email", []byte(`{"delay_days":0,"inline_body":"Hi {{first_name}}"}`)).
			AddRow("wait", []byte(`{"delay_days":3}`)))

	seq, err := store.GetSequence(context.Background(), "seq-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seq.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(seq.Steps))
	}
	if seq.Steps[0].Kind != domain.StepEmail || seq.Steps[0].InlineBody != "Hi {{first_name}}" {
		t.Fatalf("unexpected first step: %+v", seq.Steps[0])
	}
	if seq.Steps[1].Kind != domain.StepWait || seq.Steps[1].DelayDays != 3 {
		t.Fatalf("unexpected second step: %+v", seq.Steps[1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimDueMarksRowsInFlightAndBumpsVersion(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT e.id, e.recipient_id, e.sequence_id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "recipient_id", "sequence_id", "step_index", "due_at", "status", "attempts",
			"last_error", "version", "updated_at", "sender_email",
		}).AddRow("enr-1", "rec-1", "seq-1", 0, now, "pending", 0, "", 2, now, "rep@co.com"))
	mock.ExpectExec("UPDATE enrollments SET status = 'in_flight'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := store.ClaimDue(context.Background(), 10, nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed enrollment, got %d", len(claimed))
	}
	if claimed[0].Enrollment.Version != 3 {
		t.Fatalf("expected version bumped to 3, got %d", claimed[0].Enrollment.Version)
	}
	if claimed[0].SenderEmail != "rep@co.com" {
		t.Fatalf("expected sender rep@co.com, got %s", claimed[0].SenderEmail)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimDueWithNoRowsSkipsUpdate(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT e.id, e.recipient_id, e.sequence_id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "recipient_id", "sequence_id", "step_index", "due_at", "status", "attempts",
			"last_error", "version", "updated_at", "sender_email",
		}))
	mock.ExpectCommit()

	claimed, err := store.ClaimDue(context.Background(), 10, []string{"other@co.com"}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected no claimed rows, got %d", len(claimed))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPersistReturnsConcurrencyConflictOnVersionMismatch(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE enrollments SET step_index").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	outcome := executor.Outcome{Enrollment: domain.Enrollment{ID: "enr-1", Status: domain.EnrollmentWaiting}}
	err := store.Persist(context.Background(), outcome, 5)
	if err == nil {
		t.Fatal("expected a concurrency conflict error")
	}
	engineErr, ok := err.(*domain.EngineError)
	if !ok || engineErr.Kind != domain.KindConcurrencyConflict {
		t.Fatalf("expected *domain.EngineError with KindConcurrencyConflict, got %#v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPersistWritesEnrollmentAndLogEntryInOneTransaction(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE enrollments SET step_index").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO log_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome := executor.Outcome{
		Enrollment: domain.Enrollment{ID: "enr-1", Status: domain.EnrollmentWaiting, Version: 1},
		LogEntry:   &domain.LogEntry{EnrollmentID: "enr-1", Status: domain.OutcomeSent},
	}
	if err := store.Persist(context.Background(), outcome, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecoverStaleReturnsAffectedCount(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectExec("UPDATE enrollments SET status = 'pending'").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.RecoverStale(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 recovered rows, got %d", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordEventDiscardsDuplicateDelivery(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO webhook_events_seen").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	recorded, err := store.RecordEvent(context.Background(), domain.LogEntry{EnrollmentID: "enr-1"}, "sparkpost", "evt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recorded {
		t.Fatal("expected duplicate delivery to report recorded=false")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordEventInsertsNewDelivery(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO webhook_events_seen").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO log_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	recorded, err := store.RecordEvent(context.Background(), domain.LogEntry{EnrollmentID: "enr-1"}, "sparkpost", "evt-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !recorded {
		t.Fatal("expected new delivery to be recorded")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateEnrollmentsSkipsConflicts(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT payload_json->>'delay_days' FROM sequence_steps").
		WithArgs("seq-1").
		WillReturnRows(sqlmock.NewRows([]string{"delay_days"}).AddRow("0"))
	mock.ExpectExec("INSERT INTO enrollments").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO enrollments").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	created, err := store.CreateEnrollments(context.Background(), "seq-1", []string{"rec-1", "rec-2"}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected 1 created (second was a conflict), got %d", created)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateEnrollmentsHonorsFirstStepDelay(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT payload_json->>'delay_days' FROM sequence_steps").
		WithArgs("seq-1").
		WillReturnRows(sqlmock.NewRows([]string{"delay_days"}).AddRow("2"))
	mock.ExpectExec("INSERT INTO enrollments").
		WithArgs(sqlmock.AnyArg(), "rec-1", "seq-1", now.Add(48*time.Hour), string(domain.EnrollmentWaiting), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := store.CreateEnrollments(context.Background(), "seq-1", []string{"rec-1"}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected 1 created, got %d", created)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRetryEnrollmentRejectsNonFailedState(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectExec("UPDATE enrollments SET status = 'pending', attempts = 0").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.RetryEnrollment(context.Background(), "enr-1", time.Now())
	if err == nil {
		t.Fatal("expected an error for a non-retryable enrollment")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetSenderParsesWindowDays(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectQuery("SELECT email, name, title").
		WithArgs("rep@co.com").
		WillReturnRows(sqlmock.NewRows([]string{
			"email", "name", "title", "phone", "signature_rich", "signature_plain", "warmup_enabled",
			"warmup_start_date", "ramp_key", "daily_cap", "on_hold", "window_days", "window_start", "window_end", "window_tz",
		}).AddRow("rep@co.com", "Rep", "AE", "", "", "", false, nil, "", 50, false, "{1,2,3,4,5}", "09:00", "17:00", "America/Denver"))

	sender, err := store.GetSender(context.Background(), "rep@co.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sender.Window.Days[time.Monday] || sender.Window.Days[time.Sunday] {
		t.Fatalf("unexpected window days: %+v", sender.Window.Days)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
