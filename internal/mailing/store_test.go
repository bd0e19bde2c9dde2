package mailing

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

func setupTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	return NewStore(db), mock, func() { db.Close() }
}

func TestGenerateUnsubscribeToken(t *testing.T) {
	token, err := GenerateUnsubscribeToken()
	if err != nil {
		t.Fatalf("GenerateUnsubscribeToken() error: %v", err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(token))
	}

	// Tokens authorize unsubscribe without login; collisions would let one
	// subscriber unsubscribe another.
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		tok, err := GenerateUnsubscribeToken()
		if err != nil {
			t.Fatalf("GenerateUnsubscribeToken() error: %v", err)
		}
		if seen[tok] {
			t.Fatalf("duplicate token after %d generations", i)
		}
		seen[tok] = true
	}
}

func TestAddSubscriber(t *testing.T) {
	store, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO subscribers").
		WithArgs(sqlmock.AnyArg(), "alice@example.com", sqlmock.AnyArg(), true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sub, err := store.AddSubscriber(context.Background(), "  Alice@Example.com ", "Alice")
	if err != nil {
		t.Fatalf("AddSubscriber() error: %v", err)
	}

	if sub.Email != "alice@example.com" {
		t.Errorf("email = %q, want lowercased trimmed %q", sub.Email, "alice@example.com")
	}
	if !sub.Subscribed {
		t.Error("new subscriber should be subscribed")
	}
	if len(sub.UnsubscribeToken) != 64 {
		t.Errorf("token length = %d, want 64", len(sub.UnsubscribeToken))
	}
	if sub.Name.String != "Alice" || !sub.Name.Valid {
		t.Errorf("name = %+v, want Alice", sub.Name)
	}
}

func TestAddSubscriber_Duplicate(t *testing.T) {
	store, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO subscribers").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := store.AddSubscriber(context.Background(), "alice@example.com", "")
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("err = %v, want ErrDuplicateEmail", err)
	}
}

func TestAddSubscriber_InvalidEmail(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()

	for _, email := range []string{"", "not-an-email", "a@b", "@example.com", "a b@example.com"} {
		_, err := store.AddSubscriber(context.Background(), email, "")
		if !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("AddSubscriber(%q) err = %v, want ErrInvalidEmail", email, err)
		}
	}
}

func TestSetSubscribed(t *testing.T) {
	store, mock, cleanup := setupTestStore(t)
	defer cleanup()

	id := uuid.New()
	rows := sqlmock.NewRows([]string{"id", "email", "name", "subscribed", "subscribed_at"}).
		AddRow(id, "alice@example.com", nil, false, time.Now())
	mock.ExpectQuery("UPDATE subscribers SET subscribed").
		WithArgs(false, "tok123").
		WillReturnRows(rows)

	sub, err := store.SetSubscribed(context.Background(), "tok123", false)
	if err != nil {
		t.Fatalf("SetSubscribed() error: %v", err)
	}
	if sub.Subscribed {
		t.Error("subscriber should be unsubscribed")
	}
	if sub.Email != "alice@example.com" {
		t.Errorf("email = %q", sub.Email)
	}
}

func TestSetSubscribed_InvalidToken(t *testing.T) {
	store, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectQuery("UPDATE subscribers SET subscribed").
		WithArgs(true, "bogus").
		WillReturnError(sql.ErrNoRows)

	_, err := store.SetSubscribed(context.Background(), "bogus", true)
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestEnqueueDeliveries(t *testing.T) {
	store, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO email_queue")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	items := []*QueuedDelivery{
		{NewsletterID: uuid.New(), RecipientEmail: "a@example.com", ScheduledFor: time.Now().AddDate(0, 0, 1), BatchNumber: 0},
		{NewsletterID: uuid.New(), RecipientEmail: "b@example.com", ScheduledFor: time.Now().AddDate(0, 0, 2), BatchNumber: 1},
	}
	if err := store.EnqueueDeliveries(context.Background(), items); err != nil {
		t.Fatalf("EnqueueDeliveries() error: %v", err)
	}

	for _, item := range items {
		if item.ID == uuid.Nil {
			t.Error("enqueue should assign an ID when missing")
		}
		if item.Status != StatusPending {
			t.Errorf("status = %q, want pending", item.Status)
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestEnqueueDeliveries_Empty(t *testing.T) {
	store, mock, cleanup := setupTestStore(t)
	defer cleanup()

	if err := store.EnqueueDeliveries(context.Background(), nil); err != nil {
		t.Fatalf("EnqueueDeliveries(nil) error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no SQL should run for an empty enqueue: %v", err)
	}
}

func TestGetDueDeliveries(t *testing.T) {
	store, mock, cleanup := setupTestStore(t)
	defer cleanup()

	id := uuid.New()
	nid := uuid.New()
	rows := sqlmock.NewRows([]string{"id", "newsletter_id", "recipient_email", "recipient_name",
		"status", "scheduled_for", "sent_at", "attempts", "error_message", "batch_number"}).
		AddRow(id, nid, "a@example.com", nil, "pending", time.Now().Add(-time.Minute), nil, 0, nil, 0)

	mock.ExpectQuery("SELECT (.+) FROM email_queue").
		WithArgs(100, 3).
		WillReturnRows(rows)

	due, err := store.GetDueDeliveries(context.Background(), 100, 3)
	if err != nil {
		t.Fatalf("GetDueDeliveries() error: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("len(due) = %d, want 1", len(due))
	}
	if due[0].ID != id || due[0].NewsletterID != nid {
		t.Error("delivery row mismatch")
	}
	if due[0].Status != StatusPending {
		t.Errorf("status = %q, want pending", due[0].Status)
	}
}

func TestMarkSent(t *testing.T) {
	store, mock, cleanup := setupTestStore(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectExec("UPDATE email_queue").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkSent(context.Background(), id); err != nil {
		t.Fatalf("MarkSent() error: %v", err)
	}
}

func TestMarkFailedOrRetry_SchedulesRetry(t *testing.T) {
	store, mock, cleanup := setupTestStore(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("SELECT attempts FROM email_queue").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(0))
	mock.ExpectExec("UPDATE email_queue").
		WithArgs(id, "provider 500", 300).
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, err := store.MarkFailedOrRetry(context.Background(), id, "provider 500", 3, 5*time.Minute)
	if err != nil {
		t.Fatalf("MarkFailedOrRetry() error: %v", err)
	}
	if status != StatusPending {
		t.Errorf("status = %q, want pending (retry scheduled)", status)
	}
}

func TestMarkFailedOrRetry_FailsAtAttemptCap(t *testing.T) {
	store, mock, cleanup := setupTestStore(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("SELECT attempts FROM email_queue").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(2))
	mock.ExpectExec("UPDATE email_queue").
		WithArgs(id, "provider 500").
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, err := store.MarkFailedOrRetry(context.Background(), id, "provider 500", 3, 5*time.Minute)
	if err != nil {
		t.Fatalf("MarkFailedOrRetry() error: %v", err)
	}
	if status != StatusFailed {
		t.Errorf("status = %q, want failed (attempt cap reached)", status)
	}
}

func TestMarkFailedOrRetry_TerminalRowUntouched(t *testing.T) {
	store, mock, cleanup := setupTestStore(t)
	defer cleanup()

	id := uuid.New()
	// A sent or failed row no longer matches the pending guard.
	mock.ExpectQuery("SELECT attempts FROM email_queue").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := store.MarkFailedOrRetry(context.Background(), id, "late failure", 3, 5*time.Minute)
	if err == nil {
		t.Error("marking a non-pending row should error, not mutate it")
	}
}

func TestMarkFailedOrRetry_TruncatesLongError(t *testing.T) {
	store, mock, cleanup := setupTestStore(t)
	defer cleanup()

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}

	id := uuid.New()
	mock.ExpectQuery("SELECT attempts FROM email_queue").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(0))
	mock.ExpectExec("UPDATE email_queue").
		WithArgs(id, string(long[:500]), 300).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := store.MarkFailedOrRetry(context.Background(), id, string(long), 3, 5*time.Minute)
	if err != nil {
		t.Fatalf("MarkFailedOrRetry() error: %v", err)
	}
}

func TestQueueStats(t *testing.T) {
	store, mock, cleanup := setupTestStore(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("pending", 7).
		AddRow("sent", 40).
		AddRow("failed", 3)
	mock.ExpectQuery("SELECT status, COUNT").WillReturnRows(rows)

	stats, err := store.QueueStats(context.Background())
	if err != nil {
		t.Fatalf("QueueStats() error: %v", err)
	}
	if stats.Pending != 7 || stats.Sent != 40 || stats.Failed != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TotalInQueue != 50 {
		t.Errorf("total = %d, want 50", stats.TotalInQueue)
	}
}

func TestGetNewsletter_NotFound(t *testing.T) {
	store, mock, cleanup := setupTestStore(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM newsletters").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	n, err := store.GetNewsletter(context.Background(), id)
	if err != nil {
		t.Fatalf("GetNewsletter() error: %v", err)
	}
	if n != nil {
		t.Error("missing newsletter should return nil, nil")
	}
}
