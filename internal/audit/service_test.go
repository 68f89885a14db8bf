package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestService_AppendRequiresCallAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeFallback}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if err := svc.Append(context.Background(), Event{CallID: "c"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogWebhookError(context.Background(), "call-1", "call.answered", errors.New("speak failed")); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.LogFallback(context.Background(), "call-2", "recognition", "dial refused"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events")
	}
	if evs[0].Type != EventTypeWebhookError || evs[0].Metadata != "speak failed" {
		t.Fatalf("expected webhook_error with cause, got %+v", evs[0])
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp assigned")
	}

	got, err := svc.ListByCall(context.Background(), "call-2", 10)
	if err != nil || len(got) != 1 || got[0].Type != EventTypeFallback {
		t.Fatalf("expected one fallback event for call-2, got %+v %v", got, err)
	}
}

func TestService_NilIsSafe(t *testing.T) {
	var svc *Service
	if err := svc.LogForcedTermination(context.Background(), "call-1", "reconciler", "stale"); err == nil {
		t.Fatalf("expected error from nil service")
	}
}

func TestPostgresRepo_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec("INSERT INTO call_events").
		WithArgs("e1", "call-1", "forced_termination", "reconciler", "max duration", "", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewPostgresRepo(db)
	err = repo.Append(context.Background(), Event{
		ID: "e1", CallID: "call-1", Type: EventTypeForcedTermination, Actor: "reconciler", Message: "max duration", CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepo_ListByCall(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	at := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "call_id", "type", "actor", "message", "metadata", "created_at"}).
		AddRow("e1", "call-1", "webhook_error", "dispatcher", "call.answered handling failed", "boom", at)
	mock.ExpectQuery("SELECT id, call_id, type").WithArgs("call-1", 50).WillReturnRows(rows)

	got, err := NewPostgresRepo(db).ListByCall(context.Background(), "call-1", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Type != EventTypeWebhookError || got[0].Metadata != "boom" {
		t.Fatalf("unexpected events %+v", got)
	}
}
