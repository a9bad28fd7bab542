package audit

import (
	"context"
	"testing"
	"time"
)

func TestService_AppendRequiresCallAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeCallback}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{CallID: 1}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	svc.clock = func() time.Time { return time.Unix(1700000000, 0) }

	ctx := context.Background()
	if err := svc.LogCallback(ctx, 7, "applied", "req-1", 120, "callback applied"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.LogCallback(ctx, 7, "already_finalized", "req-2", 120, "duplicate"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.LogDispatch(ctx, 8, "submitted", ""); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	if evs[0].ID == "" || evs[0].ID == evs[1].ID {
		t.Fatalf("expected unique ids")
	}
	if !evs[0].CreatedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("expected clock time, got %v", evs[0].CreatedAt)
	}

	hist, err := svc.History(ctx, 7)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[1].Outcome != "already_finalized" || hist[0].Type != EventTypeCallback {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestService_NilIsUnconfigured(t *testing.T) {
	var svc *Service
	if err := svc.LogExpired(context.Background(), 1, "no-callback-received"); err == nil {
		t.Fatalf("expected error for nil service")
	}
}
