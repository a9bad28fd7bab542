package reaper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"salescall-platform/internal/audit"
	"salescall-platform/internal/calls"
	"salescall-platform/internal/correlation"
)

func newCall(t *testing.T, repo calls.Repository, createdAt time.Time, missing bool) calls.Call {
	t.Helper()
	c, err := repo.Create(context.Background(), calls.Call{
		Metadata: calls.Metadata{
			Title:             "Quarterly review",
			CallDateTime:      createdAt,
			RecordingFilePath: "r.mp3",
			Direction:         calls.DirectionIncoming,
		},
		ArtifactMissing: missing,
		CreatedAt:       createdAt,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func TestReap_ExpiresStaleAndMissing(t *testing.T) {
	repo := calls.NewMemoryRepo()
	auditRepo := audit.NewMemoryRepo()
	r := New(repo, audit.NewService(auditRepo), nil, nil)
	now := time.Unix(1700000000, 0).UTC()
	r.clock = func() time.Time { return now }

	old := newCall(t, repo, now.Add(-2*time.Hour), false)
	recent := newCall(t, repo, now.Add(-time.Minute), false)
	missing := newCall(t, repo, now.Add(-time.Minute), true)

	n, err := r.Reap(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired, got %d", n)
	}

	ctx := context.Background()
	if c, _ := repo.Get(ctx, old.ID); c.State != calls.StateExpired || c.ExpiryReason != calls.ExpiryNoCallback {
		t.Fatalf("old call: %s/%s", c.State, c.ExpiryReason)
	}
	if c, _ := repo.Get(ctx, missing.ID); c.State != calls.StateExpired || c.ExpiryReason != calls.ExpiryArtifactMissing {
		t.Fatalf("missing call: %s/%s", c.State, c.ExpiryReason)
	}
	if c, _ := repo.Get(ctx, recent.ID); c.State != calls.StatePending {
		t.Fatalf("recent call should stay pending, got %s", c.State)
	}
	if evs := auditRepo.Events(); len(evs) != 2 || evs[0].Type != audit.EventTypeExpired {
		t.Fatalf("expected 2 expiry audit events, got %+v", evs)
	}

	if n, _ := r.Reap(ctx, 30*time.Minute); n != 0 {
		t.Fatalf("second sweep should be a no-op, got %d", n)
	}
}

func TestReap_ArtifactMissingNeverCompletes(t *testing.T) {
	repo := calls.NewMemoryRepo()
	engine := correlation.NewEngine(repo, nil, nil, nil)
	r := New(repo, nil, nil, nil)
	ctx := context.Background()

	c := newCall(t, repo, time.Now().UTC(), true)
	if out, _ := engine.OnCallback(ctx, c.ID, []byte(correlation.TestPayload)); out.Applied() {
		t.Fatalf("artifact-missing call must not accept a callback")
	}
	if _, err := r.Reap(ctx, time.Hour); err != nil {
		t.Fatalf("reap: %v", err)
	}
	got, _ := repo.Get(ctx, c.ID)
	if got.State != calls.StateExpired {
		t.Fatalf("expected EXPIRED, got %s", got.State)
	}
	if out, _ := engine.OnCallback(ctx, c.ID, []byte(correlation.TestPayload)); out.Kind != correlation.KindAlreadyFinalized {
		t.Fatalf("expected already finalized after expiry, got %s", out.Kind)
	}
}

func TestReap_InvalidDeadline(t *testing.T) {
	r := New(calls.NewMemoryRepo(), nil, nil, nil)
	if _, err := r.Reap(context.Background(), 0); err == nil {
		t.Fatalf("expected error for zero deadline")
	}
}

type countingRepo struct {
	n   atomic.Int32
	err error
}

func (c *countingRepo) ExpireStale(context.Context, time.Time, time.Time) ([]calls.Call, error) {
	c.n.Add(1)
	return nil, c.err
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	repo := &countingRepo{err: errors.New("db down")}
	r := New(repo, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 5*time.Millisecond, time.Minute) }()

	deadline := time.After(2 * time.Second)
	for repo.n.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected repeated sweeps, got %d", repo.n.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
}
