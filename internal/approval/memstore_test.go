package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/pitabwire/steward/model"
)

func testRequest(id string, steps ...int) model.ApprovalRequest {
	req := model.ApprovalRequest{
		ID:          id,
		Applicant:   "alice",
		Title:       "t",
		CurrentStep: 1,
		Status:      model.StatusPending,
		Version:     1,
	}
	for _, n := range steps {
		req.Steps = append(req.Steps, model.ApprovalStep{StepNumber: n, Approver: "bob"})
	}
	return req
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	hookRan := false
	created, err := s.Create(ctx, testRequest("r1", 2, 1), func(_ context.Context, req model.ApprovalRequest) error {
		hookRan = true
		if req.ID != "r1" {
			t.Errorf("hook saw request %q", req.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !hookRan {
		t.Error("hook should run")
	}
	if created.Steps[0].StepNumber != 1 {
		t.Error("steps should be sorted by step number")
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Steps) != 2 {
		t.Errorf("len(Steps) = %d, want 2", len(got.Steps))
	}

	// Mutating a returned copy must not affect the store.
	got.Steps[0].Approver = "mallory"
	again, _ := s.Get(ctx, "r1")
	if again.Steps[0].Approver != "bob" {
		t.Error("Get should return an independent copy")
	}
}

func TestMemoryStore_CreateErrors(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Create(ctx, testRequest("dup", 1, 1), nil)
	if !model.HasCode(err, model.ErrInvariantViolation) {
		t.Fatalf("duplicate step numbers: error = %v, want INVARIANT_VIOLATION", err)
	}

	boom := errors.New("boom")
	_, err = s.Create(ctx, testRequest("r1", 1), func(context.Context, model.ApprovalRequest) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("hook failure: error = %v, want boom", err)
	}
	if _, err := s.Get(ctx, "r1"); !model.HasCode(err, model.ErrNotFound) {
		t.Error("a failed hook must leave nothing behind")
	}

	if _, err := s.Create(ctx, testRequest("r2", 1), nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_, err = s.Create(ctx, testRequest("r2", 1), nil)
	if !model.HasCode(err, model.ErrConflict) {
		t.Errorf("existing ID: error = %v, want CONFLICT", err)
	}
}

func TestMemoryStore_Update(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.Create(ctx, testRequest("r1", 1, 2), nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, err := s.Update(ctx, "r1", func(_ context.Context, req *model.ApprovalRequest) error {
		req.CurrentStep = 2
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.CurrentStep != 2 || updated.Version != 2 {
		t.Errorf("updated = current %d version %d, want 2/2", updated.CurrentStep, updated.Version)
	}

	boom := errors.New("boom")
	_, err = s.Update(ctx, "r1", func(_ context.Context, req *model.ApprovalRequest) error {
		req.Status = model.StatusRejected
		req.Steps[0].Comment = "partial"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}
	got, _ := s.Get(ctx, "r1")
	if got.Status != model.StatusPending || got.Steps[0].Comment != "" || got.Version != 2 {
		t.Errorf("failed update leaked changes: %+v", got)
	}

	_, err = s.Update(ctx, "missing", func(context.Context, *model.ApprovalRequest) error { return nil })
	if !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_UpdateSerializesPerRequest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := s.Create(ctx, testRequest(id, 1), nil); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Update(ctx, "a", func(context.Context, *model.ApprovalRequest) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	// A different request is not blocked by the lock on "a".
	if _, err := s.Update(ctx, "b", func(context.Context, *model.ApprovalRequest) error { return nil }); err != nil {
		t.Fatalf("Update(b) error = %v", err)
	}

	close(release)
	<-done
	got, _ := s.Get(ctx, "a")
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
}

func TestPage(t *testing.T) {
	reqs := []model.ApprovalRequest{{ID: "1"}, {ID: "2"}, {ID: "3"}}

	tests := []struct {
		name    string
		filters model.RequestFilters
		want    int
	}{
		{"no filters", model.RequestFilters{}, 3},
		{"limit", model.RequestFilters{Limit: 2}, 2},
		{"offset", model.RequestFilters{Offset: 2}, 1},
		{"offset past end", model.RequestFilters{Offset: 5}, 0},
		{"limit larger than rest", model.RequestFilters{Limit: 10, Offset: 1}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(page(reqs, tt.filters)); got != tt.want {
				t.Errorf("len(page()) = %d, want %d", got, tt.want)
			}
		})
	}
}
