package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/pitabwire/steward/model"
)

type memRecord struct {
	req model.ApprovalRequest
	seq int64
}

// MemoryStore is an in-memory Store. Each request has its own weighted
// semaphore, so an Update waits only for other updates of the same request
// and gives up when its context ends.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]memRecord
	locks    map[string]*semaphore.Weighted
	seq      int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]memRecord),
		locks:    make(map[string]*semaphore.Weighted),
	}
}

// Create persists req after running hook. The store lock is held throughout,
// so readers never observe the request before hook has succeeded.
func (s *MemoryStore) Create(ctx context.Context, req model.ApprovalRequest, hook CreateHook) (model.ApprovalRequest, error) {
	if err := checkSteps(req); err != nil {
		return model.ApprovalRequest{}, err
	}
	req = req.Clone()
	req.SortSteps()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return model.ApprovalRequest{}, model.NewConflictError(
			fmt.Sprintf("approval request %q already exists", req.ID),
		)
	}

	if hook != nil {
		if err := hook(ctx, req.Clone()); err != nil {
			return model.ApprovalRequest{}, err
		}
	}

	s.seq++
	s.requests[req.ID] = memRecord{req: req.Clone(), seq: s.seq}
	s.locks[req.ID] = semaphore.NewWeighted(1)
	return req, nil
}

// Update runs fn on a private copy of the request under the request's lock
// and stores the copy only when fn succeeds.
func (s *MemoryStore) Update(ctx context.Context, id string, fn MutateFunc) (model.ApprovalRequest, error) {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return model.ApprovalRequest{}, notFound(id)
	}

	if err := lock.Acquire(ctx, 1); err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("acquire lock on approval request %q: %w", id, err)
	}
	defer lock.Release(1)

	s.mu.RLock()
	rec := s.requests[id]
	s.mu.RUnlock()

	work := rec.req.Clone()
	if err := fn(ctx, &work); err != nil {
		return model.ApprovalRequest{}, err
	}
	if err := checkSteps(work); err != nil {
		return model.ApprovalRequest{}, err
	}
	work.ID = id
	work.Version = rec.req.Version + 1

	s.mu.Lock()
	s.requests[id] = memRecord{req: work.Clone(), seq: rec.seq}
	s.mu.Unlock()

	return work, nil
}

// Get returns a copy of the request.
func (s *MemoryStore) Get(_ context.Context, id string) (model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.requests[id]
	if !ok {
		return model.ApprovalRequest{}, notFound(id)
	}
	return rec.req.Clone(), nil
}

// FindByApplicant lists the applicant's requests, newest first.
func (s *MemoryStore) FindByApplicant(_ context.Context, applicant model.Identity, filters model.RequestFilters) ([]model.ApprovalRequest, error) {
	return s.find(filters, func(req model.ApprovalRequest) bool {
		return req.Applicant == applicant
	}), nil
}

// FindAwaiting lists requests waiting on approver, newest first.
func (s *MemoryStore) FindAwaiting(_ context.Context, approver model.Identity, filters model.RequestFilters) ([]model.ApprovalRequest, error) {
	return s.find(filters, func(req model.ApprovalRequest) bool {
		return awaiting(req, approver)
	}), nil
}

func (s *MemoryStore) find(filters model.RequestFilters, match func(model.ApprovalRequest) bool) []model.ApprovalRequest {
	s.mu.RLock()
	var recs []memRecord
	for _, rec := range s.requests {
		if filters.Status != "" && rec.req.Status != filters.Status {
			continue
		}
		if match(rec.req) {
			recs = append(recs, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })

	out := make([]model.ApprovalRequest, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.req.Clone())
	}
	return page(out, filters)
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

func notFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("approval request %q not found", id))
}
