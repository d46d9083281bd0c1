// Package approval implements the request factory and transition engine of
// the approval workflow, together with request persistence.
package approval

import (
	"context"

	"github.com/pitabwire/steward/model"
)

// CreateHook runs inside the atomic unit that persists a new request. An
// error aborts the creation and nothing becomes visible.
type CreateHook func(ctx context.Context, req model.ApprovalRequest) error

// MutateFunc changes a request while the store holds exclusive access to it.
// Returning an error discards every change made by the function.
type MutateFunc func(ctx context.Context, req *model.ApprovalRequest) error

// Store persists approval requests and their steps.
type Store interface {
	// Create persists the request and all of its steps as one unit, running
	// hook before the unit commits. Duplicate step numbers fail with
	// INVARIANT_VIOLATION.
	Create(ctx context.Context, req model.ApprovalRequest, hook CreateHook) (model.ApprovalRequest, error)

	// Update gives fn exclusive access to the request for the duration of the
	// call. Concurrent updates of the same request are serialized; updates of
	// different requests do not contend. Returns NOT_FOUND for an unknown id.
	Update(ctx context.Context, id string, fn MutateFunc) (model.ApprovalRequest, error)

	// Get returns the request with its steps ordered by step number.
	Get(ctx context.Context, id string) (model.ApprovalRequest, error)

	// FindByApplicant lists requests submitted by applicant, newest first.
	FindByApplicant(ctx context.Context, applicant model.Identity, filters model.RequestFilters) ([]model.ApprovalRequest, error)

	// FindAwaiting lists PENDING requests whose current step is assigned to
	// approver and undecided, newest first.
	FindAwaiting(ctx context.Context, approver model.Identity, filters model.RequestFilters) ([]model.ApprovalRequest, error)
}

// checkSteps reports duplicate step numbers, which only a factory bug can
// produce.
func checkSteps(req model.ApprovalRequest) error {
	seen := make(map[int]bool, len(req.Steps))
	for _, s := range req.Steps {
		if seen[s.StepNumber] {
			return model.NewInvariantViolationError(
				"approval request " + req.ID + " has duplicate step number",
			)
		}
		seen[s.StepNumber] = true
	}
	return nil
}

// page applies offset and limit to an already ordered slice.
func page(reqs []model.ApprovalRequest, filters model.RequestFilters) []model.ApprovalRequest {
	if filters.Offset > 0 {
		if filters.Offset >= len(reqs) {
			return nil
		}
		reqs = reqs[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(reqs) {
		reqs = reqs[:filters.Limit]
	}
	return reqs
}

// awaiting reports whether req is waiting on approver.
func awaiting(req model.ApprovalRequest, approver model.Identity) bool {
	if req.Status != model.StatusPending {
		return false
	}
	step := req.Step(req.CurrentStep)
	return step != nil && step.Approver == approver && !step.Decided()
}
