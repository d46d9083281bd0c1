package model

import (
	"sort"
	"time"
)

// Identity is an opaque, comparable reference to a user (applicant or
// approver) supplied by the caller.
type Identity string

// Status is the lifecycle state of an approval request.
type Status string

// Approval request status constants.
const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further decision can change the status.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// DefaultSensitivity is used when a submission carries no classifier.
const DefaultSensitivity = "normal"

// ApprovalRequest is one submitted item moving through its ordered steps.
type ApprovalRequest struct {
	ID           string         `json:"id"`
	Applicant    Identity       `json:"applicant"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Sensitivity  string         `json:"sensitivity"`
	TemplateName string         `json:"template_name"`
	CurrentStep  int            `json:"current_step"`
	Status       Status         `json:"status"`
	Steps        []ApprovalStep `json:"steps"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Version      int            `json:"version"`
}

// ApprovalStep is a template step materialized for a specific request.
type ApprovalStep struct {
	StepNumber int        `json:"step_number"`
	Name       string     `json:"name"`
	NodeType   NodeType   `json:"node_type"`
	Approver   Identity   `json:"approver"`
	Approved   *bool      `json:"approved"`
	Comment    string     `json:"comment"`
	ActedAt    *time.Time `json:"acted_at,omitempty"`
}

// Decided reports whether the step carries an approve or reject decision.
func (s ApprovalStep) Decided() bool {
	return s.Approved != nil
}

// Step returns a pointer to the step with the given number, or nil.
func (r *ApprovalRequest) Step(number int) *ApprovalStep {
	for i := range r.Steps {
		if r.Steps[i].StepNumber == number {
			return &r.Steps[i]
		}
	}
	return nil
}

// NextUndecided returns the lowest-numbered undecided step after the given
// step number, or nil when none remains.
func (r *ApprovalRequest) NextUndecided(after int) *ApprovalStep {
	var next *ApprovalStep
	for i := range r.Steps {
		s := &r.Steps[i]
		if s.StepNumber <= after || s.Decided() {
			continue
		}
		if next == nil || s.StepNumber < next.StepNumber {
			next = s
		}
	}
	return next
}

// SortSteps orders steps by step number.
func (r *ApprovalRequest) SortSteps() {
	sort.Slice(r.Steps, func(i, j int) bool {
		return r.Steps[i].StepNumber < r.Steps[j].StepNumber
	})
}

// Clone returns a deep copy so callers can mutate without sharing step
// storage or decision pointers.
func (r ApprovalRequest) Clone() ApprovalRequest {
	out := r
	out.Steps = make([]ApprovalStep, len(r.Steps))
	for i, s := range r.Steps {
		if s.Approved != nil {
			v := *s.Approved
			s.Approved = &v
		}
		if s.ActedAt != nil {
			t := *s.ActedAt
			s.ActedAt = &t
		}
		out.Steps[i] = s
	}
	return out
}

// RequestFilters narrow list queries over approval requests.
type RequestFilters struct {
	Status Status
	Limit  int
	Offset int
}
