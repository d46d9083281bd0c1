package model

import (
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }

func threeStepRequest() ApprovalRequest {
	return ApprovalRequest{
		ID:          "req-1",
		CurrentStep: 1,
		Status:      StatusPending,
		Steps: []ApprovalStep{
			{StepNumber: 1, Approver: "bob"},
			{StepNumber: 2, Approver: "carol"},
			{StepNumber: 3, Approver: "dave"},
		},
	}
}

func TestStatus_Terminal(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:   false,
		StatusApproved:  true,
		StatusRejected:  true,
		StatusCancelled: true,
	}
	for s, want := range cases {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestApprovalRequest_Step(t *testing.T) {
	req := threeStepRequest()
	if s := req.Step(2); s == nil || s.Approver != "carol" {
		t.Fatalf("Step(2) = %+v", s)
	}
	if s := req.Step(9); s != nil {
		t.Errorf("Step(9) = %+v, want nil", s)
	}
}

func TestApprovalRequest_NextUndecided(t *testing.T) {
	req := threeStepRequest()
	if next := req.NextUndecided(1); next == nil || next.StepNumber != 2 {
		t.Fatalf("NextUndecided(1) = %+v, want step 2", next)
	}

	req.Steps[1].Approved = boolPtr(true)
	if next := req.NextUndecided(1); next == nil || next.StepNumber != 3 {
		t.Fatalf("NextUndecided(1) with step 2 decided = %+v, want step 3", next)
	}
	if next := req.NextUndecided(3); next != nil {
		t.Errorf("NextUndecided(3) = %+v, want nil", next)
	}
}

func TestApprovalRequest_Clone_isDeep(t *testing.T) {
	now := time.Now()
	req := threeStepRequest()
	req.Steps[0].Approved = boolPtr(true)
	req.Steps[0].ActedAt = &now

	c := req.Clone()
	*c.Steps[0].Approved = false
	c.Steps[1].Comment = "changed"

	if !*req.Steps[0].Approved {
		t.Error("Clone shares decision pointer with original")
	}
	if req.Steps[1].Comment != "" {
		t.Error("Clone shares step storage with original")
	}
}

func TestApprovalRequest_SortSteps(t *testing.T) {
	req := ApprovalRequest{Steps: []ApprovalStep{{StepNumber: 3}, {StepNumber: 1}, {StepNumber: 2}}}
	req.SortSteps()
	for i, s := range req.Steps {
		if s.StepNumber != i+1 {
			t.Fatalf("Steps[%d].StepNumber = %d", i, s.StepNumber)
		}
	}
}
