package model

import "time"

// Audit actions emitted by the approval engine.
const (
	ActionSubmitRequest = "submit_request"
	ActionApproveStep   = "approve_step"
	ActionRejectStep    = "reject_step"
	ActionCancelRequest = "cancel_request"
)

// Audit target types.
const (
	TargetApprovalRequest = "approval_request"
	TargetApprovalStep    = "approval_step"
)

// AuditRecord is a durable record of a creation, decision, or cancellation.
type AuditRecord struct {
	ID         string         `json:"id"`
	Actor      Identity       `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
