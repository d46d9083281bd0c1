package model

import "time"

// NodeType is the role category a flow-template step requires.
type NodeType string

// Node types known to the default deployment. Deployments may add more; a
// node type without a role mapping always resolves through the fallback.
const (
	NodePrimaryReviewer NodeType = "PI"
	NodeEthics          NodeType = "ETHICS"
	NodeAdmin           NodeType = "ADMIN"
	NodeDual            NodeType = "DUAL"
	NodeAdvisory        NodeType = "AI"
	NodeArbiter         NodeType = "ARBITER"
)

// FlowTemplate is a named blueprint of ordered approval steps.
type FlowTemplate struct {
	ID          int64              `json:"id" yaml:"-"`
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description,omitempty" yaml:"description"`
	Active      bool               `json:"active" yaml:"active"`
	Steps       []FlowStepTemplate `json:"steps" yaml:"steps"`
	CreatedAt   time.Time          `json:"created_at" yaml:"-"`
}

// FlowStepTemplate is a single step definition within a template. Parallel
// and Condition are persisted but not interpreted by the transition logic.
type FlowStepTemplate struct {
	StepNumber int      `json:"step_number" yaml:"step_number"`
	NodeType   NodeType `json:"node_type" yaml:"node_type"`
	Name       string   `json:"name" yaml:"name"`
	Parallel   bool     `json:"is_parallel" yaml:"parallel"`
	Condition  string   `json:"condition,omitempty" yaml:"condition"`
}
