// Package roles resolves the concrete approver for a flow step from a
// node-type to role-name table and a role membership provider.
package roles

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/model"
)

// MembershipProvider lists the users currently holding a role, in a stable
// order (assignment order).
type MembershipProvider interface {
	ActiveApproversForRole(ctx context.Context, role string) ([]model.Identity, error)
}

// Table maps node types to role names. Node types absent from the table have
// no role and always resolve through the fallback.
type Table map[model.NodeType]string

// NewTable builds a Table from the string map used in configuration.
func NewTable(m map[string]string) Table {
	t := make(Table, len(m))
	for nodeType, role := range m {
		t[model.NodeType(nodeType)] = role
	}
	return t
}

// RoleFor returns the role mapped to nodeType.
func (t Table) RoleFor(nodeType model.NodeType) (string, bool) {
	role, ok := t[nodeType]
	return role, ok && role != ""
}

// Resolver picks the approver for a step.
type Resolver struct {
	table   Table
	members MembershipProvider
	logger  *zap.Logger
}

// NewResolver creates a Resolver.
func NewResolver(table Table, members MembershipProvider, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{table: table, members: members, logger: logger}
}

// Resolve returns the first active holder of the role mapped to nodeType.
// When the node type is unmapped or the role has no active holder, it returns
// the first entry of fallback, or applicant when fallback is empty. Every
// unresolved step in a request therefore lands on the same fallback approver.
func (r *Resolver) Resolve(ctx context.Context, nodeType model.NodeType, fallback []model.Identity, applicant model.Identity) (model.Identity, error) {
	logger := observability.LoggerFrom(ctx, r.logger)

	if role, ok := r.table.RoleFor(nodeType); ok {
		holders, err := r.members.ActiveApproversForRole(ctx, role)
		if err != nil {
			return "", fmt.Errorf("roles: listing holders of %q: %w", role, err)
		}
		if len(holders) > 0 {
			logger.Debug("approver resolved from role",
				zap.String("node_type", string(nodeType)),
				zap.String("role", role),
				zap.String("approver", string(holders[0])),
			)
			return holders[0], nil
		}
	}

	approver := applicant
	if len(fallback) > 0 {
		approver = fallback[0]
	}
	logger.Debug("approver resolved from fallback",
		zap.String("node_type", string(nodeType)),
		zap.String("approver", string(approver)),
	)
	return approver, nil
}
