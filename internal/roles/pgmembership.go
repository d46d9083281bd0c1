package roles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/steward/internal/postgres"
	"github.com/pitabwire/steward/model"
)

// PgMembership reads role membership from the roles and user_roles tables.
type PgMembership struct {
	db postgres.Querier
}

// NewPgMembership creates a PostgreSQL membership provider.
func NewPgMembership(db postgres.Querier) *PgMembership {
	return &PgMembership{db: db}
}

// ActiveApproversForRole returns holders of role with an active, unexpired
// assignment, ordered by assignment id.
func (m *PgMembership) ActiveApproversForRole(ctx context.Context, role string) ([]model.Identity, error) {
	rows, err := postgres.Conn(ctx, m.db).Query(ctx, `
		SELECT ur.user_id
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE r.name = $1
		  AND ur.is_active
		  AND (ur.expires_at IS NULL OR ur.expires_at > now())
		ORDER BY ur.id`,
		role,
	)
	if err != nil {
		return nil, fmt.Errorf("query role holders: %w", err)
	}

	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan role holder: %w", err)
	}

	holders := make([]model.Identity, 0, len(users))
	seen := make(map[string]bool, len(users))
	for _, u := range users {
		if seen[u] {
			continue
		}
		seen[u] = true
		holders = append(holders, model.Identity(u))
	}
	return holders, nil
}
