package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/steward/internal/postgres"
	"github.com/pitabwire/steward/model"
)

// PgCatalog is a Catalog backed by the flow_templates tables.
type PgCatalog struct {
	db postgres.DB
}

// NewPgCatalog creates a PostgreSQL catalog.
func NewPgCatalog(db postgres.DB) *PgCatalog {
	return &PgCatalog{db: db}
}

// Select returns the first active template, by id, whose name contains
// sensitivity (case-insensitive).
func (c *PgCatalog) Select(ctx context.Context, sensitivity string) (model.FlowTemplate, error) {
	q := postgres.Conn(ctx, c.db)

	var t model.FlowTemplate
	err := q.QueryRow(ctx, `
		SELECT id, name, description, active, created_at
		FROM flow_templates
		WHERE active AND strpos(lower(name), lower($1)) > 0
		ORDER BY id
		LIMIT 1`,
		sensitivity,
	).Scan(&t.ID, &t.Name, &t.Description, &t.Active, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.FlowTemplate{}, model.NewNoTemplateFoundError(sensitivity)
	}
	if err != nil {
		return model.FlowTemplate{}, fmt.Errorf("query flow template: %w", err)
	}

	steps, err := c.steps(ctx, q, t.ID)
	if err != nil {
		return model.FlowTemplate{}, err
	}
	t.Steps = steps
	return t, nil
}

// List returns every template in id order.
func (c *PgCatalog) List(ctx context.Context) ([]model.FlowTemplate, error) {
	q := postgres.Conn(ctx, c.db)

	rows, err := q.Query(ctx, `
		SELECT id, name, description, active, created_at
		FROM flow_templates
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query flow templates: %w", err)
	}
	templates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.FlowTemplate, error) {
		var t model.FlowTemplate
		err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Active, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan flow template: %w", err)
	}

	for i := range templates {
		steps, err := c.steps(ctx, q, templates[i].ID)
		if err != nil {
			return nil, err
		}
		templates[i].Steps = steps
	}
	return templates, nil
}

// Sync publishes templates that do not exist yet, in the given order.
// Existing templates, matched by name, are left untouched so that edits made
// by operators in the database survive a restart. It returns the number of
// templates inserted.
func (c *PgCatalog) Sync(ctx context.Context, templates []model.FlowTemplate) (int, error) {
	inserted := 0
	err := postgres.InTx(ctx, c.db, func(ctx context.Context) error {
		q := postgres.Conn(ctx, c.db)
		for _, t := range templates {
			var id int64
			err := q.QueryRow(ctx, `
				INSERT INTO flow_templates (name, description, active)
				VALUES ($1, $2, $3)
				ON CONFLICT (name) DO NOTHING
				RETURNING id`,
				t.Name, t.Description, t.Active,
			).Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("insert flow template %q: %w", t.Name, err)
			}

			for _, s := range t.Steps {
				_, err := q.Exec(ctx, `
					INSERT INTO flow_step_templates
						(template_id, step_number, node_type, name, is_parallel, condition)
					VALUES ($1, $2, $3, $4, $5, $6)`,
					id, s.StepNumber, string(s.NodeType), s.Name, s.Parallel, s.Condition,
				)
				if err != nil {
					return fmt.Errorf("insert step %d of template %q: %w", s.StepNumber, t.Name, err)
				}
			}
			inserted++
		}
		return nil
	})
	return inserted, err
}

func (c *PgCatalog) steps(ctx context.Context, q postgres.Querier, templateID int64) ([]model.FlowStepTemplate, error) {
	rows, err := q.Query(ctx, `
		SELECT step_number, node_type, name, is_parallel, condition
		FROM flow_step_templates
		WHERE template_id = $1
		ORDER BY step_number`,
		templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("query flow step templates: %w", err)
	}
	steps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.FlowStepTemplate, error) {
		var s model.FlowStepTemplate
		var nodeType string
		err := row.Scan(&s.StepNumber, &nodeType, &s.Name, &s.Parallel, &s.Condition)
		s.NodeType = model.NodeType(nodeType)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan flow step template: %w", err)
	}
	return steps, nil
}
