package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/steward/internal/postgres"
	"github.com/pitabwire/steward/model"
)

const requestColumns = `
	id, applicant, title, description, sensitivity, template_name,
	current_step, status, version, created_at, updated_at`

// PgStore is a PostgreSQL-backed Store. Update holds a row lock on the
// request (SELECT ... FOR UPDATE) for the lifetime of its transaction.
type PgStore struct {
	db postgres.DB
}

// NewPgStore creates a PostgreSQL approval store.
func NewPgStore(db postgres.DB) *PgStore {
	return &PgStore{db: db}
}

// Create inserts the request and its steps, then runs hook, all in one
// transaction.
func (s *PgStore) Create(ctx context.Context, req model.ApprovalRequest, hook CreateHook) (model.ApprovalRequest, error) {
	if err := checkSteps(req); err != nil {
		return model.ApprovalRequest{}, err
	}
	req = req.Clone()
	req.SortSteps()

	err := postgres.InTx(ctx, s.db, func(ctx context.Context) error {
		q := postgres.Conn(ctx, s.db)

		_, err := q.Exec(ctx, `
			INSERT INTO approval_requests (`+requestColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			req.ID, req.Applicant, req.Title, req.Description, req.Sensitivity, req.TemplateName,
			req.CurrentStep, req.Status, req.Version, req.CreatedAt, req.UpdatedAt,
		)
		if postgres.IsUniqueViolation(err) {
			return model.NewConflictError(fmt.Sprintf("approval request %q already exists", req.ID))
		}
		if err != nil {
			return fmt.Errorf("insert approval request: %w", err)
		}

		for _, step := range req.Steps {
			_, err := q.Exec(ctx, `
				INSERT INTO approval_steps (
					request_id, step_number, name, node_type, approver, approved, comment, acted_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				req.ID, step.StepNumber, step.Name, step.NodeType, step.Approver,
				step.Approved, step.Comment, step.ActedAt,
			)
			if postgres.IsUniqueViolation(err) {
				return model.NewInvariantViolationError(fmt.Sprintf(
					"approval request %s has duplicate step number %d", req.ID, step.StepNumber,
				))
			}
			if err != nil {
				return fmt.Errorf("insert approval step %d: %w", step.StepNumber, err)
			}
		}

		if hook != nil {
			return hook(ctx, req.Clone())
		}
		return nil
	})
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	return req, nil
}

// Update locks the request row, runs fn, and writes the request and its
// steps back before committing.
func (s *PgStore) Update(ctx context.Context, id string, fn MutateFunc) (model.ApprovalRequest, error) {
	if !validID(id) {
		return model.ApprovalRequest{}, notFound(id)
	}
	var out model.ApprovalRequest

	err := postgres.InTx(ctx, s.db, func(ctx context.Context) error {
		q := postgres.Conn(ctx, s.db)

		req, err := scanRequest(q.QueryRow(ctx,
			`SELECT `+requestColumns+` FROM approval_requests WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound(id)
		}
		if err != nil {
			return fmt.Errorf("lock approval request: %w", err)
		}
		if err := s.loadSteps(ctx, q, []*model.ApprovalRequest{&req}); err != nil {
			return err
		}

		if err := fn(ctx, &req); err != nil {
			return err
		}
		if err := checkSteps(req); err != nil {
			return err
		}

		err = q.QueryRow(ctx, `
			UPDATE approval_requests
			SET current_step = $2, status = $3, updated_at = $4, version = version + 1
			WHERE id = $1
			RETURNING version`,
			id, req.CurrentStep, req.Status, req.UpdatedAt,
		).Scan(&req.Version)
		if err != nil {
			return fmt.Errorf("update approval request: %w", err)
		}

		for _, step := range req.Steps {
			_, err := q.Exec(ctx, `
				UPDATE approval_steps
				SET approver = $3, approved = $4, comment = $5, acted_at = $6
				WHERE request_id = $1 AND step_number = $2`,
				id, step.StepNumber, step.Approver, step.Approved, step.Comment, step.ActedAt,
			)
			if err != nil {
				return fmt.Errorf("update approval step %d: %w", step.StepNumber, err)
			}
		}

		out = req
		return nil
	})
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	return out, nil
}

// Get returns the request with its steps.
func (s *PgStore) Get(ctx context.Context, id string) (model.ApprovalRequest, error) {
	if !validID(id) {
		return model.ApprovalRequest{}, notFound(id)
	}
	q := postgres.Conn(ctx, s.db)

	req, err := scanRequest(q.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalRequest{}, notFound(id)
	}
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("query approval request: %w", err)
	}
	if err := s.loadSteps(ctx, q, []*model.ApprovalRequest{&req}); err != nil {
		return model.ApprovalRequest{}, err
	}
	return req, nil
}

// FindByApplicant lists the applicant's requests, newest first.
func (s *PgStore) FindByApplicant(ctx context.Context, applicant model.Identity, filters model.RequestFilters) ([]model.ApprovalRequest, error) {
	return s.list(ctx, `
		SELECT `+requestColumns+`
		FROM approval_requests
		WHERE applicant = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`,
		applicant, filters)
}

// FindAwaiting lists PENDING requests whose current undecided step is
// assigned to approver, newest first.
func (s *PgStore) FindAwaiting(ctx context.Context, approver model.Identity, filters model.RequestFilters) ([]model.ApprovalRequest, error) {
	if filters.Status != "" && filters.Status != model.StatusPending {
		return nil, nil
	}
	return s.list(ctx, `
		SELECT r.id, r.applicant, r.title, r.description, r.sensitivity, r.template_name,
		       r.current_step, r.status, r.version, r.created_at, r.updated_at
		FROM approval_requests r
		JOIN approval_steps s ON s.request_id = r.id AND s.step_number = r.current_step
		WHERE s.approver = $1 AND s.approved IS NULL AND r.status = 'PENDING' AND ($2 = '' OR r.status = $2)
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT $3 OFFSET $4`,
		approver, filters)
}

func (s *PgStore) list(ctx context.Context, sql string, who model.Identity, filters model.RequestFilters) ([]model.ApprovalRequest, error) {
	q := postgres.Conn(ctx, s.db)

	var limit any
	if filters.Limit > 0 {
		limit = filters.Limit
	}
	rows, err := q.Query(ctx, sql, who, string(filters.Status), limit, filters.Offset)
	if err != nil {
		return nil, fmt.Errorf("query approval requests: %w", err)
	}
	reqs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ApprovalRequest, error) {
		return scanRequest(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan approval requests: %w", err)
	}

	ptrs := make([]*model.ApprovalRequest, len(reqs))
	for i := range reqs {
		ptrs[i] = &reqs[i]
	}
	if err := s.loadSteps(ctx, q, ptrs); err != nil {
		return nil, err
	}
	return reqs, nil
}

// loadSteps fills in the steps of every request with one query.
func (s *PgStore) loadSteps(ctx context.Context, q postgres.Querier, reqs []*model.ApprovalRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	byID := make(map[string]*model.ApprovalRequest, len(reqs))
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		r.Steps = nil
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}

	rows, err := q.Query(ctx, `
		SELECT request_id, step_number, name, node_type, approver, approved, comment, acted_at
		FROM approval_steps
		WHERE request_id = ANY($1)
		ORDER BY request_id, step_number`, ids)
	if err != nil {
		return fmt.Errorf("query approval steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			requestID string
			step      model.ApprovalStep
			approved  *bool
			actedAt   *time.Time
		)
		if err := rows.Scan(&requestID, &step.StepNumber, &step.Name, &step.NodeType,
			&step.Approver, &approved, &step.Comment, &actedAt); err != nil {
			return fmt.Errorf("scan approval step: %w", err)
		}
		step.Approved = approved
		if actedAt != nil {
			t := actedAt.UTC()
			step.ActedAt = &t
		}
		if r, ok := byID[requestID]; ok {
			r.Steps = append(r.Steps, step)
		}
	}
	return rows.Err()
}

// validID reports whether id can name a row; ids are UUIDs in the schema.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func scanRequest(row pgx.Row) (model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	err := row.Scan(
		&req.ID, &req.Applicant, &req.Title, &req.Description, &req.Sensitivity, &req.TemplateName,
		&req.CurrentStep, &req.Status, &req.Version, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()
	return req, nil
}
