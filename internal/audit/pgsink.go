package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/steward/internal/postgres"
	"github.com/pitabwire/steward/model"
)

// PgSink writes records to audit_log. Inside postgres.InTx the insert joins
// the caller's transaction, so the record commits or rolls back with the
// state change it describes.
type PgSink struct {
	db  postgres.Querier
	now func() time.Time
}

// NewPgSink creates a PostgreSQL audit sink.
func NewPgSink(db postgres.Querier) *PgSink {
	return &PgSink{db: db, now: time.Now}
}

// Record inserts rec.
func (s *PgSink) Record(ctx context.Context, rec model.AuditRecord) error {
	rec = stamp(rec, s.now())

	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	_, err = postgres.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO audit_log (id, actor, action, target_type, target_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, string(rec.Actor), rec.Action, rec.TargetType, rec.TargetID, metaJSON, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ForRequest returns the records of one request, oldest first.
func (s *PgSink) ForRequest(ctx context.Context, requestID string) ([]model.AuditRecord, error) {
	rows, err := postgres.Conn(ctx, s.db).Query(ctx, `
		SELECT id, actor, action, target_type, target_id, metadata, created_at
		FROM audit_log
		WHERE (target_type = $2 AND target_id = $1) OR metadata ->> 'request_id' = $1
		ORDER BY created_at, id`,
		requestID, model.TargetApprovalRequest,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AuditRecord, error) {
		var (
			rec      model.AuditRecord
			actor    string
			metaJSON []byte
		)
		if err := row.Scan(&rec.ID, &actor, &rec.Action, &rec.TargetType, &rec.TargetID, &metaJSON, &rec.Timestamp); err != nil {
			return rec, err
		}
		rec.Actor = model.Identity(actor)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
				return rec, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit record: %w", err)
	}
	return records, nil
}
