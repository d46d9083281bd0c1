// Package audit records durable creation, decision, and cancellation events
// for approval requests.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/model"
)

// Sink receives audit records. A nil error means the record is durable.
type Sink interface {
	Record(ctx context.Context, rec model.AuditRecord) error
}

// Reader returns the audit trail of a request.
type Reader interface {
	// ForRequest returns records targeting the request or one of its steps,
	// oldest first.
	ForRequest(ctx context.Context, requestID string) ([]model.AuditRecord, error)
}

// stamp fills in the ID and timestamp of a record that lacks them.
func stamp(rec model.AuditRecord, now time.Time) model.AuditRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now.UTC()
	}
	return rec
}

// belongsTo reports whether rec concerns the given request.
func belongsTo(rec model.AuditRecord, requestID string) bool {
	if rec.TargetType == model.TargetApprovalRequest && rec.TargetID == requestID {
		return true
	}
	id, _ := rec.Metadata["request_id"].(string)
	return id == requestID
}

// MemorySink keeps records in process memory.
type MemorySink struct {
	mu      sync.RWMutex
	records []model.AuditRecord
	now     func() time.Time
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{now: time.Now}
}

// Record appends rec.
func (s *MemorySink) Record(_ context.Context, rec model.AuditRecord) error {
	rec = stamp(rec, s.now())

	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

// ForRequest returns the records of one request, oldest first.
func (s *MemorySink) ForRequest(_ context.Context, requestID string) ([]model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AuditRecord
	for _, rec := range s.records {
		if belongsTo(rec, requestID) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Records returns every record in arrival order.
func (s *MemorySink) Records() []model.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.AuditRecord(nil), s.records...)
}

// LoggingSink logs every record before handing it to the wrapped sink.
type LoggingSink struct {
	next   Sink
	logger *zap.Logger
}

// NewLoggingSink wraps next.
func NewLoggingSink(next Sink, logger *zap.Logger) *LoggingSink {
	return &LoggingSink{next: next, logger: logger}
}

// Record logs rec and forwards it.
func (s *LoggingSink) Record(ctx context.Context, rec model.AuditRecord) error {
	logger := observability.LoggerFrom(ctx, s.logger)

	if err := s.next.Record(ctx, rec); err != nil {
		logger.Error("audit record failed",
			zap.String("action", rec.Action),
			zap.String("target_id", rec.TargetID),
			zap.Error(err),
		)
		return err
	}

	logger.Info("audit",
		zap.String("actor", string(rec.Actor)),
		zap.String("action", rec.Action),
		zap.String("target_type", rec.TargetType),
		zap.String("target_id", rec.TargetID),
		zap.Any("metadata", rec.Metadata),
	)
	return nil
}

// ForRequest delegates to the wrapped sink when it is readable.
func (s *LoggingSink) ForRequest(ctx context.Context, requestID string) ([]model.AuditRecord, error) {
	if r, ok := s.next.(Reader); ok {
		return r.ForRequest(ctx, requestID)
	}
	return nil, nil
}
