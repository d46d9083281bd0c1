package approval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/audit"
	"github.com/pitabwire/steward/internal/catalog"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/model"
)

// ApproverResolver picks the approver of a step. *roles.Resolver implements it.
type ApproverResolver interface {
	Resolve(ctx context.Context, nodeType model.NodeType, fallback []model.Identity, applicant model.Identity) (model.Identity, error)
}

// Submission is the input of Submit.
type Submission struct {
	Applicant   model.Identity
	Title       string
	Description string
	Sensitivity string

	// Approvers are the fallback approvers; only the first entry is ever used.
	Approvers []model.Identity

	// IdempotencyKey de-duplicates retried submissions when the engine has an
	// idempotency store.
	IdempotencyKey string
}

// Engine creates approval requests and moves them through their steps.
type Engine struct {
	catalog  catalog.Catalog
	resolver ApproverResolver
	store    Store
	sink     audit.Sink
	history  audit.Reader
	idem     IdempotencyStore
	idemTTL  time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithHistory sets the reader behind History. By default the audit sink is
// used when it implements audit.Reader.
func WithHistory(r audit.Reader) Option {
	return func(e *Engine) { e.history = r }
}

// WithIdempotency enables keyed submit de-duplication.
func WithIdempotency(store IdempotencyStore, ttl time.Duration) Option {
	return func(e *Engine) {
		e.idem = store
		e.idemTTL = ttl
	}
}

// NewEngine creates an approval engine.
func NewEngine(cat catalog.Catalog, resolver ApproverResolver, store Store, sink audit.Sink, opts ...Option) *Engine {
	e := &Engine{
		catalog:  cat,
		resolver: resolver,
		store:    store,
		sink:     sink,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	if r, ok := sink.(audit.Reader); ok {
		e.history = r
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit creates a PENDING request with one undecided step per template step.
// Either the request, all of its steps and its audit record become visible
// together, or nothing does.
func (e *Engine) Submit(ctx context.Context, sub Submission) (req model.ApprovalRequest, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "approval.submit",
		observability.AttrActor.String(string(sub.Applicant)),
		observability.AttrSensitivity.String(sub.Sensitivity),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		e.observe("submit", start)
	}()
	logger := observability.LoggerFrom(ctx, e.logger)

	// 1. Validate input.
	if err := validateSubmission(sub); err != nil {
		return model.ApprovalRequest{}, err
	}
	if strings.TrimSpace(sub.Sensitivity) == "" {
		sub.Sensitivity = model.DefaultSensitivity
	}

	// 2. Replay a keyed submission seen before, or reserve its key.
	var idemKey, inputHash string
	if e.idem != nil && sub.IdempotencyKey != "" {
		idemKey = IdempotencyKey(sub.Applicant, sub.IdempotencyKey)
		inputHash = HashSubmission(sub)
		id, found, err := e.idem.Reserve(ctx, idemKey, inputHash)
		if err != nil {
			return model.ApprovalRequest{}, err
		}
		if found {
			if e.metrics != nil {
				e.metrics.RecordIdempotentReplay()
			}
			logger.Info("submission replayed", zap.String("request_id", id))
			return e.store.Get(ctx, id)
		}
		defer func() {
			if err == nil {
				return
			}
			if rerr := e.idem.Release(context.WithoutCancel(ctx), idemKey); rerr != nil {
				logger.Error("idempotency release failed", zap.String("key", idemKey), zap.Error(rerr))
			}
		}()
	}

	// 3. Select the template.
	tmpl, err := e.catalog.Select(ctx, sub.Sensitivity)
	if err != nil {
		if model.HasCode(err, model.ErrNoTemplateFound) {
			e.recordSubmission("", "no_template")
			logger.Warn("no flow template for submission",
				zap.String("applicant", string(sub.Applicant)),
				zap.String("sensitivity", sub.Sensitivity),
			)
		}
		return model.ApprovalRequest{}, err
	}
	span.SetAttributes(observability.AttrTemplate.String(tmpl.Name))

	// 4. Materialize steps in step order.
	defs := append([]model.FlowStepTemplate(nil), tmpl.Steps...)
	sort.Slice(defs, func(i, j int) bool { return defs[i].StepNumber < defs[j].StepNumber })

	steps := make([]model.ApprovalStep, 0, len(defs))
	for _, def := range defs {
		approver, err := e.resolver.Resolve(ctx, def.NodeType, sub.Approvers, sub.Applicant)
		if err != nil {
			return model.ApprovalRequest{}, fmt.Errorf("resolve approver for step %d: %w", def.StepNumber, err)
		}
		steps = append(steps, model.ApprovalStep{
			StepNumber: def.StepNumber,
			Name:       def.Name,
			NodeType:   def.NodeType,
			Approver:   approver,
		})
	}

	now := e.now().UTC()
	req = model.ApprovalRequest{
		ID:           uuid.NewString(),
		Applicant:    sub.Applicant,
		Title:        sub.Title,
		Description:  sub.Description,
		Sensitivity:  sub.Sensitivity,
		TemplateName: tmpl.Name,
		CurrentStep:  1,
		Status:       model.StatusPending,
		Steps:        steps,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}

	// 5. Persist with the audit record in the same unit.
	req, err = e.store.Create(ctx, req, func(ctx context.Context, created model.ApprovalRequest) error {
		return e.sink.Record(ctx, model.AuditRecord{
			Actor:      created.Applicant,
			Action:     model.ActionSubmitRequest,
			TargetType: model.TargetApprovalRequest,
			TargetID:   created.ID,
			Metadata: map[string]any{
				"template":    created.TemplateName,
				"sensitivity": created.Sensitivity,
				"steps":       len(created.Steps),
			},
		})
	})
	if err != nil {
		e.recordSubmission(tmpl.Name, "error")
		logger.Error("submission failed", zap.String("template", tmpl.Name), zap.Error(err))
		return model.ApprovalRequest{}, err
	}
	e.recordSubmission(tmpl.Name, "created")
	span.SetAttributes(observability.AttrRequestID.String(req.ID))

	if idemKey != "" {
		if err := e.idem.Store(ctx, idemKey, inputHash, req.ID, e.idemTTL); err != nil {
			logger.Error("idempotency store failed", zap.String("request_id", req.ID), zap.Error(err))
		}
	}

	logger.Info("approval request submitted",
		zap.String("request_id", req.ID),
		zap.String("applicant", string(req.Applicant)),
		zap.String("template", req.TemplateName),
		zap.Int("steps", len(req.Steps)),
	)
	return req, nil
}

func validateSubmission(sub Submission) error {
	var details []model.FieldError
	if strings.TrimSpace(string(sub.Applicant)) == "" {
		details = append(details, model.FieldError{Field: "applicant", Code: "REQUIRED", Message: "applicant is required"})
	}
	if strings.TrimSpace(sub.Title) == "" {
		details = append(details, model.FieldError{Field: "title", Code: "REQUIRED", Message: "title is required"})
	}
	for i, a := range sub.Approvers {
		if strings.TrimSpace(string(a)) == "" {
			details = append(details, model.FieldError{
				Field:   fmt.Sprintf("approvers[%d]", i),
				Code:    "REQUIRED",
				Message: "approver must not be blank",
			})
		}
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// Approve records an approval on the current step and advances the request
// to the next undecided step, or to APPROVED when none remains.
func (e *Engine) Approve(ctx context.Context, requestID string, actor model.Identity, comment string) (model.ApprovalRequest, error) {
	return e.decide(ctx, "approve", requestID, actor, comment)
}

// Reject records a rejection on the current step and ends the request as
// REJECTED. Later steps stay undecided.
func (e *Engine) Reject(ctx context.Context, requestID string, actor model.Identity, comment string) (model.ApprovalRequest, error) {
	return e.decide(ctx, "reject", requestID, actor, comment)
}

func (e *Engine) decide(ctx context.Context, decision, requestID string, actor model.Identity, comment string) (req model.ApprovalRequest, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "approval."+decision,
		observability.AttrRequestID.String(requestID),
		observability.AttrActor.String(string(actor)),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		e.observe(decision, start)
	}()
	logger := observability.LoggerFrom(ctx, e.logger)

	approve := decision == "approve"
	var stepNumber int

	req, err = e.store.Update(ctx, requestID, func(ctx context.Context, req *model.ApprovalRequest) error {
		if req.Status.Terminal() {
			return model.NewNotAuthorizedOrAlreadyDecidedError()
		}

		step := req.Step(req.CurrentStep)
		if step == nil {
			return model.NewNotFoundError(fmt.Sprintf(
				"step %d of approval request %q not found", req.CurrentStep, requestID,
			))
		}
		if step.Approver != actor || step.Decided() {
			return model.NewNotAuthorizedOrAlreadyDecidedError()
		}

		now := e.now().UTC()
		approved := approve
		step.Approved = &approved
		step.Comment = comment
		step.ActedAt = &now
		stepNumber = step.StepNumber

		if !approve {
			req.Status = model.StatusRejected
		} else if next := req.NextUndecided(stepNumber); next != nil {
			req.CurrentStep = next.StepNumber
		} else {
			req.Status = model.StatusApproved
		}
		req.UpdatedAt = now

		action := model.ActionApproveStep
		if !approve {
			action = model.ActionRejectStep
		}
		return e.sink.Record(ctx, model.AuditRecord{
			Actor:      actor,
			Action:     action,
			TargetType: model.TargetApprovalStep,
			TargetID:   fmt.Sprintf("%s#%d", requestID, stepNumber),
			Metadata: map[string]any{
				"request_id":  requestID,
				"step_number": stepNumber,
				"comment":     comment,
				"status":      string(req.Status),
			},
		})
	})
	if err != nil {
		if code := domainCode(err); code != "" {
			if e.metrics != nil {
				e.metrics.RecordRefusedDecision(decision, code)
			}
			logger.Warn("decision refused",
				zap.String("decision", decision),
				zap.String("request_id", requestID),
				zap.String("actor", string(actor)),
				zap.String("code", code),
			)
		} else {
			logger.Error("decision failed",
				zap.String("decision", decision),
				zap.String("request_id", requestID),
				zap.Error(err),
			)
		}
		return model.ApprovalRequest{}, err
	}

	span.SetAttributes(
		observability.AttrStepNumber.Int(stepNumber),
		observability.AttrStatus.String(string(req.Status)),
	)
	if e.metrics != nil {
		e.metrics.RecordDecision(decision)
		if req.Status.Terminal() {
			e.metrics.RecordCompletion(string(req.Status))
		}
	}
	logger.Info("approval step decided",
		zap.String("decision", decision),
		zap.String("request_id", requestID),
		zap.String("actor", string(actor)),
		zap.Int("step_number", stepNumber),
		zap.String("status", string(req.Status)),
	)
	return req, nil
}

// Cancel moves a PENDING request to CANCELLED. Steps are left untouched.
// Authorization is the caller's concern.
func (e *Engine) Cancel(ctx context.Context, requestID string, actor model.Identity, reason string) (req model.ApprovalRequest, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "approval.cancel",
		observability.AttrRequestID.String(requestID),
		observability.AttrActor.String(string(actor)),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		e.observe("cancel", start)
	}()
	logger := observability.LoggerFrom(ctx, e.logger)

	req, err = e.store.Update(ctx, requestID, func(ctx context.Context, req *model.ApprovalRequest) error {
		if req.Status != model.StatusPending {
			return model.NewRequestNotPendingError(requestID, req.Status)
		}
		req.Status = model.StatusCancelled
		req.UpdatedAt = e.now().UTC()

		return e.sink.Record(ctx, model.AuditRecord{
			Actor:      actor,
			Action:     model.ActionCancelRequest,
			TargetType: model.TargetApprovalRequest,
			TargetID:   requestID,
			Metadata: map[string]any{
				"reason":       reason,
				"current_step": req.CurrentStep,
			},
		})
	})
	if err != nil {
		if domainCode(err) != "" {
			logger.Warn("cancellation refused", zap.String("request_id", requestID), zap.Error(err))
		} else {
			logger.Error("cancellation failed", zap.String("request_id", requestID), zap.Error(err))
		}
		return model.ApprovalRequest{}, err
	}

	if e.metrics != nil {
		e.metrics.RecordCancellation()
	}
	logger.Info("approval request cancelled",
		zap.String("request_id", requestID),
		zap.String("actor", string(actor)),
	)
	return req, nil
}

// Get returns a request with its steps.
func (e *Engine) Get(ctx context.Context, requestID string) (model.ApprovalRequest, error) {
	return e.store.Get(ctx, requestID)
}

// ListByApplicant returns the applicant's requests, newest first.
func (e *Engine) ListByApplicant(ctx context.Context, applicant model.Identity, filters model.RequestFilters) ([]model.ApprovalRequest, error) {
	return e.store.FindByApplicant(ctx, applicant, filters)
}

// ListAwaiting returns the requests whose current step waits on approver.
func (e *Engine) ListAwaiting(ctx context.Context, approver model.Identity, filters model.RequestFilters) ([]model.ApprovalRequest, error) {
	return e.store.FindAwaiting(ctx, approver, filters)
}

// History returns the audit trail of a request, oldest first.
func (e *Engine) History(ctx context.Context, requestID string) ([]model.AuditRecord, error) {
	if _, err := e.store.Get(ctx, requestID); err != nil {
		return nil, err
	}
	if e.history == nil {
		return nil, nil
	}
	return e.history.ForRequest(ctx, requestID)
}

func (e *Engine) recordSubmission(template, outcome string) {
	if e.metrics != nil {
		e.metrics.RecordSubmission(template, outcome)
	}
}

func (e *Engine) observe(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveOperation(op, time.Since(start))
	}
}

// domainCode returns the code of a domain error, or "" for infrastructure
// failures.
func domainCode(err error) string {
	for _, code := range []string{
		model.ErrNotAuthorizedOrAlreadyDecided,
		model.ErrNotFound,
		model.ErrRequestNotPending,
	} {
		if model.HasCode(err, code) {
			return code
		}
	}
	return ""
}
