package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/approval"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxBodyBytes    = 1 << 20
)

type submitBody struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Approvers   []model.Identity `json:"approvers"`
	Sensitivity string           `json:"sensitivity"`
}

type decisionBody struct {
	Comment string `json:"comment"`
}

type cancelBody struct {
	Reason string `json:"reason"`
}

type listResponse[T any] struct {
	Data  []T `json:"data"`
	Count int `json:"count"`
}

func handleSubmit(engine *approval.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body submitBody
		if err := decodeBody(r, &body, false); err != nil {
			WriteError(w, err)
			return
		}

		req, err := engine.Submit(r.Context(), approval.Submission{
			Applicant:      rctx.SubjectID,
			Title:          body.Title,
			Description:    body.Description,
			Approvers:      body.Approvers,
			Sensitivity:    body.Sensitivity,
			IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
		})
		if err != nil {
			fail(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/approvals/"+req.ID)
		WriteJSON(w, http.StatusCreated, req)
	}
}

func handleListMine(engine *approval.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		reqs, err := engine.ListByApplicant(r.Context(), rctx.SubjectID, listFilters(r))
		if err != nil {
			fail(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, listResponse[model.ApprovalRequest]{Data: nonNil(reqs), Count: len(reqs)})
	}
}

func handleListAwaiting(engine *approval.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		reqs, err := engine.ListAwaiting(r.Context(), rctx.SubjectID, listFilters(r))
		if err != nil {
			fail(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, listResponse[model.ApprovalRequest]{Data: nonNil(reqs), Count: len(reqs)})
	}
}

func handleGet(engine *approval.Engine, adminRole string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		req, err := visibleRequest(r, engine, rctx, adminRole)
		if err != nil {
			fail(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleHistory(engine *approval.Engine, adminRole string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		req, err := visibleRequest(r, engine, rctx, adminRole)
		if err != nil {
			fail(w, r, err)
			return
		}
		records, err := engine.History(r.Context(), req.ID)
		if err != nil {
			fail(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, listResponse[model.AuditRecord]{Data: nonNil(records), Count: len(records)})
	}
}

func handleApprove(engine *approval.Engine) http.HandlerFunc {
	return handleDecision(engine.Approve)
}

func handleReject(engine *approval.Engine) http.HandlerFunc {
	return handleDecision(engine.Reject)
}

type decideFunc func(ctx context.Context, requestID string, actor model.Identity, comment string) (model.ApprovalRequest, error)

func handleDecision(decide decideFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body decisionBody
		if err := decodeBody(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		req, err := decide(r.Context(), chi.URLParam(r, "requestId"), rctx.SubjectID, body.Comment)
		if err != nil {
			fail(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleCancel(engine *approval.Engine, adminRole string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		if !rctx.HasRole(adminRole) {
			WriteError(w, model.NewForbiddenError("cancelling requests requires the "+adminRole+" role"))
			return
		}

		var body cancelBody
		if err := decodeBody(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		req, err := engine.Cancel(r.Context(), chi.URLParam(r, "requestId"), rctx.SubjectID, body.Reason)
		if err != nil {
			fail(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

// visibleRequest loads the request named in the URL. Callers who are neither
// its applicant, one of its approvers, nor an administrator get NOT_FOUND.
func visibleRequest(r *http.Request, engine *approval.Engine, rctx *model.RequestContext, adminRole string) (model.ApprovalRequest, error) {
	id := chi.URLParam(r, "requestId")
	req, err := engine.Get(r.Context(), id)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	if req.Applicant == rctx.SubjectID || rctx.HasRole(adminRole) {
		return req, nil
	}
	for _, s := range req.Steps {
		if s.Approver == rctx.SubjectID {
			return req, nil
		}
	}
	return model.ApprovalRequest{}, model.NewNotFoundError("approval request \"" + id + "\" not found")
}

// decodeBody decodes a JSON request body. With optional set, an empty body
// leaves v untouched.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func listFilters(r *http.Request) model.RequestFilters {
	limit := queryInt(r, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	return model.RequestFilters{
		Status: model.Status(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}
}

// fail logs server-side failures and writes the error response.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	if StatusFor(err) >= http.StatusInternalServerError {
		observability.LoggerFrom(r.Context(), nil).Error("request failed", zap.Error(err))
	}
	WriteError(w, err)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
