/*
handlers.go - HTTP API handlers for the commission scheduler

PURPOSE:
  Exposes the commission engine via REST API. Handles HTTP request and
  response, JSON serialization, and delegates to commission.Service.

ENDPOINTS:
  Commissions:
    POST   /api/commissions                          Issue a grant over N days
    GET    /api/users/{id}/earnings                  Earnings history (paged)
    GET    /api/users/{id}/eligible-plans            Eligible plans

  Admin:
    PUT    /api/admin/users/{id}/commission-status   Disbursement kill switch
    GET    /api/admin/commissions/summary            Entry counts by status
    GET    /api/admin/commissions/{id}               Record with entries
    POST   /api/admin/commissions/{id}/cancel        Cancel remaining payouts
    POST   /api/admin/entries/{id}/requeue           Retry a failed entry
    POST   /api/admin/disbursements/run              Sweep + tick now

  Plans and creators:
    GET    /api/plans                                List plans
    POST   /api/plans                                Create plan from JSON
    GET    /api/plans/{id}                           Get plan
    PUT    /api/plans/{id}                           Update plan
    PUT    /api/creators/{id}                        Upsert creator snapshot

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate request shape (validator tags)
  3. Call commission.Service
  4. Serialize response
  5. Map errors

ERROR HANDLING:
  Errors are returned as JSON {error, reason, field, details}:
  - 400: Malformed body (InvalidRequest), InvalidScheduleInput, InvalidPlan
  - 422: InsufficientAmountForDays
  - 404: Record, entry, plan or creator not found
  - 409: Plan in use, plan exists, invalid transition, record cancelled
  - 500: Internal errors

SECURITY NOTE:
  No authentication middleware. Admin routes are expected to sit behind
  the platform's gateway.

SEE ALSO:
  - dto.go:       Request/response data structures
  - server.go:    Router setup and middleware
  - scheduler.go: Disbursement scheduler used by the run endpoint
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/generic"
)

// ReasonInvalidRequest marks bodies and query strings that fail to parse
// or fail shape validation.
const ReasonInvalidRequest = "InvalidRequest"

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// CreatorWriter stores creator snapshots pushed by user management.
type CreatorWriter interface {
	SaveCreator(ctx context.Context, c commission.Creator) error
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service     *commission.Service
	Creators    CreatorWriter
	Scheduler   *DisbursementScheduler // nil disables the run endpoint
	Health      HealthChecker          // optional
	PlanFactory *factory.PlanFactory

	validate *validator.Validate
}

// NewHandler creates a new handler.
func NewHandler(svc *commission.Service, creators CreatorWriter, scheduler *DisbursementScheduler) *Handler {
	v := validator.New()
	// Report JSON field names, not Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Service:     svc,
		Creators:    creators,
		Scheduler:   scheduler,
		PlanFactory: factory.NewPlanFactory(),
		validate:    v,
	}
}

// =============================================================================
// COMMISSION HANDLERS
// =============================================================================

// IssueCommission generates and persists a schedule.
// POST /api/commissions
func (h *Handler) IssueCommission(w http.ResponseWriter, r *http.Request) {
	var req IssueCommissionRequest
	if !h.decode(w, r, &req) {
		return
	}

	issue := commission.IssueRequest{
		UserID:     generic.UserID(req.UserID),
		TotalUnits: req.TotalAmount,
		Days:       req.Days,
		Reason:     req.Reason,
	}
	if req.PlanID != nil {
		id := generic.PlanID(*req.PlanID)
		issue.SourcePlanID = &id
	}

	rec, entries, err := h.Service.CreateRecord(r.Context(), issue)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, IssueCommissionResponse{
		CommissionRecordID: string(rec.ID),
		UserID:             string(rec.UserID),
		TotalAmount:        rec.TotalAmount.Units,
		Days:               rec.Days,
		DailySchedule:      toScheduleDTOs(entries),
	})
}

// GetEarningsHistory returns a page of a creator's payout entries.
// GET /api/users/{id}/earnings?page=1&page_size=20
func (h *Handler) GetEarningsHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, ReasonInvalidRequest, "page must be an integer", err)
		return
	}
	pageSize, err := queryInt(r, "page_size", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, ReasonInvalidRequest, "page_size must be an integer", err)
		return
	}

	history, err := h.Service.Store.HistoryForUser(r.Context(), generic.UserID(userID), page, pageSize)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]EarningsItemDTO, len(history.Items))
	for i, item := range history.Items {
		items[i] = toEarningsDTO(item)
	}
	writeJSON(w, http.StatusOK, EarningsHistoryResponse{
		UserID:   userID,
		Items:    items,
		Page:     history.Page,
		PageSize: history.PageSize,
		Total:    history.Total,
	})
}

// GetEligiblePlans evaluates every plan against the creator's snapshot.
// GET /api/users/{id}/eligible-plans
func (h *Handler) GetEligiblePlans(w http.ResponseWriter, r *http.Request) {
	userID := generic.UserID(chi.URLParam(r, "id"))

	creator, plans, err := h.Service.EligiblePlansForUser(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]PlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = toPlanDTO(h.PlanFactory, p)
	}
	writeJSON(w, http.StatusOK, EligiblePlansResponse{
		Plans:                dtos,
		CreatorWorkflowCount: creator.WorkflowCount,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// UpdateUserCommissionStatus toggles the per-user kill switch.
// PUT /api/admin/users/{id}/commission-status
func (h *Handler) UpdateUserCommissionStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req UpdateCommissionStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.Service.SetUserActive(r.Context(), generic.UserID(userID), *req.IsActive); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CommissionStatusDTO{UserID: userID, IsActive: *req.IsActive})
}

// GetCommissionRecord returns a record with all of its entries.
// GET /api/admin/commissions/{id}
func (h *Handler) GetCommissionRecord(w http.ResponseWriter, r *http.Request) {
	id := generic.RecordID(chi.URLParam(r, "id"))

	rec, entries, err := h.Service.RecordDetails(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, RecordDetailsResponse{Record: toRecordDTO(rec), Entries: dtos})
}

// CancelCommissionRecord fails the record's remaining pending entries.
// POST /api/admin/commissions/{id}/cancel
func (h *Handler) CancelCommissionRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := h.Service.CancelRecord(r.Context(), generic.RecordID(id))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelRecordResponse{CommissionRecordID: id, CancelledEntries: n})
}

// RequeueEntry returns a failed entry to pending.
// POST /api/admin/entries/{id}/requeue
func (h *Handler) RequeueEntry(w http.ResponseWriter, r *http.Request) {
	id := generic.EntryID(chi.URLParam(r, "id"))

	entry, err := h.Service.RequeueEntry(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

// GetStatusSummary aggregates entries by status.
// GET /api/admin/commissions/summary?user_id=
func (h *Handler) GetStatusSummary(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")

	counts, err := h.Service.Store.StatusCounts(r.Context(), generic.UserID(userID))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	summary := StatusSummaryDTO{
		UserID:     userID,
		Pending:    counts.Pending,
		Processing: counts.Processing,
		Completed:  counts.Completed,
		Failed:     counts.Failed,
		Cancelled:  counts.Cancelled,
	}
	if h.Scheduler != nil {
		if last := h.Scheduler.LastRun(); !last.FinishedAt.IsZero() {
			run := toRunResponse(last)
			summary.LastRun = &run
		}
	}
	writeJSON(w, http.StatusOK, summary)
}

// RunDisbursements runs a sweep and one tick synchronously.
// POST /api/admin/disbursements/run
func (h *Handler) RunDisbursements(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "", "Disbursement scheduler not configured", nil)
		return
	}

	result, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", "Disbursement run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(result))
}

// =============================================================================
// PLAN AND CREATOR HANDLERS
// =============================================================================

// ListPlans returns all plans.
// GET /api/plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Service.Plans.ListPlans(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]PlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = toPlanDTO(h.PlanFactory, p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePlan creates a plan from its JSON definition.
// POST /api/plans
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var pj factory.PlanJSON
	if !h.decode(w, r, &pj) {
		return
	}

	plan, err := h.PlanFactory.FromJSON(pj)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	plan, err = h.Service.CreatePlan(r.Context(), plan)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlanDTO(h.PlanFactory, plan))
}

// GetPlan returns a single plan.
// GET /api/plans/{id}
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Service.Plans.GetPlan(r.Context(), generic.PlanID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(h.PlanFactory, plan))
}

// UpdatePlan replaces a plan. The path ID wins over the body.
// PUT /api/plans/{id}
func (h *Handler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	var pj factory.PlanJSON
	if !h.decode(w, r, &pj) {
		return
	}
	pj.ID = chi.URLParam(r, "id")

	plan, err := h.PlanFactory.FromJSON(pj)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	plan, err = h.Service.UpdatePlan(r.Context(), plan)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(h.PlanFactory, plan))
}

// UpsertCreator stores a creator's workflow count.
// PUT /api/creators/{id}
func (h *Handler) UpsertCreator(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpsertCreatorRequest
	if !h.decode(w, r, &req) {
		return
	}

	c := commission.Creator{ID: generic.UserID(id), WorkflowCount: *req.WorkflowCount}
	if err := h.Creators.SaveCreator(r.Context(), c); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CreatorDTO{ID: id, WorkflowCount: c.WorkflowCount})
}

// HealthCheck reports liveness and database reachability.
// GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, ReasonInvalidRequest, "Invalid request body", err)
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()),
				Reason:  ReasonInvalidRequest,
				Field:   fe.Field(),
				Details: err.Error(),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, ReasonInvalidRequest, "Invalid request body", err)
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// writeDomainError maps engine errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var verr *generic.ValidationError
	switch {
	case errors.As(err, &verr):
		status := http.StatusBadRequest
		if errors.Is(err, generic.ErrInsufficientAmountForDays) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, ErrorResponse{
			Error:   verr.Message,
			Reason:  verr.Reason,
			Field:   verr.Field,
			Details: err.Error(),
		})
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, "", "Not found", err)
	case generic.IsConflict(err):
		writeError(w, http.StatusConflict, "", "Conflict", err)
	default:
		writeError(w, http.StatusInternalServerError, "", "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, reason, message string, err error) {
	resp := ErrorResponse{Error: message, Reason: reason}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
