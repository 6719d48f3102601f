package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// SERVICE - Issuing grants and answering eligibility questions
// =============================================================================

// Service ties the schedule generator to the stores.
type Service struct {
	Store    Store
	Plans    PlanStore
	Creators CreatorDirectory
	Rand     RandomSource
	Clock    generic.Clock

	// StartOffsetDays is how many days after issuance day 1 is scheduled.
	// 1 means the first installment is paid the day after the grant.
	StartOffsetDays int

	// Unit is the minor currency unit for new records.
	Unit generic.Unit
}

var defaultSource = NewSeededSource(time.Now().UnixNano())

// NewService wires a Service with the system clock and a time-seeded source.
func NewService(store Store, plans PlanStore, creators CreatorDirectory) *Service {
	return &Service{
		Store:           store,
		Plans:           plans,
		Creators:        creators,
		Rand:            NewSeededSource(time.Now().UnixNano()),
		Clock:           generic.SystemClock{},
		StartOffsetDays: 1,
		Unit:            generic.UnitCents,
	}
}

// IssueRequest is the input to CreateRecord.
type IssueRequest struct {
	UserID       generic.UserID
	TotalUnits   int64
	Days         int
	Reason       string
	SourcePlanID *generic.PlanID
}

// CreateRecord generates a schedule and persists the record with all of its
// entries in one transaction. Generator rejections are returned as
// *generic.ValidationError and nothing is written.
func (s *Service) CreateRecord(ctx context.Context, req IssueRequest) (Record, []PayoutEntry, error) {
	if req.UserID == "" {
		return Record{}, nil, &generic.ValidationError{
			Reason: generic.ReasonInvalidScheduleInput, Field: "user_id",
			Message: "is required", Err: generic.ErrInvalidScheduleInput,
		}
	}
	if req.SourcePlanID != nil && s.Plans != nil {
		plan, err := s.Plans.GetPlan(ctx, *req.SourcePlanID)
		if err != nil {
			return Record{}, nil, err
		}
		if plan.Status != PlanActive {
			return Record{}, nil, &generic.ValidationError{
				Reason: generic.ReasonInvalidPlan, Field: "plan_id",
				Message: fmt.Sprintf("plan %s is %s", plan.ID, plan.Status), Err: generic.ErrInvalidPlan,
			}
		}
	}

	now := s.clock().Now()
	start := generic.DateOf(now).AddDays(s.StartOffsetDays)
	total := generic.NewAmount(req.TotalUnits, s.unit())

	shares, err := Generate(total, req.Days, start, s.rand())
	if err != nil {
		return Record{}, nil, err
	}

	rec := Record{
		ID:           generic.RecordID(uuid.NewString()),
		UserID:       req.UserID,
		TotalAmount:  total,
		Days:         req.Days,
		Reason:       req.Reason,
		SourcePlanID: req.SourcePlanID,
		CreatedAt:    now,
	}
	if rec.Reason == "" {
		rec.Reason = "Commission distribution"
	}

	entries := make([]PayoutEntry, len(shares))
	for i, share := range shares {
		entries[i] = PayoutEntry{
			ID:            generic.EntryID(uuid.NewString()),
			RecordID:      rec.ID,
			UserID:        rec.UserID,
			DayNumber:     share.DayNumber,
			Amount:        share.Amount,
			ScheduledDate: share.ScheduledDate,
			Status:        StatusPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}

	if err := s.Store.InsertRecord(ctx, rec, entries); err != nil {
		return Record{}, nil, fmt.Errorf("persist commission record: %w", err)
	}
	return rec, entries, nil
}

// EligiblePlansForUser looks up the creator and evaluates all plans.
func (s *Service) EligiblePlansForUser(ctx context.Context, userID generic.UserID) (Creator, []Plan, error) {
	creator, err := s.Creators.GetCreator(ctx, userID)
	if err != nil {
		return Creator{}, nil, err
	}
	plans, err := s.Plans.ListPlans(ctx)
	if err != nil {
		return Creator{}, nil, fmt.Errorf("list plans: %w", err)
	}
	return creator, EligiblePlans(creator, plans), nil
}

// UpdatePlan saves a new version of an existing plan. Once a record
// references the plan only its name and status may change.
func (s *Service) UpdatePlan(ctx context.Context, p Plan) (Plan, error) {
	existing, err := s.Plans.GetPlan(ctx, p.ID)
	if err != nil {
		return Plan{}, err
	}
	if !existing.SamePayoutTerms(p) {
		inUse, err := s.Plans.PlanInUse(ctx, p.ID)
		if err != nil {
			return Plan{}, err
		}
		if inUse {
			return Plan{}, fmt.Errorf("plan %s: %w", p.ID, generic.ErrPlanInUse)
		}
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.clock().Now()
	if err := s.Plans.SavePlan(ctx, p); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// CreatePlan saves a new plan. The ID must be unused.
func (s *Service) CreatePlan(ctx context.Context, p Plan) (Plan, error) {
	_, err := s.Plans.GetPlan(ctx, p.ID)
	switch {
	case err == nil:
		return Plan{}, fmt.Errorf("plan %s: %w", p.ID, generic.ErrPlanExists)
	case !errors.Is(err, generic.ErrPlanNotFound):
		return Plan{}, err
	}
	now := s.clock().Now()
	p.CreatedAt, p.UpdatedAt = now, now
	if err := s.Plans.SavePlan(ctx, p); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// RecordDetails returns a record with its entries.
func (s *Service) RecordDetails(ctx context.Context, id generic.RecordID) (Record, []PayoutEntry, error) {
	rec, err := s.Store.GetRecord(ctx, id)
	if err != nil {
		return Record{}, nil, err
	}
	entries, err := s.Store.EntriesForRecord(ctx, id)
	if err != nil {
		return Record{}, nil, fmt.Errorf("load entries: %w", err)
	}
	return rec, entries, nil
}

// SetUserActive flips the disbursement kill switch. Entries of an inactive
// user stay pending and are skipped by the processor.
func (s *Service) SetUserActive(ctx context.Context, userID generic.UserID, active bool) error {
	if userID == "" {
		return &generic.ValidationError{
			Reason: generic.ReasonInvalidScheduleInput, Field: "user_id",
			Message: "is required", Err: generic.ErrInvalidScheduleInput,
		}
	}
	return s.Store.SetUserActive(ctx, userID, active, s.clock().Now())
}

// RequeueEntry gives a terminally failed entry a fresh attempt budget.
func (s *Service) RequeueEntry(ctx context.Context, id generic.EntryID) (PayoutEntry, error) {
	return s.Store.RequeueEntry(ctx, id, s.clock().Now())
}

// CancelRecord stops any further payouts for a record.
func (s *Service) CancelRecord(ctx context.Context, id generic.RecordID) (int, error) {
	rec, err := s.Store.GetRecord(ctx, id)
	if err != nil {
		return 0, err
	}
	if rec.IsCancelled() {
		return 0, fmt.Errorf("record %s: %w", id, generic.ErrRecordCancelled)
	}
	return s.Store.CancelRecord(ctx, id, s.clock().Now())
}

func (s *Service) clock() generic.Clock {
	if s.Clock == nil {
		return generic.SystemClock{}
	}
	return s.Clock
}

func (s *Service) rand() RandomSource {
	if s.Rand == nil {
		return defaultSource
	}
	return s.Rand
}

func (s *Service) unit() generic.Unit {
	if s.Unit == "" {
		return generic.UnitCents
	}
	return s.Unit
}
