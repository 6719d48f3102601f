package commission_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/store/memory"
)

func newService() (*commission.Service, *memory.Store, *generic.FixedClock) {
	store := memory.New()
	clock := generic.NewFixedClock(issuedAt)
	svc := commission.NewService(store, store, store)
	svc.Clock = clock
	svc.Rand = commission.NewSeededSource(7)
	return svc, store, clock
}

func planRef(id string) *generic.PlanID {
	p := generic.PlanID(id)
	return &p
}

// =============================================================================
// ISSUANCE
// =============================================================================

func TestService_CreateRecord_PersistsRecordAndEntries(t *testing.T) {
	svc, store, _ := newService()
	ctx := context.Background()

	rec, entries, err := svc.CreateRecord(ctx, commission.IssueRequest{
		UserID: "u1", TotalUnits: 2500, Days: 7, Reason: "Launch bonus",
	})
	require.NoError(t, err)

	assert.Equal(t, generic.NewAmount(2500, generic.UnitCents), rec.TotalAmount)
	assert.Equal(t, "Launch bonus", rec.Reason)
	assert.Equal(t, issuedAt, rec.CreatedAt)

	stored, err := store.EntriesForRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entries, stored)
	assert.Equal(t, "2025-03-02", stored[0].ScheduledDate.String(), "day 1 is the day after issuance")
}

func TestService_CreateRecord_DefaultReason(t *testing.T) {
	svc, _, _ := newService()

	rec, _, err := svc.CreateRecord(context.Background(), commission.IssueRequest{UserID: "u1", TotalUnits: 10, Days: 1})
	require.NoError(t, err)
	assert.Equal(t, "Commission distribution", rec.Reason)
}

func TestService_CreateRecord_StartOffsetZero(t *testing.T) {
	svc, _, _ := newService()
	svc.StartOffsetDays = 0

	_, entries, err := svc.CreateRecord(context.Background(), commission.IssueRequest{UserID: "u1", TotalUnits: 10, Days: 2})
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01", entries[0].ScheduledDate.String())
}

func TestService_CreateRecord_ValidationPersistsNothing(t *testing.T) {
	// GIVEN: An amount too small for the number of days
	svc, store, _ := newService()
	ctx := context.Background()

	// WHEN: Issuing
	_, _, err := svc.CreateRecord(ctx, commission.IssueRequest{UserID: "u1", TotalUnits: 5, Days: 10})

	// THEN: Client error, nothing stored
	require.ErrorIs(t, err, generic.ErrInsufficientAmountForDays)
	records, err := store.ListRecords(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestService_CreateRecord_RequiresUser(t *testing.T) {
	svc, _, _ := newService()

	_, _, err := svc.CreateRecord(context.Background(), commission.IssueRequest{TotalUnits: 10, Days: 1})
	require.ErrorIs(t, err, generic.ErrInvalidScheduleInput)
}

func TestService_CreateRecord_WithPlan(t *testing.T) {
	svc, store, _ := newService()
	ctx := context.Background()
	require.NoError(t, store.SavePlan(ctx, manualPlan("bonus", "Bonus")))

	inactive := manualPlan("retired", "Retired")
	inactive.Status = commission.PlanInactive
	require.NoError(t, store.SavePlan(ctx, inactive))

	t.Run("active plan is recorded", func(t *testing.T) {
		rec, _, err := svc.CreateRecord(ctx, commission.IssueRequest{UserID: "u1", TotalUnits: 10, Days: 1, SourcePlanID: planRef("bonus")})
		require.NoError(t, err)
		require.NotNil(t, rec.SourcePlanID)
		assert.Equal(t, generic.PlanID("bonus"), *rec.SourcePlanID)
	})

	t.Run("inactive plan is rejected", func(t *testing.T) {
		_, _, err := svc.CreateRecord(ctx, commission.IssueRequest{UserID: "u1", TotalUnits: 10, Days: 1, SourcePlanID: planRef("retired")})
		require.ErrorIs(t, err, generic.ErrInvalidPlan)
	})

	t.Run("unknown plan is not found", func(t *testing.T) {
		_, _, err := svc.CreateRecord(ctx, commission.IssueRequest{UserID: "u1", TotalUnits: 10, Days: 1, SourcePlanID: planRef("nope")})
		require.ErrorIs(t, err, generic.ErrPlanNotFound)
	})
}

// =============================================================================
// PLANS
// =============================================================================

func TestService_CreatePlan_DuplicateIsConflict(t *testing.T) {
	svc, _, clock := newService()
	ctx := context.Background()

	created, err := svc.CreatePlan(ctx, manualPlan("bonus", "Bonus"))
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), created.CreatedAt)

	_, err = svc.CreatePlan(ctx, manualPlan("bonus", "Other"))
	require.ErrorIs(t, err, generic.ErrPlanExists)
	assert.True(t, generic.IsConflict(err))
}

func TestService_UpdatePlan_TermsFrozenOnceReferenced(t *testing.T) {
	// GIVEN: A tier plan with one grant issued against it
	svc, _, clock := newService()
	ctx := context.Background()
	_, err := svc.CreatePlan(ctx, tierPlan("tier-10", "Ten", 10))
	require.NoError(t, err)
	_, _, err = svc.CreateRecord(ctx, commission.IssueRequest{UserID: "u1", TotalUnits: 10, Days: 1, SourcePlanID: planRef("tier-10")})
	require.NoError(t, err)

	// WHEN: Changing the amount
	changed := tierPlan("tier-10", "Ten", 10)
	changed.AmountValue = decimal.NewFromInt(999)
	_, err = svc.UpdatePlan(ctx, changed)

	// THEN: Refused
	require.ErrorIs(t, err, generic.ErrPlanInUse)

	// WHEN: Only renaming and deactivating
	clock.Advance(time.Hour)
	renamed := tierPlan("tier-10", "Tier Ten", 10)
	renamed.Status = commission.PlanInactive
	updated, err := svc.UpdatePlan(ctx, renamed)

	// THEN: Allowed, creation time preserved
	require.NoError(t, err)
	assert.Equal(t, "Tier Ten", updated.Name)
	assert.Equal(t, issuedAt, updated.CreatedAt)
	assert.Equal(t, issuedAt.Add(time.Hour), updated.UpdatedAt)
}

func TestService_UpdatePlan_UnreferencedIsFree(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()
	_, err := svc.CreatePlan(ctx, tierPlan("tier-10", "Ten", 10))
	require.NoError(t, err)

	changed := tierPlan("tier-10", "Ten", 20)
	updated, err := svc.UpdatePlan(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, 20, *updated.WorkflowThreshold)
}

func TestService_UpdatePlan_UnknownIsNotFound(t *testing.T) {
	svc, _, _ := newService()

	_, err := svc.UpdatePlan(context.Background(), manualPlan("ghost", "Ghost"))
	require.ErrorIs(t, err, generic.ErrPlanNotFound)
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

func TestService_EligiblePlansForUser(t *testing.T) {
	svc, store, _ := newService()
	ctx := context.Background()
	require.NoError(t, store.SavePlan(ctx, tierPlan("t50", "Fifty", 50)))
	require.NoError(t, store.SavePlan(ctx, tierPlan("t10", "Ten", 10)))
	require.NoError(t, store.SaveCreator(ctx, commission.Creator{ID: "u1", WorkflowCount: 12}))

	creator, plans, err := svc.EligiblePlansForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 12, creator.WorkflowCount)
	assert.Equal(t, []generic.PlanID{"t10"}, planIDs(plans))

	_, _, err = svc.EligiblePlansForUser(ctx, "unknown")
	require.ErrorIs(t, err, generic.ErrCreatorNotFound)
}

// =============================================================================
// ADMIN OPERATIONS
// =============================================================================

func TestService_RecordDetails(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()
	rec, entries, err := svc.CreateRecord(ctx, commission.IssueRequest{UserID: "u1", TotalUnits: 30, Days: 3})
	require.NoError(t, err)

	got, gotEntries, err := svc.RecordDetails(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, entries, gotEntries)

	_, _, err = svc.RecordDetails(ctx, "missing")
	require.ErrorIs(t, err, generic.ErrRecordNotFound)
}

func TestService_SetUserActive_RequiresUser(t *testing.T) {
	svc, _, _ := newService()

	err := svc.SetUserActive(context.Background(), "", false)
	require.ErrorIs(t, err, generic.ErrInvalidScheduleInput)
}

func TestService_CancelRecord_Twice(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()
	rec, _, err := svc.CreateRecord(ctx, commission.IssueRequest{UserID: "u1", TotalUnits: 30, Days: 3})
	require.NoError(t, err)

	n, err := svc.CancelRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = svc.CancelRecord(ctx, rec.ID)
	require.ErrorIs(t, err, generic.ErrRecordCancelled)

	_, err = svc.CancelRecord(ctx, "missing")
	require.ErrorIs(t, err, generic.ErrRecordNotFound)
}

func TestService_RequeuePendingEntryIsConflict(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()
	_, entries, err := svc.CreateRecord(ctx, commission.IssueRequest{UserID: "u1", TotalUnits: 10, Days: 1})
	require.NoError(t, err)

	_, err = svc.RequeueEntry(ctx, entries[0].ID)
	require.ErrorIs(t, err, generic.ErrInvalidTransition)
}
