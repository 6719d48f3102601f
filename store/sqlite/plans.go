package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// PLAN STORE (commission.PlanStore interface)
// =============================================================================

const planColumns = `
	id, name, trigger_type, amount_type, amount_value, workflow_threshold,
	auto_trigger, status, created_at, updated_at`

// SavePlan inserts or updates a plan.
func (s *Store) SavePlan(ctx context.Context, p commission.Plan) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	var threshold sql.NullInt64
	if p.WorkflowThreshold != nil {
		threshold = sql.NullInt64{Int64: int64(*p.WorkflowThreshold), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commission_plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			trigger_type = excluded.trigger_type,
			amount_type = excluded.amount_type,
			amount_value = excluded.amount_value,
			workflow_threshold = excluded.workflow_threshold,
			auto_trigger = excluded.auto_trigger,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.TriggerType, p.AmountType, p.AmountValue.String(), threshold,
		p.AutoTrigger, p.Status, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by ID.
func (s *Store) GetPlan(ctx context.Context, id generic.PlanID) (commission.Plan, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+planColumns+" FROM commission_plans WHERE id = ?", id)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return commission.Plan{}, fmt.Errorf("plan %s: %w", id, generic.ErrPlanNotFound)
	}
	return p, err
}

// ListPlans returns all plans ordered by name.
func (s *Store) ListPlans(ctx context.Context) ([]commission.Plan, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+planColumns+" FROM commission_plans ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var plans []commission.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// PlanInUse reports whether any record references the plan.
func (s *Store) PlanInUse(ctx context.Context, id generic.PlanID) (bool, error) {
	var inUse bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM commission_records WHERE source_plan_id = ?)", id,
	).Scan(&inUse)
	return inUse, err
}

func scanPlan(row scanner) (commission.Plan, error) {
	var (
		p           commission.Plan
		amountValue string
		threshold   sql.NullInt64
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&p.ID, &p.Name, &p.TriggerType, &p.AmountType, &amountValue, &threshold,
		&p.AutoTrigger, &p.Status, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return p, err
		}
		return p, fmt.Errorf("failed to scan plan: %w", err)
	}

	p.AmountValue, err = decimal.NewFromString(amountValue)
	if err != nil {
		return p, fmt.Errorf("plan %s: bad amount_value %q: %w", p.ID, amountValue, err)
	}
	if threshold.Valid {
		t := int(threshold.Int64)
		p.WorkflowThreshold = &t
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// =============================================================================
// CREATOR DIRECTORY (commission.CreatorDirectory interface)
// =============================================================================

// SaveCreator upserts a creator snapshot.
func (s *Store) SaveCreator(ctx context.Context, c commission.Creator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO creators (id, workflow_count, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workflow_count = excluded.workflow_count,
			updated_at = excluded.updated_at`,
		c.ID, c.WorkflowCount, formatTime(time.Now()),
	)
	return err
}

// GetCreator retrieves a creator snapshot.
func (s *Store) GetCreator(ctx context.Context, id generic.UserID) (commission.Creator, error) {
	var c commission.Creator
	err := s.db.QueryRowContext(ctx,
		"SELECT id, workflow_count FROM creators WHERE id = ?", id,
	).Scan(&c.ID, &c.WorkflowCount)
	if err == sql.ErrNoRows {
		return c, fmt.Errorf("creator %s: %w", id, generic.ErrCreatorNotFound)
	}
	return c, err
}
