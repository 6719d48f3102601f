/*
Package factory provides JSON to Go commission plan conversion.

PURPOSE:
  Converts JSON plan definitions into commission.Plan values. Plans are
  seeded at start-up from a JSON file and created through the admin API,
  both of which go through ParsePlan so defaults and validation are applied
  in one place.

JSON SCHEMA:
  {
    "id": "tier-50",
    "name": "50 Workflows Bonus",
    "trigger_type": "workflow_threshold",
    "amount_type": "fixed",
    "amount_value": "250.00",
    "workflow_threshold": 50,
    "auto_trigger": false,
    "status": "active"
  }

DEFAULTS:
  trigger_type  manual
  amount_type   fixed
  status        active

VALIDATION:
  - id and name are required
  - workflow_threshold plans need a threshold >= 1; manual plans must not
    carry one
  - amount_value must be a non-negative decimal; percentages are capped
    at 100

USAGE:
  f := factory.NewPlanFactory()
  plan, err := f.ParsePlan(factory.WorkflowTierPlanJSON("tier-50", "50 Workflows", 50, "250.00"))
  plans, err := f.ParsePlans(fileBytes)

SEE ALSO:
  - commission/types.go: Plan type definition
  - api/handlers.go:     Admin plan endpoints
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PlanJSON is the JSON representation of a plan.
type PlanJSON struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	TriggerType       string `json:"trigger_type,omitempty"`
	AmountType        string `json:"amount_type,omitempty"`
	AmountValue       string `json:"amount_value,omitempty"`
	WorkflowThreshold *int   `json:"workflow_threshold,omitempty"`
	AutoTrigger       bool   `json:"auto_trigger,omitempty"`
	Status            string `json:"status,omitempty"`
}

var hundred = decimal.NewFromInt(100)

// =============================================================================
// PLAN FACTORY
// =============================================================================

// PlanFactory converts JSON plans to Go structs.
type PlanFactory struct{}

func NewPlanFactory() *PlanFactory {
	return &PlanFactory{}
}

// ParsePlan parses a single JSON plan.
func (f *PlanFactory) ParsePlan(jsonStr string) (commission.Plan, error) {
	var pj PlanJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return commission.Plan{}, invalidPlan("", "failed to parse plan JSON: %v", err)
	}
	return f.FromJSON(pj)
}

// ParsePlans parses a JSON array of plans, as found in the seed file.
func (f *PlanFactory) ParsePlans(data []byte) ([]commission.Plan, error) {
	var pjs []PlanJSON
	if err := json.Unmarshal(data, &pjs); err != nil {
		return nil, invalidPlan("", "failed to parse plans JSON: %v", err)
	}
	plans := make([]commission.Plan, 0, len(pjs))
	seen := make(map[string]bool, len(pjs))
	for i, pj := range pjs {
		if seen[pj.ID] {
			return nil, invalidPlan("id", "duplicate plan id %q at index %d", pj.ID, i)
		}
		seen[pj.ID] = true

		p, err := f.FromJSON(pj)
		if err != nil {
			return nil, fmt.Errorf("plan %d: %w", i, err)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// FromJSON converts PlanJSON to commission.Plan.
func (f *PlanFactory) FromJSON(pj PlanJSON) (commission.Plan, error) {
	if pj.ID == "" {
		return commission.Plan{}, invalidPlan("id", "is required")
	}
	if pj.Name == "" {
		return commission.Plan{}, invalidPlan("name", "is required")
	}

	trigger, err := parseTriggerType(pj.TriggerType)
	if err != nil {
		return commission.Plan{}, err
	}
	amountType, err := parseAmountType(pj.AmountType)
	if err != nil {
		return commission.Plan{}, err
	}
	status, err := parseStatus(pj.Status)
	if err != nil {
		return commission.Plan{}, err
	}

	value := decimal.Zero
	if pj.AmountValue != "" {
		value, err = decimal.NewFromString(pj.AmountValue)
		if err != nil {
			return commission.Plan{}, invalidPlan("amount_value", "%q is not a decimal", pj.AmountValue)
		}
	}
	if value.IsNegative() {
		return commission.Plan{}, invalidPlan("amount_value", "must not be negative")
	}
	if amountType == commission.AmountPercentage && value.GreaterThan(hundred) {
		return commission.Plan{}, invalidPlan("amount_value", "percentage %s exceeds 100", value)
	}

	switch trigger {
	case commission.TriggerWorkflowThreshold:
		if pj.WorkflowThreshold == nil || *pj.WorkflowThreshold < 1 {
			return commission.Plan{}, invalidPlan("workflow_threshold", "must be at least 1 for workflow_threshold plans")
		}
	case commission.TriggerManual:
		if pj.WorkflowThreshold != nil {
			return commission.Plan{}, invalidPlan("workflow_threshold", "not allowed on manual plans")
		}
	}

	var threshold *int
	if pj.WorkflowThreshold != nil {
		t := *pj.WorkflowThreshold
		threshold = &t
	}

	return commission.Plan{
		ID:                generic.PlanID(pj.ID),
		Name:              pj.Name,
		TriggerType:       trigger,
		AmountType:        amountType,
		AmountValue:       value,
		WorkflowThreshold: threshold,
		AutoTrigger:       pj.AutoTrigger,
		Status:            status,
	}, nil
}

// ToJSON converts a Plan to PlanJSON.
func (f *PlanFactory) ToJSON(p commission.Plan) PlanJSON {
	pj := PlanJSON{
		ID:          string(p.ID),
		Name:        p.Name,
		TriggerType: string(p.TriggerType),
		AmountType:  string(p.AmountType),
		AmountValue: p.AmountValue.String(),
		AutoTrigger: p.AutoTrigger,
		Status:      string(p.Status),
	}
	if p.WorkflowThreshold != nil {
		t := *p.WorkflowThreshold
		pj.WorkflowThreshold = &t
	}
	return pj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseTriggerType(s string) (commission.TriggerType, error) {
	switch s {
	case "", "manual":
		return commission.TriggerManual, nil
	case "workflow_threshold":
		return commission.TriggerWorkflowThreshold, nil
	default:
		return "", invalidPlan("trigger_type", "unknown trigger type %q", s)
	}
}

func parseAmountType(s string) (commission.AmountType, error) {
	switch s {
	case "", "fixed":
		return commission.AmountFixed, nil
	case "percentage":
		return commission.AmountPercentage, nil
	default:
		return "", invalidPlan("amount_type", "unknown amount type %q", s)
	}
}

func parseStatus(s string) (commission.PlanStatus, error) {
	switch s {
	case "", "active":
		return commission.PlanActive, nil
	case "inactive":
		return commission.PlanInactive, nil
	default:
		return "", invalidPlan("status", "unknown status %q", s)
	}
}

func invalidPlan(field, format string, args ...any) *generic.ValidationError {
	return &generic.ValidationError{
		Reason:  generic.ReasonInvalidPlan,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Err:     generic.ErrInvalidPlan,
	}
}

// =============================================================================
// PRESET PLANS
// =============================================================================

// StandardManualPlanJSON is an admin-triggered fixed bonus with no tier.
func StandardManualPlanJSON(id, name, amount string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": %q,
		"trigger_type": "manual",
		"amount_type": "fixed",
		"amount_value": %q
	}`, id, name, amount)
}

// WorkflowTierPlanJSON is a fixed bonus unlocked at a workflow count.
func WorkflowTierPlanJSON(id, name string, threshold int, amount string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": %q,
		"trigger_type": "workflow_threshold",
		"amount_type": "fixed",
		"amount_value": %q,
		"workflow_threshold": %d
	}`, id, name, amount, threshold)
}

// PercentageTierPlanJSON is a percentage bonus unlocked at a workflow
// count. The percentage is informational; grants still carry a total.
func PercentageTierPlanJSON(id, name string, threshold int, percent string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": %q,
		"trigger_type": "workflow_threshold",
		"amount_type": "percentage",
		"amount_value": %q,
		"workflow_threshold": %d
	}`, id, name, percent, threshold)
}
