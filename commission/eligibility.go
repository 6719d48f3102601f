package commission

import "sort"

// =============================================================================
// ELIGIBILITY - Which plans a creator currently qualifies for
// =============================================================================

// EligiblePlans filters plans down to those the creator qualifies for.
//
// Rules:
//   - only active plans are considered
//   - workflow_threshold plans need WorkflowCount >= threshold
//   - manual plans are always eligible (issuing stays an admin decision)
//   - unknown trigger types are never eligible
//
// The result is ordered by threshold descending so the most advanced tier
// comes first; plans without a threshold sort last, ties by name then ID.
// The input slice is not modified.
func EligiblePlans(creator Creator, plans []Plan) []Plan {
	eligible := make([]Plan, 0, len(plans))
	for _, p := range plans {
		if p.Status != PlanActive {
			continue
		}
		switch p.TriggerType {
		case TriggerManual:
			eligible = append(eligible, p)
		case TriggerWorkflowThreshold:
			if p.WorkflowThreshold != nil && creator.WorkflowCount >= *p.WorkflowThreshold {
				eligible = append(eligible, p)
			}
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		switch {
		case a.WorkflowThreshold != nil && b.WorkflowThreshold == nil:
			return true
		case a.WorkflowThreshold == nil && b.WorkflowThreshold != nil:
			return false
		case a.WorkflowThreshold != nil && *a.WorkflowThreshold != *b.WorkflowThreshold:
			return *a.WorkflowThreshold > *b.WorkflowThreshold
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return eligible
}
