package breaker

import (
	"fmt"
	"strings"

	"gridflow/pkg/models"
)

// Context fields the seeded rules read
const (
	FieldLoadPercentage       = "load_percentage"
	FieldLastSeenAgoMs        = "last_seen_ago_ms"
	FieldConsumption          = "consumption"
	FieldGenerationPercentage = "generation_percentage"
)

// SeededRules returns the boot rule set. Rule configuration is in-memory
// only; persisted rule management is out of scope.
func SeededRules() []models.AlertRule {
	return []models.AlertRule{
		{
			ID:       "regional_overload",
			Type:     models.AlertTypeRegionalOverload,
			Enabled:  true,
			Severity: models.SeverityHigh,
			Conditions: []models.RuleCondition{
				{Field: FieldLoadPercentage, Operator: models.OpGT, Value: 90.0},
			},
			CooldownMs: 5 * 60 * 1000,
		},
		{
			ID:       "meter_outage",
			Type:     models.AlertTypeMeterOutage,
			Enabled:  true,
			Severity: models.SeverityHigh,
			Conditions: []models.RuleCondition{
				{Field: FieldLastSeenAgoMs, Operator: models.OpGT, Value: 30000.0},
			},
			CooldownMs: 60 * 1000,
		},
		{
			ID:       "high_consumption",
			Type:     models.AlertTypeHighConsumption,
			Enabled:  true,
			Severity: models.SeverityMedium,
			Conditions: []models.RuleCondition{
				{Field: FieldConsumption, Operator: models.OpGT, Value: 1000.0,
					Aggregation: "avg", TimeWindowMs: 60 * 60 * 1000},
			},
			CooldownMs: 30 * 60 * 1000,
		},
		{
			ID:       "low_generation",
			Type:     models.AlertTypeLowGeneration,
			Enabled:  true,
			Severity: models.SeverityMedium,
			Conditions: []models.RuleCondition{
				{Field: FieldGenerationPercentage, Operator: models.OpLT, Value: 30.0},
			},
			CooldownMs: 10 * 60 * 1000,
		},
		{
			ID:         "anomaly_forward",
			Type:       models.AlertTypeAnomaly,
			Enabled:    true,
			Severity:   models.SeverityMedium,
			CooldownMs: 0,
		},
	}
}

// EvalRule reports whether all conditions of a rule hold against a context.
// Conditions are an implicit AND; a condition whose field is absent from the
// context fails, so a rule never fires on a context that cannot express it.
func EvalRule(rule models.AlertRule, rctx models.RuleContext) (bool, error) {
	if len(rule.Conditions) == 0 {
		return false, nil
	}
	for _, cond := range rule.Conditions {
		ok, err := evalCondition(cond, rctx)
		if err != nil {
			return false, fmt.Errorf("rule %s condition on %s: %w", rule.ID, cond.Field, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// evalCondition applies one operator. Aggregation over a time window reduces
// to the current value: each context carries exactly one observation.
func evalCondition(cond models.RuleCondition, rctx models.RuleContext) (bool, error) {
	actual, present := rctx.Data[cond.Field]
	if !present {
		return false, nil
	}

	switch cond.Operator {
	case models.OpGT, models.OpGTE, models.OpLT, models.OpLTE:
		actualNum, err := toFloat(actual)
		if err != nil {
			return false, err
		}
		expectedNum, err := toFloat(cond.Value)
		if err != nil {
			return false, err
		}
		switch cond.Operator {
		case models.OpGT:
			return actualNum > expectedNum, nil
		case models.OpGTE:
			return actualNum >= expectedNum, nil
		case models.OpLT:
			return actualNum < expectedNum, nil
		default:
			return actualNum <= expectedNum, nil
		}

	case models.OpEQ:
		return equals(actual, cond.Value), nil

	case models.OpNEQ:
		return !equals(actual, cond.Value), nil

	case models.OpContains:
		return contains(actual, cond.Value), nil

	case models.OpNotContains:
		return !contains(actual, cond.Value), nil

	default:
		return false, fmt.Errorf("unknown operator %q", cond.Operator)
	}
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
}

// equals compares numerically when both sides are numbers, otherwise by
// string form.
func equals(a, b interface{}) bool {
	an, aerr := toFloat(a)
	bn, berr := toFloat(b)
	if aerr == nil && berr == nil {
		return an == bn
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func contains(haystack, needle interface{}) bool {
	return strings.Contains(fmt.Sprintf("%v", haystack), fmt.Sprintf("%v", needle))
}
