package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Operator string

const (
	OperatorEQ       Operator = "eq"
	OperatorGT       Operator = "gt"
	OperatorGTE      Operator = "gte"
	OperatorLT       Operator = "lt"
	OperatorLTE      Operator = "lte"
	OperatorContains Operator = "contains"
	OperatorIn       Operator = "in"
	OperatorNotIn    Operator = "notIn"
	OperatorBetween  Operator = "between"
)

// Condition is a single field comparison evaluated against report rows.
// Value2 is used only by the between operator.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
	Value2   any      `json:"value2,omitempty"`
}

func (c Condition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("condition: field is required")
	}
	switch c.Operator {
	case OperatorEQ, OperatorGT, OperatorGTE, OperatorLT, OperatorLTE,
		OperatorContains, OperatorIn, OperatorNotIn:
	case OperatorBetween:
		if c.Value2 == nil {
			return fmt.Errorf("condition: between requires a second value")
		}
	default:
		return fmt.Errorf("condition: unknown operator %q", c.Operator)
	}
	return nil
}

// AutomationRule is a condition/action pair evaluated against the rows
// of its report. ReportID names the report whose rows feed the condition.
type AutomationRule struct {
	ID       uuid.UUID
	Name     string
	ReportID string

	Condition Condition
	Action    Action

	IsActive      bool
	LastEvaluated *time.Time
	LastTriggered *time.Time
	TriggerCount  int64

	Version int64

	LeaseOwner     string
	LeaseExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r AutomationRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule %s: name is required", r.ID)
	}
	if r.ReportID == "" {
		return fmt.Errorf("rule %s: report id is required", r.ID)
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if err := r.Action.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return nil
}
