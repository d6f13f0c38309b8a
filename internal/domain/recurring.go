package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ============================================================
// Recurring templates
// ============================================================

// TransactionType is the direction of a ledger entry.
type TransactionType string

const (
	TransactionTypeIncome  TransactionType = "income"
	TransactionTypeExpense TransactionType = "expense"
)

func (t TransactionType) Valid() bool {
	return t == TransactionTypeIncome || t == TransactionTypeExpense
}

// RecurringMarker is appended to the description of every materialized
// occurrence so posted rows can be told apart from manual entries.
const RecurringMarker = "(recurring)"

// RecurringTemplate is a recurring-transaction definition. NextExecutionDate
// is the scheduling cursor and only ever moves forward.
type RecurringTemplate struct {
	ID                string          `json:"id"`
	OwnerID           string          `json:"ownerId"`
	Type              TransactionType `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description"`
	Frequency         Frequency       `json:"frequency"`
	AccountID         string          `json:"accountId"`
	DebtID            *string         `json:"debtId,omitempty"`
	StartDate         time.Time       `json:"startDate"`
	EndDate           *time.Time      `json:"endDate,omitempty"`
	NextExecutionDate time.Time       `json:"nextExecutionDate"`
	LastExecuted      *time.Time      `json:"lastExecuted,omitempty"`
	IsActive          bool            `json:"isActive"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// IsDue reports whether the template should be materialized at now.
func (t *RecurringTemplate) IsDue(now time.Time) bool {
	return t.IsActive && !t.NextExecutionDate.After(now)
}

// SignedAmount is the balance delta one occurrence applies to the account.
func (t *RecurringTemplate) SignedAmount() decimal.Decimal {
	if t.Type == TransactionTypeExpense {
		return t.Amount.Neg()
	}
	return t.Amount
}

// MaterializedDescription builds the description of a posted occurrence.
func MaterializedDescription(desc string) string {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return RecurringMarker
	}
	return desc + " " + RecurringMarker
}

// ============================================================
// Ledger
// ============================================================

// Transaction is a posted ledger entry. CreatedAt holds the scheduled
// occurrence date for recurring postings, not the wall-clock insert time.
type Transaction struct {
	ID                  string          `json:"id"`
	Type                TransactionType `json:"type"`
	Amount              decimal.Decimal `json:"amount"`
	Description         string          `json:"description"`
	AccountID           string          `json:"accountId"`
	OwnerID             string          `json:"ownerId"`
	DebtID              *string         `json:"debtId,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	RecurringTemplateID *string         `json:"recurringTemplateId,omitempty"`
	OccurrenceAt        *time.Time      `json:"occurrenceAt,omitempty"`
}

// Account holds the running balance mutated by postings.
type Account struct {
	ID      string          `json:"id"`
	OwnerID string          `json:"ownerId"`
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}

// OccurrenceKey identifies one scheduled instance of a template.
type OccurrenceKey struct {
	TemplateID   string
	OccurrenceAt time.Time
}

// ScheduleUpdate is the cursor state persisted after handling an occurrence.
type ScheduleUpdate struct {
	LastExecuted      time.Time
	NextExecutionDate time.Time
	IsActive          bool
}

// OccurrencePlan is everything needed to materialize the template's current
// occurrence in one unit of work.
type OccurrencePlan struct {
	Key         OccurrenceKey
	Transaction Transaction
	Delta       decimal.Decimal
	Schedule    ScheduleUpdate
}

// PlanOccurrence computes the posting, balance delta and next cursor for the
// occurrence at NextExecutionDate. now becomes LastExecuted. Monthly and
// yearly series stay on the day-of-month of StartDate.
func (t *RecurringTemplate) PlanOccurrence(now time.Time) (*OccurrencePlan, error) {
	next, err := t.Frequency.AdvanceAnchored(t.NextExecutionDate, t.anchorDay())
	if err != nil {
		return nil, err
	}

	active := true
	if t.EndDate != nil && next.After(*t.EndDate) {
		active = false
	}

	templateID := t.ID
	occurrenceAt := t.NextExecutionDate

	return &OccurrencePlan{
		Key: OccurrenceKey{TemplateID: t.ID, OccurrenceAt: occurrenceAt},
		Transaction: Transaction{
			ID:                  uuid.New().String(),
			Type:                t.Type,
			Amount:              t.Amount,
			Description:         MaterializedDescription(t.Description),
			AccountID:           t.AccountID,
			OwnerID:             t.OwnerID,
			DebtID:              t.DebtID,
			CreatedAt:           occurrenceAt,
			RecurringTemplateID: &templateID,
			OccurrenceAt:        &occurrenceAt,
		},
		Delta: t.SignedAmount(),
		Schedule: ScheduleUpdate{
			LastExecuted:      now,
			NextExecutionDate: next,
			IsActive:          active,
		},
	}, nil
}

func (t *RecurringTemplate) anchorDay() int {
	if t.StartDate.IsZero() {
		return t.NextExecutionDate.Day()
	}
	return t.StartDate.In(t.NextExecutionDate.Location()).Day()
}

// ============================================================
// Processing results
// ============================================================

// OccurrenceOutcome is how the processor handled one due template.
type OccurrenceOutcome string

const (
	OutcomeMaterialized OccurrenceOutcome = "materialized"
	OutcomeDuplicate    OccurrenceOutcome = "duplicate"
	OutcomeStale        OccurrenceOutcome = "stale"
	OutcomeFailed       OccurrenceOutcome = "failed"
)

// ProcessSummary reports one processor pass.
type ProcessSummary struct {
	OwnerIDs     []string  `json:"ownerIds"`
	Due          int       `json:"due"`
	Materialized int       `json:"materialized"`
	Duplicates   int       `json:"duplicates"`
	Stale        int       `json:"stale"`
	Deactivated  int       `json:"deactivated"`
	Failed       int       `json:"failed"`
	ProcessedAt  time.Time `json:"processedAt"`
}

// Record counts one template outcome.
func (s *ProcessSummary) Record(outcome OccurrenceOutcome, deactivated bool) {
	switch outcome {
	case OutcomeMaterialized:
		s.Materialized++
	case OutcomeDuplicate:
		s.Duplicates++
	case OutcomeStale:
		s.Stale++
	case OutcomeFailed:
		s.Failed++
	}
	if deactivated {
		s.Deactivated++
	}
}
