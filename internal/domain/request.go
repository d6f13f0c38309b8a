package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateRecurringRequest is the body of POST /v1/recurring.
type CreateRecurringRequest struct {
	Type        TransactionType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Frequency   Frequency       `json:"frequency"`
	AccountID   string          `json:"accountId"`
	DebtID      string          `json:"debtId,omitempty"`
	StartDate   string          `json:"startDate,omitempty"`
	EndDate     string          `json:"endDate,omitempty"`
}

// Validate checks required fields and value ranges.
func (r *CreateRecurringRequest) Validate() error {
	if !r.Type.Valid() {
		return &ErrValidation{Field: "type", Message: "must be 'income' or 'expense'"}
	}
	if !r.Amount.IsPositive() {
		return &ErrValidation{Field: "amount", Message: "must be positive"}
	}
	if !r.Frequency.Valid() {
		return &ErrValidation{Field: "frequency", Message: "must be one of daily, weekly, monthly, yearly"}
	}
	if strings.TrimSpace(r.AccountID) == "" {
		return &ErrValidation{Field: "accountId", Message: "required"}
	}
	if r.StartDate != "" {
		if _, err := ParseDate(r.StartDate); err != nil {
			return &ErrValidation{Field: "startDate", Message: "invalid format, use YYYY-MM-DD or RFC 3339"}
		}
	}
	if r.EndDate != "" {
		end, err := ParseDate(r.EndDate)
		if err != nil {
			return &ErrValidation{Field: "endDate", Message: "invalid format, use YYYY-MM-DD or RFC 3339"}
		}
		if r.StartDate != "" {
			start, _ := ParseDate(r.StartDate)
			if end.Before(start) {
				return &ErrValidation{Field: "endDate", Message: "must not be before startDate"}
			}
		}
	}
	return nil
}

// NewRecurringTemplate builds an active template from a validated request.
// The start date defaults to now and doubles as the first cursor position.
func NewRecurringTemplate(ownerID string, r *CreateRecurringRequest, now time.Time) (*RecurringTemplate, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	start := now
	if r.StartDate != "" {
		start, _ = ParseDate(r.StartDate)
	}

	t := &RecurringTemplate{
		ID:                uuid.New().String(),
		OwnerID:           ownerID,
		Type:              r.Type,
		Amount:            r.Amount,
		Description:       strings.TrimSpace(r.Description),
		Frequency:         r.Frequency,
		AccountID:         r.AccountID,
		StartDate:         start,
		NextExecutionDate: start,
		IsActive:          true,
		CreatedAt:         now,
	}
	if r.DebtID != "" {
		debtID := r.DebtID
		t.DebtID = &debtID
	}
	if r.EndDate != "" {
		end, _ := ParseDate(r.EndDate)
		t.EndDate = &end
	}
	return t, nil
}
