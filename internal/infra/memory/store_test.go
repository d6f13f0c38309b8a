package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/finance-tracker/internal/domain"
	"github.com/boddenberg/finance-tracker/internal/infra/memory"
	"github.com/boddenberg/finance-tracker/internal/port"

	"github.com/shopspring/decimal"
)

var jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	s.PutAccount(domain.Account{ID: "acc-1", OwnerID: "user-1", Balance: decimal.NewFromInt(5000)})
	tmpl := &domain.RecurringTemplate{
		ID:                "tmpl-1",
		OwnerID:           "user-1",
		Type:              domain.TransactionTypeExpense,
		Amount:            decimal.NewFromInt(1000),
		Frequency:         domain.FrequencyMonthly,
		AccountID:         "acc-1",
		NextExecutionDate: jan1,
		IsActive:          true,
	}
	if err := s.CreateTemplate(context.Background(), tmpl); err != nil {
		t.Fatalf("seed template: %v", err)
	}
	return s
}

func TestFindDueTemplates_FiltersOwnerAndState(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	due, err := s.FindDueTemplates(ctx, []string{"user-1"}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due template, got %d", len(due))
	}

	due, _ = s.FindDueTemplates(ctx, []string{"user-2"}, now)
	if len(due) != 0 {
		t.Errorf("expected no templates for another owner, got %d", len(due))
	}

	due, _ = s.FindDueTemplates(ctx, []string{"user-1"}, jan1.Add(-time.Hour))
	if len(due) != 0 {
		t.Errorf("expected nothing due before the cursor, got %d", len(due))
	}

	if err := s.DeactivateTemplate(ctx, []string{"user-1"}, "tmpl-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	due, _ = s.FindDueTemplates(ctx, []string{"user-1"}, now)
	if len(due) != 0 {
		t.Errorf("expected inactive template to be excluded, got %d", len(due))
	}
}

func TestTemplates_ReadsDoNotAliasStoredValue(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	debt := "debt-1"
	tmpl := &domain.RecurringTemplate{
		ID: "tmpl-1", OwnerID: "user-1", Frequency: domain.FrequencyMonthly,
		NextExecutionDate: jan1, EndDate: &end, DebtID: &debt, IsActive: true,
	}
	if err := s.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("create: %v", err)
	}
	// The caller's own pointers are not retained either.
	*tmpl.EndDate = jan1
	debt = "changed"

	got, err := s.GetTemplate(ctx, []string{"user-1"}, "tmpl-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	*got.EndDate = jan1
	*got.DebtID = "changed"

	list, _ := s.ListTemplates(ctx, []string{"user-1"})
	*list[0].EndDate = jan1

	err = s.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		locked, err := tx.LockTemplate(ctx, "tmpl-1")
		if err != nil {
			return err
		}
		*locked.EndDate = jan1
		return tx.UpdateTemplateSchedule(ctx, "tmpl-1", domain.ScheduleUpdate{
			LastExecuted: jan1, NextExecutionDate: jan1.AddDate(0, 1, 0), IsActive: true,
		})
	})
	if err != nil {
		t.Fatalf("unit of work: %v", err)
	}

	due, _ := s.FindDueTemplates(ctx, []string{"user-1"}, jan1.AddDate(0, 2, 0))
	*due[0].LastExecuted = end

	again, _ := s.GetTemplate(ctx, []string{"user-1"}, "tmpl-1")
	if !again.EndDate.Equal(end) {
		t.Errorf("expected end date %s, got %s", end, *again.EndDate)
	}
	if *again.DebtID != "debt-1" {
		t.Errorf("expected debt id debt-1, got %s", *again.DebtID)
	}
	if again.LastExecuted == nil || !again.LastExecuted.Equal(jan1) {
		t.Errorf("expected last executed %s, got %v", jan1, again.LastExecuted)
	}
}

func TestWithinTx_CommitsAllEffects(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	tmplID := "tmpl-1"
	next := jan1.AddDate(0, 1, 0)

	err := s.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		if err := tx.CreateTransaction(ctx, &domain.Transaction{
			ID: "tx-1", AccountID: "acc-1", Amount: decimal.NewFromInt(1000),
			RecurringTemplateID: &tmplID, OccurrenceAt: &jan1, CreatedAt: jan1,
		}); err != nil {
			return err
		}
		if err := tx.AdjustAccountBalance(ctx, "acc-1", decimal.NewFromInt(-1000)); err != nil {
			return err
		}
		return tx.UpdateTemplateSchedule(ctx, tmplID, domain.ScheduleUpdate{
			LastExecuted: jan1, NextExecutionDate: next, IsActive: true,
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acct, _ := s.Account("acc-1")
	if !acct.Balance.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("expected balance 4000, got %s", acct.Balance)
	}
	if len(s.Transactions()) != 1 {
		t.Errorf("expected 1 transaction, got %d", len(s.Transactions()))
	}
	tmpl, _ := s.GetTemplate(ctx, []string{"user-1"}, tmplID)
	if !tmpl.NextExecutionDate.Equal(next) || tmpl.LastExecuted == nil {
		t.Errorf("expected schedule to be updated, got %+v", tmpl)
	}
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		_ = tx.CreateTransaction(ctx, &domain.Transaction{ID: "tx-1", AccountID: "acc-1"})
		_ = tx.AdjustAccountBalance(ctx, "acc-1", decimal.NewFromInt(-1000))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	acct, _ := s.Account("acc-1")
	if !acct.Balance.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("expected untouched balance, got %s", acct.Balance)
	}
	if len(s.Transactions()) != 0 {
		t.Errorf("expected no transactions, got %d", len(s.Transactions()))
	}
}

func TestWithinTx_UnknownAccount(t *testing.T) {
	s := seed(t)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx port.LedgerTx) error {
		return tx.AdjustAccountBalance(ctx, "missing", decimal.NewFromInt(1))
	})

	var notFound *domain.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateTransaction_RejectsDuplicateOccurrence(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	tmplID := "tmpl-1"
	posting := func(id string) *domain.Transaction {
		at := jan1
		return &domain.Transaction{ID: id, AccountID: "acc-1", RecurringTemplateID: &tmplID, OccurrenceAt: &at}
	}

	if err := s.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		return tx.CreateTransaction(ctx, posting("tx-1"))
	}); err != nil {
		t.Fatalf("first posting: %v", err)
	}

	err := s.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		found, err := tx.FindOccurrence(ctx, domain.OccurrenceKey{TemplateID: tmplID, OccurrenceAt: jan1.In(time.FixedZone("x", 3600))})
		if err != nil {
			return err
		}
		if found == nil || found.ID != "tx-1" {
			t.Errorf("expected to find tx-1 regardless of zone, got %+v", found)
		}
		return tx.CreateTransaction(ctx, posting("tx-2"))
	})

	var dup *domain.ErrDuplicate
	if !errors.As(err, &dup) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}
