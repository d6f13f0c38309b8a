package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/finance-tracker/internal/domain"
	"github.com/boddenberg/finance-tracker/internal/port"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const uniqueViolation = "23505"

// WithinTx runs fn in a READ COMMITTED transaction. Row locks taken by
// LockTemplate serialize concurrent scopes touching the same template.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	ctx, span := tracer.Start(ctx, "Store.WithinTx")
	defer span.End()

	err := pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		return fn(ctx, &ledgerTx{tx: tx})
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

type ledgerTx struct {
	tx pgx.Tx
}

func (l *ledgerTx) LockTemplate(ctx context.Context, templateID string) (*domain.RecurringTemplate, error) {
	ctx, span := tracer.Start(ctx, "LedgerTx.LockTemplate")
	defer span.End()
	span.SetAttributes(attribute.String("template.id", templateID))

	t, err := scanTemplate(l.tx.QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM recurring_templates
		WHERE id = $1
		FOR UPDATE`,
		templateID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "recurring_template", ID: templateID}
	}
	if err != nil {
		return nil, fmt.Errorf("lock template: %w", err)
	}
	return t, nil
}

func (l *ledgerTx) FindOccurrence(ctx context.Context, key domain.OccurrenceKey) (*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "LedgerTx.FindOccurrence")
	defer span.End()

	var t domain.Transaction
	err := l.tx.QueryRow(ctx, `
		SELECT id, type, amount, description, account_id, owner_id, debt_id,
		       created_at, recurring_template_id, occurrence_at
		FROM transactions
		WHERE recurring_template_id = $1 AND occurrence_at = $2`,
		key.TemplateID, key.OccurrenceAt,
	).Scan(
		&t.ID, &t.Type, &t.Amount, &t.Description, &t.AccountID, &t.OwnerID, &t.DebtID,
		&t.CreatedAt, &t.RecurringTemplateID, &t.OccurrenceAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find occurrence: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.OccurrenceAt = utcPtr(t.OccurrenceAt)
	return &t, nil
}

func (l *ledgerTx) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	ctx, span := tracer.Start(ctx, "LedgerTx.CreateTransaction")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", t.ID))

	_, err := l.tx.Exec(ctx, `
		INSERT INTO transactions (id, type, amount, description, account_id, owner_id, debt_id,
		                          created_at, recurring_template_id, occurrence_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Type, t.Amount, t.Description, t.AccountID, t.OwnerID, t.DebtID,
		t.CreatedAt, t.RecurringTemplateID, t.OccurrenceAt,
	)
	if err != nil {
		return mapWriteError(err, "transaction:"+t.ID)
	}
	return nil
}

func (l *ledgerTx) AdjustAccountBalance(ctx context.Context, accountID string, delta decimal.Decimal) error {
	ctx, span := tracer.Start(ctx, "LedgerTx.AdjustAccountBalance")
	defer span.End()
	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.String("delta", delta.String()),
	)

	tag, err := l.tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1 WHERE id = $2",
		delta, accountID,
	)
	if err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "account", ID: accountID}
	}
	return nil
}

func (l *ledgerTx) UpdateTemplateSchedule(ctx context.Context, templateID string, upd domain.ScheduleUpdate) error {
	ctx, span := tracer.Start(ctx, "LedgerTx.UpdateTemplateSchedule")
	defer span.End()
	span.SetAttributes(
		attribute.String("template.id", templateID),
		attribute.String("next_execution_date", upd.NextExecutionDate.Format(time.RFC3339)),
	)

	tag, err := l.tx.Exec(ctx, `
		UPDATE recurring_templates
		SET last_executed = $1, next_execution_date = $2, is_active = $3
		WHERE id = $4`,
		upd.LastExecuted, upd.NextExecutionDate, upd.IsActive, templateID,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "recurring_template", ID: templateID}
	}
	return nil
}

// mapWriteError turns unique violations into ErrDuplicate.
func mapWriteError(err error, key string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &domain.ErrDuplicate{Key: key}
	}
	return err
}
