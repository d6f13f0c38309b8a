package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/finance-tracker/internal/domain"
	"github.com/boddenberg/finance-tracker/internal/port"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
)

// Store implements port.RecurringStore on top of a DB pool.
type Store struct {
	db *DB
}

var _ port.RecurringStore = (*Store)(nil)

// NewStore creates a Store over db.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

const templateColumns = `id, owner_id, type, amount, description, frequency, account_id, debt_id,
	start_date, end_date, next_execution_date, last_executed, is_active, created_at`

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*domain.RecurringTemplate, error) {
	var t domain.RecurringTemplate
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.Type, &t.Amount, &t.Description, &t.Frequency, &t.AccountID, &t.DebtID,
		&t.StartDate, &t.EndDate, &t.NextExecutionDate, &t.LastExecuted, &t.IsActive, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	toUTC(&t)
	return &t, nil
}

// toUTC drops the session location pgx attaches to timestamptz values.
// Schedule arithmetic is calendar arithmetic and must happen in UTC.
func toUTC(t *domain.RecurringTemplate) {
	t.StartDate = t.StartDate.UTC()
	t.NextExecutionDate = t.NextExecutionDate.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.EndDate = utcPtr(t.EndDate)
	t.LastExecuted = utcPtr(t.LastExecuted)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (s *Store) queryTemplates(ctx context.Context, sql string, args ...any) ([]domain.RecurringTemplate, error) {
	rows, err := s.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]domain.RecurringTemplate, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *t)
	}
	return list, rows.Err()
}

func (s *Store) FindDueTemplates(ctx context.Context, ownerIDs []string, now time.Time) ([]domain.RecurringTemplate, error) {
	ctx, span := tracer.Start(ctx, "Store.FindDueTemplates")
	defer span.End()
	span.SetAttributes(attribute.Int("owners.count", len(ownerIDs)))

	list, err := s.queryTemplates(ctx, `
		SELECT `+templateColumns+`
		FROM recurring_templates
		WHERE owner_id = ANY($1) AND is_active AND next_execution_date <= $2
		ORDER BY next_execution_date`,
		ownerIDs, now,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find due templates: %w", err)
	}
	span.SetAttributes(attribute.Int("templates.due", len(list)))
	return list, nil
}

func (s *Store) ListTemplates(ctx context.Context, ownerIDs []string) ([]domain.RecurringTemplate, error) {
	ctx, span := tracer.Start(ctx, "Store.ListTemplates")
	defer span.End()

	list, err := s.queryTemplates(ctx, `
		SELECT `+templateColumns+`
		FROM recurring_templates
		WHERE owner_id = ANY($1)
		ORDER BY created_at DESC`,
		ownerIDs,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return list, nil
}

func (s *Store) GetTemplate(ctx context.Context, ownerIDs []string, templateID string) (*domain.RecurringTemplate, error) {
	ctx, span := tracer.Start(ctx, "Store.GetTemplate")
	defer span.End()
	span.SetAttributes(attribute.String("template.id", templateID))

	t, err := scanTemplate(s.db.Pool.QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM recurring_templates
		WHERE id = $1 AND owner_id = ANY($2)`,
		templateID, ownerIDs,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "recurring_template", ID: templateID}
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

func (s *Store) CreateTemplate(ctx context.Context, tmpl *domain.RecurringTemplate) error {
	ctx, span := tracer.Start(ctx, "Store.CreateTemplate")
	defer span.End()
	span.SetAttributes(attribute.String("template.id", tmpl.ID))

	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO recurring_templates (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		tmpl.ID, tmpl.OwnerID, tmpl.Type, tmpl.Amount, tmpl.Description, tmpl.Frequency, tmpl.AccountID, tmpl.DebtID,
		tmpl.StartDate, tmpl.EndDate, tmpl.NextExecutionDate, tmpl.LastExecuted, tmpl.IsActive, tmpl.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return mapWriteError(err, "recurring_template:"+tmpl.ID)
	}
	return nil
}

func (s *Store) DeactivateTemplate(ctx context.Context, ownerIDs []string, templateID string) error {
	ctx, span := tracer.Start(ctx, "Store.DeactivateTemplate")
	defer span.End()
	span.SetAttributes(attribute.String("template.id", templateID))

	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE recurring_templates SET is_active = FALSE
		WHERE id = $1 AND owner_id = ANY($2)`,
		templateID, ownerIDs,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("deactivate template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "recurring_template", ID: templateID}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Pool.Ping(ctx)
}

func (s *Store) GetAccount(ctx context.Context, ownerIDs []string, accountID string) (*domain.Account, error) {
	ctx, span := tracer.Start(ctx, "Store.GetAccount")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID))

	var a domain.Account
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, owner_id, name, balance
		FROM accounts
		WHERE id = $1 AND owner_id = ANY($2)`,
		accountID, ownerIDs,
	).Scan(&a.ID, &a.OwnerID, &a.Name, &a.Balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "account", ID: accountID}
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}
