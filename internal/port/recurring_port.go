package port

import (
	"context"
	"time"

	"github.com/boddenberg/finance-tracker/internal/domain"

	"github.com/shopspring/decimal"
)

// TemplateStore reads and maintains recurring templates outside of a unit of work.
type TemplateStore interface {
	// FindDueTemplates returns active templates of the given owners whose
	// next execution is at or before now. Order is unspecified.
	FindDueTemplates(ctx context.Context, ownerIDs []string, now time.Time) ([]domain.RecurringTemplate, error)
	ListTemplates(ctx context.Context, ownerIDs []string) ([]domain.RecurringTemplate, error)
	GetTemplate(ctx context.Context, ownerIDs []string, templateID string) (*domain.RecurringTemplate, error)
	CreateTemplate(ctx context.Context, tmpl *domain.RecurringTemplate) error
	// DeactivateTemplate is the user-facing delete; the row is retained.
	DeactivateTemplate(ctx context.Context, ownerIDs []string, templateID string) error
	Ping(ctx context.Context) error
}

// LedgerTx is the transactional scope shared by every mutation of one
// occurrence. Nothing done through it is visible until the scope commits.
type LedgerTx interface {
	// LockTemplate re-reads the template and holds it until the scope ends,
	// serializing concurrent materializations of the same occurrence.
	LockTemplate(ctx context.Context, templateID string) (*domain.RecurringTemplate, error)
	// FindOccurrence returns the posting already made for key, or nil.
	FindOccurrence(ctx context.Context, key domain.OccurrenceKey) (*domain.Transaction, error)
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	// AdjustAccountBalance applies a relative delta; it never writes a
	// previously read balance back.
	AdjustAccountBalance(ctx context.Context, accountID string, delta decimal.Decimal) error
	UpdateTemplateSchedule(ctx context.Context, templateID string, upd domain.ScheduleUpdate) error
}

// UnitOfWork runs fn inside one atomic scope: commit when fn returns nil,
// roll back otherwise.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
}

// AccountReader looks up accounts owned by a group.
type AccountReader interface {
	GetAccount(ctx context.Context, ownerIDs []string, accountID string) (*domain.Account, error)
}

// RecurringStore is the full persistence surface the recurring service needs.
type RecurringStore interface {
	TemplateStore
	UnitOfWork
	AccountReader
}

// OwnerResolver expands an owner into every user ID of the group it shares
// data with. An owner without a group resolves to itself.
type OwnerResolver interface {
	SharedOwnerIDs(ctx context.Context, ownerID string) ([]string, error)
}
