// Package memory provides an in-process implementation of the recurring
// store ports. Used when no database is configured and in tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/boddenberg/finance-tracker/internal/domain"
	"github.com/boddenberg/finance-tracker/internal/port"

	"github.com/shopspring/decimal"
)

// Store keeps templates, accounts and postings in maps guarded by one mutex.
// A unit of work holds the mutex for its whole duration, so scopes are
// serializable; changes are staged and only applied on commit.
type Store struct {
	mu           sync.Mutex
	templates    map[string]domain.RecurringTemplate
	accounts     map[string]domain.Account
	transactions []domain.Transaction
	occurrences  map[domain.OccurrenceKey]int // index into transactions
}

var _ port.RecurringStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		templates:   make(map[string]domain.RecurringTemplate),
		accounts:    make(map[string]domain.Account),
		occurrences: make(map[domain.OccurrenceKey]int),
	}
}

// ============================================================
// Seeding / inspection
// ============================================================

// PutAccount inserts or replaces an account.
func (s *Store) PutAccount(acct domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.ID] = acct
}

// Account returns a copy of the account, if present.
func (s *Store) Account(id string) (domain.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	return a, ok
}

// Transactions returns every committed posting in insertion order.
func (s *Store) Transactions() []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Transaction, len(s.transactions))
	for i, t := range s.transactions {
		out[i] = cloneTransaction(t)
	}
	return out
}

// ============================================================
// TemplateStore
// ============================================================

func (s *Store) FindDueTemplates(ctx context.Context, ownerIDs []string, now time.Time) ([]domain.RecurringTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.RecurringTemplate
	for _, t := range s.templates {
		if slices.Contains(ownerIDs, t.OwnerID) && t.IsDue(now) {
			due = append(due, cloneTemplate(t))
		}
	}
	return due, nil
}

func (s *Store) ListTemplates(ctx context.Context, ownerIDs []string) ([]domain.RecurringTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]domain.RecurringTemplate, 0)
	for _, t := range s.templates {
		if slices.Contains(ownerIDs, t.OwnerID) {
			list = append(list, cloneTemplate(t))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}

func (s *Store) GetTemplate(ctx context.Context, ownerIDs []string, templateID string) (*domain.RecurringTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[templateID]
	if !ok || !slices.Contains(ownerIDs, t.OwnerID) {
		return nil, &domain.ErrNotFound{Resource: "recurring_template", ID: templateID}
	}
	t = cloneTemplate(t)
	return &t, nil
}

func (s *Store) CreateTemplate(ctx context.Context, tmpl *domain.RecurringTemplate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[tmpl.ID]; exists {
		return &domain.ErrDuplicate{Key: "recurring_template:" + tmpl.ID}
	}
	s.templates[tmpl.ID] = cloneTemplate(*tmpl)
	return nil
}

func (s *Store) DeactivateTemplate(ctx context.Context, ownerIDs []string, templateID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[templateID]
	if !ok || !slices.Contains(ownerIDs, t.OwnerID) {
		return &domain.ErrNotFound{Resource: "recurring_template", ID: templateID}
	}
	t.IsActive = false
	s.templates[templateID] = t
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// ============================================================
// AccountReader
// ============================================================

func (s *Store) GetAccount(ctx context.Context, ownerIDs []string, accountID string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok || !slices.Contains(ownerIDs, a.OwnerID) {
		return nil, &domain.ErrNotFound{Resource: "account", ID: accountID}
	}
	return &a, nil
}

// ============================================================
// UnitOfWork
// ============================================================

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:     s,
		deltas:    make(map[string]decimal.Decimal),
		schedules: make(map[string]domain.ScheduleUpdate),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx stages writes; the owning Store's mutex is held while it is alive.
type memTx struct {
	store     *Store
	created   []domain.Transaction
	deltas    map[string]decimal.Decimal
	schedules map[string]domain.ScheduleUpdate
}

func (tx *memTx) LockTemplate(ctx context.Context, templateID string) (*domain.RecurringTemplate, error) {
	t, ok := tx.store.templates[templateID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "recurring_template", ID: templateID}
	}
	t = cloneTemplate(t)
	if upd, staged := tx.schedules[templateID]; staged {
		applySchedule(&t, upd)
	}
	return &t, nil
}

func (tx *memTx) FindOccurrence(ctx context.Context, key domain.OccurrenceKey) (*domain.Transaction, error) {
	key = normalizeKey(key)
	if i, ok := tx.store.occurrences[key]; ok {
		found := cloneTransaction(tx.store.transactions[i])
		return &found, nil
	}
	for _, c := range tx.created {
		if c.RecurringTemplateID != nil && c.OccurrenceAt != nil &&
			*c.RecurringTemplateID == key.TemplateID && c.OccurrenceAt.Equal(key.OccurrenceAt) {
			found := cloneTransaction(c)
			return &found, nil
		}
	}
	return nil, nil
}

func (tx *memTx) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	if t.RecurringTemplateID != nil && t.OccurrenceAt != nil {
		key := domain.OccurrenceKey{TemplateID: *t.RecurringTemplateID, OccurrenceAt: *t.OccurrenceAt}
		if existing, _ := tx.FindOccurrence(ctx, key); existing != nil {
			return &domain.ErrDuplicate{Key: fmt.Sprintf("%s@%s", key.TemplateID, key.OccurrenceAt.Format(time.RFC3339))}
		}
	}
	tx.created = append(tx.created, cloneTransaction(*t))
	return nil
}

func (tx *memTx) AdjustAccountBalance(ctx context.Context, accountID string, delta decimal.Decimal) error {
	if _, ok := tx.store.accounts[accountID]; !ok {
		return &domain.ErrNotFound{Resource: "account", ID: accountID}
	}
	tx.deltas[accountID] = tx.deltas[accountID].Add(delta)
	return nil
}

func (tx *memTx) UpdateTemplateSchedule(ctx context.Context, templateID string, upd domain.ScheduleUpdate) error {
	if _, ok := tx.store.templates[templateID]; !ok {
		return &domain.ErrNotFound{Resource: "recurring_template", ID: templateID}
	}
	tx.schedules[templateID] = upd
	return nil
}

func (tx *memTx) commit() {
	s := tx.store
	for _, t := range tx.created {
		s.transactions = append(s.transactions, t)
		if t.RecurringTemplateID != nil && t.OccurrenceAt != nil {
			key := normalizeKey(domain.OccurrenceKey{TemplateID: *t.RecurringTemplateID, OccurrenceAt: *t.OccurrenceAt})
			s.occurrences[key] = len(s.transactions) - 1
		}
	}
	for id, delta := range tx.deltas {
		a := s.accounts[id]
		a.Balance = a.Balance.Add(delta)
		s.accounts[id] = a
	}
	for id, upd := range tx.schedules {
		t := s.templates[id]
		applySchedule(&t, upd)
		s.templates[id] = t
	}
}

func applySchedule(t *domain.RecurringTemplate, upd domain.ScheduleUpdate) {
	last := upd.LastExecuted
	t.LastExecuted = &last
	t.NextExecutionDate = upd.NextExecutionDate
	t.IsActive = upd.IsActive
}

// cloneTemplate copies t so callers never share pointer fields with the
// stored value.
func cloneTemplate(t domain.RecurringTemplate) domain.RecurringTemplate {
	t.EndDate = clonePtr(t.EndDate)
	t.LastExecuted = clonePtr(t.LastExecuted)
	t.DebtID = clonePtr(t.DebtID)
	return t
}

func cloneTransaction(t domain.Transaction) domain.Transaction {
	t.DebtID = clonePtr(t.DebtID)
	t.RecurringTemplateID = clonePtr(t.RecurringTemplateID)
	t.OccurrenceAt = clonePtr(t.OccurrenceAt)
	return t
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// normalizeKey makes equal instants compare equal as map keys.
func normalizeKey(k domain.OccurrenceKey) domain.OccurrenceKey {
	k.OccurrenceAt = k.OccurrenceAt.UTC()
	return k
}
