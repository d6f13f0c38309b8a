package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/finance-tracker/internal/domain"
	"github.com/boddenberg/finance-tracker/internal/infra/cache"
	"github.com/boddenberg/finance-tracker/internal/infra/memory"
	"github.com/boddenberg/finance-tracker/internal/infra/observability"
	"github.com/boddenberg/finance-tracker/internal/port"
	"github.com/boddenberg/finance-tracker/internal/service"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// --- Fakes ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// failingStore breaks selected operations of an in-memory store.
type failingStore struct {
	*memory.Store
	findErr   error
	staleDue  bool
	blockTxns bool
}

func (f *failingStore) FindDueTemplates(ctx context.Context, ownerIDs []string, now time.Time) ([]domain.RecurringTemplate, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	due, err := f.Store.FindDueTemplates(ctx, ownerIDs, now)
	if f.staleDue {
		for i := range due {
			due[i].NextExecutionDate = due[i].NextExecutionDate.AddDate(0, -1, 0)
		}
	}
	return due, err
}

func (f *failingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	if f.blockTxns {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.Store.WithinTx(ctx, fn)
}

// gateStore holds the due query open until release is closed.
type gateStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateStore) FindDueTemplates(ctx context.Context, ownerIDs []string, now time.Time) ([]domain.RecurringTemplate, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Store.FindDueTemplates(ctx, ownerIDs, now)
}

type staticResolver struct {
	ids []string
	err error
}

func (r *staticResolver) SharedOwnerIDs(_ context.Context, _ string) ([]string, error) {
	return r.ids, r.err
}

// --- Helpers ---

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seedAccount(s *memory.Store, id, owner string, balance int64) {
	s.PutAccount(domain.Account{ID: id, OwnerID: owner, Name: id, Balance: decimal.NewFromInt(balance)})
}

func seedTemplate(t *testing.T, s port.TemplateStore, tmpl domain.RecurringTemplate) domain.RecurringTemplate {
	t.Helper()
	if tmpl.Type == "" {
		tmpl.Type = domain.TransactionTypeExpense
	}
	if tmpl.Frequency == "" {
		tmpl.Frequency = domain.FrequencyMonthly
	}
	if tmpl.Amount.IsZero() {
		tmpl.Amount = decimal.NewFromInt(1000)
	}
	if tmpl.NextExecutionDate.IsZero() {
		tmpl.NextExecutionDate = tmpl.StartDate
	}
	tmpl.IsActive = true
	if err := s.CreateTemplate(context.Background(), &tmpl); err != nil {
		t.Fatalf("seed template: %v", err)
	}
	return tmpl
}

func newProcessor(store port.RecurringStore, clock *fakeClock, opts ...service.ProcessorOption) *service.RecurringProcessor {
	opts = append([]service.ProcessorOption{service.WithClock(clock.Now)}, opts...)
	return service.NewRecurringProcessor(
		store,
		service.NewOwnerGroups(nil, nil, observability.NewMetrics(), zap.NewNop()),
		observability.NewMetrics(),
		zap.NewNop(),
		opts...,
	)
}

func balanceOf(t *testing.T, s *memory.Store, id string) decimal.Decimal {
	t.Helper()
	a, ok := s.Account(id)
	if !ok {
		t.Fatalf("account %s missing", id)
	}
	return a.Balance
}

func templateOf(t *testing.T, s *memory.Store, owner, id string) *domain.RecurringTemplate {
	t.Helper()
	tmpl, err := s.GetTemplate(context.Background(), []string{owner}, id)
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	return tmpl
}

// --- Tests ---

func TestProcess_MaterializesExpenseAndAdvances(t *testing.T) {
	store := memory.New()
	seedAccount(store, "acc-1", "user-1", 5000)
	tmpl := seedTemplate(t, store, domain.RecurringTemplate{
		ID: "tpl-1", OwnerID: "user-1", AccountID: "acc-1", Description: "Rent",
		StartDate: date(2024, 1, 1),
	})

	clock := &fakeClock{now: date(2024, 1, 15)}
	p := newProcessor(store, clock)

	summary, err := p.ProcessRecurringTransactions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Due != 1 || summary.Materialized != 1 {
		t.Errorf("expected 1 due / 1 materialized, got %+v", summary)
	}

	txs := store.Transactions()
	if len(txs) != 1 {
		t.Fatalf("expected 1 posting, got %d", len(txs))
	}
	posted := txs[0]
	if !posted.CreatedAt.Equal(date(2024, 1, 1)) {
		t.Errorf("expected posting dated 2024-01-01, got %s", posted.CreatedAt)
	}
	if posted.Description != "Rent (recurring)" {
		t.Errorf("unexpected description %q", posted.Description)
	}
	if posted.Type != domain.TransactionTypeExpense || !posted.Amount.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("unexpected posting %+v", posted)
	}
	if posted.RecurringTemplateID == nil || *posted.RecurringTemplateID != tmpl.ID {
		t.Errorf("expected posting to reference template")
	}

	if got := balanceOf(t, store, "acc-1"); !got.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("expected balance 4000, got %s", got)
	}

	after := templateOf(t, store, "user-1", tmpl.ID)
	if !after.NextExecutionDate.Equal(date(2024, 2, 1)) {
		t.Errorf("expected next 2024-02-01, got %s", after.NextExecutionDate)
	}
	if after.LastExecuted == nil || !after.LastExecuted.Equal(date(2024, 1, 15)) {
		t.Errorf("expected lastExecuted = now, got %v", after.LastExecuted)
	}
	if !after.IsActive {
		t.Error("expected template to stay active")
	}
}

func TestProcess_SingleStepCatchUp(t *testing.T) {
	store := memory.New()
	seedAccount(store, "acc-1", "user-1", 5000)
	seedTemplate(t, store, domain.RecurringTemplate{
		ID: "tpl-1", OwnerID: "user-1", AccountID: "acc-1", StartDate: date(2024, 1, 1),
	})

	clock := &fakeClock{now: date(2024, 3, 15)}
	p := newProcessor(store, clock)

	wantNext := []time.Time{date(2024, 2, 1), date(2024, 3, 1), date(2024, 4, 1)}
	for i, want := range wantNext {
		summary, err := p.ProcessRecurringTransactions(context.Background(), "user-1")
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if summary.Materialized != 1 {
			t.Fatalf("run %d: expected one posting, got %+v", i, summary)
		}
		if got := templateOf(t, store, "user-1", "tpl-1").NextExecutionDate; !got.Equal(want) {
			t.Errorf("run %d: expected next %s, got %s", i, want, got)
		}
	}

	summary, err := p.ProcessRecurringTransactions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Due != 0 {
		t.Errorf("expected nothing due once caught up, got %d", summary.Due)
	}
	if got := len(store.Transactions()); got != 3 {
		t.Errorf("expected 3 postings, got %d", got)
	}
	if got := balanceOf(t, store, "acc-1"); !got.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("expected balance 2000, got %s", got)
	}
}

func TestProcess_RepeatedCallIsIdempotent(t *testing.T) {
	store := memory.New()
	seedAccount(store, "acc-1", "user-1", 5000)
	seedTemplate(t, store, domain.RecurringTemplate{
		ID: "tpl-1", OwnerID: "user-1", AccountID: "acc-1", StartDate: date(2024, 1, 1),
	})

	clock := &fakeClock{now: date(2024, 1, 15)}
	p := newProcessor(store, clock)

	for i := 0; i < 3; i++ {
		if _, err := p.ProcessRecurringTransactions(context.Background(), "user-1"); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	if got := len(store.Transactions()); got != 1 {
		t.Errorf("expected 1 posting, got %d", got)
	}
	if got := balanceOf(t, store, "acc-1"); !got.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("expected balance 4000, got %s", got)
	}
}

func TestProcess_IncomeOnlyTouchesItsAccount(t *testing.T) {
	store := memory.New()
	seedAccount(store, "acc-1", "user-1", 100)
	seedAccount(store, "acc-2", "user-1", 700)
	seedTemplate(t, store, domain.RecurringTemplate{
		ID: "tpl-1", OwnerID: "user-1", AccountID: "acc-1", Type: domain.TransactionTypeIncome,
		Amount: decimal.RequireFromString("2500.50"), Frequency: domain.FrequencyWeekly,
		StartDate: date(2024, 5, 1),
	})

	p := newProcessor(store, &fakeClock{now: date(2024, 5, 2)})
	if _, err := p.ProcessRecurringTransactions(context.Background(), "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := balanceOf(t, store, "acc-1"); !got.Equal(decimal.RequireFromString("2600.50")) {
		t.Errorf("expected 2600.50, got %s", got)
	}
	if got := balanceOf(t, store, "acc-2"); !got.Equal(decimal.NewFromInt(700)) {
		t.Errorf("expected untouched 700, got %s", got)
	}
	if got := templateOf(t, store, "user-1", "tpl-1").NextExecutionDate; !got.Equal(date(2024, 5, 8)) {
		t.Errorf("expected next 2024-05-08, got %s", got)
	}
}

func TestProcess_DeactivatesPastEndDate(t *testing.T) {
	store := memory.New()
	seedAccount(store, "acc-1", "user-1", 5000)
	end := date(2024, 2, 15)
	seedTemplate(t, store, domain.RecurringTemplate{
		ID: "tpl-1", OwnerID: "user-1", AccountID: "acc-1",
		StartDate: date(2024, 1, 1), NextExecutionDate: date(2024, 2, 1), EndDate: &end,
	})

	clock := &fakeClock{now: date(2024, 2, 10)}
	metrics := observability.NewMetrics()
	p := service.NewRecurringProcessor(store, nil, metrics, zap.NewNop(), service.WithClock(clock.Now))

	summary, err := p.ProcessRecurringTransactions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Materialized != 1 || summary.Deactivated != 1 {
		t.Errorf("expected 1 materialized + deactivated, got %+v", summary)
	}

	after := templateOf(t, store, "user-1", "tpl-1")
	if after.IsActive {
		t.Error("expected template to be deactivated")
	}
	if !after.NextExecutionDate.Equal(date(2024, 3, 1)) {
		t.Errorf("expected next 2024-03-01, got %s", after.NextExecutionDate)
	}

	// Never processed again, however late it gets.
	clock.Set(date(2025, 1, 1))
	summary, err = p.ProcessRecurringTransactions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Due != 0 {
		t.Errorf("expected inactive template to be skipped, got %+v", summary)
	}
	if got := len(store.Transactions()); got != 1 {
		t.Errorf("expected 1 posting, got %d", got)
	}

	snap := metrics.GetProcessorSnapshot()
	if snap.Deactivated != 1 || snap.Materialized != 1 || snap.Runs != 2 {
		t.Errorf("unexpected metrics snapshot %+v", snap)
	}
}

func TestProcess_FailingTemplateDoesNotBlockOthers(t *testing.T) {
	store := memory.New()
	seedAccount(store, "acc-1", "user-1", 5000)
	seedTemplate(t, store, domain.RecurringTemplate{
		ID: "tpl-broken", OwnerID: "user-1", AccountID: "acc-gone", StartDate: date(2024, 1, 1),
	})
	seedTemplate(t, store, domain.RecurringTemplate{
		ID: "tpl-ok", OwnerID: "user-1", AccountID: "acc-1", StartDate: date(2024, 1, 1),
	})

	p := newProcessor(store, &fakeClock{now: date(2024, 1, 2)})
	summary, err := p.ProcessRecurringTransactions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("per-template failures must not surface, got %v", err)
	}
	if summary.Failed != 1 || summary.Materialized != 1 {
		t.Errorf("expected 1 failed + 1 materialized, got %+v", summary)
	}

	txs := store.Transactions()
	if len(txs) != 1 || *txs[0].RecurringTemplateID != "tpl-ok" {
		t.Errorf("expected only tpl-ok posted, got %+v", txs)
	}

	// The failed unit rolled back entirely: cursor untouched.
	broken := templateOf(t, store, "user-1", "tpl-broken")
	if !broken.NextExecutionDate.Equal(date(2024, 1, 1)) || broken.LastExecuted != nil {
		t.Errorf("expected broken template unchanged, got %+v", broken)
	}
}

func TestProcess_DueQueryFailure(t *testing.T) {
	store := &failingStore{Store: memory.New(), findErr: errors.New("connection refused")}
	p := newProcessor(store, &fakeClock{now: date(2024, 1, 2)})

	_, err := p.ProcessRecurringTransactions(context.Background(), "user-1")
	var unavailable *domain.ErrStoreUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if unavailable.Operation != "find_due_templates" {
		t.Errorf("unexpected operation %s", unavailable.Operation)
	}
}

func TestProcess_CancelledCallersDoNotOpenBreaker(t *testing.T) {
	mem := memory.New()
	seedAccount(mem, "acc-1", "user-1", 5000)
	seedTemplate(t, mem, domain.RecurringTemplate{
		ID: "tpl-1", OwnerID: "user-1", AccountID: "acc-1", StartDate: date(2024, 1, 1),
	})

	store := &failingStore{Store: mem, findErr: context.Canceled}
	p := newProcessor(store, &fakeClock{now: date(2024, 1, 2)})

	for i := 0; i < 6; i++ {
		if _, err := p.ProcessRecurringTransactions(context.Background(), "user-1"); err == nil {
			t.Fatal("expected the due query to fail")
		}
	}

	store.findErr = nil
	summary, err := p.ProcessRecurringTransactions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("expected the breaker to stay closed, got %v", err)
	}
	if summary.Materialized != 1 {
		t.Errorf("expected 1 materialized, got %+v", summary)
	}
}

func TestProcess_CancelledCallerDoesNotFailSharedPass(t *testing.T) {
	mem := memory.New()
	seedAccount(mem, "acc-1", "user-1", 5000)
	seedTemplate(t, mem, domain.RecurringTemplate{
		ID: "tpl-1", OwnerID: "user-1", AccountID: "acc-1", StartDate: date(2024, 1, 1),
	})

	store := &gateStore{Store: mem, entered: make(chan struct{}), release: make(chan struct{})}
	p := newProcessor(store, &fakeClock{now: date(2024, 1, 2)})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.ProcessRecurringTransactions(firstCtx, "user-1")
		firstErr <- err
	}()
	<-store.entered

	type result struct {
		summary *domain.ProcessSummary
		err     error
	}
	second := make(chan result, 1)
	go func() {
		summary, err := p.ProcessRecurringTransactions(context.Background(), "user-1")
		second <- result{summary, err}
	}()
	// Let the second caller join the pass before the first one leaves.
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	var timeout *domain.ErrTimeout
	if err := <-firstErr; !errors.As(err, &timeout) {
		t.Fatalf("expected ErrTimeout for the cancelled caller, got %v", err)
	}

	close(store.release)
	res := <-second
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.summary.Materialized != 1 || res.summary.Failed != 0 {
		t.Errorf("expected a clean summary, got %+v", res.summary)
	}
	if got := balanceOf(t, mem, "acc-1"); !got.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("expected balance 4000, got %s", got)
	}
}

func TestProcess_ExistingOccurrenceOnlyAdvances(t *testing.T) {
	store := memory.New()
	seedAccount(store, "acc-1", "user-1", 5000)
	tmpl := seedTemplate(t, store, domain.RecurringTemplate{
		ID: "tpl-1", OwnerID: "user-1", AccountID: "acc-1", StartDate: date(2024, 1, 1),
	})

	// A posting for this occurrence survived from an earlier, interrupted run.
	templateID := tmpl.ID
	occurrence := date(2024, 1, 1)
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.LedgerTx) error {
		return tx.CreateTransaction(ctx, &domain.Transaction{
			ID: "tx-old", Type: domain.TransactionTypeExpense, Amount: decimal.NewFromInt(1000),
			AccountID: "acc-1", OwnerID: "user-1", CreatedAt: occurrence,
			RecurringTemplateID: &templateID, OccurrenceAt: &occurrence,
		})
	})
	if err != nil {
		t.Fatalf("seed posting: %v", err)
	}

	p := newProcessor(store, &fakeClock{now: date(2024, 1, 15)})
	summary, err := p.ProcessRecurringTransactions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Duplicates != 1 || summary.Materialized != 0 {
		t.Errorf("expected a duplicate, got %+v", summary)
	}
	if got := len(store.Transactions()); got != 1 {
		t.Errorf("expected no new posting, got %d", got)
	}
	if got := balanceOf(t, store, "acc-1"); !got.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("expected balance untouched, got %s", got)
	}
	if got := templateOf(t, store, "user-1", "tpl-1").NextExecutionDate; !got.Equal(date(2024, 2, 1)) {
		t.Errorf("expected cursor advanced to 2024-02-01, got %s", got)
	}
}

func TestProcess_StaleSnapshotIsSkipped(t *testing.T) {
	mem := memory.New()
	seedAccount(mem, "acc-1", "user-1", 5000)
	seedTemplate(t, mem, domain.RecurringTemplate{
		ID: "tpl-1", OwnerID: "user-1", AccountID: "acc-1", StartDate: date(2024, 2, 1),
	})

	store := &failingStore{Store: mem, staleDue: true}
	p := newProcessor(store, &fakeClock{now: date(2024, 2, 2)})

	summary, err := p.ProcessRecurringTransactions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Stale != 1 {
		t.Errorf("expected a stale outcome, got %+v", summary)
	}
	if got := len(mem.Transactions()); got != 0 {
		t.Errorf("expected no posting, got %d", got)
	}
}

func TestProcess_TemplateTimeout(t *testing.T) {
	mem := memory.New()
	seedAccount(mem, "acc-1", "user-1", 5000)
	seedTemplate(t, mem, domain.RecurringTemplate{
		ID: "tpl-1", OwnerID: "user-1", AccountID: "acc-1", StartDate: date(2024, 1, 1),
	})

	store := &failingStore{Store: mem, blockTxns: true}
	p := newProcessor(store, &fakeClock{now: date(2024, 1, 2)}, service.WithTemplateTimeout(20*time.Millisecond))

	summary, err := p.ProcessRecurringTransactions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("expected the template to fail on timeout, got %+v", summary)
	}
}

func TestProcess_ConcurrentCallsPostOnce(t *testing.T) {
	store := memory.New()
	seedAccount(store, "acc-1", "user-1", 5000)
	seedTemplate(t, store, domain.RecurringTemplate{
		ID: "tpl-1", OwnerID: "user-1", AccountID: "acc-1", StartDate: date(2024, 1, 1),
	})

	clock := &fakeClock{now: date(2024, 1, 15)}
	// Separate processors do not share a singleflight group; only the
	// store's unit of work keeps them apart.
	processors := []*service.RecurringProcessor{newProcessor(store, clock), newProcessor(store, clock)}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(p *service.RecurringProcessor) {
			defer wg.Done()
			if _, err := p.ProcessRecurringTransactions(context.Background(), "user-1"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(processors[i%2])
	}
	wg.Wait()

	if got := len(store.Transactions()); got != 1 {
		t.Errorf("expected exactly 1 posting, got %d", got)
	}
	if got := balanceOf(t, store, "acc-1"); !got.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("expected balance 4000, got %s", got)
	}
}

func TestProcess_CoversSharedGroup(t *testing.T) {
	store := memory.New()
	seedAccount(store, "acc-partner", "user-2", 0)
	seedTemplate(t, store, domain.RecurringTemplate{
		ID: "tpl-partner", OwnerID: "user-2", AccountID: "acc-partner", Type: domain.TransactionTypeIncome,
		StartDate: date(2024, 1, 1),
	})
	seedTemplate(t, store, domain.RecurringTemplate{
		ID: "tpl-stranger", OwnerID: "user-3", AccountID: "acc-partner", StartDate: date(2024, 1, 1),
	})

	metrics := observability.NewMetrics()
	groupCache := cache.New[[]string](time.Minute)
	defer groupCache.Close()
	groups := service.NewOwnerGroups(&staticResolver{ids: []string{"user-1", "user-2"}}, groupCache, metrics, zap.NewNop())
	clock := &fakeClock{now: date(2024, 1, 2)}
	p := service.NewRecurringProcessor(store, groups, metrics, zap.NewNop(), service.WithClock(clock.Now))

	summary, err := p.ProcessRecurringTransactions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Due != 1 || summary.Materialized != 1 {
		t.Errorf("expected only the partner's template, got %+v", summary)
	}
	if len(summary.OwnerIDs) != 2 {
		t.Errorf("expected group of 2, got %v", summary.OwnerIDs)
	}
}
