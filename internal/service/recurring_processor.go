package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/boddenberg/finance-tracker/internal/domain"
	"github.com/boddenberg/finance-tracker/internal/infra/observability"
	"github.com/boddenberg/finance-tracker/internal/infra/resilience"
	"github.com/boddenberg/finance-tracker/internal/port"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("service/recurring")

const (
	defaultTemplateTimeout = 5 * time.Second
	defaultRunTimeout      = 30 * time.Second
	defaultMaxConcurrency  = 16
	storeServiceName       = "recurring_store"
)

// RecurringProcessor materializes due recurring templates into ledger
// transactions. Every occurrence is posted in its own unit of work, so a
// failing template never blocks the others.
type RecurringProcessor struct {
	store           port.RecurringStore
	groups          *OwnerGroups
	breaker         *gobreaker.CircuitBreaker
	bulkhead        *resilience.Bulkhead
	metrics         *observability.Metrics
	logger          *zap.Logger
	templateTimeout time.Duration
	runTimeout      time.Duration
	now             func() time.Time

	flight singleflight.Group
}

// ProcessorOption customizes a RecurringProcessor.
type ProcessorOption func(*RecurringProcessor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *RecurringProcessor) { p.now = now }
}

// WithTemplateTimeout bounds the unit of work of a single template.
func WithTemplateTimeout(d time.Duration) ProcessorOption {
	return func(p *RecurringProcessor) {
		if d > 0 {
			p.templateTimeout = d
		}
	}
}

// WithRunTimeout bounds a whole pass. A shared pass outlives the caller
// that started it, so it is never bound to a caller's context.
func WithRunTimeout(d time.Duration) ProcessorOption {
	return func(p *RecurringProcessor) {
		if d > 0 {
			p.runTimeout = d
		}
	}
}

// WithBreaker sets the circuit breaker guarding the due-template query.
func WithBreaker(cb *gobreaker.CircuitBreaker) ProcessorOption {
	return func(p *RecurringProcessor) { p.breaker = cb }
}

// WithBulkhead caps how many processor passes run at once.
func WithBulkhead(b *resilience.Bulkhead) ProcessorOption {
	return func(p *RecurringProcessor) { p.bulkhead = b }
}

// NewRecurringProcessor creates the processor with all dependencies injected.
func NewRecurringProcessor(
	store port.RecurringStore,
	groups *OwnerGroups,
	metrics *observability.Metrics,
	logger *zap.Logger,
	opts ...ProcessorOption,
) *RecurringProcessor {
	p := &RecurringProcessor{
		store:           store,
		groups:          groups,
		breaker:         resilience.NewCircuitBreaker(storeServiceName),
		bulkhead:        resilience.NewBulkhead(defaultMaxConcurrency),
		metrics:         metrics,
		logger:          logger,
		templateTimeout: defaultTemplateTimeout,
		runTimeout:      defaultRunTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessRecurringTransactions posts at most one occurrence for every
// active template of ownerID's group whose next execution is due.
//
// The only error returned is a failure to read the due templates
// (ErrStoreUnavailable) or a cancelled caller (ErrTimeout). Per-template
// failures are logged, counted in the summary and skipped.
//
// Concurrent calls for the same group share one pass. The pass runs
// detached from every caller; a caller that goes away gets ErrTimeout while
// the others still receive the summary.
func (p *RecurringProcessor) ProcessRecurringTransactions(ctx context.Context, ownerID string) (*domain.ProcessSummary, error) {
	ctx, span := tracer.Start(ctx, "RecurringProcessor.ProcessRecurringTransactions")
	defer span.End()
	span.SetAttributes(attribute.String("owner.id", ownerID))

	ownerIDs := p.groups.Resolve(ctx, ownerID)

	runCtx := context.WithoutCancel(ctx)
	ch := p.flight.DoChan(groupKey(ownerIDs), func() (any, error) {
		ctx, cancel := context.WithTimeout(runCtx, p.runTimeout)
		defer cancel()
		return p.run(ctx, ownerIDs)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		err := &domain.ErrTimeout{Operation: "recurring_run"}
		span.RecordError(err)
		return nil, err
	case res = <-ch:
	}

	span.SetAttributes(attribute.Bool("run.shared", res.Shared))
	if res.Err != nil {
		span.RecordError(res.Err)
		return nil, res.Err
	}

	summary := *res.Val.(*domain.ProcessSummary)
	summary.OwnerIDs = slices.Clone(summary.OwnerIDs)
	return &summary, nil
}

func (p *RecurringProcessor) run(ctx context.Context, ownerIDs []string) (*domain.ProcessSummary, error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordDuration("recurring_run", time.Since(start))
	}()

	if err := p.bulkhead.Acquire(ctx); err != nil {
		p.metrics.IncrRun("error")
		return nil, &domain.ErrTimeout{Operation: "recurring_run"}
	}
	defer p.bulkhead.Release()

	now := p.now()
	summary := &domain.ProcessSummary{OwnerIDs: ownerIDs, ProcessedAt: now}

	result, err := p.breaker.Execute(func() (any, error) {
		return p.store.FindDueTemplates(ctx, ownerIDs, now)
	})
	if err != nil {
		p.metrics.IncrRun("error")
		p.metrics.IncrStoreError(storeServiceName)
		p.logger.Error("recurring: due template query failed",
			zap.Strings("owner_ids", ownerIDs),
			zap.Error(err),
		)
		return nil, &domain.ErrStoreUnavailable{
			Operation: "find_due_templates",
			Err:       resilience.BreakerError(err, storeServiceName),
		}
	}

	due := result.([]domain.RecurringTemplate)
	summary.Due = len(due)

	for i := range due {
		if err := ctx.Err(); err != nil {
			remaining := len(due) - i
			summary.Failed += remaining
			p.logger.Warn("recurring: pass interrupted",
				zap.Strings("owner_ids", ownerIDs),
				zap.Int("remaining", remaining),
				zap.Error(err),
			)
			break
		}
		outcome, deactivated := p.processTemplate(ctx, &due[i], now)
		summary.Record(outcome, deactivated)
	}

	p.metrics.IncrRun("success")
	if summary.Due > 0 {
		p.logger.Info("recurring: pass complete",
			zap.Strings("owner_ids", ownerIDs),
			zap.Int("due", summary.Due),
			zap.Int("materialized", summary.Materialized),
			zap.Int("duplicates", summary.Duplicates),
			zap.Int("stale", summary.Stale),
			zap.Int("deactivated", summary.Deactivated),
			zap.Int("failed", summary.Failed),
		)
	}
	return summary, nil
}

// processTemplate handles the occurrence at tmpl's cursor in one unit of
// work: lock, idempotency check, post, adjust balance, advance.
func (p *RecurringProcessor) processTemplate(ctx context.Context, tmpl *domain.RecurringTemplate, now time.Time) (domain.OccurrenceOutcome, bool) {
	ctx, span := tracer.Start(ctx, "RecurringProcessor.processTemplate")
	defer span.End()
	span.SetAttributes(
		attribute.String("template.id", tmpl.ID),
		attribute.String("occurrence.at", tmpl.NextExecutionDate.Format(time.RFC3339)),
	)

	ctx, cancel := context.WithTimeout(ctx, p.templateTimeout)
	defer cancel()

	var (
		outcome     domain.OccurrenceOutcome
		deactivated bool
	)
	err := p.store.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		outcome, deactivated = "", false

		current, err := tx.LockTemplate(ctx, tmpl.ID)
		if err != nil {
			return err
		}
		// Deactivated or advanced since the due query ran.
		if !current.IsActive || !current.NextExecutionDate.Equal(tmpl.NextExecutionDate) {
			outcome = domain.OutcomeStale
			return nil
		}

		plan, err := current.PlanOccurrence(now)
		if err != nil {
			return err
		}

		existing, err := tx.FindOccurrence(ctx, plan.Key)
		if err != nil {
			return err
		}
		if existing != nil {
			outcome = domain.OutcomeDuplicate
		} else {
			if err := tx.CreateTransaction(ctx, &plan.Transaction); err != nil {
				return err
			}
			if err := tx.AdjustAccountBalance(ctx, current.AccountID, plan.Delta); err != nil {
				return err
			}
			outcome = domain.OutcomeMaterialized
		}

		if err := tx.UpdateTemplateSchedule(ctx, current.ID, plan.Schedule); err != nil {
			return err
		}
		deactivated = !plan.Schedule.IsActive
		return nil
	})

	fields := []zap.Field{
		zap.String("owner_id", tmpl.OwnerID),
		zap.String("template_id", tmpl.ID),
		zap.Time("occurrence_at", tmpl.NextExecutionDate),
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &domain.ErrTimeout{Operation: "recurring_template"}
		}
		span.RecordError(err)
		p.metrics.IncrOutcome(domain.OutcomeFailed)
		p.logger.Error("recurring: template processing failed",
			append(fields, zap.String("outcome", string(domain.OutcomeFailed)), zap.Error(err))...,
		)
		return domain.OutcomeFailed, false
	}

	span.SetAttributes(attribute.String("outcome", string(outcome)))
	p.metrics.IncrOutcome(outcome)
	if deactivated {
		p.metrics.IncrDeactivated()
	}
	p.logger.Debug("recurring: template processed",
		append(fields, zap.String("outcome", string(outcome)), zap.Bool("deactivated", deactivated))...,
	)
	return outcome, deactivated
}

// groupKey identifies a group independent of member order.
func groupKey(ownerIDs []string) string {
	ids := slices.Clone(ownerIDs)
	slices.Sort(ids)
	return strings.Join(ids, ",")
}
