package service

import (
	"context"
	"fmt"

	"github.com/boddenberg/finance-tracker/internal/domain"
	"github.com/boddenberg/finance-tracker/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// RecurringService implements the request-facing recurring template use
// cases. Reads and creates run the processor first so callers always see
// postings that have come due.
type RecurringService struct {
	store     port.RecurringStore
	groups    *OwnerGroups
	processor *RecurringProcessor
	logger    *zap.Logger
}

// NewRecurringService creates a new recurring service.
func NewRecurringService(store port.RecurringStore, groups *OwnerGroups, processor *RecurringProcessor, logger *zap.Logger) *RecurringService {
	return &RecurringService{
		store:     store,
		groups:    groups,
		processor: processor,
		logger:    logger,
	}
}

// ListRecurring returns the group's templates, newest first.
func (s *RecurringService) ListRecurring(ctx context.Context, ownerID string) ([]domain.RecurringTemplate, error) {
	ctx, span := tracer.Start(ctx, "RecurringService.ListRecurring")
	defer span.End()
	span.SetAttributes(attribute.String("owner.id", ownerID))

	s.processBestEffort(ctx, ownerID)

	list, err := s.store.ListTemplates(ctx, s.groups.Resolve(ctx, ownerID))
	if err != nil {
		return nil, fmt.Errorf("list recurring: %w", err)
	}
	return list, nil
}

// CreateRecurring validates and stores a template, then runs the processor
// so a start date in the past posts its first occurrence right away.
func (s *RecurringService) CreateRecurring(ctx context.Context, ownerID string, req *domain.CreateRecurringRequest) (*domain.RecurringTemplate, error) {
	ctx, span := tracer.Start(ctx, "RecurringService.CreateRecurring")
	defer span.End()
	span.SetAttributes(attribute.String("owner.id", ownerID))

	tmpl, err := domain.NewRecurringTemplate(ownerID, req, s.processor.now())
	if err != nil {
		return nil, err
	}

	ownerIDs := s.groups.Resolve(ctx, ownerID)
	if _, err := s.store.GetAccount(ctx, ownerIDs, tmpl.AccountID); err != nil {
		return nil, fmt.Errorf("check account: %w", err)
	}

	if err := s.store.CreateTemplate(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("create recurring: %w", err)
	}
	span.SetAttributes(attribute.String("template.id", tmpl.ID))

	s.logger.Info("recurring template created",
		zap.String("owner_id", ownerID),
		zap.String("template_id", tmpl.ID),
		zap.String("frequency", string(tmpl.Frequency)),
		zap.Time("next_execution_date", tmpl.NextExecutionDate),
	)

	s.processBestEffort(ctx, ownerID)

	fresh, err := s.store.GetTemplate(ctx, ownerIDs, tmpl.ID)
	if err != nil {
		// Created but unreadable right now; the caller still gets the row.
		s.logger.Warn("re-read after create failed",
			zap.String("template_id", tmpl.ID),
			zap.Error(err),
		)
		return tmpl, nil
	}
	return fresh, nil
}

func (s *RecurringService) GetRecurring(ctx context.Context, ownerID, templateID string) (*domain.RecurringTemplate, error) {
	ctx, span := tracer.Start(ctx, "RecurringService.GetRecurring")
	defer span.End()
	span.SetAttributes(attribute.String("template.id", templateID))

	return s.store.GetTemplate(ctx, s.groups.Resolve(ctx, ownerID), templateID)
}

// DeleteRecurring stops a template. Past postings and the row are kept.
func (s *RecurringService) DeleteRecurring(ctx context.Context, ownerID, templateID string) error {
	ctx, span := tracer.Start(ctx, "RecurringService.DeleteRecurring")
	defer span.End()
	span.SetAttributes(attribute.String("template.id", templateID))

	if err := s.store.DeactivateTemplate(ctx, s.groups.Resolve(ctx, ownerID), templateID); err != nil {
		return err
	}

	s.logger.Info("recurring template deactivated",
		zap.String("owner_id", ownerID),
		zap.String("template_id", templateID),
	)
	return nil
}

// ProcessNow runs the processor and reports its summary.
func (s *RecurringService) ProcessNow(ctx context.Context, ownerID string) (*domain.ProcessSummary, error) {
	return s.processor.ProcessRecurringTransactions(ctx, ownerID)
}

func (s *RecurringService) processBestEffort(ctx context.Context, ownerID string) {
	if _, err := s.processor.ProcessRecurringTransactions(ctx, ownerID); err != nil {
		s.logger.Warn("recurring processing skipped",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
	}
}
