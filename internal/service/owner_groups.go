package service

import (
	"context"
	"slices"

	"github.com/boddenberg/finance-tracker/internal/infra/observability"
	"github.com/boddenberg/finance-tracker/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const groupCacheName = "owner_groups"

// OwnerGroups resolves the set of owner IDs whose data a user sees. Results
// are cached; a failing directory degrades to the user alone.
type OwnerGroups struct {
	resolver port.OwnerResolver
	cache    port.Cache[[]string]
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewOwnerGroups creates a resolver. A nil directory means every user is
// its own group.
func NewOwnerGroups(resolver port.OwnerResolver, cache port.Cache[[]string], metrics *observability.Metrics, logger *zap.Logger) *OwnerGroups {
	return &OwnerGroups{
		resolver: resolver,
		cache:    cache,
		metrics:  metrics,
		logger:   logger,
	}
}

// Resolve returns ownerID's group, ownerID always included.
func (g *OwnerGroups) Resolve(ctx context.Context, ownerID string) []string {
	if g == nil || g.resolver == nil {
		return []string{ownerID}
	}

	ctx, span := tracer.Start(ctx, "OwnerGroups.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("owner.id", ownerID))

	if g.cache != nil {
		if ids, ok := g.cache.Get(ownerID); ok {
			g.metrics.IncrCacheHit(groupCacheName)
			return slices.Clone(ids)
		}
		g.metrics.IncrCacheMiss(groupCacheName)
	}

	ids, err := g.resolver.SharedOwnerIDs(ctx, ownerID)
	if err != nil {
		g.metrics.IncrStoreError("groups")
		g.logger.Warn("group lookup failed, using owner only",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
		return []string{ownerID}
	}
	if !slices.Contains(ids, ownerID) {
		ids = append([]string{ownerID}, ids...)
	}

	if g.cache != nil {
		g.cache.Set(ownerID, slices.Clone(ids))
	}
	span.SetAttributes(attribute.Int("group.size", len(ids)))
	return ids
}
