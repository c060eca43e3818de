package campaign

import (
	"context"

	"github.com/google/uuid"

	"github.com/campreserv/outreach/internal/audience"
	"github.com/campreserv/outreach/internal/store"
)

// audienceSource adapts the audience resolver to the orchestrator's
// interface.
type audienceSource struct {
	resolver *audience.Resolver
}

// NewAudienceSource wraps an audience.Resolver for use by the
// orchestrator.
func NewAudienceSource(resolver *audience.Resolver) AudienceResolver {
	return audienceSource{resolver: resolver}
}

func (s audienceSource) Resolve(ctx context.Context, campgroundID uuid.UUID, channel string, filter store.AudienceFilter) (Audience, error) {
	return s.resolver.Resolve(ctx, campgroundID, channel, filter)
}
