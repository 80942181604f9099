package scope

import (
	"context"
	"errors"

	"demandline/internal/config"
	"demandline/internal/domain"
	"demandline/internal/repo"
)

// Resolver decides which demands a principal may list.
type Resolver interface {
	Resolve(ctx context.Context, p domain.Principal) ([]domain.Demand, error)
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(ctx context.Context, p domain.Principal) ([]domain.Demand, error)

func (f ResolverFunc) Resolve(ctx context.Context, p domain.Principal) ([]domain.Demand, error) {
	return f(ctx, p)
}

// Store is the subset of repo.Repo the policy resolver reads from.
type Store interface {
	ListDemands(ctx context.Context, f repo.DemandFilters) ([]domain.Demand, error)
	ListDemandsByGroup(ctx context.Context, groupID, userID string) ([]domain.Demand, error)
	ListDemandsByOwnerOrCollaborator(ctx context.Context, userID string) ([]domain.Demand, error)
}

// PolicyResolver maps the principal's role to a visibility using the scope
// section of the config.
type PolicyResolver struct {
	Store  Store
	Config *config.Config
}

func (r PolicyResolver) Resolve(ctx context.Context, p domain.Principal) ([]domain.Demand, error) {
	if p.UserID == "" {
		return nil, &domain.ValidationError{Field: "user_id", Reason: "is required"}
	}
	if r.Store == nil {
		return nil, errors.New("scope resolver has no store")
	}
	cfg := r.Config
	if cfg == nil {
		cfg = config.Default()
	}
	switch cfg.Visibility(p.Role) {
	case config.VisibilityAll:
		return r.Store.ListDemands(ctx, repo.DemandFilters{})
	case config.VisibilityGroup:
		return r.Store.ListDemandsByGroup(ctx, p.GroupID, p.UserID)
	default:
		return r.Store.ListDemandsByOwnerOrCollaborator(ctx, p.UserID)
	}
}
