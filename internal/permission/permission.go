// Package permission derives the effective capability set for an identity.
// Resolution is recomputed on every call so grant changes take effect
// immediately; nothing here is cached.
package permission

import (
	"context"
	"fmt"

	"campus/auth/internal/model"
)

type GrantStore interface {
	GetGrantsByIdentity(ctx context.Context, identityID string) ([]model.PermissionGrant, error)
}

type IdentityStore interface {
	GetIdentityByID(ctx context.Context, identityID string) (model.Identity, error)
}

type Resolver struct {
	grants     GrantStore
	identities IdentityStore
}

func NewResolver(grants GrantStore, identities IdentityStore) *Resolver {
	return &Resolver{grants: grants, identities: identities}
}

func (r *Resolver) Resolve(ctx context.Context, identityID string) (model.CapabilitySet, error) {
	identity, err := r.identities.GetIdentityByID(ctx, identityID)
	if err != nil {
		return model.CapabilitySet{}, fmt.Errorf("identity lookup: %w", err)
	}
	grants, err := r.grants.GetGrantsByIdentity(ctx, identityID)
	if err != nil {
		return model.CapabilitySet{}, fmt.Errorf("grant lookup: %w", err)
	}
	return ResolveFrom(identity, grants), nil
}

// ResolveFrom folds stored grant levels into capabilities. Every category
// maps the same way: level >= 1 grants use, level == 2 additionally grants
// administer. Global admin overrides everything to true.
func ResolveFrom(identity model.Identity, grants []model.PermissionGrant) model.CapabilitySet {
	set := model.CapabilitySet{
		GlobalAdmin: identity.GlobalAdmin,
		Categories:  make(map[string]model.Capability, len(model.Categories())),
	}

	levels := make(map[string]int, len(grants))
	for _, grant := range grants {
		levels[grant.Category] = grant.Level
	}

	for _, category := range model.Categories() {
		level := levels[category]
		set.Categories[category] = model.Capability{
			Use:        identity.GlobalAdmin || level >= model.GrantUse,
			Administer: identity.GlobalAdmin || level >= model.GrantAdminister,
		}
	}
	return set
}
