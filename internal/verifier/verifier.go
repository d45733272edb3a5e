// Package verifier implements the two credential verification strategies.
// Exactly one is selected at process startup; they never fail over into each
// other and no call-time state decides which one runs.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"campus/auth/internal/auth"
	"campus/auth/internal/crypto"
	"campus/auth/internal/directory"
	"campus/auth/internal/model"
)

type Verifier interface {
	Verify(ctx context.Context, username, password string) error
}

type IdentityStore interface {
	GetIdentityByUsername(ctx context.Context, username string) (model.Identity, error)
	CreateIdentity(ctx context.Context, identity model.Identity) error
	UpdatePasswordHash(ctx context.Context, identityID, hash string) error
}

// Authenticator is the directory boundary the directory strategy binds
// through.
type Authenticator interface {
	Authenticate(username, password string) (directory.Entry, error)
}

// Directory verifies by binding to the external directory as the user. A user
// unknown locally is provisioned from the authenticated entry on the spot
// (first directory sync), with the role classified from group membership; an
// entry whose groups map to no role is rejected. On success it writes the
// bcrypt hash through to the local cache; that is a cache refresh, not a
// failover path, and its failure never affects the login.
type Directory struct {
	dir        Authenticator
	identities IdentityStore
	groupRoles map[string]string
	bcryptCost int
}

func NewDirectory(dir Authenticator, identities IdentityStore, groupRoles map[string]string, bcryptCost int) *Directory {
	return &Directory{dir: dir, identities: identities, groupRoles: groupRoles, bcryptCost: bcryptCost}
}

func (v *Directory) Verify(ctx context.Context, username, password string) error {
	entry, err := v.dir.Authenticate(username, password)
	switch {
	case err == nil:
	case errors.Is(err, directory.ErrBindFailed), errors.Is(err, directory.ErrNoSuchUser), errors.Is(err, directory.ErrBadEntry):
		return fmt.Errorf("%w: %v", auth.ErrCredentialInvalid, err)
	default:
		return fmt.Errorf("%w: %v", auth.ErrDirectoryUnavailable, err)
	}

	identity, err := v.identities.GetIdentityByUsername(ctx, entry.Username)
	if err != nil {
		identity, err = v.provision(ctx, entry)
		if err != nil {
			return err
		}
	}

	v.refreshHashCache(ctx, identity.ID, username, password)
	return nil
}

// provision creates the local identity from the authenticated directory
// entry. Unlike the hash cache this is not best effort: without the row the
// login cannot produce a session.
func (v *Directory) provision(ctx context.Context, entry directory.Entry) (model.Identity, error) {
	role, ok := entry.Role(v.groupRoles)
	if !ok {
		return model.Identity{}, fmt.Errorf("%w: no role mapping for %s", auth.ErrCredentialInvalid, entry.DN)
	}
	now := time.Now().UTC()
	identity := model.Identity{
		ID:          uuid.NewString(),
		Username:    entry.Username,
		DisplayName: entry.DisplayName,
		Role:        role,
		Status:      model.StatusEnabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := v.identities.CreateIdentity(ctx, identity); err != nil {
		return model.Identity{}, fmt.Errorf("directory sync: %v", err)
	}
	log.Printf("provisioned %s (%s) from directory entry %s", identity.Username, identity.Role, entry.DN)
	return identity, nil
}

func (v *Directory) refreshHashCache(ctx context.Context, identityID, username, password string) {
	hash, err := crypto.HashPasswordCost(password, v.bcryptCost)
	if err != nil {
		log.Printf("hash cache refresh failed for %s: %v", username, err)
		return
	}
	if err := v.identities.UpdatePasswordHash(ctx, identityID, hash); err != nil {
		log.Printf("hash cache refresh failed for %s: %v", username, err)
	}
}

// Local verifies against the cached bcrypt hash. A missing identity or
// missing hash is indistinguishable from a wrong password at the contract
// boundary.
type Local struct {
	identities IdentityStore
}

func NewLocal(identities IdentityStore) *Local {
	return &Local{identities: identities}
}

func (v *Local) Verify(ctx context.Context, username, password string) error {
	identity, err := v.identities.GetIdentityByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("%w: lookup: %v", auth.ErrCredentialInvalid, err)
	}
	if identity.PasswordHash == nil || *identity.PasswordHash == "" {
		return fmt.Errorf("%w: no cached hash", auth.ErrCredentialInvalid)
	}
	if err := crypto.CheckPassword(*identity.PasswordHash, password); err != nil {
		return fmt.Errorf("%w: mismatch", auth.ErrCredentialInvalid)
	}
	return nil
}
