// Package session issues and authorizes signed session tokens. The token
// model is deliberately hybrid: the RS256 signature proves integrity, the
// persisted ledger row is the sole authority on current validity. Deleting
// the row revokes every token that references it, signatures notwithstanding.
package session

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log"
	"time"

	"campus/auth/internal/auth"
	"campus/auth/internal/crypto"
	"campus/auth/internal/model"
	"campus/auth/internal/token"
)

type Ledger interface {
	CreateSession(ctx context.Context, session model.Session) error
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteSessionsByIdentity(ctx context.Context, identityID string) error
}

type IdentityStore interface {
	GetIdentityByID(ctx context.Context, identityID string) (model.Identity, error)
}

type PermissionResolver interface {
	Resolve(ctx context.Context, identityID string) (model.CapabilitySet, error)
}

type Issuer struct {
	ledger      Ledger
	identities  IdentityStore
	permissions PermissionResolver
	privateKey  *rsa.PrivateKey
	publicKey   *rsa.PublicKey
	issuer      string
}

func NewIssuer(ledger Ledger, identities IdentityStore, permissions PermissionResolver, privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey, issuer string) *Issuer {
	return &Issuer{
		ledger:      ledger,
		identities:  identities,
		permissions: permissions,
		privateKey:  privateKey,
		publicKey:   publicKey,
		issuer:      issuer,
	}
}

// AuthorizedIdentity is what a successful Authorize hands to the request
// context: the freshly loaded identity, its session, and a freshly resolved
// capability set.
type AuthorizedIdentity struct {
	Identity     model.Identity
	SessionID    string
	Capabilities model.CapabilitySet
}

// Issue persists a fresh session record and only then signs a token
// referencing it. If the record cannot be written no token exists; if signing
// fails the orphan record is removed. The system never hands out a token
// unbacked by a ledger entry.
func (i *Issuer) Issue(ctx context.Context, identityID string, role model.Role) (string, error) {
	sessionID, err := crypto.NewOpaqueToken()
	if err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}

	session := model.Session{
		ID:         sessionID,
		IdentityID: identityID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := i.ledger.CreateSession(ctx, session); err != nil {
		return "", fmt.Errorf("session persist: %w", err)
	}

	signed, err := token.Sign(i.privateKey, i.issuer, token.Claims{
		IdentityID: identityID,
		SessionID:  sessionID,
		Role:       string(role),
	})
	if err != nil {
		if cleanupErr := i.ledger.DeleteSession(ctx, sessionID); cleanupErr != nil {
			log.Printf("orphan session cleanup failed for %s: %v", sessionID, cleanupErr)
		}
		return "", fmt.Errorf("token sign: %w", err)
	}
	return signed, nil
}

// Authorize validates a raw bearer credential end to end: signature, ledger,
// identity status, capabilities, in that fixed order. Every ambiguity is a
// rejection.
func (i *Issuer) Authorize(ctx context.Context, rawToken string) (AuthorizedIdentity, error) {
	claims, err := token.Parse(i.publicKey, i.issuer, token.StripBearer(rawToken))
	if err != nil {
		return AuthorizedIdentity{}, fmt.Errorf("%w: %v", auth.ErrTokenMalformed, err)
	}

	exists, err := i.ledger.SessionExists(ctx, claims.SessionID)
	if err != nil {
		return AuthorizedIdentity{}, fmt.Errorf("%w: ledger lookup: %v", auth.ErrSessionRevoked, err)
	}
	if !exists {
		return AuthorizedIdentity{}, auth.ErrSessionRevoked
	}

	identity, err := i.identities.GetIdentityByID(ctx, claims.IdentityID)
	if err != nil {
		return AuthorizedIdentity{}, fmt.Errorf("%w: identity lookup: %v", auth.ErrSessionRevoked, err)
	}
	if identity.Status != model.StatusEnabled {
		return AuthorizedIdentity{}, fmt.Errorf("%w: status %s", auth.ErrAccountInactive, identity.Status)
	}

	capabilities, err := i.permissions.Resolve(ctx, identity.ID)
	if err != nil {
		return AuthorizedIdentity{}, fmt.Errorf("permission resolve: %w", err)
	}

	return AuthorizedIdentity{
		Identity:     identity,
		SessionID:    claims.SessionID,
		Capabilities: capabilities,
	}, nil
}

func (i *Issuer) Revoke(ctx context.Context, sessionID string) error {
	return i.ledger.DeleteSession(ctx, sessionID)
}

func (i *Issuer) RevokeAll(ctx context.Context, identityID string) error {
	return i.ledger.DeleteSessionsByIdentity(ctx, identityID)
}
