// Package secondfactor manages time-based one-time-code credentials. Codes
// are checked with the conventional 30-second step and one step of clock skew
// on either side.
package secondfactor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"campus/auth/internal/auth"
	"campus/auth/internal/model"
)

type Store interface {
	CreateSecondFactorCredential(ctx context.Context, cred model.SecondFactorCredential) error
	GetSecondFactorCredential(ctx context.Context, credentialID string) (model.SecondFactorCredential, error)
	ListSecondFactorCredentials(ctx context.Context, identityID string) ([]model.SecondFactorCredential, error)
	SetSecondFactorVerified(ctx context.Context, credentialID string) error
	DeleteSecondFactorCredential(ctx context.Context, credentialID, identityID string) error
	CountSecondFactorCredentials(ctx context.Context, identityID string) (int, error)
	SetSecondFactorEnabled(ctx context.Context, identityID string, enabled bool) error
}

type Manager struct {
	store  Store
	issuer string
	now    func() time.Time
}

func NewManager(store Store, issuer string) *Manager {
	return &Manager{store: store, issuer: issuer, now: time.Now}
}

// WithClock overrides the time source. Test hook.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

type PendingCredential struct {
	Credential model.SecondFactorCredential
	// ProvisioningURL is the otpauth:// URL the client renders as a QR code.
	ProvisioningURL string
}

// Enroll generates a fresh secret bound to the identity's display name. The
// credential stays unverified until Confirm proves possession.
func (m *Manager) Enroll(ctx context.Context, identity model.Identity, alias string) (PendingCredential, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: identity.DisplayName,
	})
	if err != nil {
		return PendingCredential{}, fmt.Errorf("secret generation: %w", err)
	}

	cred := model.SecondFactorCredential{
		ID:         uuid.NewString(),
		IdentityID: identity.ID,
		Secret:     key.Secret(),
		Alias:      alias,
		Verified:   false,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.store.CreateSecondFactorCredential(ctx, cred); err != nil {
		return PendingCredential{}, err
	}
	return PendingCredential{Credential: cred, ProvisioningURL: key.URL()}, nil
}

// Confirm validates a submitted code against a pending credential and, on
// success, marks it verified and flips the identity's second-factor flag.
// This is the only path that marks a credential trusted.
func (m *Manager) Confirm(ctx context.Context, credentialID, code string) error {
	cred, err := m.store.GetSecondFactorCredential(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("%w: %v", auth.ErrNotFound, err)
	}
	if !m.codeMatches(code, cred.Secret) {
		return auth.ErrSecondFactorInvalid
	}
	if err := m.store.SetSecondFactorVerified(ctx, cred.ID); err != nil {
		return err
	}
	return m.store.SetSecondFactorEnabled(ctx, cred.IdentityID, true)
}

// CheckAny accepts a code if any credential owned by the identity matches it.
// Unverified credentials count too; see DESIGN.md for the rationale.
func (m *Manager) CheckAny(ctx context.Context, identityID, code string) error {
	creds, err := m.store.ListSecondFactorCredentials(ctx, identityID)
	if err != nil {
		return fmt.Errorf("credential list: %w", err)
	}
	for _, cred := range creds {
		if m.codeMatches(code, cred.Secret) {
			return nil
		}
	}
	return auth.ErrSecondFactorInvalid
}

// Remove deletes one credential; deleting the last one clears the identity's
// second-factor flag.
func (m *Manager) Remove(ctx context.Context, credentialID, identityID string) error {
	if err := m.store.DeleteSecondFactorCredential(ctx, credentialID, identityID); err != nil {
		return fmt.Errorf("%w: %v", auth.ErrNotFound, err)
	}
	remaining, err := m.store.CountSecondFactorCredentials(ctx, identityID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return m.store.SetSecondFactorEnabled(ctx, identityID, false)
	}
	return nil
}

func (m *Manager) codeMatches(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, m.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
