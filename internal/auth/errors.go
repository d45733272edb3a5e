// Package auth holds the failure taxonomy shared by the verification,
// session, and request-authentication layers. Handlers map these to wire
// codes; everything else is wrapped detail for logs.
package auth

import "errors"

var (
	ErrCredentialInvalid    = errors.New("credential_invalid")
	ErrAccountInactive      = errors.New("account_inactive")
	ErrSecondFactorRequired = errors.New("second_factor_required")
	ErrSecondFactorInvalid  = errors.New("second_factor_invalid")
	ErrDirectoryUnavailable = errors.New("directory_unavailable")
	ErrSessionRevoked       = errors.New("session_revoked")
	ErrTokenMalformed       = errors.New("token_malformed")
	ErrNotFound             = errors.New("not_found")
)
