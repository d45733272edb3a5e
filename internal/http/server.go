package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campus/auth/internal/auth"
	"campus/auth/internal/crypto"
	"campus/auth/internal/model"
	"campus/auth/internal/preauth"
	"campus/auth/internal/secondfactor"
	"campus/auth/internal/session"
	"campus/auth/internal/token"
	"campus/auth/internal/verifier"
)

// IdentityStore is the persistence surface the handlers touch directly;
// *repository.Store satisfies it.
type IdentityStore interface {
	GetIdentityByUsername(ctx context.Context, username string) (model.Identity, error)
	GetIdentityByID(ctx context.Context, identityID string) (model.Identity, error)
	CreateIdentity(ctx context.Context, identity model.Identity) error
	UpdateIdentityStatus(ctx context.Context, identityID string, status model.Status) error
	SetGlobalAdmin(ctx context.Context, identityID string, admin bool) error
	UpdatePasswordHash(ctx context.Context, identityID, hash string) error
	UpsertGrant(ctx context.Context, grant model.PermissionGrant) error
}

type Server struct {
	store    IdentityStore
	verify   verifier.Verifier
	factors  *secondfactor.Manager
	sessions *session.Issuer
	preauth  *preauth.Store
	jwks     token.JWKSet

	bcryptCost int
}

func NewServer(store IdentityStore, verify verifier.Verifier, factors *secondfactor.Manager, sessions *session.Issuer, preauthStore *preauth.Store, jwks token.JWKSet, bcryptCost int) *Server {
	return &Server{
		store:      store,
		verify:     verify,
		factors:    factors,
		sessions:   sessions,
		preauth:    preauthStore,
		jwks:       jwks,
		bcryptCost: bcryptCost,
	}
}

// Unauthenticated paths: an exact-match set plus a prefix-matched set for
// public export endpoints. Everything else goes through authorization.
var allowlistExact = map[string]bool{
	"/health":                true,
	"/metrics":               true,
	"/.well-known/jwks.json": true,
	"/auth/login":            true,
	"/auth/preauth/exchange": true,
}

var allowlistPrefix = []string{
	"/calendar/export/",
}

func allowlisted(path string) bool {
	if allowlistExact[path] {
		return true
	}
	for _, prefix := range allowlistPrefix {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.authMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/.well-known/jwks.json", s.handleJWKS)
	r.Get("/calendar/export/{feed}", s.handleCalendarExport)

	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/logout", s.handleLogout)
	r.Post("/auth/logout/all", s.handleLogoutAll)

	r.With(s.requireAdmin).Post("/auth/preauth", s.handleCreatePreauth)
	r.Post("/auth/preauth/exchange", s.handleExchangePreauth)

	r.Post("/auth/totp", s.handleEnrollTOTP)
	r.Post("/auth/totp/{credentialID}/confirm", s.handleConfirmTOTP)
	r.Delete("/auth/totp/{credentialID}", s.handleRemoveTOTP)

	r.Get("/auth/me", s.handleGetMe)

	r.Route("/identities", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/", s.handleCreateIdentity)
		r.Get("/{identityID}", s.handleGetIdentity)
		r.Patch("/{identityID}/status", s.handlePatchStatus)
		r.Put("/{identityID}/grants", s.handlePutGrants)
		r.Patch("/{identityID}/admin", s.handlePatchGlobalAdmin)
	})

	return r
}

// authMiddleware is the per-request gate: allowlist check, bearer extraction,
// authorization, context attachment. Every failure is a uniform 401; the
// specific cause stays in the log.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowlisted(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw := bearerCredential(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		authorized, err := s.sessions.Authorize(r.Context(), raw)
		if err != nil {
			log.Printf("request rejected on %s: %v", r.URL.Path, err)
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		ctx := context.WithValue(r.Context(), authorizedKey{}, &authorized)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorized := authorizedFromContext(r.Context())
		if authorized == nil || (authorized.Identity.Role != model.RoleAdmin && !authorized.Identity.GlobalAdmin) {
			writeError(w, http.StatusForbidden, "admin_only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type authorizedKey struct{}

func authorizedFromContext(ctx context.Context) *session.AuthorizedIdentity {
	value := ctx.Value(authorizedKey{})
	authorized, _ := value.(*session.AuthorizedIdentity)
	return authorized
}

// bearerCredential reads the token from either of the two equivalent
// credential headers.
func bearerCredential(r *http.Request) string {
	if raw := r.Header.Get("Authorization"); raw != "" {
		return token.StripBearer(raw)
	}
	if raw := r.Header.Get("X-Auth-Token"); raw != "" {
		return token.StripBearer(raw)
	}
	return ""
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Code     string `json:"code,omitempty"`
}

type loginResponse struct {
	Token string          `json:"token"`
	Role  model.Role      `json:"role"`
	User  identitySummary `json:"user"`
}

type identitySummary struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	DisplayName    string     `json:"displayName"`
	Role           model.Role `json:"role"`
	Status         string     `json:"status"`
	SecondFactorOn bool       `json:"secondFactorEnabled"`
	GlobalAdmin    bool       `json:"globalAdmin"`
}

func summarize(identity model.Identity) identitySummary {
	return identitySummary{
		ID:             identity.ID,
		Username:       identity.Username,
		DisplayName:    identity.DisplayName,
		Role:           identity.Role,
		Status:         string(identity.Status),
		SecondFactorOn: identity.SecondFactorOn,
		GlobalAdmin:    identity.GlobalAdmin,
	}
}

// handleLogin runs the login state machine: credentials, optional second
// factor, issuance. The caller only ever learns the minimum needed to
// continue the flow.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	identity, lookupErr := s.store.GetIdentityByUsername(r.Context(), req.Username)
	if lookupErr == nil && identity.Status != model.StatusEnabled {
		log.Printf("login rejected for %s: status %s", req.Username, identity.Status)
		writeError(w, http.StatusForbidden, "account_inactive")
		return
	}

	// Verification runs even when the identity is unknown locally: the
	// directory strategy provisions unknown users from their authenticated
	// entry, and the local strategy rejects them on its own lookup.
	if err := s.verify.Verify(r.Context(), req.Username, req.Password); err != nil {
		log.Printf("login rejected for %s: %v", req.Username, err)
		if errors.Is(err, auth.ErrDirectoryUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "directory_unavailable")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	if lookupErr != nil {
		provisioned, err := s.store.GetIdentityByUsername(r.Context(), req.Username)
		if err != nil {
			log.Printf("login rejected for %s: identity lookup after verify: %v", req.Username, err)
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		identity = provisioned
	}

	if identity.SecondFactorOn {
		if err := s.checkSecondFactor(r.Context(), identity.ID, req.Code); err != nil {
			log.Printf("login rejected for %s: %v", req.Username, err)
			if errors.Is(err, auth.ErrSecondFactorRequired) {
				// Distinct signal: resubmit with a code. Not a generic failure.
				writeError(w, http.StatusUnauthorized, "second_factor_required")
				return
			}
			writeError(w, http.StatusUnauthorized, "second_factor_invalid")
			return
		}
	}

	signed, err := s.sessions.Issue(r.Context(), identity.ID, identity.Role)
	if err != nil {
		log.Printf("token issuance failed for %s: %v", req.Username, err)
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: signed,
		Role:  identity.Role,
		User:  summarize(identity),
	})
}

// checkSecondFactor maps the login's code field onto the second factor
// taxonomy: an absent code asks for a resubmit, anything else defers to the
// credential check.
func (s *Server) checkSecondFactor(ctx context.Context, identityID, code string) error {
	if code == "" {
		return auth.ErrSecondFactorRequired
	}
	return s.factors.CheckAny(ctx, identityID, code)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	authorized := authorizedFromContext(r.Context())
	if authorized == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if err := s.sessions.Revoke(r.Context(), authorized.SessionID); err != nil {
		log.Printf("logout failed for session %s: %v", authorized.SessionID, err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	authorized := authorizedFromContext(r.Context())
	if authorized == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if err := s.sessions.RevokeAll(r.Context(), authorized.Identity.ID); err != nil {
		log.Printf("logout all failed for %s: %v", authorized.Identity.ID, err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createPreauthRequest struct {
	Username string `json:"username"`
}

func (s *Server) handleCreatePreauth(w http.ResponseWriter, r *http.Request) {
	var req createPreauthRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "missing_username")
		return
	}
	if _, err := s.store.GetIdentityByUsername(r.Context(), req.Username); err != nil {
		writeError(w, http.StatusNotFound, "identity_not_found")
		return
	}

	tok, err := s.preauth.Create(r.Context(), req.Username)
	if err != nil {
		log.Printf("preauth create failed for %s: %v", req.Username, err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": tok})
}

type exchangePreauthRequest struct {
	Token string `json:"token"`
}

// handleExchangePreauth is the alternate login branch: a valid single-use
// preauth token skips password and second factor entirely.
func (s *Server) handleExchangePreauth(w http.ResponseWriter, r *http.Request) {
	var req exchangePreauthRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "missing_token")
		return
	}

	username, err := s.preauth.Consume(r.Context(), req.Token)
	if err != nil {
		log.Printf("preauth exchange rejected: %v", err)
		writeError(w, http.StatusUnauthorized, "invalid_preauth_token")
		return
	}

	identity, err := s.store.GetIdentityByUsername(r.Context(), username)
	if err != nil {
		log.Printf("preauth exchange rejected for %s: %v", username, err)
		writeError(w, http.StatusUnauthorized, "invalid_preauth_token")
		return
	}
	if identity.Status != model.StatusEnabled {
		log.Printf("preauth exchange rejected for %s: status %s", username, identity.Status)
		writeError(w, http.StatusForbidden, "account_inactive")
		return
	}

	signed, err := s.sessions.Issue(r.Context(), identity.ID, identity.Role)
	if err != nil {
		log.Printf("token issuance failed for %s: %v", username, err)
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: signed,
		Role:  identity.Role,
		User:  summarize(identity),
	})
}

type enrollTOTPRequest struct {
	Alias string `json:"alias"`
}

type enrollTOTPResponse struct {
	ID              string `json:"id"`
	Secret          string `json:"secret"`
	ProvisioningURL string `json:"provisioningUrl"`
}

func (s *Server) handleEnrollTOTP(w http.ResponseWriter, r *http.Request) {
	authorized := authorizedFromContext(r.Context())
	if authorized == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req enrollTOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	pending, err := s.factors.Enroll(r.Context(), authorized.Identity, strings.TrimSpace(req.Alias))
	if err != nil {
		log.Printf("totp enrollment failed for %s: %v", authorized.Identity.ID, err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, enrollTOTPResponse{
		ID:              pending.Credential.ID,
		Secret:          pending.Credential.Secret,
		ProvisioningURL: pending.ProvisioningURL,
	})
}

type confirmTOTPRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleConfirmTOTP(w http.ResponseWriter, r *http.Request) {
	authorized := authorizedFromContext(r.Context())
	if authorized == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	credentialID := chi.URLParam(r, "credentialID")

	var req confirmTOTPRequest
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if err := s.factors.Confirm(r.Context(), credentialID, req.Code); err != nil {
		switch {
		case errors.Is(err, auth.ErrSecondFactorInvalid):
			writeError(w, http.StatusUnauthorized, "second_factor_invalid")
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, http.StatusNotFound, "credential_not_found")
		default:
			log.Printf("totp confirm failed for %s: %v", credentialID, err)
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (s *Server) handleRemoveTOTP(w http.ResponseWriter, r *http.Request) {
	authorized := authorizedFromContext(r.Context())
	if authorized == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	credentialID := chi.URLParam(r, "credentialID")

	if err := s.factors.Remove(r.Context(), credentialID, authorized.Identity.ID); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, http.StatusNotFound, "credential_not_found")
			return
		}
		log.Printf("totp removal failed for %s: %v", credentialID, err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type meResponse struct {
	User         identitySummary     `json:"user"`
	Capabilities model.CapabilitySet `json:"capabilities"`
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	authorized := authorizedFromContext(r.Context())
	if authorized == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		User:         summarize(authorized.Identity),
		Capabilities: authorized.Capabilities,
	})
}

type createIdentityRequest struct {
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	Role        model.Role `json:"role"`
	Password    *string    `json:"password,omitempty"`
	GlobalAdmin bool       `json:"globalAdmin"`
}

func (s *Server) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req createIdentityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.Username == "" || req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	if !model.ValidRole(req.Role) {
		writeError(w, http.StatusBadRequest, "invalid_role")
		return
	}

	now := time.Now().UTC()
	identity := model.Identity{
		ID:          uuid.NewString(),
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Role:        req.Role,
		Status:      model.StatusEnabled,
		GlobalAdmin: req.GlobalAdmin,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Password != nil && *req.Password != "" {
		hash, err := crypto.HashPasswordCost(*req.Password, s.bcryptCost)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "password_hash_failed")
			return
		}
		identity.PasswordHash = &hash
	}

	if err := s.store.CreateIdentity(r.Context(), identity); err != nil {
		log.Printf("identity create failed for %s: %v", req.Username, err)
		writeError(w, http.StatusBadRequest, "identity_create_failed")
		return
	}
	writeJSON(w, http.StatusCreated, summarize(identity))
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	identityID := chi.URLParam(r, "identityID")
	identity, err := s.store.GetIdentityByID(r.Context(), identityID)
	if err != nil {
		writeError(w, http.StatusNotFound, "identity_not_found")
		return
	}
	writeJSON(w, http.StatusOK, summarize(identity))
}

type patchStatusRequest struct {
	Status model.Status `json:"status"`
}

func (s *Server) handlePatchStatus(w http.ResponseWriter, r *http.Request) {
	identityID := chi.URLParam(r, "identityID")

	var req patchStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if !model.ValidStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid_status")
		return
	}

	if err := s.store.UpdateIdentityStatus(r.Context(), identityID, req.Status); err != nil {
		writeError(w, http.StatusNotFound, "identity_not_found")
		return
	}

	// Leaving the enabled state is a forced logout: drop every live session
	// so the change bites even before the next authorize call.
	if req.Status != model.StatusEnabled {
		if err := s.sessions.RevokeAll(r.Context(), identityID); err != nil {
			log.Printf("session revocation failed for %s: %v", identityID, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type putGrantsRequest struct {
	Grants []grantEntry `json:"grants"`
}

type grantEntry struct {
	Category string `json:"category"`
	Level    int    `json:"level"`
}

func (s *Server) handlePutGrants(w http.ResponseWriter, r *http.Request) {
	identityID := chi.URLParam(r, "identityID")
	if _, err := s.store.GetIdentityByID(r.Context(), identityID); err != nil {
		writeError(w, http.StatusNotFound, "identity_not_found")
		return
	}

	var req putGrantsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	known := map[string]bool{}
	for _, category := range model.Categories() {
		known[category] = true
	}
	for _, entry := range req.Grants {
		if !known[entry.Category] || entry.Level < model.GrantNone || entry.Level > model.GrantAdminister {
			writeError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
	}

	for _, entry := range req.Grants {
		grant := model.PermissionGrant{
			IdentityID: identityID,
			Category:   entry.Category,
			Level:      entry.Level,
		}
		if err := s.store.UpsertGrant(r.Context(), grant); err != nil {
			log.Printf("grant update failed for %s/%s: %v", identityID, entry.Category, err)
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type patchGlobalAdminRequest struct {
	GlobalAdmin bool `json:"globalAdmin"`
}

func (s *Server) handlePatchGlobalAdmin(w http.ResponseWriter, r *http.Request) {
	identityID := chi.URLParam(r, "identityID")

	var req patchGlobalAdminRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.store.SetGlobalAdmin(r.Context(), identityID, req.GlobalAdmin); err != nil {
		writeError(w, http.StatusNotFound, "identity_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.jwks)
}

// handleCalendarExport serves the public calendar feed placeholder that the
// prefix allowlist exists for; feed content comes from the academics domain
// service.
func (s *Server) handleCalendarExport(w http.ResponseWriter, r *http.Request) {
	feed := chi.URLParam(r, "feed")
	w.Header().Set("Content-Type", "text/calendar")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//campus//auth//" + feed + "\r\nEND:VCALENDAR\r\n"))
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
