package api

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Role orders API privileges. Each role covers the ones below it.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleOperator:
		return 1
	case RoleViewer:
		return 0
	}
	return -1
}

// Covers reports whether r grants at least the privileges of required.
func (r Role) Covers(required Role) bool {
	return r.rank() >= required.rank()
}

// ParseRole normalizes a role string.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(s)) {
	case RoleViewer:
		return RoleViewer, nil
	case RoleOperator:
		return RoleOperator, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("unknown role: %q", s)
}

// methodRoles is the minimum role per HTTP method when RBAC enforcement is
// on. Reads are viewer-level, mutations operator-level.
var methodRoles = map[string]Role{
	http.MethodGet:    RoleViewer,
	http.MethodHead:   RoleViewer,
	http.MethodPost:   RoleOperator,
	http.MethodPut:    RoleOperator,
	http.MethodPatch:  RoleOperator,
	http.MethodDelete: RoleOperator,
}

// AuthKind distinguishes the three authentication outcomes.
type AuthKind int

const (
	// AuthUnauthenticated means no credentials were presented.
	AuthUnauthenticated AuthKind = iota

	// AuthDenied means credentials were presented and rejected.
	AuthDenied

	// AuthAuthenticated means the request carries a valid identity.
	AuthAuthenticated
)

// AuthResult is the outcome of credential evaluation. Exactly one kind
// applies: authenticated carries a role, denied carries the rejection
// reason, unauthenticated carries nothing.
type AuthResult struct {
	Kind   AuthKind
	Role   Role
	Reason string
}

// Authenticated builds the success outcome.
func Authenticated(role Role) AuthResult {
	return AuthResult{Kind: AuthAuthenticated, Role: role}
}

// Denied builds the rejection outcome.
func Denied(reason string) AuthResult {
	return AuthResult{Kind: AuthDenied, Reason: reason}
}

// Unauthenticated builds the no-credentials outcome.
func Unauthenticated() AuthResult {
	return AuthResult{Kind: AuthUnauthenticated}
}

var (
	errTokenUnknown = errors.New("unknown token")
	errTokenExpired = errors.New("token expired")
	errTokenKind    = errors.New("wrong token kind")
)

// tokenKind separates short-lived access tokens from refresh tokens.
type tokenKind int

const (
	kindAccess tokenKind = iota
	kindRefresh
)

type issuedToken struct {
	role      Role
	kind      tokenKind
	createdAt time.Time
	expiresAt time.Time
}

// TokenPair is returned by the issue and refresh endpoints.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Role         Role      `json:"role"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// tokenStore issues and validates opaque bearer tokens. Values are random
// 256-bit hex strings; the table holds digests rather than raw values, keyed
// by the configured secret, so the table never contains usable credentials.
// Tokens live in memory only: restarting the daemon revokes everything.
type tokenStore struct {
	secret     string
	accessTTL  time.Duration
	refreshTTL time.Duration

	mu     sync.RWMutex
	tokens map[string]issuedToken
}

func newTokenStore(secret string, accessTTL, refreshTTL time.Duration) *tokenStore {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 720 * time.Hour
	}
	return &tokenStore{
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		tokens:     make(map[string]issuedToken),
	}
}

func newTokenValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *tokenStore) digest(value string) string {
	if s.secret == "" {
		sum := sha256.Sum256([]byte(value))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue mints an access/refresh pair for the role.
func (s *tokenStore) Issue(role Role) (TokenPair, error) {
	access, err := newTokenValue()
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := newTokenValue()
	if err != nil {
		return TokenPair{}, err
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.tokens[s.digest(access)] = issuedToken{
		role:      role,
		kind:      kindAccess,
		createdAt: now,
		expiresAt: now.Add(s.accessTTL),
	}
	s.tokens[s.digest(refresh)] = issuedToken{
		role:      role,
		kind:      kindRefresh,
		createdAt: now,
		expiresAt: now.Add(s.refreshTTL),
	}
	s.mu.Unlock()

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		Role:         role,
		ExpiresAt:    now.Add(s.accessTTL),
	}, nil
}

// Validate resolves an access token to its role.
func (s *tokenStore) Validate(value string) (Role, error) {
	s.mu.RLock()
	tok, ok := s.tokens[s.digest(value)]
	s.mu.RUnlock()
	if !ok {
		return "", errTokenUnknown
	}
	if tok.kind != kindAccess {
		return "", errTokenKind
	}
	if time.Now().After(tok.expiresAt) {
		return "", errTokenExpired
	}
	return tok.role, nil
}

// Refresh rotates a refresh token into a fresh pair. The old refresh token
// is revoked so each one works exactly once.
func (s *tokenStore) Refresh(value string) (TokenPair, error) {
	key := s.digest(value)
	s.mu.Lock()
	tok, ok := s.tokens[key]
	if !ok {
		s.mu.Unlock()
		return TokenPair{}, errTokenUnknown
	}
	if tok.kind != kindRefresh {
		s.mu.Unlock()
		return TokenPair{}, errTokenKind
	}
	delete(s.tokens, key)
	s.mu.Unlock()

	if time.Now().After(tok.expiresAt) {
		return TokenPair{}, errTokenExpired
	}
	return s.Issue(tok.role)
}

// Cleanup drops expired tokens and returns how many were removed.
func (s *tokenStore) Cleanup() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, tok := range s.tokens {
		if now.After(tok.expiresAt) {
			delete(s.tokens, key)
			removed++
		}
	}
	return removed
}

func (s *tokenStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// authenticate evaluates the request's credentials. With no API key
// configured the surface is open and every request runs as the configured
// key role. Otherwise credentials come from X-API-Key (the static key) or
// Authorization: Bearer (the static key or an issued access token).
func (s *Server) authenticate(r *http.Request) AuthResult {
	if s.cfg.Key == "" {
		return Authenticated(s.keyRole)
	}

	if v := r.Header.Get("X-API-Key"); v != "" {
		if subtle.ConstantTimeCompare([]byte(v), []byte(s.cfg.Key)) == 1 {
			return Authenticated(s.keyRole)
		}
		return Denied("invalid api key")
	}

	if h := r.Header.Get("Authorization"); h != "" {
		value, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return Denied("unsupported authorization scheme")
		}
		value = strings.TrimSpace(value)
		if subtle.ConstantTimeCompare([]byte(value), []byte(s.cfg.Key)) == 1 {
			return Authenticated(s.keyRole)
		}
		role, err := s.tokens.Validate(value)
		if err != nil {
			return Denied(err.Error())
		}
		return Authenticated(role)
	}

	return Unauthenticated()
}

// requireAuth gates a subtree on authentication and, when RBAC enforcement
// is on, on the per-method minimum role. Missing credentials get 401,
// rejected or under-privileged ones 403.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := s.authenticate(r)
		switch res.Kind {
		case AuthUnauthenticated:
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		case AuthDenied:
			writeError(w, r, http.StatusForbidden, res.Reason)
			return
		}
		if s.cfg.RBACEnforce {
			required, ok := methodRoles[r.Method]
			if !ok {
				required = RoleAdmin
			}
			if !res.Role.Covers(required) {
				writeError(w, r, http.StatusForbidden,
					fmt.Sprintf("role %s may not %s", res.Role, r.Method))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type tokenRequest struct {
	Role string `json:"role,omitempty"`
}

// handleTokenIssue mints a token pair. The caller authenticates with the
// static API key; the pair carries the key's role unless a lower one is
// requested.
func (s *Server) handleTokenIssue(w http.ResponseWriter, r *http.Request) {
	res := s.authenticate(r)
	switch res.Kind {
	case AuthUnauthenticated:
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	case AuthDenied:
		writeError(w, r, http.StatusForbidden, res.Reason)
		return
	}

	role := res.Role
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.Role != "" {
		requested, err := ParseRole(req.Role)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if !res.Role.Covers(requested) {
			writeError(w, r, http.StatusForbidden,
				fmt.Sprintf("role %s may not issue %s tokens", res.Role, requested))
			return
		}
		role = requested
	}

	pair, err := s.tokens.Issue(role)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info().Str("role", string(role)).Msg("token pair issued")
	writeJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleTokenRefresh exchanges a refresh token for a new pair. The refresh
// token itself is the credential, so no other auth applies.
func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}
	pair, err := s.tokens.Refresh(req.RefreshToken)
	if err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pair)
}
