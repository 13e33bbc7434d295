package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/wudi/edgeproxy/internal/config"
	"github.com/wudi/edgeproxy/internal/errors"
	"github.com/wudi/edgeproxy/internal/logging"
)

// standardParams are authorize-URL parameters owned by the gate; additional
// configured params that would collide with them are skipped.
var standardParams = map[string]bool{
	"response_type": true, "client_id": true, "redirect_uri": true,
	"scope": true, "state": true, "code_challenge": true,
	"code_challenge_method": true,
}

var cookieTagPattern = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Gate enforces the OAuth2 authorization-code flow for protected routes.
// One Gate serves all routes; per-route credentials are isolated by cookie
// naming and the state table.
type Gate struct {
	sessions *SessionStore
	states   *stateTable
	client   *http.Client
}

// NewGate creates a gate with its own session and state tables.
func NewGate() *Gate {
	return &Gate{
		sessions: NewSessionStore(),
		states:   newStateTable(),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Sessions exposes the session store for handlers that forward tokens.
func (g *Gate) Sessions() *SessionStore { return g.sessions }

// Run sweeps the state and session tables until stop closes.
func (g *Gate) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.states.sweep()
			g.sessions.Sweep()
		case <-stop:
			return
		}
	}
}

// CookieName derives the per-route session cookie so two routes with
// distinct credentials never collide.
func CookieName(oa *config.OAuth2Config, routeName string) string {
	sum := sha256.Sum256([]byte(oa.ClientID))
	tag := cookieTagPattern.ReplaceAllString(routeName, "_")
	provider := cookieTagPattern.ReplaceAllString(oa.Provider, "_")
	if provider == "" {
		provider = "oauth"
	}
	return fmt.Sprintf("oauth2_%s_%s_%s", provider, tag, hex.EncodeToString(sum[:4]))
}

// Handle runs the gate for one request. It returns the attached session
// and whether the gate already wrote a terminal response.
func (g *Gate) Handle(w http.ResponseWriter, r *http.Request, oa *config.OAuth2Config, routeName string, isPublic bool) (*Session, bool) {
	cookieName := CookieName(oa, routeName)

	var session *Session
	if c, err := r.Cookie(cookieName); err == nil {
		if s, ok := g.sessions.Get(c.Value); ok {
			session = s
		}
	}

	if r.URL.Path == oa.CallbackPath {
		g.handleCallback(w, r, oa, routeName, cookieName)
		return nil, true
	}

	if isPublic || session != nil {
		return session, false
	}

	g.redirectToAuthorize(w, r, oa, routeName)
	return nil, true
}

// IsAuthenticated reports whether the session id maps to a valid session.
func (g *Gate) IsAuthenticated(sessionID string) bool {
	_, ok := g.sessions.Get(sessionID)
	return ok
}

// Logout deletes the session and instructs the client to drop its cookie.
func (g *Gate) Logout(w http.ResponseWriter, oa *config.OAuth2Config, routeName, sessionID string) {
	g.sessions.Delete(sessionID)
	clearCookie(w, CookieName(oa, routeName))
}

// Refresh exchanges the session's refresh token for a new access token.
func (g *Gate) Refresh(ctx context.Context, sessionID string, oa *config.OAuth2Config, redirectURL string) error {
	session, ok := g.sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("no session %q", sessionID)
	}
	if session.RefreshToken == "" {
		return fmt.Errorf("session %q has no refresh token", sessionID)
	}

	cfg := g.oauthConfig(oa, redirectURL)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.client)
	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: session.RefreshToken}).Token()
	if err != nil {
		return fmt.Errorf("refreshing token: %w", err)
	}

	g.sessions.Put(sessionFromToken(session.ID, token))
	return nil
}

// BuildAuthorizeURL mints a state (and PKCE verifier when enabled) and
// returns the provider authorize URL for it.
func (g *Gate) BuildAuthorizeURL(oa *config.OAuth2Config, routeName, redirectURL string) string {
	state := uuid.NewString()

	var opts []oauth2.AuthCodeOption
	verifier := ""
	if oa.PKCE {
		verifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	for k, v := range oa.AdditionalParams {
		if standardParams[k] {
			continue
		}
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	g.states.put(state, routeName, verifier)
	return g.oauthConfig(oa, redirectURL).AuthCodeURL(state, opts...)
}

func (g *Gate) redirectToAuthorize(w http.ResponseWriter, r *http.Request, oa *config.OAuth2Config, routeName string) {
	authorizeURL := g.BuildAuthorizeURL(oa, routeName, redirectURLFor(r, oa))

	// API clients get a machine-readable 401; browsers get the redirect.
	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprintf(w, `{"code":401,"kind":%q,"message":"authentication required","authorize_url":%q}`+"\n",
			errors.KindAuthRequired, authorizeURL)
		return
	}
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

func (g *Gate) handleCallback(w http.ResponseWriter, r *http.Request, oa *config.OAuth2Config, routeName, cookieName string) {
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		clearCookie(w, cookieName)
		logging.Warn("oauth2 provider returned error",
			zap.String("route", routeName), zap.String("error", errParam))
		errors.New(http.StatusBadRequest, errors.KindAuthStateInvalid,
			"authorization failed: "+errParam).Write(w, r)
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		errors.New(http.StatusBadRequest, errors.KindAuthStateInvalid, "missing code or state").Write(w, r)
		return
	}

	rec, ok := g.states.take(state)
	if !ok {
		errors.New(http.StatusBadRequest, errors.KindAuthStateInvalid, "unknown or expired state").Write(w, r)
		return
	}

	var opts []oauth2.AuthCodeOption
	if rec.codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(rec.codeVerifier))
	}

	ctx := context.WithValue(r.Context(), oauth2.HTTPClient, g.client)
	token, err := g.oauthConfig(oa, redirectURLFor(r, oa)).Exchange(ctx, code, opts...)
	if err != nil {
		logging.Error("oauth2 token exchange failed",
			zap.String("route", routeName), zap.Error(err))
		errors.New(http.StatusBadRequest, errors.KindAuthStateInvalid, "token exchange failed").Write(w, r)
		return
	}

	// Reuse the browser's existing session slot when it has one.
	sessionID := ""
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		sessionID = c.Value
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	g.sessions.Put(sessionFromToken(sessionID, token))

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	target := oa.BaseURL
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// UpstreamHeaders returns the X-OAuth2-* headers forwarded with a session.
func UpstreamHeaders(s *Session, oa *config.OAuth2Config) map[string]string {
	headers := map[string]string{
		"X-OAuth2-Access-Token": s.AccessToken,
		"X-OAuth2-Token-Type":   s.TokenType,
	}
	if s.Scope != "" {
		headers["X-OAuth2-Scope"] = s.Scope
	}
	if s.ExpiresAt != nil {
		headers["X-OAuth2-Expires-At"] = strconv.FormatInt(s.ExpiresAt.Unix(), 10)
	}
	if oa.SubscriptionKeyHeader != "" && oa.SubscriptionKey != "" {
		headers[oa.SubscriptionKeyHeader] = oa.SubscriptionKey
	}
	return headers
}

func (g *Gate) oauthConfig(oa *config.OAuth2Config, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     oa.ClientID,
		ClientSecret: oa.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  oa.AuthURL,
			TokenURL: oa.TokenURL,
		},
		RedirectURL: redirectURL,
		Scopes:      oa.Scopes,
	}
}

func sessionFromToken(id string, token *oauth2.Token) *Session {
	s := &Session{
		ID:           id,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if scope, ok := token.Extra("scope").(string); ok {
		s.Scope = scope
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		s.ExpiresAt = &expiry
	}
	s.Subject = subjectOf(token)
	return s
}

// subjectOf extracts the subject claim from the id_token (or, failing
// that, a JWT-shaped access token). Used for upstream identity headers
// and statistics, never for validation.
func subjectOf(token *oauth2.Token) string {
	candidates := []string{}
	if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" {
		candidates = append(candidates, idToken)
	}
	candidates = append(candidates, token.AccessToken)

	parser := jwt.NewParser()
	for _, raw := range candidates {
		claims := jwt.MapClaims{}
		if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
			continue
		}
		if sub, err := claims.GetSubject(); err == nil && sub != "" {
			return sub
		}
	}
	return ""
}

func redirectURLFor(r *http.Request, oa *config.OAuth2Config) string {
	if oa.BaseURL != "" {
		return strings.TrimSuffix(oa.BaseURL, "/") + oa.CallbackPath
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + oa.CallbackPath
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}
