package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/you/tunereactor/internal/core"
	"github.com/you/tunereactor/internal/helix"
	"github.com/you/tunereactor/internal/store"
)

// The browser credential-grant UI is an external collaborator; the core
// only consumes its result.
type GrantResult struct {
	AccessToken string
	Scopes      []string
	State       string
}

type GrantFlow func(ctx context.Context) (GrantResult, error)

var (
	ErrGrantCancelled      = errors.New("auth: grant cancelled")
	ErrMissingClientConfig = errors.New("auth: client id is not configured")
	ErrNotAuthenticated    = errors.New("auth: not authenticated")
	ErrTokenExpired        = errors.New("auth: token expired")
)

// InsufficientScopesError reports the scopes the grant was missing.
type InsufficientScopesError struct {
	Missing []string
}

func (e *InsufficientScopesError) Error() string {
	return "auth: token is missing scopes: " + strings.Join(e.Missing, ", ")
}

// ValidationError reports an upstream token-validation failure.
type ValidationError struct {
	Status int
	Body   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("auth: token validation failed: status %d: %s", e.Status, e.Body)
}

// expiryPadding is the minimum remaining lifetime a credential must have
// to be handed out.
const expiryPadding = 30 * time.Second

// Authority owns the OAuth credential: acquisition, upstream validation,
// scope enforcement, and invalidation. The credential never leaves this
// package except as a value copy.
type Authority struct {
	ClientID       string
	RequiredScopes []string
	Flow           GrantFlow
	Helix          *helix.Client
	HTTP           *http.Client
	KV             *store.KV

	validateURL string
	now         func() time.Time

	mu       sync.Mutex
	cred     *core.Credential
	onExpire []func(reason string)
}

func New(clientID string, requiredScopes []string, flow GrantFlow) *Authority {
	return &Authority{
		ClientID:       clientID,
		RequiredScopes: requiredScopes,
		Flow:           flow,
		HTTP:           &http.Client{Timeout: 15 * time.Second},
		validateURL:    "https://id.twitch.tv/oauth2/validate",
		now:            time.Now,
	}
}

// OnExpire registers a hook run whenever the credential is destroyed.
// Hooks tear down dependent subsystems (session, reconciler, scheduler).
func (a *Authority) OnExpire(fn func(reason string)) {
	a.mu.Lock()
	a.onExpire = append(a.onExpire, fn)
	a.mu.Unlock()
}

// Connect runs the external grant flow, validates the returned token
// against the required scopes, and fetches the owning identity's profile.
func (a *Authority) Connect(ctx context.Context) (core.Credential, error) {
	if strings.TrimSpace(a.ClientID) == "" {
		return core.Credential{}, ErrMissingClientConfig
	}
	if a.Flow == nil {
		return core.Credential{}, ErrMissingClientConfig
	}

	grant, err := a.Flow(ctx)
	if err != nil {
		if errors.Is(err, ErrGrantCancelled) || errors.Is(err, context.Canceled) {
			return core.Credential{}, ErrGrantCancelled
		}
		return core.Credential{}, fmt.Errorf("auth: grant flow: %w", err)
	}
	token := strings.TrimSpace(grant.AccessToken)
	if token == "" {
		return core.Credential{}, ErrGrantCancelled
	}

	v, err := a.validate(ctx, token)
	if err != nil {
		return core.Credential{}, err
	}

	scopes := v.Scopes
	if len(scopes) == 0 {
		scopes = grant.Scopes
	}
	if missing := missingScopes(a.RequiredScopes, scopes); len(missing) > 0 {
		return core.Credential{}, &InsufficientScopesError{Missing: missing}
	}

	cred := core.Credential{
		AccessToken: token,
		TokenType:   "bearer",
		Scopes:      scopes,
		UserID:      v.UserID,
		Login:       v.Login,
		ObtainedAt:  a.now(),
		ExpiresIn:   time.Duration(v.ExpiresIn) * time.Second,
	}

	a.mu.Lock()
	a.cred = &cred
	a.mu.Unlock()

	if a.Helix != nil {
		if user, err := a.Helix.GetSelf(ctx); err == nil {
			a.mu.Lock()
			// the grant may have been torn down while we were fetching
			if a.cred != nil && a.cred.AccessToken == token {
				if user.DisplayName != "" {
					a.cred.Login = user.DisplayName
				}
				if a.cred.UserID == "" {
					a.cred.UserID = user.ID
				}
				cred = *a.cred
			}
			a.mu.Unlock()
		} else {
			slog.Warn("auth: profile fetch failed", "err", err)
		}
	}

	a.persistMeta(ctx, cred)
	slog.Info("auth: authenticated", "login", cred.Login, "user_id", cred.UserID, "scopes", len(cred.Scopes))
	return cred, nil
}

// EnsureValid returns a validated, non-expired credential. Validation goes
// back to the upstream authority every call so externally revoked tokens
// are caught, not just locally expired ones.
func (a *Authority) EnsureValid(ctx context.Context) (core.Credential, error) {
	a.mu.Lock()
	if a.cred == nil {
		a.mu.Unlock()
		return core.Credential{}, ErrNotAuthenticated
	}
	cred := *a.cred
	a.mu.Unlock()

	v, err := a.validate(ctx, cred.AccessToken)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			a.Expire("token validation failed")
			if verr.Status == http.StatusUnauthorized {
				return core.Credential{}, ErrTokenExpired
			}
		}
		return core.Credential{}, err
	}

	a.mu.Lock()
	if a.cred == nil || a.cred.AccessToken != cred.AccessToken {
		// expired or replaced while the validation call was in flight
		a.mu.Unlock()
		return core.Credential{}, ErrNotAuthenticated
	}
	a.cred.ExpiresIn = time.Duration(v.ExpiresIn) * time.Second
	a.cred.ObtainedAt = a.now()
	cred = *a.cred
	a.mu.Unlock()

	if !cred.Usable(a.now(), expiryPadding) {
		a.Expire("token expired")
		return core.Credential{}, ErrTokenExpired
	}
	return cred, nil
}

// Token returns the raw access token, or "" when signed out. Used as the
// Helix client's token provider.
func (a *Authority) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cred == nil {
		return ""
	}
	return a.cred.AccessToken
}

// Current returns a copy of the credential without revalidating.
func (a *Authority) Current() (core.Credential, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cred == nil {
		return core.Credential{}, false
	}
	return *a.cred, true
}

// Expire destroys the credential and runs every registered reset hook.
// Safe to call repeatedly; the hooks only run when a credential was held.
func (a *Authority) Expire(reason string) {
	a.mu.Lock()
	had := a.cred != nil
	a.cred = nil
	hooks := append([]func(string){}, a.onExpire...)
	a.mu.Unlock()

	if !had {
		return
	}
	slog.Info("auth: credential expired", "reason", reason)
	if a.KV != nil {
		_ = a.KV.Delete(context.Background(), store.KeyCredential)
	}
	for _, fn := range hooks {
		fn(reason)
	}
}

type validateResponse struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	Scopes    []string `json:"scopes"`
	UserID    string   `json:"user_id"`
	ExpiresIn int      `json:"expires_in"`
}

func (a *Authority) validate(ctx context.Context, token string) (validateResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.validateURL, nil)
	if err != nil {
		return validateResponse{}, fmt.Errorf("auth: build validate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := a.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return validateResponse{}, fmt.Errorf("auth: validate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return validateResponse{}, &ValidationError{Status: resp.StatusCode, Body: helix.Scrub(readBody(resp))}
	}

	var v validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return validateResponse{}, fmt.Errorf("auth: decode validate response: %w", err)
	}
	return v, nil
}

type credentialMeta struct {
	Login      string    `json:"login"`
	UserID     string    `json:"user_id"`
	Scopes     []string  `json:"scopes"`
	ObtainedAt time.Time `json:"obtained_at"`
}

func (a *Authority) persistMeta(ctx context.Context, cred core.Credential) {
	if a.KV == nil {
		return
	}
	meta := credentialMeta{Login: cred.Login, UserID: cred.UserID, Scopes: cred.Scopes, ObtainedAt: cred.ObtainedAt}
	if err := a.KV.PutJSON(ctx, store.KeyCredential, meta); err != nil {
		slog.Warn("auth: persist credential metadata", "err", err)
	}
}

func missingScopes(required, granted []string) []string {
	have := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		have[strings.TrimSpace(s)] = struct{}{}
	}
	var missing []string
	for _, s := range required {
		if _, ok := have[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

func readBody(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	return string(data)
}
