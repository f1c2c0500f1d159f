package googleads

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	mirror "github.com/peteski22/adsmirror/internal/sync"
)

const (
	// Scope is the OAuth scope of the Google Ads API.
	Scope = "https://www.googleapis.com/auth/adwords"

	// defaultTokenDuration is used when the token response carries no expiry.
	defaultTokenDuration = 60 * time.Minute

	// tokenExpiryBuffer is the time before expiry to trigger a refresh.
	tokenExpiryBuffer = 5 * time.Minute
)

// Endpoint is Google's OAuth 2.0 endpoint.
var Endpoint = oauth2.Endpoint{
	AuthStyle: oauth2.AuthStyleInParams,
	AuthURL:   "https://accounts.google.com/o/oauth2/auth",
	TokenURL:  "https://oauth2.googleapis.com/token",
}

// TokenStore provides access to OAuth tokens.
type TokenStore interface {
	// RefreshToken returns the current refresh token.
	RefreshToken(ctx context.Context) (string, error)

	// SaveRefreshToken saves a new refresh token.
	SaveRefreshToken(ctx context.Context, token string) error
}

// tokenManager exchanges the stored refresh token for access tokens and caches them.
type tokenManager struct {
	// config is the OAuth client configuration.
	config *oauth2.Config

	// httpClient is the HTTP client for token requests.
	httpClient *http.Client

	// mu protects token.
	mu sync.RWMutex

	// now returns the current time.
	now func() time.Time

	// token is the cached access token.
	token *oauth2.Token

	// tokenStore provides access to refresh tokens.
	tokenStore TokenStore
}

// AccessToken returns a valid access token, refreshing if necessary.
func (tm *tokenManager) AccessToken(ctx context.Context) (string, error) {
	if token, ok := tm.cachedToken(); ok {
		return token, nil
	}
	return tm.refreshAccessToken(ctx)
}

// cachedToken returns the cached access token if valid, or false if refresh is needed.
func (tm *tokenManager) cachedToken() (string, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	if tm.isTokenValid() {
		return tm.token.AccessToken, true
	}
	return "", false
}

// isTokenValid checks if the current access token is valid and not near expiry.
// Must be called with at least a read lock held.
func (tm *tokenManager) isTokenValid() bool {
	return tm.token != nil &&
		tm.token.AccessToken != "" &&
		tm.now().Before(tm.token.Expiry.Add(-tokenExpiryBuffer))
}

// refreshAccessToken fetches a new access token using the refresh token.
func (tm *tokenManager) refreshAccessToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	// Double-check after acquiring write lock.
	if tm.isTokenValid() {
		return tm.token.AccessToken, nil
	}

	refreshToken, err := tm.tokenStore.RefreshToken(ctx)
	if err != nil {
		return "", fmt.Errorf("getting refresh token: %w", err)
	}
	if refreshToken == "" {
		return "", fmt.Errorf("%w: no refresh token stored, run the auth command", mirror.ErrAuthExpired)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, tm.httpClient)
	token, err := tm.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", classifyTokenError(err)
	}

	// Save new refresh token if provided.
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		if err := tm.tokenStore.SaveRefreshToken(ctx, token.RefreshToken); err != nil {
			return "", fmt.Errorf("saving refresh token: %w", err)
		}
	}

	if token.Expiry.IsZero() {
		token.Expiry = tm.now().Add(defaultTokenDuration)
	}
	tm.token = token

	return token.AccessToken, nil
}

// invalidate drops the cached access token so the next call refreshes it.
func (tm *tokenManager) invalidate() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.token = nil
}

// classifyTokenError maps a failed refresh onto the sync error taxonomy. A revoked or
// expired grant needs a new consent and is never retried.
func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" ||
			(re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized) {
			return fmt.Errorf("%w: token refresh rejected: %w", mirror.ErrAuthExpired, err)
		}
	}
	return fmt.Errorf("%w: refreshing access token: %w", mirror.ErrTransientFetch, err)
}

// newTokenManager creates a new token manager for handling OAuth authentication.
func newTokenManager(config *oauth2.Config, tokenStore TokenStore, httpClient *http.Client) *tokenManager {
	return &tokenManager{
		config:     config,
		httpClient: httpClient,
		now:        time.Now,
		tokenStore: tokenStore,
	}
}

// AuthConfig holds the configuration for the interactive consent flow.
type AuthConfig struct {
	// ClientID is the OAuth client identifier.
	ClientID string

	// ClientSecret is the OAuth client secret.
	ClientSecret string

	// RedirectURL receives the authorization code.
	RedirectURL string

	// TokenStore receives the refresh token.
	TokenStore TokenStore
}

// validate checks that all required AuthConfig fields are set.
func (c *AuthConfig) validate() error {
	var errs []error
	if c.ClientID == "" {
		errs = append(errs, errors.New("client ID is required"))
	}
	if c.ClientSecret == "" {
		errs = append(errs, errors.New("client secret is required"))
	}
	if c.RedirectURL == "" {
		errs = append(errs, errors.New("redirect URL is required"))
	}
	if c.TokenStore == nil {
		errs = append(errs, errors.New("token store is required"))
	}
	return errors.Join(errs...)
}

// AuthFlow obtains a refresh token through the OAuth authorization code flow.
type AuthFlow struct {
	config     *oauth2.Config
	httpClient *http.Client
	tokenStore TokenStore
}

// NewAuthFlow creates an AuthFlow. Only WithTokenURL, WithHTTPClient and WithTimeout apply.
func NewAuthFlow(cfg AuthConfig, opts ...Option) (*AuthFlow, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: o.timeout}
	}

	return &AuthFlow{
		config:     oauthConfig(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL, o.tokenURL),
		httpClient: httpClient,
		tokenStore: cfg.TokenStore,
	}, nil
}

// URL returns the consent page URL. Offline access with forced approval makes Google
// issue a refresh token every time.
func (f *AuthFlow) URL(state string) string {
	return f.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades the authorization code for tokens and stores the refresh token.
func (f *AuthFlow) Exchange(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("authorization code is required")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	token, err := f.config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}
	if token.RefreshToken == "" {
		return errors.New("token response carried no refresh token")
	}

	if err := f.tokenStore.SaveRefreshToken(ctx, token.RefreshToken); err != nil {
		return fmt.Errorf("saving refresh token: %w", err)
	}
	return nil
}

func oauthConfig(clientID string, clientSecret string, redirectURL string, tokenURL string) *oauth2.Config {
	endpoint := Endpoint
	endpoint.TokenURL = tokenURL

	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     endpoint,
		RedirectURL:  redirectURL,
		Scopes:       []string{Scope},
	}
}
