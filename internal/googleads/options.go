package googleads

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAPIVersion = "v18"
	defaultBaseURL    = "https://googleads.googleapis.com"
	defaultTimeout    = 60 * time.Second
)

// Option configures optional Client settings.
type Option func(*options) error

// options holds optional configuration for creating a Client.
type options struct {
	// apiVersion is the Google Ads API version path segment.
	apiVersion string

	// baseURL is the base URL for API requests.
	baseURL string

	// httpClient is a custom HTTP client.
	httpClient *http.Client

	// logger is the structured logger.
	logger *zap.Logger

	// loginCustomerID is the manager account the requests act through.
	loginCustomerID string

	// timeout is the HTTP client timeout.
	timeout time.Duration

	// tokenURL overrides the OAuth token endpoint.
	tokenURL string
}

// WithAPIVersion sets the API version, e.g. "v18".
func WithAPIVersion(version string) Option {
	return func(o *options) error {
		version = strings.TrimSpace(version)
		if !strings.HasPrefix(version, "v") {
			return fmt.Errorf("API version must look like v18, got %q", version)
		}
		o.apiVersion = version
		return nil
	}
}

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) Option {
	return func(o *options) error {
		baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
		if baseURL == "" {
			return fmt.Errorf("base URL cannot be empty")
		}
		o.baseURL = baseURL
		return nil
	}
}

// WithHTTPClient sets a custom HTTP client. Overrides WithTimeout.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(o *options) error {
		if httpClient == nil {
			return fmt.Errorf("HTTP client cannot be nil")
		}
		o.httpClient = httpClient
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		o.logger = logger
		return nil
	}
}

// WithLoginCustomerID sets the manager account used to access client accounts.
func WithLoginCustomerID(id string) Option {
	return func(o *options) error {
		id = normalizeCustomerID(id)
		if id == "" {
			return fmt.Errorf("login customer ID cannot be empty")
		}
		o.loginCustomerID = id
		return nil
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", timeout)
		}
		o.timeout = timeout
		return nil
	}
}

// WithTokenURL sets a custom OAuth token endpoint.
func WithTokenURL(tokenURL string) Option {
	return func(o *options) error {
		tokenURL = strings.TrimSpace(tokenURL)
		if tokenURL == "" {
			return fmt.Errorf("token URL cannot be empty")
		}
		o.tokenURL = tokenURL
		return nil
	}
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *options {
	return &options{
		apiVersion: defaultAPIVersion,
		baseURL:    defaultBaseURL,
		logger:     zap.NewNop(),
		timeout:    defaultTimeout,
		tokenURL:   Endpoint.TokenURL,
	}
}

// normalizeCustomerID strips the dashes of the 123-456-7890 display form.
func normalizeCustomerID(id string) string {
	return strings.ReplaceAll(strings.TrimSpace(id), "-", "")
}
