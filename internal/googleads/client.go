package googleads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/peteski22/adsmirror/internal/entity"
	mirror "github.com/peteski22/adsmirror/internal/sync"
)

// Client is a Google Ads API client. It implements the sync source adapter.
type Client struct {
	// apiVersion is the API version path segment.
	apiVersion string

	// baseURL is the base URL for API requests.
	baseURL string

	// config holds the client configuration.
	config Config

	// httpClient is the HTTP client for making requests.
	httpClient *http.Client

	// logger is the structured logger.
	logger *zap.Logger

	// loginCustomerID is the manager account the requests act through.
	loginCustomerID string

	// now returns the current time.
	now func() time.Time

	// tokenManager handles OAuth token refresh.
	tokenManager *tokenManager
}

// FetchEntities returns one page of entities. With Since set, entity types tracked by
// change_status are narrowed to the resources changed since then, and each entity carries
// its change time in entity.LastModifiedField.
func (c *Client) FetchEntities(ctx context.Context, req mirror.FetchRequest) (mirror.Batch, error) {
	q, err := queryFor(req.EntityType)
	if err != nil {
		return mirror.Batch{}, err
	}
	customerID := normalizeCustomerID(req.CustomerID)

	var (
		transferred int64
		changed     map[string]string
	)
	if req.Since != nil && q.changeResource != "" {
		var n int64
		changed, n, err = c.changedResources(ctx, customerID, q, *req.Since)
		transferred += n
		if err != nil {
			return mirror.Batch{Bytes: transferred}, err
		}
		if len(changed) == 0 {
			return mirror.Batch{Bytes: transferred}, nil
		}
	}

	gaql := q.build(req, slices.Sorted(maps.Keys(changed)), c.now())

	page, n, err := c.search(ctx, customerID, gaql, req.Cursor)
	transferred += n
	if err != nil {
		return mirror.Batch{Bytes: transferred}, fmt.Errorf("searching %s: %w", req.EntityType, err)
	}

	entities := make([]entity.Entity, 0, len(page.Results))
	for _, row := range page.Results {
		e, err := q.toEntity(req.EntityType, row)
		if err != nil {
			return mirror.Batch{Bytes: transferred}, fmt.Errorf("mapping %s row: %w", req.EntityType, err)
		}
		if name, ok := e.Fields[q.resourceNameField].(string); ok {
			if changedAt, ok := changed[name]; ok {
				e.Fields[entity.LastModifiedField] = changedAt
			}
		}
		entities = append(entities, e)
	}

	return mirror.Batch{
		Bytes:      transferred,
		Entities:   entities,
		NextCursor: page.NextPageToken,
	}, nil
}

// changedResources returns the resource names changed since the given time, mapped to
// their last change time.
func (c *Client) changedResources(
	ctx context.Context,
	customerID string,
	q query,
	since time.Time,
) (map[string]string, int64, error) {
	gaql := q.changeStatusQuery(since, c.now())
	field := q.changedField()

	changed := make(map[string]string)
	var transferred int64
	var rows int
	cursor := ""
	for {
		page, n, err := c.search(ctx, customerID, gaql, cursor)
		transferred += n
		if err != nil {
			return nil, transferred, fmt.Errorf("listing changed %s resources: %w", q.changeResource, err)
		}

		for _, row := range page.Results {
			fields := flatten(row)
			name, _ := fields[field].(string)
			if name == "" {
				continue
			}
			changedAt, _ := fields["change_status.last_change_date_time"].(string)
			changed[name] = changedAt
		}
		rows += len(page.Results)

		if page.NextPageToken == "" {
			break
		}
		cursor = page.NextPageToken
	}

	if rows >= changeStatusLimit {
		c.logger.Warn("Change status listing hit its row cap, older changes may be missed",
			zap.String("customer_id", customerID),
			zap.String("resource_type", q.changeResource),
			zap.Time("since", since),
		)
	}

	return changed, transferred, nil
}

// search runs one page of a GAQL query.
func (c *Client) search(ctx context.Context, customerID string, gaql string, pageToken string) (*searchResponse, int64, error) {
	reqURL := fmt.Sprintf("%s/%s/customers/%s/googleAds:search", c.baseURL, c.apiVersion, customerID)

	var result searchResponse
	n, err := c.doRequest(ctx, http.MethodPost, reqURL, searchRequest{PageToken: pageToken, Query: gaql}, &result)
	if err != nil {
		return nil, n, err
	}
	return &result, n, nil
}

// doRequest executes an HTTP request with authentication and JSON encoding. It returns
// the response size and maps failures onto the sync error taxonomy.
func (c *Client) doRequest(ctx context.Context, method string, reqURL string, body any, result any) (int64, error) {
	accessToken, err := c.tokenManager.AccessToken(ctx)
	if err != nil {
		return 0, fmt.Errorf("getting access token: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshaling request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("developer-token", c.config.DeveloperToken)
	if c.loginCustomerID != "" {
		req.Header.Set("login-customer-id", c.loginCustomerID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("executing request: %w", ctx.Err())
		}
		return 0, fmt.Errorf("%w: executing request: %w", mirror.ErrTransientFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	n := int64(len(respBody))
	if err != nil {
		return n, fmt.Errorf("%w: reading response: %w", mirror.ErrTransientFetch, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return n, c.statusError(resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return n, fmt.Errorf("decoding response: %w", err)
		}
	}

	return n, nil
}

// statusError classifies a non-2xx response.
func (c *Client) statusError(status int, body []byte) error {
	msg := string(body)
	var apiErr errorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		msg = fmt.Sprintf("%s: %s", apiErr.Error.Status, apiErr.Error.Message)
	}
	err := fmt.Errorf("unexpected status %d: %s", status, msg)

	switch {
	case status == http.StatusUnauthorized:
		c.tokenManager.invalidate()
		return fmt.Errorf("%w: %w", mirror.ErrAuthExpired, err)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", mirror.ErrRateLimitExceeded, err)
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", mirror.ErrTransientFetch, err)
	default:
		return err
	}
}

// Config holds the required configuration for creating a Client.
type Config struct {
	// ClientID is the OAuth client identifier.
	ClientID string

	// ClientSecret is the OAuth client secret.
	ClientSecret string

	// DeveloperToken is the Google Ads API developer token.
	DeveloperToken string

	// TokenStore provides access to OAuth tokens.
	TokenStore TokenStore
}

// validate checks that all required Config fields are set.
func (c *Config) validate() error {
	var errs []error
	if c.ClientID == "" {
		errs = append(errs, errors.New("client ID is required"))
	}
	if c.ClientSecret == "" {
		errs = append(errs, errors.New("client secret is required"))
	}
	if c.DeveloperToken == "" {
		errs = append(errs, errors.New("developer token is required"))
	}
	if c.TokenStore == nil {
		errs = append(errs, errors.New("token store is required"))
	}
	return errors.Join(errs...)
}

// NewClient creates a new Google Ads API client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
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

	return &Client{
		apiVersion:      o.apiVersion,
		baseURL:         o.baseURL,
		config:          cfg,
		httpClient:      httpClient,
		logger:          o.logger,
		loginCustomerID: o.loginCustomerID,
		now:             time.Now,
		tokenManager: newTokenManager(
			oauthConfig(cfg.ClientID, cfg.ClientSecret, "", o.tokenURL),
			cfg.TokenStore,
			httpClient,
		),
	}, nil
}
