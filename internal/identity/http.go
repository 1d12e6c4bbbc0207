package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHTTPTimeout  = 10 * time.Second
	defaultAttempts     = 3
	defaultRetryBackoff = 200 * time.Millisecond
)

// APIError wraps non-2xx responses from the identity API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("identity api error: status=%d body=%s", e.StatusCode, e.Body)
}

// HTTPGateway talks to the identity provider's REST API. Tokens are verified
// locally with the shared signing secret.
type HTTPGateway struct {
	BaseURL     string
	APIKey      string
	WorkspaceID string
	Tokens      TokenCodec
	HTTPClient  *http.Client
	Attempts    int
	Backoff     time.Duration
	Logger      *zap.Logger
}

// NewHTTPGateway creates a gateway with default timeouts and retry policy.
func NewHTTPGateway(baseURL, apiKey, workspaceID string, tokens TokenCodec, logger *zap.Logger) *HTTPGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPGateway{
		BaseURL:     baseURL,
		APIKey:      apiKey,
		WorkspaceID: workspaceID,
		Tokens:      tokens,
		HTTPClient:  &http.Client{Timeout: defaultHTTPTimeout},
		Attempts:    defaultAttempts,
		Backoff:     defaultRetryBackoff,
		Logger:      logger,
	}
}

func (g *HTTPGateway) TokenPayload(_ context.Context, token string) (TokenPayload, error) {
	return g.Tokens.Parse(token)
}

func (g *HTTPGateway) GetClient(ctx context.Context, clientID string) (Client, error) {
	var resp Client
	err := g.do(ctx, "clients/"+url.PathEscape(clientID), &resp)
	return resp, err
}

func (g *HTTPGateway) GetClients(ctx context.Context, filter ClientFilter) (ClientPage, error) {
	q := url.Values{}
	if filter.CompanyID != "" {
		q.Set("companyId", filter.CompanyID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.NextToken != "" {
		q.Set("nextToken", filter.NextToken)
	}
	endpoint := "clients"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp ClientPage
	err := g.do(ctx, endpoint, &resp)
	return resp, err
}

func (g *HTTPGateway) GetCompany(ctx context.Context, companyID string) (Company, error) {
	var resp Company
	err := g.do(ctx, "companies/"+url.PathEscape(companyID), &resp)
	return resp, err
}

func (g *HTTPGateway) GetInternalUsers(ctx context.Context) ([]InternalUser, error) {
	var resp struct {
		Data []InternalUser `json:"data"`
	}
	err := g.do(ctx, "internal-users", &resp)
	return resp.Data, err
}

// do issues a GET with bounded retries on network errors, 429 and 5xx.
func (g *HTTPGateway) do(ctx context.Context, endpoint string, out any) error {
	attempts := g.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := g.Backoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := g.once(ctx, endpoint, out)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		g.Logger.Warn("identity request failed",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (g *HTTPGateway) once(ctx context.Context, endpoint string, out any) error {
	client := g.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	target := strings.TrimRight(g.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if g.APIKey != "" {
		req.Header.Set("X-Api-Key", g.APIKey)
	}
	if g.WorkspaceID != "" {
		req.Header.Set("X-Workspace-Id", g.WorkspaceID)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}
