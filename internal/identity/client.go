package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Clark-Hu/marketplace-ratings/internal/logging"
)

// ErrUnauthenticated is returned when a token does not map to a signed-in user.
var ErrUnauthenticated = errors.New("identity: unauthenticated")

// Resolver maps a caller's bearer token to the authenticated user id.
type Resolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// HeaderResolver trusts the token as the user id. Use it only behind a
// gateway that has already authenticated the caller.
type HeaderResolver struct{}

// Resolve implements Resolver.
func (HeaderResolver) Resolve(_ context.Context, token string) (string, error) {
	id := strings.TrimSpace(token)
	if id == "" {
		return "", ErrUnauthenticated
	}
	return id, nil
}

// HTTPClient implements Resolver against the auth provider's session endpoint.
type HTTPClient struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient constructs a new HTTP-backed resolver.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) (*HTTPClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse identity url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse identity url: %q is not absolute", baseURL)
	}
	return &HTTPClient{
		baseURL: parsed,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   timeout,
				ResponseHeaderTimeout: timeout,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		logger: logger.With(
			zap.String(logging.FieldComponent, "identity"),
			zap.String(logging.FieldType, "http"),
		),
	}, nil
}

// Resolve asks the provider which user owns the session token.
func (c *HTTPClient) Resolve(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrUnauthenticated
	}
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: c.baseURL.Path + "/session"})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var payload sessionResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return "", fmt.Errorf("decode session response: %w", err)
		}
		return userFromSession(payload)
	case http.StatusUnauthorized, http.StatusNotFound:
		return "", ErrUnauthenticated
	default:
		c.logger.Warn("Unexpected identity provider status", zap.Int("status", resp.StatusCode))
		return "", fmt.Errorf("identity: upstream returned %d", resp.StatusCode)
	}
}

type sessionResponse struct {
	UserID  string `json:"userId"`
	Expired bool   `json:"expired"`
}

func userFromSession(payload sessionResponse) (string, error) {
	id := strings.TrimSpace(payload.UserID)
	if id == "" || payload.Expired {
		return "", ErrUnauthenticated
	}
	return id, nil
}
