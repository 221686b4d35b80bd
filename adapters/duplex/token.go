package duplex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vneid-labs/voicekit/internal/auth"
)

// tokenRefreshMargin is how long before expiry a cached token stops being
// presented.
const tokenRefreshMargin = 30 * time.Second

// TokenClient fetches short-lived room access tokens from the token-issuing
// endpoint (GET /token?room=<name>&identity=<id>) and caches them until close
// to expiry.
type TokenClient struct {
	endpoint string
	room     string
	identity string
	client   *http.Client
	logger   *zap.Logger

	mu     sync.Mutex
	token  string
	wsURL  string
	expiry time.Time
}

// NewTokenClient creates a client for the given token endpoint.
func NewTokenClient(endpoint, room, identity string, logger *zap.Logger) (*TokenClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("token endpoint is required")
	}
	if room == "" || identity == "" {
		return nil, fmt.Errorf("room and identity are required")
	}
	return &TokenClient{
		endpoint: endpoint,
		room:     room,
		identity: identity,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}, nil
}

// Credentials returns a valid access token and the transport URL, fetching a
// fresh token when the cached one is missing or near expiry.
func (c *TokenClient) Credentials(ctx context.Context) (token, wsURL string, err error) {
	c.mu.Lock()
	if c.token != "" && time.Until(c.expiry) > tokenRefreshMargin {
		token, wsURL = c.token, c.wsURL
		c.mu.Unlock()
		return token, wsURL, nil
	}
	c.mu.Unlock()

	return c.fetch(ctx)
}

func (c *TokenClient) fetch(ctx context.Context) (string, string, error) {
	endpoint := fmt.Sprintf("%s?room=%s&identity=%s",
		c.endpoint, url.QueryEscape(c.room), url.QueryEscape(c.identity))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("ngrok-skip-browser-warning", "true")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetching token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var payload struct {
		Token string `json:"token"`
		URL   string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", "", fmt.Errorf("decoding token response: %w", err)
	}
	if payload.Token == "" || payload.URL == "" {
		return "", "", fmt.Errorf("token response missing token or url")
	}

	expiry, err := auth.TokenExpiry(payload.Token)
	if err != nil {
		// The token is still presentable; it just cannot be cached safely.
		c.logger.Warn("token expiry not inspectable", zap.Error(err))
		expiry = time.Now()
	}

	c.mu.Lock()
	c.token = payload.Token
	c.wsURL = payload.URL
	c.expiry = expiry
	c.mu.Unlock()

	c.logger.Info("room token fetched",
		zap.String("room", c.room),
		zap.Time("expiry", expiry))
	return payload.Token, payload.URL, nil
}
