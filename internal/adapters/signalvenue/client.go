// Package signalvenue implements the client used to propagate closes back to
// the venue where trade intent originates (the browser-based front end's
// broker REST API).
package signalvenue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"trademirror/internal/ports"
)

// Client implements ports.SignalVenue over the venue's REST API. Auth tokens
// come from an injected ports.TokenSource owned by the credential capture
// layer.
type Client struct {
	baseURL string
	tokens  ports.TokenSource
	http    *http.Client
	limiter *rate.Limiter
	logger  ports.Logger
}

// Config holds configuration for the signal venue client.
type Config struct {
	BrokerURL string // Host of the broker API, e.g. "broker.example.com"
	AccountID string
	Tokens    ports.TokenSource
	Timeout   time.Duration // Per-request timeout; default 10s
	RateLimit rate.Limit    // Outbound requests per second; default 5
	Logger    ports.Logger
}

// New creates a new signal venue client.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for signal venue client")
	}
	if cfg.BrokerURL == "" || cfg.AccountID == "" {
		return nil, fmt.Errorf("broker URL and account ID are required: %w", ports.ErrConfigurationError)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source is required for signal venue client")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 5
	}
	return &Client{
		baseURL: fmt.Sprintf("https://%s/accounts/%s", cfg.BrokerURL, cfg.AccountID),
		tokens:  cfg.Tokens,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  cfg.Logger,
	}, nil
}

// ClosePosition closes the signal venue position. HTTP 404 means the position
// is already gone and maps to ErrPositionNotFound, which callers reclassify
// as success. A 401 triggers one token refresh and retry.
func (c *Client) ClosePosition(ctx context.Context, positionID string) error {
	if positionID == "" {
		return fmt.Errorf("position ID is required: %w", ports.ErrInvalidRequest)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait aborted: %w", err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("no valid signal venue token: %w: %w", ports.ErrAuthenticationFailed, err)
	}

	status, body, err := c.deletePosition(ctx, positionID, token)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		c.logger.Info(ctx, "Signal venue returned 401, refreshing token and retrying", map[string]interface{}{"positionID": positionID})
		token, err = c.tokens.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("token refresh failed: %w: %w", ports.ErrAuthenticationFailed, err)
		}
		status, body, err = c.deletePosition(ctx, positionID, token)
		if err != nil {
			return err
		}
	}

	switch {
	case status >= 200 && status < 300:
		c.logger.Info(ctx, "Signal venue position closed", map[string]interface{}{"positionID": positionID})
		return nil
	case status == http.StatusNotFound:
		// Already closed on the venue side.
		return fmt.Errorf("position %s: %w", positionID, ports.ErrPositionNotFound)
	case status == http.StatusUnauthorized:
		return fmt.Errorf("close rejected after token refresh: %w", ports.ErrAuthenticationFailed)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("close of position %s throttled: %w", positionID, ports.ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("close of position %s failed with status %d: %w", positionID, status, ports.ErrVenueUnavailable)
	default:
		return fmt.Errorf("close of position %s failed with status %d: %s: %w", positionID, status, strings.TrimSpace(body), ports.ErrUnknown)
	}
}

func (c *Client) deletePosition(ctx context.Context, positionID, token string) (int, string, error) {
	endpoint := fmt.Sprintf("%s/positions/%s?%s", c.baseURL, url.PathEscape(positionID), url.Values{"locale": {"en"}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return 0, "", fmt.Errorf("failed to build close request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, "", fmt.Errorf("close request canceled: %w: %w", ports.ErrContextCanceled, err)
		}
		return 0, "", fmt.Errorf("close request failed: %w: %w", ports.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(body), nil
}
