package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// ClientConfig configures the HTTP/WebSocket platform client.
type ClientConfig struct {
	BaseURL    string
	ExecutorID string
	APIKey     string
	APISecret  string
	Timeout    time.Duration
}

// Client talks to the platform over REST for outbound calls and a WebSocket
// for the inbound command stream.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a platform client.
func NewClient(logger *zap.Logger, cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger.Named("platform-client"),
	}
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.cfg.APIKey)
	req.Header.Set("X-Api-Secret", c.cfg.APISecret)
	req.Header.Set("X-Executor-Id", c.cfg.ExecutorID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

// ErrNotFound marks a missing resource on the platform side.
var ErrNotFound = fmt.Errorf("platform: not found")

// ReportTrade posts one trade event.
func (c *Client) ReportTrade(ctx context.Context, ev types.TradeEvent) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/executors/%s/events", c.cfg.ExecutorID), ev, nil)
}

// ReportHeartbeat posts the heartbeat snapshot.
func (c *Client) ReportHeartbeat(ctx context.Context, hb types.HeartbeatSnapshot) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/executors/%s/heartbeat", c.cfg.ExecutorID), hb, nil)
}

// FetchStrategy pulls the platform's current copy of a strategy config.
// Returns (nil, nil) when the platform does not know the id.
func (c *Client) FetchStrategy(ctx context.Context, id string) (*types.StrategyConfig, error) {
	var cfg types.StrategyConfig
	err := c.do(ctx, http.MethodGet, "/api/strategies/"+url.PathEscape(id), nil, &cfg)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListAvailableStrategies returns the strategies published for this executor.
func (c *Client) ListAvailableStrategies(ctx context.Context) ([]types.StrategyConfig, error) {
	var out []types.StrategyConfig
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/executors/%s/strategies", c.cfg.ExecutorID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Commands dials the platform's command WebSocket and streams commands until
// ctx is cancelled. The connection is re-dialed with backoff on failure; the
// returned channel closes only on cancellation.
func (c *Client) Commands(ctx context.Context) (<-chan types.Command, error) {
	wsURL, err := c.commandSocketURL()
	if err != nil {
		return nil, err
	}

	out := make(chan types.Command, 16)
	go func() {
		defer close(out)
		backoff := time.Second
		for {
			if ctx.Err() != nil {
				return
			}
			if err := c.streamOnce(ctx, wsURL, out); err != nil && ctx.Err() == nil {
				c.logger.Warn("command stream dropped, reconnecting",
					zap.Duration("backoff", backoff), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()
	return out, nil
}

func (c *Client) commandSocketURL() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse platform base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/executors/" + url.PathEscape(c.cfg.ExecutorID) + "/commands"
	return u.String(), nil
}

func (c *Client) streamOnce(ctx context.Context, wsURL string, out chan<- types.Command) error {
	header := http.Header{}
	header.Set("X-Api-Key", c.cfg.APIKey)
	header.Set("X-Api-Secret", c.cfg.APISecret)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial command socket: %w", err)
	}
	defer conn.Close()

	// Unblock ReadJSON when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var cmd types.Command
		if err := conn.ReadJSON(&cmd); err != nil {
			return err
		}
		select {
		case out <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var _ Link = (*Client)(nil)
