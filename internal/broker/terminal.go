package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// Terminal talks to the local trading terminal's REST gateway. The gateway is
// single-tenant and not reentrant; all access goes through the Serializer.
type Terminal struct {
	logger     *zap.Logger
	baseURL    string
	httpClient *http.Client

	mu      sync.RWMutex
	symbols map[string]SymbolInfo // contract parameters are immutable per session

	healthy atomic.Bool
}

// NewTerminal creates a client for the gateway at baseURL, e.g.
// "http://127.0.0.1:8222".
func NewTerminal(logger *zap.Logger, baseURL string) *Terminal {
	t := &Terminal{
		logger:     logger.Named("terminal"),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		symbols:    make(map[string]SymbolInfo),
	}
	t.healthy.Store(true)
	return t
}

// terminalError is the gateway's error envelope. Codes follow the terminal's
// return-code table; 4xx codes are order rejections, 5xx transport trouble.
type terminalError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *Terminal) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Fatal(path, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return Fatal(path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.healthy.Store(false)
		return Retryable(path, err)
	}
	defer resp.Body.Close()
	t.healthy.Store(true)

	if resp.StatusCode >= 400 {
		var te terminalError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &te) != nil || te.Message == "" {
			te.Message = string(raw)
		}
		err := fmt.Errorf("terminal %d: %s", resp.StatusCode, te.Message)
		switch {
		case resp.StatusCode == http.StatusUnprocessableEntity,
			resp.StatusCode == http.StatusBadRequest,
			resp.StatusCode == http.StatusConflict:
			return Rejected(path, err)
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
			return Retryable(path, err)
		default:
			return Fatal(path, err)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Retryable(path, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (t *Terminal) AccountInfo(ctx context.Context) (AccountInfo, error) {
	var out AccountInfo
	err := t.do(ctx, http.MethodGet, "/account", nil, &out)
	return out, err
}

func (t *Terminal) SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	t.mu.RLock()
	if info, ok := t.symbols[symbol]; ok {
		t.mu.RUnlock()
		return info, nil
	}
	t.mu.RUnlock()

	var out SymbolInfo
	if err := t.do(ctx, http.MethodGet, "/symbols/"+url.PathEscape(symbol), nil, &out); err != nil {
		return SymbolInfo{}, err
	}
	t.mu.Lock()
	t.symbols[symbol] = out
	t.mu.Unlock()
	return out, nil
}

func (t *Terminal) Bars(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.OHLCV, error) {
	path := fmt.Sprintf("/bars/%s?timeframe=%s&count=%d", url.PathEscape(symbol), tf, count)
	var out []types.OHLCV
	err := t.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (t *Terminal) Tick(ctx context.Context, symbol string) (types.Tick, error) {
	var out types.Tick
	err := t.do(ctx, http.MethodGet, "/ticks/"+url.PathEscape(symbol), nil, &out)
	return out, err
}

func (t *Terminal) OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error) {
	var out OpenResult
	err := t.do(ctx, http.MethodPost, "/positions/open", req, &out)
	if err == nil {
		t.logger.Info("position opened at terminal",
			zap.Int64("ticket", out.Ticket),
			zap.String("symbol", req.Symbol),
			zap.Float64("volume", req.Volume))
	}
	return out, err
}

func (t *Terminal) ModifyPosition(ctx context.Context, ticket int64, mod Modification) error {
	return t.do(ctx, http.MethodPost, fmt.Sprintf("/positions/%d/modify", ticket), mod, nil)
}

func (t *Terminal) ClosePosition(ctx context.Context, ticket int64, volume float64) (CloseResult, error) {
	body := struct {
		Volume float64 `json:"volume"`
	}{Volume: volume}
	var out CloseResult
	err := t.do(ctx, http.MethodPost, fmt.Sprintf("/positions/%d/close", ticket), body, &out)
	return out, err
}

func (t *Terminal) ListPositions(ctx context.Context, magic int64) ([]PositionSnapshot, error) {
	var out []PositionSnapshot
	err := t.do(ctx, http.MethodGet, fmt.Sprintf("/positions?magic=%d", magic), nil, &out)
	return out, err
}

// Connected reflects the outcome of the most recent gateway round trip.
func (t *Terminal) Connected() bool { return t.healthy.Load() }

var _ Broker = (*Terminal)(nil)
