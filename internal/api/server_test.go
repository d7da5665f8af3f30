package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/internal/api"
	"github.com/atlas-desktop/trade-executor/internal/broker"
	"github.com/atlas-desktop/trade-executor/internal/config"
	"github.com/atlas-desktop/trade-executor/internal/core"
	"github.com/atlas-desktop/trade-executor/internal/store"
	"github.com/atlas-desktop/trade-executor/pkg/types"
)

const pip = 0.0001

func strategyJSON(t *testing.T, id string) []byte {
	t.Helper()
	cfg := types.StrategyConfig{
		ID:        id,
		Name:      "ema crossover",
		Symbol:    "EURUSD",
		Timeframe: types.TimeframeM5,
		Entry: types.EntryNode{
			Op: types.NodeLeaf,
			Condition: &types.Condition{
				Indicator:  "ema",
				Params:     map[string]float64{"period": 9},
				Comparator: types.CmpCrossesAbove,
				RHS:        types.SymbolRef("ema_21"),
			},
		},
		Exit: types.ExitSpec{
			StopLoss: &types.StopLossSpec{Kind: types.StopPips, Value: 25},
		},
		Risk: types.RiskSpec{RiskPercentPerTrade: 0.5},
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return raw
}

func newHandler(t *testing.T, production bool, rateLimit string) http.Handler {
	t.Helper()
	logger := zap.NewNop()
	paper := broker.NewPaper(decimal.NewFromInt(10000), "USD")
	paper.SetSymbol(broker.SymbolInfo{
		Symbol: "EURUSD", PipSize: pip, PipValuePerLot: 100,
		VolumeMin: 0.01, VolumeMax: 50, VolumeStep: 0.01,
	})
	bars := make([]types.OHLCV, 80)
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		close := 1.1000 - float64(i)*pip
		bars[i] = types.OHLCV{
			Time: start.Add(time.Duration(i) * 5 * time.Minute),
			Open: close + pip, High: close + 6*pip, Low: close - 6*pip,
			Close: close, Volume: 1000, Closed: true,
		}
	}
	paper.SetBars("EURUSD", types.TimeframeM5, bars)
	paper.SetTick(types.Tick{Symbol: "EURUSD", Bid: 1.09938, Ask: 1.09940, Time: time.Now().UTC()})

	st, err := store.Open(logger, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	c := core.New(core.Deps{
		Logger: logger, Broker: paper, Store: st,
		ExecutorID: "exec-test", Magic: 880001, Heartbeat: time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	t.Cleanup(cancel)

	srv := api.NewServer(logger, config.HTTPConfig{
		Host: "127.0.0.1", Port: 0, RateLimit: rateLimit,
	}, production, c, nil, nil)
	handler, err := srv.Handler()
	require.NoError(t, err)
	return handler
}

func doJSON(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	h := newHandler(t, false, "100-M")
	rec := doJSON(t, h, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp["status"])
	require.Equal(t, true, resp["brokerConnected"])
	require.Contains(t, resp, "uptimeSec")
	require.Equal(t, float64(0), resp["activeRuntimes"])
	// Platform fields stay in the schema even without a platform link.
	require.Equal(t, false, resp["platformConnected"])
	require.Equal(t, float64(0), resp["platformPending"])
}

func TestAccountEndpoint(t *testing.T) {
	h := newHandler(t, false, "100-M")
	rec := doJSON(t, h, http.MethodGet, "/api/account", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var acct broker.AccountInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acct))
	require.True(t, acct.Balance.Equal(decimal.NewFromInt(10000)))
	require.Equal(t, "USD", acct.Currency)
}

func TestStartStopLifecycleOverHTTP(t *testing.T) {
	h := newHandler(t, false, "100-M")

	rec := doJSON(t, h, http.MethodPost, "/api/strategies/start", strategyJSON(t, "s1"))
	require.Equal(t, http.StatusOK, rec.Code)

	// Duplicate start conflicts.
	rec = doJSON(t, h, http.MethodPost, "/api/strategies/start", strategyJSON(t, "s1"))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/strategies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Strategies []types.StrategySummary `json:"strategies"`
		Count      int                     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	require.Equal(t, "s1", list.Strategies[0].ID)

	rec = doJSON(t, h, http.MethodPost, "/api/strategies/s1/stop",
		[]byte(`{"closePositions":false}`))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	h := newHandler(t, false, "100-M")
	rec := doJSON(t, h, http.MethodPost, "/api/strategies/start", []byte(`{"id":"bad"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopUnknownStrategyIs404(t *testing.T) {
	h := newHandler(t, false, "100-M")
	rec := doJSON(t, h, http.MethodPost, "/api/strategies/ghost/stop", []byte(`{}`))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPermanentDeleteShape(t *testing.T) {
	h := newHandler(t, false, "100-M")

	rec := doJSON(t, h, http.MethodPost, "/api/strategies/start", strategyJSON(t, "s1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/strategies/s1/permanent", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result store.DeleteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.True(t, result.StrategyDeleted)
	require.True(t, result.WasRunning)
	require.Zero(t, result.TradeLogsDeleted)
}

func TestBatchDelete(t *testing.T) {
	h := newHandler(t, false, "100-M")

	require.Equal(t, http.StatusOK,
		doJSON(t, h, http.MethodPost, "/api/strategies/start", strategyJSON(t, "s1")).Code)
	require.Equal(t, http.StatusOK,
		doJSON(t, h, http.MethodPost, "/api/strategies/start", strategyJSON(t, "s2")).Code)

	rec := doJSON(t, h, http.MethodDelete, "/api/strategies/batch",
		[]byte(`{"strategyIds":["s1","s2","ghost"]}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results map[string]json.RawMessage `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 3)
}

func TestTradeHistoryEmpty(t *testing.T) {
	h := newHandler(t, false, "100-M")
	rec := doJSON(t, h, http.MethodGet, "/api/trades/history?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Zero(t, resp.Count)
}

func TestOpenTradesEmpty(t *testing.T) {
	h := newHandler(t, false, "100-M")
	rec := doJSON(t, h, http.MethodGet, "/api/trades/open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitEnforcedInProduction(t *testing.T) {
	h := newHandler(t, true, "5-M")

	for i := 0; i < 5; i++ {
		rec := doJSON(t, h, http.MethodGet, "/api/health", nil)
		require.Equal(t, http.StatusOK, rec.Code, fmt.Sprintf("request %d", i+1))
	}
	rec := doJSON(t, h, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "0", rec.Header().Get("X-Ratelimit-Remaining"))
}

func TestRateLimitDisabledInDevelopment(t *testing.T) {
	h := newHandler(t, false, "5-M")
	for i := 0; i < 20; i++ {
		rec := doJSON(t, h, http.MethodGet, "/api/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}
