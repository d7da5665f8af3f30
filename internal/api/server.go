// Package api provides the local HTTP and WebSocket surface consumed by the
// desktop UI shell. It binds to loopback; the platform never calls it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/ulule/limiter/v3"
	limitermw "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/internal/config"
	"github.com/atlas-desktop/trade-executor/internal/core"
	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// Directory lists strategies assigned to this executor on the platform.
type Directory interface {
	ListAvailableStrategies(ctx context.Context) ([]types.StrategyConfig, error)
}

// PlatformStatus reports outbound link health for the health endpoint.
type PlatformStatus interface {
	Connected() bool
	Pending() int
}

// Server is the UI-facing HTTP/WebSocket server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	cfg        config.HTTPConfig
	production bool
	core       *core.Core
	directory  Directory
	platform   PlatformStatus
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*wsClient
	started    time.Time
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Event is a WebSocket push frame.
type Event struct {
	ID        string      `json:"id"`
	Method    string      `json:"method"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewServer wires the router. Directory and platform may be nil when running
// without a platform connection.
func NewServer(logger *zap.Logger, cfg config.HTTPConfig, production bool, c *core.Core, directory Directory, platform PlatformStatus) *Server {
	s := &Server{
		logger:     logger.Named("api"),
		cfg:        cfg,
		production: production,
		core:       c,
		directory:  directory,
		platform:   platform,
		router:     mux.NewRouter(),
		clients:    make(map[string]*wsClient),
		started:    time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Loopback-only server; the desktop shell sets no Origin.
				return true
			},
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/account", s.handleAccount).Methods("GET")

	s.router.HandleFunc("/api/strategies", s.handleListStrategies).Methods("GET")
	s.router.HandleFunc("/api/strategies/available", s.handleAvailableStrategies).Methods("GET")
	s.router.HandleFunc("/api/strategies/start", s.handleStartStrategy).Methods("POST")
	s.router.HandleFunc("/api/strategies/batch", s.handleBatchDelete).Methods("DELETE")
	s.router.HandleFunc("/api/strategies/{id}/stop", s.handleStopStrategy).Methods("POST")
	s.router.HandleFunc("/api/strategies/{id}/pause", s.handlePauseStrategy).Methods("POST")
	s.router.HandleFunc("/api/strategies/{id}/resume", s.handleResumeStrategy).Methods("POST")
	s.router.HandleFunc("/api/strategies/{id}/permanent", s.handlePermanentDelete).Methods("DELETE")

	s.router.HandleFunc("/api/trades/open", s.handleOpenTrades).Methods("GET")
	s.router.HandleFunc("/api/trades/history", s.handleTradeHistory).Methods("GET")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the fully wrapped HTTP handler, exposed for tests.
func (s *Server) Handler() (http.Handler, error) {
	var handler http.Handler = s.router

	if s.production {
		rate, err := limiter.NewRateFromFormatted(s.cfg.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("parse rate limit %q: %w", s.cfg.RateLimit, err)
		}
		mw := limitermw.NewMiddleware(limiter.New(memory.NewStore(), rate))
		handler = mw.Handler(handler)
	}

	origins := []string{"http://localhost:*", "http://127.0.0.1:*"}
	if s.production && s.cfg.PlatformOrigin != "" {
		origins = []string{s.cfg.PlatformOrigin}
	}
	handler = cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(handler)
	return handler, nil
}

// Start runs the HTTP server until it fails or Stop is called.
func (s *Server) Start() error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("api server listening", zap.String("addr", addr))
	err = s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes WebSocket clients and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) respond(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.respond(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, core.ErrNotRunning):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	hb := s.core.Heartbeat(r.Context())
	resp := map[string]interface{}{
		"status":          "ok",
		"uptimeSec":       int(time.Since(s.started).Seconds()),
		"brokerConnected": hb.BrokerConnected,
		"activeRuntimes":  hb.RuntimeCount,
		"openPositions":   hb.OpenPositions,
		"time":            hb.Time,
	}
	// The UI shell relies on a stable schema; report the platform fields
	// even when no platform link is configured.
	connected, pending := false, 0
	if s.platform != nil {
		connected = s.platform.Connected()
		pending = s.platform.Pending()
	}
	resp["platformConnected"] = connected
	resp["platformPending"] = pending
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.core.Account(r.Context())
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err)
		return
	}
	s.respond(w, http.StatusOK, acct)
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.core.Summaries(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"strategies": summaries,
		"count":      len(summaries),
	})
}

func (s *Server) handleAvailableStrategies(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("no platform connection"))
		return
	}
	configs, err := s.directory.ListAvailableStrategies(r.Context())
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"strategies": configs,
		"count":      len(configs),
	})
}

func (s *Server) handleStartStrategy(w http.ResponseWriter, r *http.Request) {
	var cfg types.StrategyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("decode strategy: %w", err))
		return
	}
	if err := s.core.StartStrategy(r.Context(), cfg); err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	s.broadcast("strategy:started", map[string]string{"strategyId": cfg.ID})
	s.respond(w, http.StatusOK, map[string]string{
		"strategyId": cfg.ID,
		"status":     string(s.core.RuntimeStatus(cfg.ID)),
	})
}

func (s *Server) handleStopStrategy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		ClosePositions bool `json:"closePositions"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	if err := s.core.StopStrategy(id, body.ClosePositions); err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	s.broadcast("strategy:stopped", map[string]interface{}{
		"strategyId":     id,
		"closePositions": body.ClosePositions,
	})
	s.respond(w, http.StatusOK, map[string]string{"strategyId": id, "status": "stopped"})
}

func (s *Server) handlePauseStrategy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.core.PauseStrategy(id); err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"strategyId": id, "status": "paused"})
}

func (s *Server) handleResumeStrategy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.core.ResumeStrategy(id); err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"strategyId": id, "status": "running"})
}

func (s *Server) handlePermanentDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	result, err := s.core.DeleteStrategy(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.broadcast("strategy:deleted", map[string]string{"strategyId": id})
	s.respond(w, http.StatusOK, result)
}

func (s *Server) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StrategyIDs []string `json:"strategyIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("decode batch: %w", err))
		return
	}
	results := make(map[string]interface{}, len(body.StrategyIDs))
	for _, id := range body.StrategyIDs {
		result, err := s.core.DeleteStrategy(r.Context(), id)
		if err != nil {
			results[id] = map[string]string{"error": err.Error()}
			continue
		}
		results[id] = result
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleOpenTrades(w http.ResponseWriter, r *http.Request) {
	positions := s.core.OpenPositions()
	s.respond(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) handleTradeHistory(w http.ResponseWriter, r *http.Request) {
	strategyID := r.URL.Query().Get("strategyId")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}
	events, err := s.core.TradeHistory(r.Context(), strategyID, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	s.logger.Info("websocket client connected", zap.String("client", client.id))

	go s.readPump(client)
	go s.writePump(client)
}

func (s *Server) readPump(client *wsClient) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.id)
		s.mu.Unlock()
		client.conn.Close()
		s.logger.Info("websocket client disconnected", zap.String("client", client.id))
	}()

	client.conn.SetReadLimit(64 * 1024)
	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) writePump(client *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast pushes a trade event to every connected UI client.
func (s *Server) Broadcast(ev types.TradeEvent) {
	s.broadcast("trade:event", ev)
}

func (s *Server) broadcast(method string, payload interface{}) {
	raw, err := json.Marshal(Event{
		ID:        uuid.NewString(),
		Method:    method,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		select {
		case client.send <- raw:
		default:
			// Client buffer full, skip.
		}
	}
}
