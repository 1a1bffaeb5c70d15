package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"trad-core/internal/ledger"
	"trad-core/internal/runtime"
	"trad-core/internal/script"
	"trad-core/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local development
		// TODO: restrict in production
		return true
	},
}

// MarketData is the slice of the subgraph client the coin routes read through.
type MarketData interface {
	ListCoins(ctx context.Context, sort string, limit, offset int) ([]types.Coin, error)
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	ledger     *ledger.Ledger
	host       *runtime.RuntimeHost
	market     MarketData
	hub        *Hub
	adminToken string
	logger     *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(led *ledger.Ledger, host *runtime.RuntimeHost, market MarketData, hub *Hub, adminToken string, logger *slog.Logger) *Handlers {
	return &Handlers{
		ledger:     led,
		host:       host,
		market:     market,
		hub:        hub,
		adminToken: adminToken,
		logger:     logger.With("component", "api-handlers"),
	}
}

// requireAdmin gates state-changing routes behind the bearer token. With no
// token configured those routes refuse outright rather than running open.
func (h *Handlers) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" {
			writeError(w, http.StatusServiceUnavailable, "admin token not configured")
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.adminToken {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ————————————————————————————————————————————————————————————————————————
// Strategies
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleListStrategies(w http.ResponseWriter, r *http.Request) {
	strategies, err := h.ledger.ListStrategies()
	if err != nil {
		h.logger.Error("list strategies", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if strategies == nil {
		strategies = []*types.Strategy{}
	}
	writeJSON(w, http.StatusOK, strategies)
}

func (h *Handlers) HandleGetStrategy(w http.ResponseWriter, r *http.Request) {
	s, err := h.ledger.GetStrategy(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// HandleCreateStrategy persists a draft. The parameter schema is extracted
// from the source's @param directives; invalid defaults refuse the save.
func (h *Handlers) HandleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var s types.Strategy
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if s.Name == "" || s.Venue == "" {
		writeError(w, http.StatusBadRequest, "name and venue are required")
		return
	}
	if err := h.refreshSchema(&s); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.ID, s.Status = "", ""
	if err := h.ledger.CreateStrategy(&s); err != nil {
		h.logger.Error("create strategy", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handlers) HandleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.ledger.GetStrategy(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if h.host.IsRunning(id) {
		writeError(w, http.StatusConflict, "strategy is running, stop it first")
		return
	}

	var s types.Strategy
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.ID = id
	s.Status = existing.Status
	if err := h.refreshSchema(&s); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.ledger.UpdateStrategy(&s); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) HandleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.host.IsRunning(id) {
		writeError(w, http.StatusConflict, "strategy is running, stop it first")
		return
	}
	if err := h.ledger.DeleteStrategy(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// refreshSchema re-derives the parameter schema from the source. A strategy
// without code keeps an empty schema.
func (h *Handlers) refreshSchema(s *types.Strategy) error {
	if s.Source == "" {
		s.ParamSchema = []types.ParamDecl{}
		return nil
	}
	decls, err := script.ExtractParams(s.Source)
	if err != nil {
		return err
	}
	s.ParamSchema = decls
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Run control
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.host.Start(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.host.Stop(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// ————————————————————————————————————————————————————————————————————————
// Runs, trades, performance
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.ledger.RunsByStrategy(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*types.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.ledger.TradesByRun(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if trades == nil {
		trades = []types.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.ledger.Positions(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if positions == nil {
		positions = []types.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (h *Handlers) HandlePerformance(w http.ResponseWriter, r *http.Request) {
	rng := r.URL.Query().Get("range")
	if rng == "" {
		rng = "all"
	}
	perf, err := h.ledger.StrategyPerformance(r.PathValue("id"), rng, r.URL.Query().Get("run"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, perf)
}

// HandleLogs returns the live log ring of a running strategy; stopped
// strategies have no buffer and report an empty list.
func (h *Handlers) HandleLogs(w http.ResponseWriter, r *http.Request) {
	lines := h.host.Logs(r.PathValue("id"))
	if lines == nil {
		lines = []types.LogLine{}
	}
	writeJSON(w, http.StatusOK, lines)
}

// ————————————————————————————————————————————————————————————————————————
// Market data read-through
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleCoins(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sort := q.Get("sort")
	if sort == "" {
		sort = "newest"
	}
	limit := intQuery(q.Get("limit"), 50)
	offset := intQuery(q.Get("offset"), 0)

	coins, err := h.market.ListCoins(r.Context(), sort, limit, offset)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if coins == nil {
		coins = []types.Coin{}
	}
	writeJSON(w, http.StatusOK, coins)
}

func intQuery(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// ————————————————————————————————————————————————————————————————————————
// Venue credentials
// ————————————————————————————————————————————————————————————————————————

// HandleListVenues reports which venues hold a credential; the credential
// itself never leaves the ledger.
func (h *Handlers) HandleListVenues(w http.ResponseWriter, r *http.Request) {
	venues, err := h.ledger.ListVenues()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if venues == nil {
		venues = []string{}
	}
	writeJSON(w, http.StatusOK, venues)
}

func (h *Handlers) HandlePutVenueSecret(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key      string `json:"key"`
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	secret := &types.VenueSecret{
		Venue:    r.PathValue("venue"),
		Key:      body.Key,
		Endpoint: body.Endpoint,
	}
	if err := h.ledger.PutVenueSecret(secret); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"venue": secret.Venue, "status": "stored"})
}

func (h *Handlers) HandleDeleteVenueSecret(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.DeleteVenueSecret(r.PathValue("venue")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ————————————————————————————————————————————————————————————————————————
// Event stream
// ————————————————————————————————————————————————————————————————————————

// HandleWebSocket upgrades the connection and subscribes it to the runtime
// event stream. The first frame lists the currently running strategies.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	hello, err := json.Marshal(map[string]any{
		"type":    "running",
		"running": h.host.Running(),
	})
	if err != nil {
		h.logger.Error("failed to marshal hello frame", "error", err)
		return
	}
	select {
	case client.send <- hello:
	default:
		h.logger.Warn("failed to send hello frame to client")
	}
}
