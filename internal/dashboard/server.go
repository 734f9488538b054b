// Package dashboard serves the read-only reporting API over the trade store.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/eddiefleurent/alert_trader/internal/orders"
	"github.com/eddiefleurent/alert_trader/internal/resolver"
	"github.com/eddiefleurent/alert_trader/internal/storage"
)

const (
	defaultPageSize       = 100
	defaultStreamInterval = 2 * time.Second
	streamErrorBackoff    = 5 * time.Second
	dateLayout            = "2006-01-02"
)

// Quoter prices open positions for unrealized P/L.
type Quoter interface {
	ResolveQuote(ctx context.Context, key models.ContractKey) (*resolver.ResolvedContract, error)
}

// Server is the reporting HTTP server.
type Server struct {
	router         *chi.Mux
	server         *http.Server
	storage        storage.Interface
	quotes         Quoter
	logger         *logrus.Logger
	port           int
	authToken      string
	streamInterval time.Duration
	loc            *time.Location
	now            func() time.Time
}

// Config configures the server.
type Config struct {
	Port           int
	AuthToken      string
	StreamInterval time.Duration
	// Location sets the day boundaries of the P/L history.
	Location *time.Location
}

// Stats is the /api/stats payload.
type Stats struct {
	storage.TradeCounts
	RealizedPL decimal.Decimal `json:"realized_pl"`
}

// PL groups realized and unrealized P/L.
type PL struct {
	Realized     decimal.Decimal   `json:"realized"`
	Unrealized   decimal.Decimal   `json:"unrealized"`
	RealizedPL   []RealizedEntry   `json:"realized_pl"`
	UnrealizedPL []UnrealizedEntry `json:"unrealized_pl"`
}

// Snapshot is everything the stream pushes.
type Snapshot struct {
	Stats              Stats          `json:"stats"`
	PL                 PL             `json:"pl"`
	Positions          []PositionView `json:"positions"`
	PLHistory          []DailyPL      `json:"pl_history"`
	TickerPL           []TickerPL     `json:"ticker_pl"`
	LastTradeTimestamp *time.Time     `json:"last_trade_timestamp,omitempty"`
	LastPositionUpdate *time.Time     `json:"last_position_update,omitempty"`
}

// TradeView is the flat JSON shape of a trade row.
type TradeView struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	MessageID    string            `json:"message_id"`
	Ticker       string            `json:"ticker"`
	Strike       decimal.Decimal   `json:"strike"`
	OptionType   models.OptionType `json:"option_type"`
	Action       models.Action     `json:"action"`
	Contracts    int               `json:"contracts"`
	Price        *decimal.Decimal  `json:"price"`
	OptionSymbol string            `json:"option_symbol"`
	OrderID      string            `json:"order_id"`
	Status       string            `json:"status"`
	AccountID    string            `json:"account_id"`
	OrderType    models.OrderType  `json:"order_type"`
}

// PositionView is the flat JSON shape of a position row.
type PositionView struct {
	Ticker        string            `json:"ticker"`
	Strike        decimal.Decimal   `json:"strike"`
	OptionType    models.OptionType `json:"option_type"`
	Quantity      int               `json:"quantity"`
	AvgEntryPrice *decimal.Decimal  `json:"avg_entry_price"`
	LastUpdated   time.Time         `json:"last_updated"`
}

type tradePage struct {
	Trades []TradeView `json:"trades"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

type streamEvent struct {
	Type    string    `json:"type"`
	Data    *Snapshot `json:"data,omitempty"`
	Message string    `json:"message,omitempty"`
}

// NewServer builds the server. quotes may be nil, in which case unrealized
// P/L is always empty.
func NewServer(cfg Config, store storage.Interface, quotes Quoter, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = defaultStreamInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Server{
		router:         chi.NewRouter(),
		storage:        store,
		quotes:         quotes,
		logger:         logger,
		port:           cfg.Port,
		authToken:      cfg.AuthToken,
		streamInterval: cfg.StreamInterval,
		loc:            cfg.Location,
		now:            time.Now,
	}

	s.setupRoutes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/api/trades", s.handleListTrades)
		r.Get("/api/trades/{id}", s.handleGetTrade)
		r.Get("/api/positions", s.handleGetPositions)
		r.Get("/api/positions/{ticker}/{strike}/{optionType}", s.handleGetPosition)
		r.Get("/api/stats", s.handleGetStats)
		r.Get("/api/pl/history", s.handlePLHistory)
		r.Get("/api/pl/realized", s.handleRealizedPL)
		r.Get("/api/pl/unrealized", s.handleUnrealizedPL)
	})

	// long-lived; no request timeout
	s.router.Get("/api/stream", s.handleStream)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().Unix(),
	})
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	f, err := parseTradeFilter(r, s.loc)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	trades, total, err := s.storage.ListTrades(r.Context(), f)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list trades")
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	page := tradePage{Trades: make([]TradeView, 0, len(trades)), Total: total, Limit: f.Limit, Offset: f.Offset}
	for _, t := range trades {
		page.Trades = append(page.Trades, toTradeView(t))
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := s.storage.GetTrade(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, errors.New("trade not found"))
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to get trade")
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toTradeView(*trade))
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.positions(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to load positions")
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	strike, err := decimal.NewFromString(chi.URLParam(r, "strike"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid strike: %w", err))
		return
	}
	ot, err := models.ParseOptionType(chi.URLParam(r, "optionType"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	key := models.NewContractKey(chi.URLParam(r, "ticker"), strike, ot)

	p, err := s.storage.GetPosition(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, errors.New("position not found"))
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to get position")
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toPositionView(*p))
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, _, err := s.stats(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to calculate statistics")
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePLHistory(w http.ResponseWriter, r *http.Request) {
	trades, err := s.allTrades(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"history": PLHistory(trades, s.loc)})
}

func (s *Server) handleRealizedPL(w http.ResponseWriter, r *http.Request) {
	trades, err := s.allTrades(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	realized := RealizedPL(trades)
	if realized == nil {
		realized = []RealizedEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"realized_pl": realized})
}

func (s *Server) handleUnrealizedPL(w http.ResponseWriter, r *http.Request) {
	records, err := s.storage.LoadPositions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"unrealized_pl": s.unrealized(r.Context(), records)})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	var last []byte
	for {
		wait := s.streamInterval
		snap, err := s.Snapshot(ctx)
		var event streamEvent
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Error("Error building stream snapshot")
			event = streamEvent{Type: "error", Message: err.Error()}
			wait = streamErrorBackoff
			last = nil
		} else {
			event = streamEvent{Type: "update", Data: snap}
		}

		payload, err := json.Marshal(event)
		if err != nil {
			s.logger.WithError(err).Error("Failed to encode stream event")
			return
		}
		// only push when something changed
		if !bytes.Equal(payload, last) {
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
			if event.Type == "update" {
				last = payload
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Snapshot gathers stats, P/L, positions and history in one pass.
func (s *Server) Snapshot(ctx context.Context) (*Snapshot, error) {
	stats, trades, err := s.stats(ctx)
	if err != nil {
		return nil, err
	}
	records, err := s.storage.LoadPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	realized := RealizedPL(trades)
	unrealized := s.unrealized(ctx, records)
	totalUnrealized := decimal.Zero
	for _, u := range unrealized {
		totalUnrealized = totalUnrealized.Add(u.UnrealizedPL)
	}

	snap := &Snapshot{
		Stats: stats,
		PL: PL{
			Realized:     stats.RealizedPL,
			Unrealized:   totalUnrealized,
			RealizedPL:   realized,
			UnrealizedPL: unrealized,
		},
		Positions:          make([]PositionView, 0, len(records)),
		PLHistory:          PLHistory(trades, s.loc),
		TickerPL:           TickerTotals(realized),
		LastTradeTimestamp: stats.LastTrade,
	}
	for _, p := range records {
		snap.Positions = append(snap.Positions, toPositionView(p))
		if snap.LastPositionUpdate == nil || p.LastUpdated.After(*snap.LastPositionUpdate) {
			t := p.LastUpdated
			snap.LastPositionUpdate = &t
		}
	}
	return snap, nil
}

func (s *Server) stats(ctx context.Context) (Stats, []models.TradeRecord, error) {
	counts, err := s.storage.TradeCounts(ctx)
	if err != nil {
		return Stats{}, nil, fmt.Errorf("count trades: %w", err)
	}
	trades, err := s.allTrades(ctx)
	if err != nil {
		return Stats{}, nil, err
	}
	return Stats{TradeCounts: counts, RealizedPL: TotalRealized(RealizedPL(trades))}, trades, nil
}

func (s *Server) allTrades(ctx context.Context) ([]models.TradeRecord, error) {
	trades, _, err := s.storage.ListTrades(ctx, storage.TradeFilter{Ascending: true})
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return trades, nil
}

func (s *Server) positions(ctx context.Context) ([]PositionView, error) {
	records, err := s.storage.LoadPositions(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]PositionView, 0, len(records))
	for _, p := range records {
		views = append(views, toPositionView(p))
	}
	return views, nil
}

// unrealized quotes each open position; positions that cannot be priced are skipped.
func (s *Server) unrealized(ctx context.Context, records []models.PositionRecord) []UnrealizedEntry {
	out := []UnrealizedEntry{}
	if s.quotes == nil {
		return out
	}
	for _, p := range records {
		if !p.IsOpen() || p.AvgEntryPrice == nil {
			continue
		}
		log := s.logger.WithField("contract", p.Key.String())
		contract, err := s.quotes.ResolveQuote(ctx, p.Key)
		if err != nil {
			log.WithError(err).Warn("Error fetching price for position")
			continue
		}
		mark, err := orders.ChainPrice(contract)
		if err != nil {
			log.WithError(err).Debug("No usable price for position")
			continue
		}
		out = append(out, UnrealizedEntry{
			Ticker:        p.Key.Ticker,
			Strike:        p.Key.Strike,
			OptionType:    p.Key.OptionType,
			Quantity:      p.Quantity,
			AvgEntryPrice: *p.AvgEntryPrice,
			CurrentPrice:  mark,
			UnrealizedPL:  p.UnrealizedPnL(mark),
		})
	}
	return out
}

func parseTradeFilter(r *http.Request, loc *time.Location) (storage.TradeFilter, error) {
	q := r.URL.Query()
	f := storage.TradeFilter{
		Ticker: strings.ToUpper(strings.TrimSpace(q.Get("ticker"))),
		Limit:  defaultPageSize,
	}
	if a := q.Get("action"); a != "" {
		action, err := models.ParseAction(a)
		if err != nil {
			return f, err
		}
		f.Action = action
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid offset %q", v)
		}
		f.Offset = n
	}
	if v := q.Get("start_date"); v != "" {
		t, _, err := parseDate(v, loc)
		if err != nil {
			return f, err
		}
		f.Start = &t
	}
	if v := q.Get("end_date"); v != "" {
		t, dateOnly, err := parseDate(v, loc)
		if err != nil {
			return f, err
		}
		if dateOnly {
			// a bare date includes the whole day
			t = t.AddDate(0, 0, 1).Add(-time.Microsecond)
		}
		f.End = &t
	}
	return f, nil
}

func parseDate(v string, loc *time.Location) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, false, nil
	}
	if t, err := time.ParseInLocation(dateLayout, v, loc); err == nil {
		return t, true, nil
	}
	return time.Time{}, false, fmt.Errorf("invalid date %q", v)
}

func toTradeView(t models.TradeRecord) TradeView {
	return TradeView{
		ID:           t.ID,
		Timestamp:    t.Timestamp,
		MessageID:    t.MessageID,
		Ticker:       t.Key.Ticker,
		Strike:       t.Key.Strike,
		OptionType:   t.Key.OptionType,
		Action:       t.Action,
		Contracts:    t.Contracts,
		Price:        t.Price,
		OptionSymbol: t.OptionSymbol,
		OrderID:      t.OrderID,
		Status:       t.Status,
		AccountID:    t.AccountID,
		OrderType:    t.OrderType,
	}
}

func toPositionView(p models.PositionRecord) PositionView {
	return PositionView{
		Ticker:        p.Key.Ticker,
		Strike:        p.Key.Strike,
		OptionType:    p.Key.OptionType,
		Quantity:      p.Quantity,
		AvgEntryPrice: p.AvgEntryPrice,
		LastUpdated:   p.LastUpdated,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
