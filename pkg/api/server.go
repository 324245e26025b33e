package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/glwdesk/pkg/app/core/orderbook"
	"github.com/uhyunpark/glwdesk/pkg/app/core/settlement"
	"github.com/uhyunpark/glwdesk/pkg/app/desk"
	"github.com/uhyunpark/glwdesk/pkg/ledger"
	"github.com/uhyunpark/glwdesk/pkg/metrics"
)

// Connector switches the desk's wallet. Only dev sessions implement it; a
// key-backed wallet is fixed for the life of the process.
type Connector interface {
	Connect(addr common.Address)
	Disconnect()
}

type Options struct {
	CORSOrigins []string
	Connector   Connector // optional
	Metrics     *metrics.Metrics
	Logger      *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	desk      *desk.Desk
	router    *mux.Router
	hub       *Hub
	validate  *validator.Validate
	connector Connector
	metrics   *metrics.Metrics
	log       *zap.SugaredLogger
	origins   []string

	unsubscribe func()
}

// NewServer creates a new API server and starts forwarding desk events to
// websocket subscribers.
func NewServer(d *desk.Desk, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New("glwdesk")
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	}

	s := &Server{
		desk:      d,
		router:    mux.NewRouter(),
		hub:       NewHub(opts.Logger, opts.Metrics),
		validate:  validator.New(),
		connector: opts.Connector,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		origins:   opts.CORSOrigins,
	}
	s.setupRoutes()
	s.unsubscribe = d.Subscribe(s.broadcastEvent)
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.instrument)

	// Board and market
	api.HandleFunc("/orderbook/{side}", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/market", s.handleGetMarket).Methods("GET")

	// Listing and cancellation
	api.HandleFunc("/orders", s.handleListOrder).Methods("POST")
	api.HandleFunc("/orders/{side}/{id}", s.handleCancelOrder).Methods("DELETE")

	// Activity
	api.HandleFunc("/activity", s.handleGetActivity).Methods("GET")
	api.HandleFunc("/accounts/{address}/activity", s.handleGetAccountActivity).Methods("GET")

	// Settlement
	api.HandleFunc("/settlements", s.handleStartSettlement).Methods("POST")
	api.HandleFunc("/settlements", s.handleListSettlements).Methods("GET")
	api.HandleFunc("/settlements/{id}", s.handleGetSettlement).Methods("GET")
	api.HandleFunc("/settlements/{id}", s.handleDiscardSettlement).Methods("DELETE")
	api.HandleFunc("/settlements/{id}/{step:check|approve|execute}", s.handleSettlementStep).Methods("POST")

	// Wallet
	api.HandleFunc("/wallet", s.handleGetWallet).Methods("GET")
	api.HandleFunc("/wallet", s.handleConnectWallet).Methods("POST")
	api.HandleFunc("/wallet", s.handleDisconnectWallet).Methods("DELETE")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)
	defer s.unsubscribe()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Infow("api_shutdown")
		return srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	side, err := orderbook.ParseSide(mux.Vars(r)["side"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}
	q := r.URL.Query()
	field, err := orderbook.ParseSortField(q.Get("sort"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid sort", err.Error())
		return
	}
	dir, err := orderbook.ParseDirection(q.Get("dir"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid direction", err.Error())
		return
	}
	if dir == "" {
		dir = side.DefaultDirection()
	}

	orders := s.desk.Book(side, field, dir)
	response := OrderbookSnapshot{
		Side:      side.String(),
		Sort:      string(field),
		Direction: string(dir),
		Orders:    make([]OrderInfo, len(orders)),
		Timestamp: time.Now().UnixMilli(),
	}
	for i, o := range orders {
		response.Orders[i] = toOrderInfo(o, s.desk.IsOwn(o))
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.desk.Order(mux.Vars(r)["id"])
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", "")
		return
	}
	respondJSON(w, http.StatusOK, toOrderInfo(o, s.desk.IsOwn(o)))
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if v := r.URL.Query().Get("window"); v != "" {
		hours, err := strconv.ParseFloat(v, 64)
		if err != nil || hours <= 0 {
			respondError(w, http.StatusBadRequest, "invalid window", "window is a positive number of hours")
			return
		}
		window = time.Duration(hours * float64(time.Hour))
	}
	respondJSON(w, http.StatusOK, toMarketInfo(s.desk.Market(window), s.desk.IsOwn))
}

func (s *Server) handleListOrder(w http.ResponseWriter, r *http.Request) {
	var req ListOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	side, _ := orderbook.ParseSide(req.Side)
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid price", err.Error())
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid quantity", err.Error())
		return
	}

	o, err := s.desk.List(side, price, qty)
	if err != nil {
		s.respondDeskError(w, "failed to list order", err)
		return
	}
	respondJSON(w, http.StatusCreated, toOrderInfo(o, true))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	side, err := orderbook.ParseSide(vars["side"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}
	a, err := s.desk.Cancel(vars["id"], side)
	if err != nil {
		s.respondDeskError(w, "failed to cancel order", err)
		return
	}
	respondJSON(w, http.StatusOK, toActivityInfo(a, true))
}

func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	acts := s.desk.Activities()
	response := make([]ActivityInfo, len(acts))
	for i, a := range acts {
		response[i] = toActivityInfo(a, s.desk.IsOwn(a.Order))
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetAccountActivity(w http.ResponseWriter, r *http.Request) {
	addressStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addressStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	addr := common.HexToAddress(addressStr)

	acts := s.desk.UserActivity(addr)
	response := make([]ActivityInfo, len(acts))
	for i, a := range acts {
		response[i] = toActivityInfo(a, a.Order.Owner == addr)
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleStartSettlement(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !s.decode(w, r, &req) {
		return
	}
	side, _ := orderbook.ParseSide(req.Side)

	wf, err := s.desk.StartSettlement(req.OrderID, side)
	if err != nil {
		s.respondDeskError(w, "failed to start settlement", err)
		return
	}
	respondJSON(w, http.StatusCreated, toAttemptInfo(wf.Snapshot()))
}

func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	attempts := s.desk.Attempts()
	response := make([]AttemptInfo, len(attempts))
	for i, a := range attempts {
		response[i] = toAttemptInfo(a)
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	wf, err := s.desk.Attempt(mux.Vars(r)["id"])
	if err != nil {
		s.respondDeskError(w, "settlement not found", err)
		return
	}
	respondJSON(w, http.StatusOK, toAttemptInfo(wf.Snapshot()))
}

func (s *Server) handleDiscardSettlement(w http.ResponseWriter, r *http.Request) {
	if err := s.desk.Discard(mux.Vars(r)["id"]); err != nil {
		s.respondDeskError(w, "failed to discard settlement", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}

// handleSettlementStep drives one workflow step. A step that ends in a
// settlement failure still answers 200: the failure is part of the attempt.
func (s *Server) handleSettlementStep(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	wf, err := s.desk.Attempt(vars["id"])
	if err != nil {
		s.respondDeskError(w, "settlement not found", err)
		return
	}

	switch vars["step"] {
	case "check":
		err = wf.CheckFunds(r.Context())
	case "approve":
		err = wf.Approve(r.Context())
	case "execute":
		err = wf.Execute(r.Context())
	}
	var f *settlement.Failure
	if err != nil && !errors.As(err, &f) {
		s.respondDeskError(w, "settlement step rejected", err)
		return
	}
	respondJSON(w, http.StatusOK, toAttemptInfo(wf.Snapshot()))
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	addr, err := s.desk.Current()
	if err != nil {
		respondJSON(w, http.StatusOK, WalletInfo{Connected: false})
		return
	}
	info := WalletInfo{Address: addr.Hex(), Connected: true}
	if b, err := s.desk.Balances(r.Context()); err == nil {
		info.Token = b.Token.String()
		info.Stable = b.Stable.String()
	} else {
		s.log.Warnw("balance_read_failed", "address", addr.Hex(), "err", err)
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleConnectWallet(w http.ResponseWriter, r *http.Request) {
	if s.connector == nil {
		respondError(w, http.StatusMethodNotAllowed, "wallet is fixed", "the server signs with a configured key")
		return
	}
	var req ConnectRequest
	if !s.decode(w, r, &req) {
		return
	}
	addr := common.HexToAddress(req.Address)
	s.connector.Connect(addr)
	s.log.Infow("wallet_connected", "address", addr.Hex())
	respondJSON(w, http.StatusOK, WalletInfo{Address: addr.Hex(), Connected: true})
}

func (s *Server) handleDisconnectWallet(w http.ResponseWriter, r *http.Request) {
	if s.connector == nil {
		respondError(w, http.StatusMethodNotAllowed, "wallet is fixed", "the server signs with a configured key")
		return
	}
	s.connector.Disconnect()
	s.log.Infow("wallet_disconnected")
	respondJSON(w, http.StatusOK, WalletInfo{Connected: false})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

// decode reads and validates a JSON body, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return false
	}
	return true
}

func (s *Server) respondDeskError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request_failed", "msg", msg, "err", err)
	}
	respondError(w, status, msg, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, desk.ErrNotConnected):
		return http.StatusUnauthorized
	case errors.Is(err, desk.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, orderbook.ErrInvalidOrder), errors.Is(err, desk.ErrSelfTrade):
		return http.StatusBadRequest
	case errors.Is(err, orderbook.ErrNotFound), errors.Is(err, desk.ErrUnknownAttempt):
		return http.StatusNotFound
	case errors.Is(err, orderbook.ErrConflict), errors.Is(err, orderbook.ErrDuplicateOrder),
		errors.Is(err, settlement.ErrBusy), errors.Is(err, settlement.ErrInvalidTransition),
		errors.Is(err, settlement.ErrClosed):
		return http.StatusConflict
	case ledger.IsTimeout(err), ledger.IsRejected(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records per-route request counts and latency, labelled by the
// route template so ids do not explode cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		s.metrics.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		s.log.Debugw("http_request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
