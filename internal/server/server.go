package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lockt/internal/config"
	"lockt/internal/dashboard"
	"lockt/internal/escrow"
	"lockt/internal/hmacauth"
	"lockt/internal/idempotency"
	"lockt/internal/logging"
	"lockt/internal/wallet"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	idempotencyHeader = "X-Idempotency-Key"
	requestIDHeader   = "X-Request-Id"
	wsWriteTimeout    = 10 * time.Second
	healthTimeout     = 2 * time.Second
	spentTokenPrefix  = "confirm-token:"
)

var errMalformed = errors.New("malformed request")

//go:embed templates/dashboard.html
var templateFS embed.FS

type Server struct {
	cfg         *config.AppConfig
	dash        *dashboard.Dashboard
	store       idempotency.Store
	confirm     *hmacauth.Verifier
	metrics     *Metrics
	page        *template.Template
	httpServer  *http.Server
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

// NewServer wires the HTTP surface around dash. rpc may be nil when the
// escrow is not backed by a node.
func NewServer(cfg *config.AppConfig, dash *dashboard.Dashboard, store idempotency.Store, metrics *Metrics, rpc escrow.HealthChecker) (*Server, error) {
	if metrics == nil {
		metrics = NewMetrics()
	}

	page, err := template.ParseFS(templateFS, "templates/dashboard.html")
	if err != nil {
		return nil, fmt.Errorf("parse dashboard template: %w", err)
	}

	s := &Server{
		cfg:   cfg,
		dash:  dash,
		store: store,
		confirm: &hmacauth.Verifier{
			Secret:  cfg.Service.ConfirmSecret,
			MaxSkew: cfg.Service.ConfirmTokenTTL,
		},
		metrics: metrics,
		page:    page,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if rpc != nil {
		s.rpcHealthFn = rpc.Ping
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handlePage)
	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/escrow", s.handleView)
		api.Post("/escrow/refresh", s.handleRefresh)
		api.Post("/wallet/connect", s.handleConnect)
		api.Post("/escrow/deposit", s.handleDeposit)
		api.Get("/escrow/confirm-prompt", s.handleConfirmPrompt)
		api.Post("/escrow/confirm-receipt", s.handleConfirmReceipt)
		api.Get("/events", s.handleEvents)
		api.Get("/health", s.handleHealth)
		api.Handle("/metrics", s.metrics.handler())
	})
	return r
}

func (s *Server) Start() error {
	slog.Info("dashboard listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type viewResponse struct {
	View  dashboard.View `json:"view"`
	Error string         `json:"error,omitempty"`
}

type confirmPromptResponse struct {
	Message string         `json:"message"`
	Token   hmacauth.Token `json:"token"`
}

type confirmReceiptRequest struct {
	Token hmacauth.Token `json:"token"`
}

type pageData struct {
	View            dashboard.View
	WalletAvailable bool
	Account         string
	Contract        string
	Prompt          string
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	view := s.dash.View()
	data := pageData{
		View:            view,
		WalletAvailable: s.dash.WalletAvailable(),
		Contract:        s.cfg.Escrow.Address.Hex(),
		Prompt:          dashboard.ConfirmReceiptPrompt,
	}
	if view.Account != nil {
		data.Account = wallet.ShortAddress(*view.Account)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, data); err != nil {
		logging.FromContext(r.Context()).Error("render dashboard", "error", err)
	}
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	writeView(w, http.StatusOK, s.dash.View(), nil)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.dash.Refresh(r.Context())
	writeView(w, statusFor(err), s.dash.View(), err)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.dash.Connect(r.Context())
	writeView(w, http.StatusOK, s.dash.View(), nil)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, dashboard.ActionDeposit, func(ctx context.Context) error {
		return s.dash.Deposit(ctx)
	})
}

func (s *Server) handleConfirmPrompt(w http.ResponseWriter, r *http.Request) {
	resp := confirmPromptResponse{
		Message: dashboard.ConfirmReceiptPrompt,
		Token:   s.confirm.Issue(dashboard.ConfirmReceiptPrompt),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, dashboard.ActionConfirmReceipt, func(ctx context.Context) error {
		var payload confirmReceiptRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return fmt.Errorf("%w: invalid json payload", errMalformed)
		}
		tok := payload.Token
		if err := s.confirm.Verify(dashboard.ConfirmReceiptPrompt, tok); err != nil {
			return err
		}
		var spendErr error
		err := s.dash.ConfirmReceipt(ctx, func(message string) bool {
			spendErr = s.spendToken(ctx, message, tok)
			return spendErr == nil
		})
		if spendErr != nil {
			return spendErr
		}
		return err
	})
}

// spendToken accepts the prompt tok was verified for, once per nonce. Spent
// nonces live next to the replay records until the token could no longer
// verify anyway.
func (s *Server) spendToken(ctx context.Context, message string, tok hmacauth.Token) error {
	if message != dashboard.ConfirmReceiptPrompt {
		return hmacauth.ErrInvalidSignature
	}
	now := time.Now()
	claimed, err := s.store.Claim(ctx, spentTokenPrefix+tok.Nonce, idempotency.Record{
		StatusCode: http.StatusOK,
		Response:   []byte("{}"),
		CreatedAt:  now,
		ExpiresAt:  now.Add(2 * s.confirm.MaxSkew),
	})
	if err != nil {
		return fmt.Errorf("record confirmation token: %w", err)
	}
	if !claimed {
		return hmacauth.ErrTokenUsed
	}
	return nil
}

// runAction executes a state-changing action at most once per idempotency
// key. Only successful responses are stored for replay, so a rejected or
// no-op attempt can be retried with the same key.
func (s *Server) runAction(w http.ResponseWriter, r *http.Request, action dashboard.Action, exec func(context.Context) error) {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		http.Error(w, "missing "+idempotencyHeader+" header", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)
	storeKey := string(action) + ":" + key

	if existing, _ := s.store.Get(ctx, storeKey); existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incReplay(action)
		return
	}

	err := exec(ctx)
	status := statusFor(err)
	if err != nil {
		logger.Warn("escrow action rejected", "action", action, "status", status, "error", err)
	}

	body, mErr := json.Marshal(newViewResponse(s.dash.View(), err))
	if mErr != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}

	if status == http.StatusOK {
		now := time.Now()
		record := idempotency.Record{
			StatusCode: status,
			Response:   body,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.store.Save(ctx, storeKey, record); err != nil {
			logger.Error("save idempotency record", "action", action, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logging.FromContext(r.Context()).Warn("websocket accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, unsubscribe := s.dash.Subscribe()
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	if err := s.streamViews(ctx, conn, updates); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamViews(ctx context.Context, conn *websocket.Conn, updates <-chan dashboard.View) error {
	if err := writeViewUpdate(ctx, conn, s.dash.View()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeViewUpdate(ctx, conn, v); err != nil {
				return err
			}
		}
	}
}

func writeViewUpdate(ctx context.Context, conn *websocket.Conn, v dashboard.View) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status          string          `json:"status"`
		RPC             interface{}     `json:"rpc"`
		Database        interface{}     `json:"database"`
		WalletAvailable bool            `json:"wallet_available"`
		Phase           dashboard.Phase `json:"phase"`
	}{
		Status:          status,
		RPC:             rpcInfo,
		Database:        dbInfo,
		WalletAvailable: s.dash.WalletAvailable(),
		Phase:           s.dash.View().Phase,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// statusFor maps dashboard outcomes onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errMalformed):
		return http.StatusBadRequest
	case errors.Is(err, hmacauth.ErrMissingSignature),
		errors.Is(err, hmacauth.ErrMissingTimestamp),
		errors.Is(err, hmacauth.ErrStaleTimestamp),
		errors.Is(err, hmacauth.ErrInvalidSignature),
		errors.Is(err, hmacauth.ErrMissingNonce),
		errors.Is(err, hmacauth.ErrTokenUsed),
		errors.Is(err, hmacauth.ErrMissingSecret):
		return http.StatusForbidden
	case errors.Is(err, dashboard.ErrActionInFlight),
		errors.Is(err, dashboard.ErrActionUnavailable),
		errors.Is(err, dashboard.ErrDepositMismatch),
		errors.Is(err, dashboard.ErrNotConnected),
		errors.Is(err, dashboard.ErrDeclined):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func newViewResponse(v dashboard.View, err error) viewResponse {
	resp := viewResponse{View: v}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func writeView(w http.ResponseWriter, status int, v dashboard.View, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(newViewResponse(v, err))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}
