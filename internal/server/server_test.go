package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lockt/internal/config"
	"lockt/internal/dashboard"
	"lockt/internal/escrow"
	"lockt/internal/hmacauth"
	"lockt/internal/idempotency"
	"lockt/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"nhooyr.io/websocket"
)

var (
	testSeller = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testPrice  = big.NewInt(1_000_000_000_000_000)
)

type fixture struct {
	srv     *Server
	chain   *escrow.FakeChain
	dash    *dashboard.Dashboard
	metrics *Metrics
	store   *idempotency.MemoryStore
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		Service: config.ServiceConfig{
			ConfirmSecret:     "test-secret",
			ConfirmTokenTTL:   time.Minute,
			IdempotencyWindow: time.Minute,
		},
		Escrow: config.EscrowConfig{
			Address:       common.HexToAddress("0x00000000000000000000000000000000000000e5"),
			DepositAmount: testPrice,
		},
	}
}

func newFixture(t *testing.T, rpc escrow.HealthChecker) *fixture {
	t.Helper()
	f := newDisconnectedFixture(t, rpc)
	if !f.dash.Connect(context.Background()) {
		t.Fatalf("expected wallet to connect")
	}
	return f
}

// newDisconnectedFixture has a wallet available that has not been connected yet.
func newDisconnectedFixture(t *testing.T, rpc escrow.HealthChecker) *fixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	provider, err := wallet.NewKeyProvider(key, big.NewInt(1337))
	if err != nil {
		t.Fatalf("key provider: %v", err)
	}
	chain := escrow.NewFakeChain(crypto.PubkeyToAddress(key.PublicKey), testSeller, testPrice)

	metrics := NewMetrics()
	dash, err := dashboard.New(provider, chain, dashboard.Config{
		DepositAmount:  testPrice,
		ConfirmTimeout: time.Second,
	}, dashboard.WithObserver(metrics))
	if err != nil {
		t.Fatalf("new dashboard: %v", err)
	}
	if err := dash.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	store := idempotency.NewMemoryStore()
	srv, err := NewServer(testConfig(), dash, store, metrics, rpc)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &fixture{srv: srv, chain: chain, dash: dash, metrics: metrics, store: store}
}

func (f *fixture) do(t *testing.T, method, path, idemKey string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if idemKey != "" {
		req.Header.Set(idempotencyHeader, idemKey)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) viewResponse {
	t.Helper()
	var resp viewResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestDepositIdempotency(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/escrow/deposit", "key-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeView(t, rec)
	if resp.View.Phase != dashboard.PhaseAwaitingConfirmation {
		t.Fatalf("expected awaiting confirmation, got %s", resp.View.Phase)
	}
	if resp.View.Snapshot == nil || resp.View.Snapshot.ValueEth != "0.001" {
		t.Fatalf("unexpected snapshot %#v", resp.View.Snapshot)
	}
	firstPayload := rec.Body.Bytes()

	rec2 := f.do(t, http.MethodPost, "/api/v1/escrow/deposit", "key-1", nil)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected cached 200 got %d", rec2.Code)
	}
	if !bytes.Equal(firstPayload, rec2.Body.Bytes()) {
		t.Fatalf("expected identical replay")
	}
	if got := testutil.ToFloat64(f.metrics.replaysTotal.WithLabelValues("deposit")); got != 1 {
		t.Fatalf("expected one replay, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.actionsTotal.WithLabelValues("deposit", "confirmed")); got != 1 {
		t.Fatalf("expected one confirmed deposit, got %v", got)
	}
}

func TestDepositRequiresIdempotencyKey(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/escrow/deposit", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestUnavailableActionIsConflictAndNotCached(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/escrow/confirm-receipt", "key-2", []byte(`{}`))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing token got %d", rec.Code)
	}

	f.chain.ForceState(escrow.StateSettled)
	if err := f.dash.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/escrow/deposit", "key-3", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
	resp := decodeView(t, rec)
	if resp.Error == "" || resp.View.Phase != dashboard.PhaseSettled {
		t.Fatalf("unexpected response %#v", resp)
	}
	if f.store.Len() != 0 {
		t.Fatalf("expected failed action not to be cached")
	}
}

func TestConfirmReceiptWithIssuedToken(t *testing.T) {
	f := newFixture(t, nil)

	if rec := f.do(t, http.MethodPost, "/api/v1/escrow/deposit", "dep-1", nil); rec.Code != http.StatusOK {
		t.Fatalf("deposit: %d %s", rec.Code, rec.Body.String())
	}

	promptRec := f.do(t, http.MethodGet, "/api/v1/escrow/confirm-prompt", "", nil)
	if promptRec.Code != http.StatusOK {
		t.Fatalf("prompt: %d", promptRec.Code)
	}
	var prompt confirmPromptResponse
	if err := json.Unmarshal(promptRec.Body.Bytes(), &prompt); err != nil {
		t.Fatalf("decode prompt: %v", err)
	}
	if prompt.Message != dashboard.ConfirmReceiptPrompt {
		t.Fatalf("unexpected prompt %q", prompt.Message)
	}

	body, _ := json.Marshal(confirmReceiptRequest{Token: prompt.Token})
	rec := f.do(t, http.MethodPost, "/api/v1/escrow/confirm-receipt", "conf-1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeView(t, rec)
	if resp.View.Phase != dashboard.PhaseSettled {
		t.Fatalf("expected settled, got %s", resp.View.Phase)
	}
	if len(resp.View.Actions) != 0 {
		t.Fatalf("expected no actions once settled, got %v", resp.View.Actions)
	}
}

func TestConfirmReceiptRejectsStaleOrForeignToken(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodPost, "/api/v1/escrow/deposit", "dep-1", nil); rec.Code != http.StatusOK {
		t.Fatalf("deposit: %d", rec.Code)
	}

	stale := (&hmacauth.Verifier{
		Secret: "test-secret",
		Now:    func() time.Time { return time.Now().Add(-time.Hour) },
	}).Issue(dashboard.ConfirmReceiptPrompt)
	foreign := (&hmacauth.Verifier{Secret: "other-secret"}).Issue(dashboard.ConfirmReceiptPrompt)

	for name, tok := range map[string]hmacauth.Token{"stale": stale, "foreign": foreign} {
		body, _ := json.Marshal(confirmReceiptRequest{Token: tok})
		rec := f.do(t, http.MethodPost, "/api/v1/escrow/confirm-receipt", "conf-"+name, body)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403 got %d", name, rec.Code)
		}
	}
	if phase := f.dash.View().Phase; phase != dashboard.PhaseAwaitingConfirmation {
		t.Fatalf("expected escrow untouched, got %s", phase)
	}
}

func issueToken(t *testing.T, f *fixture) hmacauth.Token {
	t.Helper()
	rec := f.do(t, http.MethodGet, "/api/v1/escrow/confirm-prompt", "", nil)
	var prompt confirmPromptResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &prompt); err != nil {
		t.Fatalf("decode prompt: %v", err)
	}
	return prompt.Token
}

func TestConfirmTokenIsSingleUse(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodPost, "/api/v1/escrow/deposit", "dep-1", nil); rec.Code != http.StatusOK {
		t.Fatalf("deposit: %d", rec.Code)
	}

	tok := issueToken(t, f)
	body, _ := json.Marshal(confirmReceiptRequest{Token: tok})

	f.chain.RevertNext()
	if rec := f.do(t, http.MethodPost, "/api/v1/escrow/confirm-receipt", "conf-1", body); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected reverted confirm to be 502, got %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/escrow/confirm-receipt", "conf-2", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected reused token to be 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeView(t, rec); !strings.Contains(resp.Error, hmacauth.ErrTokenUsed.Error()) {
		t.Fatalf("unexpected error %q", resp.Error)
	}
	if phase := f.dash.View().Phase; phase != dashboard.PhaseAwaitingConfirmation {
		t.Fatalf("expected escrow untouched, got %s", phase)
	}

	body, _ = json.Marshal(confirmReceiptRequest{Token: issueToken(t, f)})
	if rec := f.do(t, http.MethodPost, "/api/v1/escrow/confirm-receipt", "conf-3", body); rec.Code != http.StatusOK {
		t.Fatalf("expected fresh token to settle, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestActionWithoutSessionIsNotReplayedAfterConnect(t *testing.T) {
	f := newDisconnectedFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/escrow/deposit", "dep-1", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without a wallet session, got %d", rec.Code)
	}
	if resp := decodeView(t, rec); resp.View.Phase != dashboard.PhaseAwaitingDeposit || resp.View.Status != "" {
		t.Fatalf("expected view untouched, got %#v", resp.View)
	}
	if f.store.Len() != 0 {
		t.Fatalf("expected no-op not to be cached")
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/wallet/connect", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("connect: %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/escrow/deposit", "dep-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected deposit after connect, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeView(t, rec); resp.View.Phase != dashboard.PhaseAwaitingConfirmation {
		t.Fatalf("expected awaiting confirmation, got %s", resp.View.Phase)
	}
	if got := testutil.ToFloat64(f.metrics.replaysTotal.WithLabelValues("deposit")); got != 0 {
		t.Fatalf("expected no replay, got %v", got)
	}
}

func TestConfirmReceiptMalformedBody(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/escrow/confirm-receipt", "conf-1", []byte("{"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestRevertedDepositIsBadGateway(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.RevertNext()

	rec := f.do(t, http.MethodPost, "/api/v1/escrow/deposit", "dep-1", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d", rec.Code)
	}
	resp := decodeView(t, rec)
	if resp.View.Phase != dashboard.PhaseAwaitingDeposit {
		t.Fatalf("expected snapshot untouched, got %s", resp.View.Phase)
	}
	if !strings.Contains(resp.View.Status, "transaction reverted") {
		t.Fatalf("unexpected status %q", resp.View.Status)
	}
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.FailReads(errors.New("rpc down"))

	rec := f.do(t, http.MethodPost, "/api/v1/escrow/refresh", "", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d", rec.Code)
	}
	resp := decodeView(t, rec)
	if resp.View.Snapshot == nil || resp.View.Phase != dashboard.PhaseAwaitingDeposit {
		t.Fatalf("expected previous snapshot, got %#v", resp.View)
	}
	if got := testutil.ToFloat64(f.metrics.refreshTotal.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected one failed refresh, got %v", got)
	}
}

func TestHealthReportsRPCFailure(t *testing.T) {
	f := newFixture(t, pingFunc(func(context.Context) error { return errors.New("dial tcp: refused") }))

	rec := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"degraded"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestHealthy(t *testing.T) {
	f := newFixture(t, pingFunc(func(context.Context) error { return nil }))

	rec := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"phase":"awaiting_deposit"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	for _, name := range []string{"lockt_wallet_connects_total", "lockt_refresh_total", "lockt_escrow_state"} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Fatalf("expected %s in metrics output", name)
		}
	}
}

func TestPageRendersCurrentPhase(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"Deposit 0.001 ETH", testSeller.Hex(), "created"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in page", want)
		}
	}
	if strings.Contains(body, "Confirm receipt</button>") {
		t.Fatalf("confirm must not be offered before deposit")
	}
}

func TestRequestIDHeader(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/escrow", "", nil)
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestEventsStreamCurrentView(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var view dashboard.View
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Phase != dashboard.PhaseAwaitingDeposit {
		t.Fatalf("unexpected phase %s", view.Phase)
	}

	go func() { _ = f.dash.Refresh(context.Background()) }()
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("expected update after refresh: %v", err)
	}
}
