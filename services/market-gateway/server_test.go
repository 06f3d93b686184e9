package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"clawmarket/gateway/middleware"
)

type mockNodeClient struct {
	mu sync.Mutex

	needResp  *NeedState
	needErr   error
	needList  []NeedState
	offerResp *OfferState
	offerList []OfferState
	dealResp  *DealState
	dealList  []DealState
	barter    *BarterState
	barters   []BarterState
	balance   *BalanceState

	createNeedCalls  int
	createOfferCalls int
	acceptCalls      int
	disputeCalls     int
	lastCreateNeed   NeedCreateRequest
}

func (m *mockNodeClient) CreateNeed(ctx context.Context, req NeedCreateRequest) (*NeedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createNeedCalls++
	m.lastCreateNeed = req
	if m.needErr != nil {
		return nil, m.needErr
	}
	if m.needResp != nil {
		resp := *m.needResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) GetNeed(ctx context.Context, id uint64) (*NeedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.needErr != nil {
		return nil, m.needErr
	}
	if m.needResp != nil {
		resp := *m.needResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) ListNeeds(ctx context.Context, status string) ([]NeedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]NeedState(nil), m.needList...), nil
}

func (m *mockNodeClient) CancelNeed(ctx context.Context, id uint64, creator string) (*NeedState, error) {
	return m.GetNeed(ctx, id)
}

func (m *mockNodeClient) CreateOffer(ctx context.Context, req OfferCreateRequest) (*OfferState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createOfferCalls++
	if m.offerResp != nil {
		resp := *m.offerResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) GetOffer(ctx context.Context, id uint64) (*OfferState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offerResp != nil {
		resp := *m.offerResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) ListOffers(ctx context.Context, needID *uint64) ([]OfferState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OfferState(nil), m.offerList...), nil
}

func (m *mockNodeClient) CancelOffer(ctx context.Context, id uint64, provider string) (*OfferState, error) {
	return m.GetOffer(ctx, id)
}

func (m *mockNodeClient) AcceptOffer(ctx context.Context, needID, offerID uint64, client string) (*DealState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptCalls++
	if m.dealResp != nil {
		resp := *m.dealResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) GetDeal(ctx context.Context, id uint64) (*DealState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dealResp != nil {
		resp := *m.dealResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) ListDeals(ctx context.Context) ([]DealState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DealState(nil), m.dealList...), nil
}

func (m *mockNodeClient) SubmitDelivery(ctx context.Context, req DeliveryRequest) (*DealState, error) {
	return m.GetDeal(ctx, req.DealID)
}

func (m *mockNodeClient) ConfirmDelivery(ctx context.Context, dealID uint64, client, provider string) (*DealState, error) {
	return m.GetDeal(ctx, dealID)
}

func (m *mockNodeClient) RaiseDispute(ctx context.Context, dealID uint64, caller, reason string) (*DealState, error) {
	m.mu.Lock()
	m.disputeCalls++
	m.mu.Unlock()
	return m.GetDeal(ctx, dealID)
}

func (m *mockNodeClient) ResolveDispute(ctx context.Context, dealID uint64, caller, outcome string) (*DealState, error) {
	return m.GetDeal(ctx, dealID)
}

func (m *mockNodeClient) CreateBarter(ctx context.Context, req BarterCreateRequest) (*BarterState, error) {
	return m.GetBarter(ctx, 0)
}

func (m *mockNodeClient) GetBarter(ctx context.Context, id uint64) (*BarterState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.barter != nil {
		resp := *m.barter
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) ListBarters(ctx context.Context, status string) ([]BarterState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	filtered := make([]BarterState, 0, len(m.barters))
	for _, b := range m.barters {
		if status == "" || b.Status == status {
			filtered = append(filtered, b)
		}
	}
	return filtered, nil
}

func (m *mockNodeClient) AcceptBarter(ctx context.Context, id uint64, caller string) (*BarterState, error) {
	return m.GetBarter(ctx, id)
}

func (m *mockNodeClient) CancelBarter(ctx context.Context, id uint64, caller string) (*BarterState, error) {
	return m.GetBarter(ctx, id)
}

func (m *mockNodeClient) SubmitBarterDelivery(ctx context.Context, req BarterDeliveryRequest) (*BarterState, error) {
	return m.GetBarter(ctx, req.BarterID)
}

func (m *mockNodeClient) ConfirmBarterSide(ctx context.Context, id uint64, caller string) (*BarterState, error) {
	return m.GetBarter(ctx, id)
}

func (m *mockNodeClient) DisputeBarter(ctx context.Context, id uint64, caller, reason string) (*BarterState, error) {
	return m.GetBarter(ctx, id)
}

func (m *mockNodeClient) GetBalance(ctx context.Context, address string) (*BalanceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balance != nil {
		resp := *m.balance
		return &resp, nil
	}
	return &BalanceState{Address: address, Balance: "0"}, nil
}

func newTestServer(t *testing.T, node NodeClient) (*Server, *SQLiteStore) {
	t.Helper()
	store, err := NewSQLiteStore(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	auth := NewAuthenticator([]APIKeyConfig{{Key: "test", Secret: "secret"}}, time.Minute, 2*time.Minute, 8, func() time.Time {
		return time.Unix(1700000000, 0).UTC()
	})
	server := NewServer(auth, nil, nil, node, store, 6000)
	return server, store
}

func signHeaders(secret, method, path string, body []byte, ts time.Time, nonce string) (timestamp, nonceOut, signature string) {
	timestamp = fmt.Sprintf("%d", ts.Unix())
	if nonce == "" {
		nonce = fmt.Sprintf("nonce-%d", ts.UnixNano())
	}
	signature = computeSignature(secret, timestamp, nonce, method, path, body)
	return timestamp, nonce, signature
}

func signedRequest(t *testing.T, method, path string, body []byte, nonce, idemKey string) *http.Request {
	t.Helper()
	ts := time.Unix(1700000000, 0).UTC()
	timestamp, nonceOut, sig := signHeaders("secret", method, path, body, ts, nonce)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set(headerAPIKey, "test")
	req.Header.Set(headerTimestamp, timestamp)
	req.Header.Set(headerNonce, nonceOut)
	req.Header.Set(headerSignature, sig)
	req.Header.Set(headerIdempotencyKey, idemKey)
	return req
}

func TestMutationRejectsInvalidSignature(t *testing.T) {
	node := &mockNodeClient{}
	server, store := newTestServer(t, node)
	defer store.Close()

	body := []byte(`{"creator":"claw1xyz","title":"logo design","budget":"100"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/needs", bytes.NewReader(body))
	req.Header.Set(headerAPIKey, "test")
	req.Header.Set(headerTimestamp, "1700000000")
	req.Header.Set(headerNonce, "nonce-invalid")
	req.Header.Set(headerSignature, "deadbeef")
	req.Header.Set(headerIdempotencyKey, "abc")

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 unauthorized got %d", rec.Code)
	}
	if node.createNeedCalls != 0 {
		t.Fatalf("expected no create calls, got %d", node.createNeedCalls)
	}
}

func TestMutationRequiresIdempotencyKey(t *testing.T) {
	node := &mockNodeClient{needResp: &NeedState{ID: 1}}
	server, store := newTestServer(t, node)
	defer store.Close()

	body := []byte(`{"creator":"claw1xyz","title":"logo design","budget":"100"}`)
	req := signedRequest(t, http.MethodPost, "/api/needs", body, "nonce-noidem", "")
	req.Header.Del(headerIdempotencyKey)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if node.createNeedCalls != 0 {
		t.Fatalf("expected no create calls, got %d", node.createNeedCalls)
	}
}

func TestIdempotentCreateCachesResponse(t *testing.T) {
	node := &mockNodeClient{needResp: &NeedState{ID: 7, Creator: "claw1creator", Title: "logo design", Budget: "100", Status: "open"}}
	server, store := newTestServer(t, node)
	defer store.Close()

	body := []byte(`{"creator":"claw1creator","title":"logo design","budget":"100"}`)

	req1 := signedRequest(t, http.MethodPost, "/api/needs", body, "nonce-idem-1", "idem123")
	rec1 := httptest.NewRecorder()
	server.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusCreated {
		t.Fatalf("expected 201 created got %d: %s", rec1.Code, rec1.Body.String())
	}
	if node.createNeedCalls != 1 {
		t.Fatalf("expected one create call, got %d", node.createNeedCalls)
	}

	req2 := signedRequest(t, http.MethodPost, "/api/needs", body, "nonce-idem-2", "idem123")
	rec2 := httptest.NewRecorder()
	server.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusCreated {
		t.Fatalf("expected cached 201 got %d", rec2.Code)
	}
	if node.createNeedCalls != 1 {
		t.Fatalf("expected node not to be called again, got %d", node.createNeedCalls)
	}
	if !bytes.Equal(rec1.Body.Bytes(), rec2.Body.Bytes()) {
		t.Fatalf("expected identical responses for idempotent requests")
	}
}

func TestIdempotencyKeyReuseConflicts(t *testing.T) {
	node := &mockNodeClient{needResp: &NeedState{ID: 7, Status: "open"}}
	server, store := newTestServer(t, node)
	defer store.Close()

	body1 := []byte(`{"creator":"claw1creator","title":"logo design","budget":"100"}`)
	req1 := signedRequest(t, http.MethodPost, "/api/needs", body1, "nonce-dup-1", "shared")
	rec1 := httptest.NewRecorder()
	server.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec1.Code)
	}

	body2 := []byte(`{"creator":"claw1creator","title":"different title","budget":"200"}`)
	req2 := signedRequest(t, http.MethodPost, "/api/needs", body2, "nonce-dup-2", "shared")
	rec2 := httptest.NewRecorder()
	server.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusConflict {
		t.Fatalf("expected 409 conflict got %d", rec2.Code)
	}
	if node.createNeedCalls != 1 {
		t.Fatalf("expected node invoked once, got %d", node.createNeedCalls)
	}
}

func TestCreateNeedValidationMissingFields(t *testing.T) {
	node := &mockNodeClient{needResp: &NeedState{ID: 1}}
	server, store := newTestServer(t, node)
	defer store.Close()

	body := []byte(`{"title":"logo design"}`)
	req := signedRequest(t, http.MethodPost, "/api/needs", body, "nonce-validation", "validation")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 bad request got %d", rec.Code)
	}
	if node.createNeedCalls != 0 {
		t.Fatalf("expected node not to be invoked on validation errors")
	}
}

func TestNodeErrorMapping(t *testing.T) {
	node := &mockNodeClient{needErr: &NodeError{Code: -32022, Message: "not found"}}
	server, store := newTestServer(t, node)
	defer store.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/needs/42", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}

	node.mu.Lock()
	node.needErr = &NodeError{Code: -32023, Message: "forbidden"}
	node.mu.Unlock()
	body := []byte(`{"creator":"claw1other"}`)
	cancelReq := signedRequest(t, http.MethodPost, "/api/needs/42/cancel", body, "nonce-forbidden", "cancel42")
	cancelRec := httptest.NewRecorder()
	server.ServeHTTP(cancelRec, cancelReq)
	if cancelRec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", cancelRec.Code)
	}
}

func TestListNeedsPassesThrough(t *testing.T) {
	node := &mockNodeClient{needList: []NeedState{
		{ID: 1, Status: "open", Title: "first"},
		{ID: 2, Status: "open", Title: "second"},
	}}
	server, store := newTestServer(t, node)
	defer store.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/needs?status=open", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var needs []NeedState
	if err := json.Unmarshal(rec.Body.Bytes(), &needs); err != nil {
		t.Fatalf("decode needs: %v", err)
	}
	if len(needs) != 2 {
		t.Fatalf("expected 2 needs got %d", len(needs))
	}
}

func TestStatsAggregatesDealsAndBarters(t *testing.T) {
	node := &mockNodeClient{
		needList: []NeedState{{ID: 1, Status: "open"}},
		dealList: []DealState{
			{ID: 1, Status: "completed", Amount: "100"},
			{ID: 2, Status: "completed", Amount: "50"},
			{ID: 3, Status: "in_progress", Amount: "25"},
			{ID: 4, Status: "disputed", Amount: "10"},
		},
		barters: []BarterState{
			{ID: 1, Status: "open"},
			{ID: 2, Status: "completed"},
		},
	}
	server, store := newTestServer(t, node)
	defer store.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var stats MarketStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.OpenNeeds != 1 {
		t.Fatalf("expected 1 open need got %d", stats.OpenNeeds)
	}
	if stats.CompletedDeals != 2 || stats.ActiveDeals != 1 || stats.DisputedDeals != 1 {
		t.Fatalf("unexpected deal counts: %+v", stats)
	}
	if stats.EscrowVolume != "150" {
		t.Fatalf("expected escrow volume 150 got %s", stats.EscrowVolume)
	}
	if stats.OpenBarters != 1 || stats.CompletedBarters != 1 {
		t.Fatalf("unexpected barter counts: %+v", stats)
	}
}

func TestProfileSummarisesActivity(t *testing.T) {
	address := "claw1worker"
	node := &mockNodeClient{
		balance:  &BalanceState{Address: address, Balance: "420"},
		needList: []NeedState{{ID: 1, Creator: address}},
		dealList: []DealState{
			{ID: 1, Client: address, Status: "completed", Amount: "100"},
			{ID: 2, Provider: address, Status: "disputed", Amount: "50"},
			{ID: 3, Client: "claw1other", Provider: address, Status: "completed", Amount: "75"},
		},
	}
	server, store := newTestServer(t, node)
	defer store.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/profile/"+address, nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var profile ProfileView
	if err := json.Unmarshal(rec.Body.Bytes(), &profile); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if profile.Balance != "420" {
		t.Fatalf("expected balance 420 got %s", profile.Balance)
	}
	if profile.NeedsCreated != 1 || profile.DealsAsClient != 1 || profile.DealsAsWorker != 2 {
		t.Fatalf("unexpected profile counts: %+v", profile)
	}
	if profile.CompletedDeals != 2 || profile.DisputedDeals != 1 {
		t.Fatalf("unexpected deal outcome counts: %+v", profile)
	}
	if profile.Earned != "75" || profile.Spent != "100" {
		t.Fatalf("unexpected earnings: earned=%s spent=%s", profile.Earned, profile.Spent)
	}
	if math.Abs(profile.Reputation-2.0/3.0) > 1e-9 {
		t.Fatalf("unexpected reputation %f", profile.Reputation)
	}
}

func TestByAddressReadRoutes(t *testing.T) {
	address := "claw1worker"
	node := &mockNodeClient{
		needList: []NeedState{
			{ID: 1, Creator: address},
			{ID: 2, Creator: "claw1other"},
		},
		offerList: []OfferState{
			{ID: 1, Provider: address},
			{ID: 2, Provider: "claw1other"},
		},
		dealList: []DealState{
			{ID: 1, Client: address, Provider: "claw1other"},
			{ID: 2, Client: "claw1other", Provider: address},
			{ID: 3, Client: "claw1other", Provider: "claw1else"},
		},
	}
	server, store := newTestServer(t, node)
	defer store.Close()

	fetch := func(path string) []json.RawMessage {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s: expected 200 got %d", path, rec.Code)
		}
		var list []json.RawMessage
		if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		return list
	}

	if got := fetch("/api/needs/creator/" + address); len(got) != 1 {
		t.Fatalf("expected 1 need got %d", len(got))
	}
	if got := fetch("/api/offers/provider/" + address); len(got) != 1 {
		t.Fatalf("expected 1 offer got %d", len(got))
	}
	if got := fetch("/api/deals/user/" + address); len(got) != 2 {
		t.Fatalf("expected 2 deals got %d", len(got))
	}
}

func TestEventsEndpointPagesMirroredEvents(t *testing.T) {
	node := &mockNodeClient{}
	server, store := newTestServer(t, node)
	defer store.Close()

	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	for seq := uint64(1); seq <= 3; seq++ {
		err := store.InsertEvent(ctx, StoredEvent{
			Sequence:  seq,
			Type:      "market.need.created",
			Payload:   `{"needId":"1"}`,
			CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/events?after=1", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var events []StoredEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after cursor, got %d", len(events))
	}
	if events[0].Sequence != 2 || events[1].Sequence != 3 {
		t.Fatalf("unexpected sequences: %+v", events)
	}
}

func newJWTTestServer(t *testing.T, node NodeClient) *Server {
	t.Helper()
	store, err := NewSQLiteStore(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	auth := NewAuthenticator([]APIKeyConfig{{Key: "test", Secret: "secret"}}, time.Minute, 2*time.Minute, 8, nil)
	readAuth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    true,
		HMACSecret: "read-secret",
		Issuer:     "market-gateway-test",
	}, nil)
	return NewServer(auth, readAuth, nil, node, store, 6000)
}

func TestMetricsEndpointRecordsRequests(t *testing.T) {
	node := &mockNodeClient{}
	store, err := NewSQLiteStore(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	auth := NewAuthenticator([]APIKeyConfig{{Key: "test", Secret: "secret"}}, time.Minute, 2*time.Minute, 8, nil)
	obs := middleware.NewObservability(middleware.ObservabilityConfig{Enabled: true}, nil)
	server := NewServer(auth, nil, obs, node, store, 6000)

	req := httptest.NewRequest(http.MethodGet, "/api/needs", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "gateway_requests_total") {
		t.Fatalf("metrics output missing request counter:\n%s", body)
	}
	if !strings.Contains(body, `route="market"`) || !strings.Contains(body, `status="200"`) {
		t.Fatalf("metrics output missing route/status labels:\n%s", body)
	}
}

func readToken(t *testing.T, scope string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":   "market-gateway-test",
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("read-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestReadRoutesHonourJWTConfig(t *testing.T) {
	node := &mockNodeClient{needList: []NeedState{{ID: 1, Title: "t", Status: "open"}}}
	server := newJWTTestServer(t, node)

	req := httptest.NewRequest(http.MethodGet, "/api/needs", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/needs", nil)
	req.Header.Set("Authorization", "Bearer "+readToken(t, "market.read"))
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/needs", nil)
	req.Header.Set("Authorization", "Bearer "+readToken(t, "market.write"))
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong scope, got %d", rec.Code)
	}
}

func TestRequestIDEchoedOnResponses(t *testing.T) {
	node := &mockNodeClient{}
	server, _ := newTestServer(t, node)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated request id")
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "upstream-7")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "upstream-7" {
		t.Fatalf("expected upstream id preserved, got %q", got)
	}
}
