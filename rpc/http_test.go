package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"clawmarket/core"
	"clawmarket/crypto"
	"clawmarket/storage"
)

const testAuthToken = "test-token"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	node := core.NewNode(storage.NewMemDB())
	return NewServer(node, ServerConfig{AuthToken: testAuthToken, RateLimitPerMin: 1000, MaxBodyBytes: 1 << 20})
}

func testAddress(seed byte) string {
	var raw [20]byte
	raw[0] = seed
	raw[19] = seed
	return crypto.NewAddress(crypto.ClawPrefix, raw[:]).String()
}

func rpcCall(t *testing.T, s *Server, method string, authed bool, params ...interface{}) (*httptest.ResponseRecorder, RPCResponse) {
	t.Helper()
	rawParams := make([]json.RawMessage, 0, len(params))
	for _, param := range params {
		encoded, err := json.Marshal(param)
		if err != nil {
			t.Fatalf("marshal param: %v", err)
		}
		rawParams = append(rawParams, encoded)
	}
	payload, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: rawParams, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	if authed {
		req.Header.Set("Authorization", "Bearer "+testAuthToken)
	}
	rec := httptest.NewRecorder()
	s.handle(rec, req)

	var resp RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return rec, resp
}

func mustResult(t *testing.T, resp RPCResponse, out interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
	encoded, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-marshal result: %v", err)
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestHandleRejectsUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	rec, resp := rpcCall(t, s, "market_unknown", true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", resp.Error)
	}
}

func TestHandleRejectsInvalidJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRejectsOversizedBody(t *testing.T) {
	node := core.NewNode(storage.NewMemDB())
	s := NewServer(node, ServerConfig{AuthToken: testAuthToken, MaxBodyBytes: 64})
	payload := bytes.Repeat([]byte("a"), 256)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestMutatingMethodRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	rec, resp := rpcCall(t, s, "market_initialize", false, addressParams{Address: testAddress(0x01)})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized error, got %+v", resp.Error)
	}
}

func TestReadMethodsDoNotRequireAuth(t *testing.T) {
	s := newTestServer(t)
	_, resp := rpcCall(t, s, "market_initialize", true, addressParams{Address: testAddress(0x01)})
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	rec, resp := rpcCall(t, s, "market_getLedger", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ledger ledgerJSON
	mustResult(t, resp, &ledger)
	if ledger.Authority != testAddress(0x01) {
		t.Fatalf("unexpected authority: %q", ledger.Authority)
	}
}

func TestMutatingRateLimit(t *testing.T) {
	node := core.NewNode(storage.NewMemDB())
	s := NewServer(node, ServerConfig{AuthToken: testAuthToken, RateLimitPerMin: 1, MaxBodyBytes: 1 << 20})
	_, resp := rpcCall(t, s, "market_initialize", true, addressParams{Address: testAddress(0x01)})
	if resp.Error != nil {
		t.Fatalf("first request should pass: %+v", resp.Error)
	}
	rec, resp := rpcCall(t, s, "market_createNeed", true, createNeedParams{
		Creator: testAddress(0x02), Title: "t", Description: "d", Category: "c", Budget: "10",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != codeRateLimited {
		t.Fatalf("expected rate limit error, got %+v", resp.Error)
	}
}

func TestDealLifecycleOverRPC(t *testing.T) {
	s := newTestServer(t)
	clientAddr := testAddress(0x11)
	providerAddr := testAddress(0x22)

	_, resp := rpcCall(t, s, "market_initialize", true, addressParams{Address: testAddress(0x01)})
	if resp.Error != nil {
		t.Fatalf("initialize: %+v", resp.Error)
	}
	_, resp = rpcCall(t, s, "market_mint", true, mintParams{Address: clientAddr, Amount: "1000"})
	if resp.Error != nil {
		t.Fatalf("mint: %+v", resp.Error)
	}

	var need needJSON
	_, resp = rpcCall(t, s, "market_createNeed", true, createNeedParams{
		Creator: clientAddr, Title: "site build", Description: "landing page", Category: "web", Budget: "500",
	})
	mustResult(t, resp, &need)

	var offer offerJSON
	_, resp = rpcCall(t, s, "market_createOffer", true, createOfferParams{
		NeedID: need.ID, Provider: providerAddr, Price: "400", Message: "can do",
	})
	mustResult(t, resp, &offer)

	var deal dealJSON
	_, resp = rpcCall(t, s, "market_acceptOffer", true, acceptOfferParams{
		NeedID: need.ID, OfferID: offer.ID, Client: clientAddr,
	})
	mustResult(t, resp, &deal)
	if deal.Status != "in_progress" {
		t.Fatalf("unexpected deal status: %q", deal.Status)
	}

	var escrow escrowBalanceJSON
	_, resp = rpcCall(t, s, "market_getEscrowBalance", false, idParams{ID: deal.ID})
	mustResult(t, resp, &escrow)
	if escrow.Balance != "400" {
		t.Fatalf("expected escrowed 400, got %q", escrow.Balance)
	}

	_, resp = rpcCall(t, s, "market_submitDelivery", true, submitDeliveryParams{
		DealID: deal.ID, Provider: providerAddr, DeliveryHash: "abc123", DeliveryContent: "https://example.com",
	})
	mustResult(t, resp, &deal)

	_, resp = rpcCall(t, s, "market_confirmDelivery", true, confirmDeliveryParams{
		DealID: deal.ID, Client: clientAddr, Provider: providerAddr,
	})
	mustResult(t, resp, &deal)
	if deal.Status != "completed" {
		t.Fatalf("expected completed deal, got %q", deal.Status)
	}

	var balance balanceJSON
	_, resp = rpcCall(t, s, "market_getBalance", false, addressParams{Address: providerAddr})
	mustResult(t, resp, &balance)
	if balance.Balance != "400" {
		t.Fatalf("expected provider balance 400, got %q", balance.Balance)
	}
	_, resp = rpcCall(t, s, "market_getBalance", false, addressParams{Address: clientAddr})
	mustResult(t, resp, &balance)
	if balance.Balance != "600" {
		t.Fatalf("expected client balance 600, got %q", balance.Balance)
	}
}

func TestResolveDisputeValidatesOutcome(t *testing.T) {
	s := newTestServer(t)
	_, resp := rpcCall(t, s, "market_initialize", true, addressParams{Address: testAddress(0x01)})
	if resp.Error != nil {
		t.Fatalf("initialize: %+v", resp.Error)
	}
	rec, resp := rpcCall(t, s, "market_resolveDispute", true, resolveParams{
		DealID: 0, Caller: testAddress(0x01), Outcome: "split_even",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != codeMarketInvalidParams {
		t.Fatalf("expected invalid params, got %+v", resp.Error)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	_, resp := rpcCall(t, s, "market_initialize", true, addressParams{Address: testAddress(0x01)})
	if resp.Error != nil {
		t.Fatalf("initialize: %+v", resp.Error)
	}

	rec, resp := rpcCall(t, s, "market_getNeed", false, idParams{ID: 42})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != codeMarketNotFound {
		t.Fatalf("expected not found, got %+v", resp.Error)
	}

	rec, resp = rpcCall(t, s, "market_initialize", true, addressParams{Address: testAddress(0x02)})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on re-init, got %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != codeMarketConflict {
		t.Fatalf("expected conflict, got %+v", resp.Error)
	}

	_, resp = rpcCall(t, s, "market_createNeed", true, createNeedParams{
		Creator: testAddress(0x03), Title: "t", Description: "d", Category: "c", Budget: "10",
	})
	var need needJSON
	mustResult(t, resp, &need)
	_, resp = rpcCall(t, s, "market_createOffer", true, createOfferParams{
		NeedID: need.ID, Provider: testAddress(0x04), Price: "100", Message: "",
	})
	var offer offerJSON
	mustResult(t, resp, &offer)

	rec, resp = rpcCall(t, s, "market_acceptOffer", true, acceptOfferParams{
		NeedID: need.ID, OfferID: offer.ID, Client: testAddress(0x03),
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for unfunded client, got %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != codeMarketInsufficientfunds {
		t.Fatalf("expected insufficient funds, got %+v", resp.Error)
	}

	rec, resp = rpcCall(t, s, "market_cancelNeed", true, cancelNeedParams{
		NeedID: need.ID, Creator: testAddress(0x05),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong creator, got %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != codeMarketForbidden {
		t.Fatalf("expected forbidden, got %+v", resp.Error)
	}
}

func TestListFilters(t *testing.T) {
	s := newTestServer(t)
	_, resp := rpcCall(t, s, "market_initialize", true, addressParams{Address: testAddress(0x01)})
	if resp.Error != nil {
		t.Fatalf("initialize: %+v", resp.Error)
	}
	creator := testAddress(0x0a)
	for i := 0; i < 3; i++ {
		_, resp = rpcCall(t, s, "market_createNeed", true, createNeedParams{
			Creator: creator, Title: fmt.Sprintf("need %d", i), Description: "d", Category: "c", Budget: "10",
		})
		if resp.Error != nil {
			t.Fatalf("create need %d: %+v", i, resp.Error)
		}
	}
	_, resp = rpcCall(t, s, "market_cancelNeed", true, cancelNeedParams{NeedID: 1, Creator: creator})
	if resp.Error != nil {
		t.Fatalf("cancel need: %+v", resp.Error)
	}

	var open []needJSON
	_, resp = rpcCall(t, s, "market_listNeeds", false, listNeedsParams{Status: "open"})
	mustResult(t, resp, &open)
	if len(open) != 2 {
		t.Fatalf("expected 2 open needs, got %d", len(open))
	}
	var all []needJSON
	_, resp = rpcCall(t, s, "market_listNeeds", false)
	mustResult(t, resp, &all)
	if len(all) != 3 {
		t.Fatalf("expected 3 needs, got %d", len(all))
	}
}
