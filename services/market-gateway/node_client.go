package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// NodeClient is a thin JSON-RPC client used by the gateway.
type NodeClient interface {
	CreateNeed(ctx context.Context, req NeedCreateRequest) (*NeedState, error)
	GetNeed(ctx context.Context, id uint64) (*NeedState, error)
	ListNeeds(ctx context.Context, status string) ([]NeedState, error)
	CancelNeed(ctx context.Context, id uint64, creator string) (*NeedState, error)

	CreateOffer(ctx context.Context, req OfferCreateRequest) (*OfferState, error)
	GetOffer(ctx context.Context, id uint64) (*OfferState, error)
	ListOffers(ctx context.Context, needID *uint64) ([]OfferState, error)
	CancelOffer(ctx context.Context, id uint64, provider string) (*OfferState, error)
	AcceptOffer(ctx context.Context, needID, offerID uint64, client string) (*DealState, error)

	GetDeal(ctx context.Context, id uint64) (*DealState, error)
	ListDeals(ctx context.Context) ([]DealState, error)
	SubmitDelivery(ctx context.Context, req DeliveryRequest) (*DealState, error)
	ConfirmDelivery(ctx context.Context, dealID uint64, client, provider string) (*DealState, error)
	RaiseDispute(ctx context.Context, dealID uint64, caller, reason string) (*DealState, error)
	ResolveDispute(ctx context.Context, dealID uint64, caller, outcome string) (*DealState, error)

	CreateBarter(ctx context.Context, req BarterCreateRequest) (*BarterState, error)
	GetBarter(ctx context.Context, id uint64) (*BarterState, error)
	ListBarters(ctx context.Context, status string) ([]BarterState, error)
	AcceptBarter(ctx context.Context, id uint64, caller string) (*BarterState, error)
	CancelBarter(ctx context.Context, id uint64, caller string) (*BarterState, error)
	SubmitBarterDelivery(ctx context.Context, req BarterDeliveryRequest) (*BarterState, error)
	ConfirmBarterSide(ctx context.Context, id uint64, caller string) (*BarterState, error)
	DisputeBarter(ctx context.Context, id uint64, caller, reason string) (*BarterState, error)

	GetBalance(ctx context.Context, address string) (*BalanceState, error)
}

// RPCNodeClient implements NodeClient against the ledger JSON-RPC server.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NodeError carries a structured JSON-RPC failure so HTTP handlers can map
// node rejections onto meaningful status codes.
type NodeError struct {
	Code    int
	Message string
	Data    string
}

func (e *NodeError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("node rpc error %d (%s): %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("node rpc error %d (%s)", e.Code, e.Message)
}

func (c *RPCNodeClient) CreateNeed(ctx context.Context, req NeedCreateRequest) (*NeedState, error) {
	var result NeedState
	if err := c.call(ctx, "market_createNeed", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) GetNeed(ctx context.Context, id uint64) (*NeedState, error) {
	var result NeedState
	if err := c.call(ctx, "market_getNeed", []interface{}{map[string]uint64{"id": id}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) ListNeeds(ctx context.Context, status string) ([]NeedState, error) {
	params := map[string]string{}
	if strings.TrimSpace(status) != "" {
		params["status"] = status
	}
	var result []NeedState
	if err := c.call(ctx, "market_listNeeds", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCNodeClient) CancelNeed(ctx context.Context, id uint64, creator string) (*NeedState, error) {
	var result NeedState
	params := map[string]interface{}{"needId": id, "creator": creator}
	if err := c.call(ctx, "market_cancelNeed", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) CreateOffer(ctx context.Context, req OfferCreateRequest) (*OfferState, error) {
	var result OfferState
	if err := c.call(ctx, "market_createOffer", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) GetOffer(ctx context.Context, id uint64) (*OfferState, error) {
	var result OfferState
	if err := c.call(ctx, "market_getOffer", []interface{}{map[string]uint64{"id": id}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) ListOffers(ctx context.Context, needID *uint64) ([]OfferState, error) {
	params := map[string]interface{}{}
	if needID != nil {
		params["needId"] = *needID
	}
	var result []OfferState
	if err := c.call(ctx, "market_listOffers", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCNodeClient) CancelOffer(ctx context.Context, id uint64, provider string) (*OfferState, error) {
	var result OfferState
	params := map[string]interface{}{"offerId": id, "provider": provider}
	if err := c.call(ctx, "market_cancelOffer", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) AcceptOffer(ctx context.Context, needID, offerID uint64, client string) (*DealState, error) {
	var result DealState
	params := map[string]interface{}{"needId": needID, "offerId": offerID, "client": client}
	if err := c.call(ctx, "market_acceptOffer", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) GetDeal(ctx context.Context, id uint64) (*DealState, error) {
	var result DealState
	if err := c.call(ctx, "market_getDeal", []interface{}{map[string]uint64{"id": id}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) ListDeals(ctx context.Context) ([]DealState, error) {
	var result []DealState
	if err := c.call(ctx, "market_listDeals", []interface{}{}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCNodeClient) SubmitDelivery(ctx context.Context, req DeliveryRequest) (*DealState, error) {
	var result DealState
	if err := c.call(ctx, "market_submitDelivery", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) ConfirmDelivery(ctx context.Context, dealID uint64, client, provider string) (*DealState, error) {
	var result DealState
	params := map[string]interface{}{"dealId": dealID, "client": client, "provider": provider}
	if err := c.call(ctx, "market_confirmDelivery", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) RaiseDispute(ctx context.Context, dealID uint64, caller, reason string) (*DealState, error) {
	var result DealState
	params := map[string]interface{}{"dealId": dealID, "caller": caller, "reason": reason}
	if err := c.call(ctx, "market_raiseDispute", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) ResolveDispute(ctx context.Context, dealID uint64, caller, outcome string) (*DealState, error) {
	var result DealState
	params := map[string]interface{}{"dealId": dealID, "caller": caller, "outcome": outcome}
	if err := c.call(ctx, "market_resolveDispute", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) CreateBarter(ctx context.Context, req BarterCreateRequest) (*BarterState, error) {
	var result BarterState
	if err := c.call(ctx, "market_createBarter", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) GetBarter(ctx context.Context, id uint64) (*BarterState, error) {
	var result BarterState
	if err := c.call(ctx, "market_getBarter", []interface{}{map[string]uint64{"id": id}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) ListBarters(ctx context.Context, status string) ([]BarterState, error) {
	params := map[string]string{}
	if strings.TrimSpace(status) != "" {
		params["status"] = status
	}
	var result []BarterState
	if err := c.call(ctx, "market_listBarters", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCNodeClient) AcceptBarter(ctx context.Context, id uint64, caller string) (*BarterState, error) {
	return c.barterActor(ctx, "market_acceptBarter", id, caller, "")
}

func (c *RPCNodeClient) CancelBarter(ctx context.Context, id uint64, caller string) (*BarterState, error) {
	return c.barterActor(ctx, "market_cancelBarter", id, caller, "")
}

func (c *RPCNodeClient) ConfirmBarterSide(ctx context.Context, id uint64, caller string) (*BarterState, error) {
	return c.barterActor(ctx, "market_confirmBarterSide", id, caller, "")
}

func (c *RPCNodeClient) DisputeBarter(ctx context.Context, id uint64, caller, reason string) (*BarterState, error) {
	return c.barterActor(ctx, "market_disputeBarter", id, caller, reason)
}

func (c *RPCNodeClient) barterActor(ctx context.Context, method string, id uint64, caller, reason string) (*BarterState, error) {
	params := map[string]interface{}{"barterId": id, "caller": caller}
	if reason != "" {
		params["reason"] = reason
	}
	var result BarterState
	if err := c.call(ctx, method, []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) SubmitBarterDelivery(ctx context.Context, req BarterDeliveryRequest) (*BarterState, error) {
	var result BarterState
	if err := c.call(ctx, "market_submitBarterDelivery", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) GetBalance(ctx context.Context, address string) (*BalanceState, error) {
	var result BalanceState
	if err := c.call(ctx, "market_getBalance", []interface{}{map[string]string{"address": address}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(payload))
	}
	if rpcResp.Error != nil {
		return &NodeError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
			Data:    strings.Trim(string(rpcResp.Error.Data), `"`),
		}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// NeedCreateRequest is the request payload accepted by the gateway.
type NeedCreateRequest struct {
	Creator     string `json:"creator"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Budget      string `json:"budget"`
	Deadline    *int64 `json:"deadline,omitempty"`
}

// NeedState mirrors the node RPC need view.
type NeedState struct {
	ID          uint64 `json:"id"`
	Creator     string `json:"creator"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Budget      string `json:"budget"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"createdAt"`
	Deadline    *int64 `json:"deadline,omitempty"`
}

// OfferCreateRequest is the request payload accepted by the gateway.
type OfferCreateRequest struct {
	NeedID   uint64 `json:"needId"`
	Provider string `json:"provider"`
	Price    string `json:"price"`
	Message  string `json:"message,omitempty"`
}

// OfferState mirrors the node RPC offer view.
type OfferState struct {
	ID        uint64 `json:"id"`
	NeedID    uint64 `json:"needId"`
	Provider  string `json:"provider"`
	Price     string `json:"price"`
	Message   string `json:"message,omitempty"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

// DeliveryRequest carries a provider's delivery claim for a deal.
type DeliveryRequest struct {
	DealID          uint64 `json:"dealId"`
	Provider        string `json:"provider"`
	DeliveryHash    string `json:"deliveryHash"`
	DeliveryContent string `json:"deliveryContent,omitempty"`
}

// DealState mirrors the node RPC deal view.
type DealState struct {
	ID              uint64 `json:"id"`
	NeedID          uint64 `json:"needId"`
	OfferID         uint64 `json:"offerId"`
	Client          string `json:"client"`
	Provider        string `json:"provider"`
	Amount          string `json:"amount"`
	Status          string `json:"status"`
	DeliveryHash    string `json:"deliveryHash,omitempty"`
	DeliveryContent string `json:"deliveryContent,omitempty"`
	DisputeReason   string `json:"disputeReason,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
}

// BarterCreateRequest is the request payload accepted by the gateway.
type BarterCreateRequest struct {
	Initiator  string `json:"initiator"`
	WhatIOffer string `json:"whatIOffer"`
	WhatIWant  string `json:"whatIWant"`
	Target     string `json:"target,omitempty"`
}

// BarterDeliveryRequest carries one side's barter delivery claim.
type BarterDeliveryRequest struct {
	BarterID uint64 `json:"barterId"`
	Caller   string `json:"caller"`
	Content  string `json:"content,omitempty"`
	Hash     string `json:"hash"`
}

// BarterState mirrors the node RPC barter view.
type BarterState struct {
	ID             uint64 `json:"id"`
	Initiator      string `json:"initiator"`
	Counterpart    string `json:"counterpart,omitempty"`
	WhatIOffer     string `json:"whatIOffer"`
	WhatIWant      string `json:"whatIWant"`
	Status         string `json:"status"`
	SideADelivery  string `json:"sideADelivery,omitempty"`
	SideAHash      string `json:"sideAHash,omitempty"`
	SideAConfirmed bool   `json:"sideAConfirmed"`
	SideBDelivery  string `json:"sideBDelivery,omitempty"`
	SideBHash      string `json:"sideBHash,omitempty"`
	SideBConfirmed bool   `json:"sideBConfirmed"`
	DisputeReason  string `json:"disputeReason,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// BalanceState mirrors the node RPC balance view.
type BalanceState struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}
