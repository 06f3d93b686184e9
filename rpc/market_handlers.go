package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"clawmarket/crypto"
	"clawmarket/native/market"
)

const (
	codeMarketInvalidParams     = -32021
	codeMarketNotFound          = -32022
	codeMarketForbidden         = -32023
	codeMarketConflict          = -32024
	codeMarketInternal          = -32025
	codeMarketInsufficientfunds = -32026
)

type addressParams struct {
	Address string `json:"address"`
}

type mintParams struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type createNeedParams struct {
	Creator     string `json:"creator"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Budget      string `json:"budget"`
	Deadline    *int64 `json:"deadline,omitempty"`
}

type createOfferParams struct {
	NeedID   uint64 `json:"needId"`
	Provider string `json:"provider"`
	Price    string `json:"price"`
	Message  string `json:"message"`
}

type acceptOfferParams struct {
	NeedID  uint64 `json:"needId"`
	OfferID uint64 `json:"offerId"`
	Client  string `json:"client"`
}

type submitDeliveryParams struct {
	DealID          uint64 `json:"dealId"`
	Provider        string `json:"provider"`
	DeliveryHash    string `json:"deliveryHash"`
	DeliveryContent string `json:"deliveryContent,omitempty"`
}

type confirmDeliveryParams struct {
	DealID   uint64 `json:"dealId"`
	Client   string `json:"client"`
	Provider string `json:"provider"`
}

type cancelNeedParams struct {
	NeedID  uint64 `json:"needId"`
	Creator string `json:"creator"`
}

type cancelOfferParams struct {
	OfferID  uint64 `json:"offerId"`
	Provider string `json:"provider"`
}

type disputeParams struct {
	DealID uint64 `json:"dealId"`
	Caller string `json:"caller"`
	Reason string `json:"reason,omitempty"`
}

type resolveParams struct {
	DealID  uint64 `json:"dealId"`
	Caller  string `json:"caller"`
	Outcome string `json:"outcome"`
}

type createBarterParams struct {
	Initiator  string `json:"initiator"`
	WhatIOffer string `json:"whatIOffer"`
	WhatIWant  string `json:"whatIWant"`
	Target     string `json:"target,omitempty"`
}

type barterActorParams struct {
	BarterID uint64 `json:"barterId"`
	Caller   string `json:"caller"`
	Reason   string `json:"reason,omitempty"`
}

type barterDeliveryParams struct {
	BarterID uint64 `json:"barterId"`
	Caller   string `json:"caller"`
	Content  string `json:"content,omitempty"`
	Hash     string `json:"hash"`
}

type idParams struct {
	ID uint64 `json:"id"`
}

type listNeedsParams struct {
	Status string `json:"status,omitempty"`
}

type listOffersParams struct {
	NeedID *uint64 `json:"needId,omitempty"`
}

type listBartersParams struct {
	Status string `json:"status,omitempty"`
}

type ledgerJSON struct {
	Authority     string `json:"authority"`
	NeedCounter   uint64 `json:"needCounter"`
	OfferCounter  uint64 `json:"offerCounter"`
	DealCounter   uint64 `json:"dealCounter"`
	BarterCounter uint64 `json:"barterCounter"`
}

type needJSON struct {
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

type offerJSON struct {
	ID        uint64 `json:"id"`
	NeedID    uint64 `json:"needId"`
	Provider  string `json:"provider"`
	Price     string `json:"price"`
	Message   string `json:"message"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

type dealJSON struct {
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

type barterJSON struct {
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

type balanceJSON struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type escrowBalanceJSON struct {
	DealID  uint64 `json:"dealId"`
	Balance string `json:"balance"`
}

func encodeAddress(b [20]byte) string {
	return crypto.NewAddress(crypto.ClawPrefix, b[:]).String()
}

func parseBech32Address(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, err
	}
	var out [20]byte
	copy(out[:], decoded.Bytes())
	return out, nil
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseNonNegativeBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func bigIntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func ledgerView(l *market.Ledger) ledgerJSON {
	return ledgerJSON{
		Authority:     encodeAddress(l.Authority),
		NeedCounter:   l.NeedCounter,
		OfferCounter:  l.OfferCounter,
		DealCounter:   l.DealCounter,
		BarterCounter: l.BarterCounter,
	}
}

func needView(n *market.Need) needJSON {
	return needJSON{
		ID:          n.ID,
		Creator:     encodeAddress(n.Creator),
		Title:       n.Title,
		Description: n.Description,
		Category:    n.Category,
		Budget:      bigIntString(n.Budget),
		Status:      n.Status.String(),
		CreatedAt:   n.CreatedAt,
		Deadline:    n.Deadline,
	}
}

func offerView(o *market.Offer) offerJSON {
	return offerJSON{
		ID:        o.ID,
		NeedID:    o.NeedID,
		Provider:  encodeAddress(o.Provider),
		Price:     bigIntString(o.Price),
		Message:   o.Message,
		Status:    o.Status.String(),
		CreatedAt: o.CreatedAt,
	}
}

func dealView(d *market.Deal) dealJSON {
	return dealJSON{
		ID:              d.ID,
		NeedID:          d.NeedID,
		OfferID:         d.OfferID,
		Client:          encodeAddress(d.Client),
		Provider:        encodeAddress(d.Provider),
		Amount:          bigIntString(d.Amount),
		Status:          d.Status.String(),
		DeliveryHash:    d.DeliveryHash,
		DeliveryContent: d.DeliveryContent,
		DisputeReason:   d.DisputeReason,
		CreatedAt:       d.CreatedAt,
	}
}

func barterView(b *market.Barter) barterJSON {
	view := barterJSON{
		ID:             b.ID,
		Initiator:      encodeAddress(b.Initiator),
		WhatIOffer:     b.WhatIOffer,
		WhatIWant:      b.WhatIWant,
		Status:         b.Status.String(),
		SideADelivery:  b.SideADelivery,
		SideAHash:      b.SideAHash,
		SideAConfirmed: b.SideAConfirmed,
		SideBDelivery:  b.SideBDelivery,
		SideBHash:      b.SideBHash,
		SideBConfirmed: b.SideBConfirmed,
		DisputeReason:  b.DisputeReason,
		CreatedAt:      b.CreatedAt,
	}
	if b.Counterpart != market.ZeroAddress {
		view.Counterpart = encodeAddress(b.Counterpart)
	}
	return view
}

func writeMarketError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeMarketInternal
	message := "internal_error"
	data := err.Error()
	switch {
	case errors.Is(err, market.ErrNotFound):
		status = http.StatusNotFound
		code = codeMarketNotFound
		message = "not_found"
	case errors.Is(err, market.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeMarketForbidden
		message = "forbidden"
	case errors.Is(err, market.ErrInsufficientFunds):
		status = http.StatusConflict
		code = codeMarketInsufficientfunds
		message = "insufficient_funds"
	case errors.Is(err, market.ErrAlreadyExists),
		errors.Is(err, market.ErrInvalidState),
		errors.Is(err, market.ErrStaleState),
		errors.Is(err, market.ErrNotInitialized):
		status = http.StatusConflict
		code = codeMarketConflict
		message = "conflict"
	case errors.Is(err, market.ErrCorruptEscrow):
		status = http.StatusInternalServerError
		code = codeMarketInternal
		message = "internal_error"
	case strings.Contains(err.Error(), "market:"):
		status = http.StatusBadRequest
		code = codeMarketInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, data)
}

func (s *Server) handleInitialize(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params addressParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	authority, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	ledger, err := s.node.Initialize(authority)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ledgerView(ledger))
}

func (s *Server) handleMint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params mintParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	account, err := s.node.Mint(addr, amount)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceJSON{Address: params.Address, Balance: bigIntString(account.Balance)})
}

func (s *Server) handleCreateNeed(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params createNeedParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	creator, err := parseBech32Address(params.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	budget, err := parseNonNegativeBigInt(params.Budget)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	need, err := s.node.CreateNeed(creator, params.Title, params.Description, params.Category, budget, params.Deadline)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, needView(need))
}

func (s *Server) handleCreateOffer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params createOfferParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	provider, err := parseBech32Address(params.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	price, err := parsePositiveBigInt(params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	offer, err := s.node.CreateOffer(params.NeedID, provider, price, params.Message)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, offerView(offer))
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params acceptOfferParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	client, err := parseBech32Address(params.Client)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	deal, err := s.node.AcceptOffer(params.NeedID, params.OfferID, client)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, dealView(deal))
}

func (s *Server) handleSubmitDelivery(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params submitDeliveryParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	provider, err := parseBech32Address(params.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	deal, err := s.node.SubmitDelivery(params.DealID, provider, params.DeliveryHash, params.DeliveryContent)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, dealView(deal))
}

func (s *Server) handleConfirmDelivery(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params confirmDeliveryParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	client, err := parseBech32Address(params.Client)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	provider, err := parseBech32Address(params.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	deal, err := s.node.ConfirmDelivery(params.DealID, client, provider)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, dealView(deal))
}

func (s *Server) handleCancelNeed(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params cancelNeedParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	creator, err := parseBech32Address(params.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	need, err := s.node.CancelNeed(params.NeedID, creator)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, needView(need))
}

func (s *Server) handleCancelOffer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params cancelOfferParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	provider, err := parseBech32Address(params.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	offer, err := s.node.CancelOffer(params.OfferID, provider)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, offerView(offer))
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params disputeParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	deal, err := s.node.RaiseDispute(params.DealID, caller, params.Reason)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, dealView(deal))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params resolveParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	outcome := strings.TrimSpace(params.Outcome)
	if outcome != market.ResolutionRefundClient && outcome != market.ResolutionPayProvider {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params",
			fmt.Sprintf("outcome must be %q or %q", market.ResolutionRefundClient, market.ResolutionPayProvider))
		return
	}
	deal, err := s.node.ResolveDispute(params.DealID, caller, outcome)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, dealView(deal))
}

func (s *Server) handleCreateBarter(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params createBarterParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	initiator, err := parseBech32Address(params.Initiator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	var targetPtr *[20]byte
	if strings.TrimSpace(params.Target) != "" {
		target, parseErr := parseBech32Address(params.Target)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", parseErr.Error())
			return
		}
		targetCopy := target
		targetPtr = &targetCopy
	}
	barter, err := s.node.CreateBarter(initiator, params.WhatIOffer, params.WhatIWant, targetPtr)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, barterView(barter))
}

func (s *Server) handleAcceptBarter(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleBarterActor(w, req, s.node.AcceptBarter)
}

func (s *Server) handleCancelBarter(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleBarterActor(w, req, s.node.CancelBarter)
}

func (s *Server) handleConfirmBarterSide(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleBarterActor(w, req, s.node.ConfirmBarterSide)
}

func (s *Server) handleBarterActor(w http.ResponseWriter, req *RPCRequest, op func(uint64, [20]byte) (*market.Barter, error)) {
	var params barterActorParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	barter, err := op(params.BarterID, caller)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, barterView(barter))
}

func (s *Server) handleSubmitBarterDelivery(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params barterDeliveryParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	barter, err := s.node.SubmitBarterDelivery(params.BarterID, caller, params.Content, params.Hash)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, barterView(barter))
}

func (s *Server) handleDisputeBarter(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params barterActorParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	barter, err := s.node.DisputeBarter(params.BarterID, caller, params.Reason)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, barterView(barter))
}

func (s *Server) handleGetLedger(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	ledger, err := s.node.Ledger()
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ledgerView(ledger))
}

func (s *Server) handleGetNeed(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params idParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	need, err := s.node.GetNeed(params.ID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, needView(need))
}

func (s *Server) handleListNeeds(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params listNeedsParams
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	needs, err := s.node.ListNeeds(params.Status)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	views := make([]needJSON, 0, len(needs))
	for _, need := range needs {
		views = append(views, needView(need))
	}
	writeResult(w, req.ID, views)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params idParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	offer, err := s.node.GetOffer(params.ID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, offerView(offer))
}

func (s *Server) handleListOffers(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params listOffersParams
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	offers, err := s.node.ListOffers(params.NeedID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	views := make([]offerJSON, 0, len(offers))
	for _, offer := range offers {
		views = append(views, offerView(offer))
	}
	writeResult(w, req.ID, views)
}

func (s *Server) handleGetDeal(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params idParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	deal, err := s.node.GetDeal(params.ID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, dealView(deal))
}

func (s *Server) handleListDeals(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	deals, err := s.node.ListDeals()
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	views := make([]dealJSON, 0, len(deals))
	for _, deal := range deals {
		views = append(views, dealView(deal))
	}
	writeResult(w, req.ID, views)
}

func (s *Server) handleGetBarter(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params idParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	barter, err := s.node.GetBarter(params.ID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, barterView(barter))
}

func (s *Server) handleListBarters(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params listBartersParams
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	barters, err := s.node.ListBarters(params.Status)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	views := make([]barterJSON, 0, len(barters))
	for _, barter := range barters {
		views = append(views, barterView(barter))
	}
	writeResult(w, req.ID, views)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params addressParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.GetBalance(addr)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceJSON{Address: encodeAddress(addr), Balance: bigIntString(balance)})
}

func (s *Server) handleGetEscrowBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params idParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.EscrowBalance(params.ID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowBalanceJSON{DealID: params.ID, Balance: bigIntString(balance)})
}
