package market

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"clawmarket/core/events"
	"clawmarket/core/types"
)

var errNilState = fmt.Errorf("market engine: state not configured")

// engineState is the storage contract the deal engine operates against. All
// mutating calls are expected to execute under the backend's write
// serialization; updates carry the status the engine observed so a racing
// writer is rejected with ErrStaleState instead of silently overwriting.
type engineState interface {
	LedgerGet() (*Ledger, bool)
	LedgerPut(*Ledger) error
	NextID(kind EntityKind) (uint64, error)

	NeedCreate(*Need) error
	NeedGet(id uint64) (*Need, bool)
	NeedUpdate(id uint64, expected NeedStatus, mutate func(*Need)) error

	OfferCreate(*Offer) error
	OfferGet(id uint64) (*Offer, bool)
	OfferUpdate(id uint64, expected OfferStatus, mutate func(*Offer)) error

	DealCreate(*Deal) error
	DealGet(id uint64) (*Deal, bool)
	DealUpdate(id uint64, expected DealStatus, mutate func(*Deal)) error
	DealPoison(id uint64) error
	DealPoisoned(id uint64) (bool, error)

	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	EscrowCredit(dealID uint64, amt *big.Int) error
	EscrowDebit(dealID uint64, amt *big.Int) error
	EscrowBalance(dealID uint64) (*big.Int, error)
}

// Dispute resolution outcomes accepted by ResolveDispute.
const (
	ResolutionRefundClient = "refund_client"
	ResolutionPayProvider  = "pay_provider"
)

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Engine drives the need/offer/deal lifecycle and the escrow transitions it
// implies. Every operation validates caller identity and current entity state
// before writing; recoverable failures leave no partial mutation.
type Engine struct {
	state   engineState
	vault   *Vault
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a deal engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) {
	e.state = state
	e.vault = NewVault(state)
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Vault exposes the escrow vault bound to the engine's state backend.
func (e *Engine) Vault() *Vault { return e.vault }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ledger() (*Ledger, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ledger, ok := e.state.LedgerGet()
	if !ok {
		return nil, ErrNotInitialized
	}
	return ledger, nil
}

// Initialize creates the singleton ledger record. It fails with
// ErrAlreadyExists once a ledger is present.
func (e *Engine) Initialize(authority [20]byte) (*Ledger, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, ok := e.state.LedgerGet(); ok {
		return nil, fmt.Errorf("%w: ledger", ErrAlreadyExists)
	}
	ledger := &Ledger{Authority: authority}
	if err := e.state.LedgerPut(ledger); err != nil {
		return nil, err
	}
	return ledger.Clone(), nil
}

// CreateNeed allocates a need id and stores the need as Open. No side effects
// on funds.
func (e *Engine) CreateNeed(creator [20]byte, title, description, category string, budget *big.Int, deadline *int64) (*Need, error) {
	if _, err := e.ledger(); err != nil {
		return nil, err
	}
	need := &Need{
		Creator:     creator,
		Title:       title,
		Description: description,
		Category:    category,
		Budget:      cloneBigInt(budget),
		Status:      NeedOpen,
		CreatedAt:   e.now(),
		Deadline:    deadline,
	}
	sanitized, err := SanitizeNeed(need)
	if err != nil {
		return nil, err
	}
	id, err := e.state.NextID(KindNeed)
	if err != nil {
		return nil, err
	}
	sanitized.ID = id
	if err := e.state.NeedCreate(sanitized); err != nil {
		return nil, err
	}
	e.emit(NewNeedCreatedEvent(sanitized))
	return sanitized.Clone(), nil
}

// CreateOffer stores a pending offer against an open need. The provider must
// differ from the need's creator; multiple pending offers may reference the
// same need.
func (e *Engine) CreateOffer(needID uint64, provider [20]byte, price *big.Int, message string) (*Offer, error) {
	if _, err := e.ledger(); err != nil {
		return nil, err
	}
	need, ok := e.state.NeedGet(needID)
	if !ok {
		return nil, fmt.Errorf("%w: need %d", ErrNotFound, needID)
	}
	if need.Status != NeedOpen {
		return nil, fmt.Errorf("%w: need %d is %s", ErrInvalidState, needID, need.Status)
	}
	if provider == need.Creator {
		return nil, fmt.Errorf("%w: provider may not bid on their own need", ErrUnauthorized)
	}
	offer := &Offer{
		NeedID:    needID,
		Provider:  provider,
		Price:     cloneBigInt(price),
		Message:   message,
		Status:    OfferPending,
		CreatedAt: e.now(),
	}
	sanitized, err := SanitizeOffer(offer)
	if err != nil {
		return nil, err
	}
	id, err := e.state.NextID(KindOffer)
	if err != nil {
		return nil, err
	}
	sanitized.ID = id
	if err := e.state.OfferCreate(sanitized); err != nil {
		return nil, err
	}
	e.emit(NewOfferCreatedEvent(sanitized))
	return sanitized.Clone(), nil
}

// AcceptOffer accepts exactly one pending offer on an open need: it locks the
// offer price into deal custody, flips the need to InProgress and the offer
// to Accepted, and stores the resulting deal, all as one step. A failed lock
// aborts the whole transition. Other pending offers remain Pending but become
// unacceptable because the need is no longer Open.
func (e *Engine) AcceptOffer(needID, offerID uint64, client [20]byte) (*Deal, error) {
	if _, err := e.ledger(); err != nil {
		return nil, err
	}
	need, ok := e.state.NeedGet(needID)
	if !ok {
		return nil, fmt.Errorf("%w: need %d", ErrNotFound, needID)
	}
	offer, ok := e.state.OfferGet(offerID)
	if !ok {
		return nil, fmt.Errorf("%w: offer %d", ErrNotFound, offerID)
	}
	if need.Status != NeedOpen {
		return nil, fmt.Errorf("%w: need %d is %s", ErrInvalidState, needID, need.Status)
	}
	if offer.Status != OfferPending {
		return nil, fmt.Errorf("%w: offer %d is %s", ErrInvalidState, offerID, offer.Status)
	}
	if offer.NeedID != needID {
		return nil, fmt.Errorf("%w: offer %d targets need %d", ErrInvalidState, offerID, offer.NeedID)
	}
	if need.Creator != client {
		return nil, fmt.Errorf("%w: only the need creator may accept", ErrUnauthorized)
	}
	// Funds are checked before the deal id is allocated so a failed lock
	// leaves the ledger counters and entities untouched.
	clientAcc, err := e.state.GetAccount(client[:])
	if err != nil {
		return nil, err
	}
	clientAcc = ensureAccount(clientAcc)
	if clientAcc.Balance.Cmp(offer.Price) < 0 {
		return nil, ErrInsufficientFunds
	}
	dealID, err := e.state.NextID(KindDeal)
	if err != nil {
		return nil, err
	}
	if err := e.vault.Lock(dealID, client, offer.Price); err != nil {
		return nil, err
	}
	if err := e.state.NeedUpdate(needID, NeedOpen, func(n *Need) {
		n.Status = NeedInProgress
	}); err != nil {
		return nil, err
	}
	if err := e.state.OfferUpdate(offerID, OfferPending, func(o *Offer) {
		o.Status = OfferAccepted
	}); err != nil {
		return nil, err
	}
	deal := &Deal{
		ID:        dealID,
		NeedID:    needID,
		OfferID:   offerID,
		Client:    client,
		Provider:  offer.Provider,
		Amount:    cloneBigInt(offer.Price),
		Status:    DealInProgress,
		CreatedAt: e.now(),
	}
	if err := e.state.DealCreate(deal); err != nil {
		return nil, err
	}
	e.emit(NewDealCreatedEvent(deal))
	return deal.Clone(), nil
}

func (e *Engine) usableDeal(dealID uint64) (*Deal, error) {
	deal, ok := e.state.DealGet(dealID)
	if !ok {
		return nil, fmt.Errorf("%w: deal %d", ErrNotFound, dealID)
	}
	poisoned, err := e.state.DealPoisoned(dealID)
	if err != nil {
		return nil, err
	}
	if poisoned {
		return nil, fmt.Errorf("%w: deal %d is blocked", ErrCorruptEscrow, dealID)
	}
	return deal, nil
}

// SubmitDelivery records the provider's delivery claim. The claim is
// unverified by the ledger; resubmitting before confirmation overwrites the
// previous hash and content.
func (e *Engine) SubmitDelivery(dealID uint64, provider [20]byte, deliveryHash, deliveryContent string) (*Deal, error) {
	if _, err := e.ledger(); err != nil {
		return nil, err
	}
	deal, err := e.usableDeal(dealID)
	if err != nil {
		return nil, err
	}
	if deal.Status != DealInProgress && deal.Status != DealDeliverySubmitted {
		return nil, fmt.Errorf("%w: deal %d is %s", ErrInvalidState, dealID, deal.Status)
	}
	if deal.Provider != provider {
		return nil, fmt.Errorf("%w: only the provider may submit delivery", ErrUnauthorized)
	}
	hash := strings.TrimSpace(deliveryHash)
	if hash == "" {
		return nil, fmt.Errorf("market: delivery hash must not be empty")
	}
	if len(hash) > MaxDeliveryHashLen {
		return nil, fmt.Errorf("market: delivery hash exceeds %d characters", MaxDeliveryHashLen)
	}
	if len(deliveryContent) > MaxDeliveryContentLen {
		return nil, fmt.Errorf("market: delivery content exceeds %d characters", MaxDeliveryContentLen)
	}
	expected := deal.Status
	if err := e.state.DealUpdate(dealID, expected, func(d *Deal) {
		d.Status = DealDeliverySubmitted
		d.DeliveryHash = hash
		d.DeliveryContent = deliveryContent
	}); err != nil {
		return nil, err
	}
	updated, _ := e.state.DealGet(dealID)
	e.emit(NewDeliverySubmittedEvent(updated))
	return updated.Clone(), nil
}

// ConfirmDelivery releases the escrowed amount to the provider and marks the
// deal and its need Completed, atomically with the release.
func (e *Engine) ConfirmDelivery(dealID uint64, client, provider [20]byte) (*Deal, error) {
	if _, err := e.ledger(); err != nil {
		return nil, err
	}
	deal, err := e.usableDeal(dealID)
	if err != nil {
		return nil, err
	}
	if deal.Status != DealDeliverySubmitted {
		return nil, fmt.Errorf("%w: deal %d is %s", ErrInvalidState, dealID, deal.Status)
	}
	if deal.Client != client {
		return nil, fmt.Errorf("%w: only the client may confirm delivery", ErrUnauthorized)
	}
	if deal.Provider != provider {
		return nil, fmt.Errorf("%w: provider mismatch", ErrUnauthorized)
	}
	if err := e.vault.Release(dealID, deal.Provider, deal.Amount); err != nil {
		return nil, err
	}
	if err := e.state.DealUpdate(dealID, DealDeliverySubmitted, func(d *Deal) {
		d.Status = DealCompleted
	}); err != nil {
		return nil, err
	}
	if err := e.state.NeedUpdate(deal.NeedID, NeedInProgress, func(n *Need) {
		n.Status = NeedCompleted
	}); err != nil {
		return nil, err
	}
	updated, _ := e.state.DealGet(dealID)
	e.emit(NewDeliveryConfirmedEvent(updated))
	return updated.Clone(), nil
}

// CancelNeed cancels an open need. Only the creator may cancel, and only
// before any offer has been accepted; there is nothing to refund.
func (e *Engine) CancelNeed(needID uint64, creator [20]byte) (*Need, error) {
	if _, err := e.ledger(); err != nil {
		return nil, err
	}
	need, ok := e.state.NeedGet(needID)
	if !ok {
		return nil, fmt.Errorf("%w: need %d", ErrNotFound, needID)
	}
	if need.Status != NeedOpen {
		return nil, fmt.Errorf("%w: need %d is %s", ErrInvalidState, needID, need.Status)
	}
	if need.Creator != creator {
		return nil, fmt.Errorf("%w: only the creator may cancel", ErrUnauthorized)
	}
	if err := e.state.NeedUpdate(needID, NeedOpen, func(n *Need) {
		n.Status = NeedCancelled
	}); err != nil {
		return nil, err
	}
	updated, _ := e.state.NeedGet(needID)
	e.emit(NewNeedCancelledEvent(updated))
	return updated.Clone(), nil
}

// CancelOffer withdraws a pending offer. Only the offer's provider may
// cancel; accepted offers are immutable.
func (e *Engine) CancelOffer(offerID uint64, provider [20]byte) (*Offer, error) {
	if _, err := e.ledger(); err != nil {
		return nil, err
	}
	offer, ok := e.state.OfferGet(offerID)
	if !ok {
		return nil, fmt.Errorf("%w: offer %d", ErrNotFound, offerID)
	}
	if offer.Status != OfferPending {
		return nil, fmt.Errorf("%w: offer %d is %s", ErrInvalidState, offerID, offer.Status)
	}
	if offer.Provider != provider {
		return nil, fmt.Errorf("%w: only the provider may cancel", ErrUnauthorized)
	}
	if err := e.state.OfferUpdate(offerID, OfferPending, func(o *Offer) {
		o.Status = OfferCancelled
	}); err != nil {
		return nil, err
	}
	updated, _ := e.state.OfferGet(offerID)
	e.emit(NewOfferCancelledEvent(updated))
	return updated.Clone(), nil
}

// RaiseDispute flags a deal as disputed. Either participant may file while
// the deal is InProgress or DeliverySubmitted; the escrow stays locked until
// the ledger authority resolves the dispute.
func (e *Engine) RaiseDispute(dealID uint64, caller [20]byte, reason string) (*Deal, error) {
	if _, err := e.ledger(); err != nil {
		return nil, err
	}
	deal, err := e.usableDeal(dealID)
	if err != nil {
		return nil, err
	}
	if deal.Status != DealInProgress && deal.Status != DealDeliverySubmitted {
		return nil, fmt.Errorf("%w: deal %d is %s", ErrInvalidState, dealID, deal.Status)
	}
	if caller != deal.Client && caller != deal.Provider {
		return nil, fmt.Errorf("%w: only deal participants may dispute", ErrUnauthorized)
	}
	if len(reason) > MaxDisputeReasonLen {
		return nil, fmt.Errorf("market: dispute reason exceeds %d characters", MaxDisputeReasonLen)
	}
	expected := deal.Status
	if err := e.state.DealUpdate(dealID, expected, func(d *Deal) {
		d.Status = DealDisputed
		d.DisputeReason = reason
	}); err != nil {
		return nil, err
	}
	updated, _ := e.state.DealGet(dealID)
	e.emit(NewDealDisputedEvent(updated, caller))
	return updated.Clone(), nil
}

// ResolveDispute settles a disputed deal according to the authority's
// outcome: refund_client returns the escrow to the client and cancels deal
// and need, pay_provider releases it to the provider and completes both.
func (e *Engine) ResolveDispute(dealID uint64, caller [20]byte, outcome string) (*Deal, error) {
	ledger, err := e.ledger()
	if err != nil {
		return nil, err
	}
	deal, err := e.usableDeal(dealID)
	if err != nil {
		return nil, err
	}
	if deal.Status != DealDisputed {
		return nil, fmt.Errorf("%w: deal %d is %s", ErrInvalidState, dealID, deal.Status)
	}
	if caller != ledger.Authority {
		return nil, fmt.Errorf("%w: only the ledger authority may resolve disputes", ErrUnauthorized)
	}
	normalized := strings.ToLower(strings.TrimSpace(outcome))
	var (
		recipient  [20]byte
		dealStatus DealStatus
		needStatus NeedStatus
	)
	switch normalized {
	case ResolutionRefundClient:
		recipient = deal.Client
		dealStatus = DealCancelled
		needStatus = NeedCancelled
	case ResolutionPayProvider:
		recipient = deal.Provider
		dealStatus = DealCompleted
		needStatus = NeedCompleted
	default:
		return nil, fmt.Errorf("market: invalid resolution outcome %q", outcome)
	}
	if err := e.vault.Release(dealID, recipient, deal.Amount); err != nil {
		return nil, err
	}
	if err := e.state.DealUpdate(dealID, DealDisputed, func(d *Deal) {
		d.Status = dealStatus
	}); err != nil {
		return nil, err
	}
	if err := e.state.NeedUpdate(deal.NeedID, NeedInProgress, func(n *Need) {
		n.Status = needStatus
	}); err != nil {
		return nil, err
	}
	updated, _ := e.state.DealGet(dealID)
	e.emit(NewDealResolvedEvent(updated, normalized))
	return updated.Clone(), nil
}
