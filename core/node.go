package core

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"clawmarket/core/events"
	"clawmarket/core/state"
	"clawmarket/core/types"
	"clawmarket/native/market"
	"clawmarket/observability"
	"clawmarket/observability/metrics"
	"clawmarket/storage"
)

// EventUpdate is the payload delivered to event stream subscribers.
type EventUpdate struct {
	Sequence uint64       `json:"sequence"`
	Event    *types.Event `json:"event"`
}

const eventHistorySize = 256

// Node owns the ledger state and the market engines and is the only mutation
// path into them. Every state-changing operation runs under the node's write
// lock, which is what makes multi-record transitions (acceptance, release)
// atomic with respect to each other.
type Node struct {
	mu      sync.Mutex
	db      storage.Database
	state   *state.Manager
	engine  *market.Engine
	barters *market.BarterEngine

	streamMu     sync.Mutex
	streamSubs   map[uint64]chan EventUpdate
	streamNextID uint64
	streamSeq    uint64
	history      []EventUpdate
}

// NewNode wires a node over the supplied database.
func NewNode(db storage.Database) *Node {
	manager := state.NewManager(db)
	node := &Node{
		db:         db,
		state:      manager,
		engine:     market.NewEngine(),
		barters:    market.NewBarterEngine(),
		streamSubs: make(map[uint64]chan EventUpdate),
	}
	node.engine.SetState(manager)
	node.engine.SetEmitter(node)
	node.barters.SetState(manager)
	node.barters.SetEmitter(node)
	return node
}

// State exposes the read path used by RPC handlers; external collaborators
// never mutate entities through it.
func (n *Node) State() *state.Manager { return n.state }

// Emit implements events.Emitter by fanning the event out to stream
// subscribers. Slow subscribers are skipped rather than blocking a ledger
// transition.
func (n *Node) Emit(evt events.Event) {
	payload, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	observability.Events().RecordEvent(event.Type)
	n.streamMu.Lock()
	defer n.streamMu.Unlock()
	n.streamSeq++
	update := EventUpdate{Sequence: n.streamSeq, Event: event}
	n.history = append(n.history, update)
	if len(n.history) > eventHistorySize {
		n.history = n.history[len(n.history)-eventHistorySize:]
	}
	for _, sub := range n.streamSubs {
		select {
		case sub <- update:
		default:
		}
	}
}

// SubscribeEvents registers an event stream subscriber. The returned backlog
// replays buffered history with a sequence greater than the supplied cursor.
func (n *Node) SubscribeEvents(cursor uint64) (<-chan EventUpdate, func(), []EventUpdate) {
	updates := make(chan EventUpdate, 32)
	n.streamMu.Lock()
	id := n.streamNextID
	n.streamNextID++
	n.streamSubs[id] = updates
	backlog := make([]EventUpdate, 0, len(n.history))
	for _, entry := range n.history {
		if entry.Sequence > cursor {
			backlog = append(backlog, entry)
		}
	}
	n.streamMu.Unlock()

	cancel := func() {
		n.streamMu.Lock()
		if sub, ok := n.streamSubs[id]; ok {
			delete(n.streamSubs, id)
			close(sub)
		}
		n.streamMu.Unlock()
	}
	return updates, cancel, backlog
}

func observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.Market().ObserveOperation(op, outcome)
}

// --- Ledger operations ---

// Initialize creates the singleton ledger with the given authority.
func (n *Node) Initialize(authority [20]byte) (*market.Ledger, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ledger, err := n.engine.Initialize(authority)
	observe("initialize", err)
	return ledger, err
}

// Mint credits amount to addr. It exists for provisioning test and devnet
// balances; the RPC layer restricts it to authenticated operators.
func (n *Node) Mint(addr [20]byte, amount *big.Int) (*types.Account, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("core: mint amount must be positive")
	}
	if _, ok := n.state.LedgerGet(); !ok {
		return nil, market.ErrNotInitialized
	}
	account, err := n.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	if err := n.state.PutAccount(addr[:], account); err != nil {
		return nil, err
	}
	observe("mint", nil)
	return account.Clone(), nil
}

func (n *Node) CreateNeed(creator [20]byte, title, description, category string, budget *big.Int, deadline *int64) (*market.Need, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	need, err := n.engine.CreateNeed(creator, title, description, category, budget, deadline)
	observe("create_need", err)
	return need, err
}

func (n *Node) CreateOffer(needID uint64, provider [20]byte, price *big.Int, message string) (*market.Offer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	offer, err := n.engine.CreateOffer(needID, provider, price, message)
	observe("create_offer", err)
	return offer, err
}

func (n *Node) AcceptOffer(needID, offerID uint64, client [20]byte) (*market.Deal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	deal, err := n.engine.AcceptOffer(needID, offerID, client)
	observe("accept_offer", err)
	if err == nil && deal != nil {
		metrics.Market().ObserveEscrowLocked(deal.Amount)
	}
	return deal, err
}

func (n *Node) SubmitDelivery(dealID uint64, provider [20]byte, deliveryHash, deliveryContent string) (*market.Deal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	deal, err := n.engine.SubmitDelivery(dealID, provider, deliveryHash, deliveryContent)
	observe("submit_delivery", err)
	return deal, err
}

func (n *Node) ConfirmDelivery(dealID uint64, client, provider [20]byte) (*market.Deal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	deal, err := n.engine.ConfirmDelivery(dealID, client, provider)
	observe("confirm_delivery", err)
	if err == nil && deal != nil {
		metrics.Market().ObserveEscrowReleased(deal.Amount)
	}
	return deal, err
}

func (n *Node) CancelNeed(needID uint64, creator [20]byte) (*market.Need, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	need, err := n.engine.CancelNeed(needID, creator)
	observe("cancel_need", err)
	return need, err
}

func (n *Node) CancelOffer(offerID uint64, provider [20]byte) (*market.Offer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	offer, err := n.engine.CancelOffer(offerID, provider)
	observe("cancel_offer", err)
	return offer, err
}

func (n *Node) RaiseDispute(dealID uint64, caller [20]byte, reason string) (*market.Deal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	deal, err := n.engine.RaiseDispute(dealID, caller, reason)
	observe("raise_dispute", err)
	return deal, err
}

func (n *Node) ResolveDispute(dealID uint64, caller [20]byte, outcome string) (*market.Deal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	deal, err := n.engine.ResolveDispute(dealID, caller, outcome)
	observe("resolve_dispute", err)
	if err == nil && deal != nil {
		metrics.Market().ObserveEscrowReleased(deal.Amount)
	}
	return deal, err
}

// --- Barter operations ---

func (n *Node) CreateBarter(initiator [20]byte, whatIOffer, whatIWant string, target *[20]byte) (*market.Barter, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	barter, err := n.barters.CreateBarter(initiator, whatIOffer, whatIWant, target)
	observe("create_barter", err)
	return barter, err
}

func (n *Node) AcceptBarter(barterID uint64, caller [20]byte) (*market.Barter, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	barter, err := n.barters.AcceptBarter(barterID, caller)
	observe("accept_barter", err)
	return barter, err
}

func (n *Node) CancelBarter(barterID uint64, initiator [20]byte) (*market.Barter, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	barter, err := n.barters.CancelBarter(barterID, initiator)
	observe("cancel_barter", err)
	return barter, err
}

func (n *Node) SubmitBarterDelivery(barterID uint64, caller [20]byte, content, hash string) (*market.Barter, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	barter, err := n.barters.SubmitBarterDelivery(barterID, caller, content, hash)
	observe("submit_barter_delivery", err)
	return barter, err
}

func (n *Node) ConfirmBarterSide(barterID uint64, caller [20]byte) (*market.Barter, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	barter, err := n.barters.ConfirmBarterSide(barterID, caller)
	observe("confirm_barter_side", err)
	return barter, err
}

func (n *Node) DisputeBarter(barterID uint64, caller [20]byte, reason string) (*market.Barter, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	barter, err := n.barters.DisputeBarter(barterID, caller, reason)
	observe("dispute_barter", err)
	return barter, err
}

// --- Reads ---

func (n *Node) Ledger() (*market.Ledger, error) {
	ledger, ok := n.state.LedgerGet()
	if !ok {
		return nil, market.ErrNotInitialized
	}
	return ledger, nil
}

func (n *Node) GetNeed(id uint64) (*market.Need, error) {
	need, ok := n.state.NeedGet(id)
	if !ok {
		return nil, fmt.Errorf("%w: need %d", market.ErrNotFound, id)
	}
	return need, nil
}

func (n *Node) ListNeeds(status string) ([]*market.Need, error) {
	var filter *market.NeedStatus
	if strings.TrimSpace(status) != "" {
		parsed, err := market.ParseNeedStatus(status)
		if err != nil {
			return nil, err
		}
		filter = &parsed
	}
	return n.state.ListNeeds(filter)
}

func (n *Node) GetOffer(id uint64) (*market.Offer, error) {
	offer, ok := n.state.OfferGet(id)
	if !ok {
		return nil, fmt.Errorf("%w: offer %d", market.ErrNotFound, id)
	}
	return offer, nil
}

func (n *Node) ListOffers(needID *uint64) ([]*market.Offer, error) {
	return n.state.ListOffers(needID)
}

func (n *Node) GetDeal(id uint64) (*market.Deal, error) {
	deal, ok := n.state.DealGet(id)
	if !ok {
		return nil, fmt.Errorf("%w: deal %d", market.ErrNotFound, id)
	}
	return deal, nil
}

func (n *Node) ListDeals() ([]*market.Deal, error) {
	return n.state.ListDeals()
}

func (n *Node) GetBarter(id uint64) (*market.Barter, error) {
	barter, ok := n.state.BarterGet(id)
	if !ok {
		return nil, fmt.Errorf("%w: barter %d", market.ErrNotFound, id)
	}
	return barter, nil
}

func (n *Node) ListBarters(status string) ([]*market.Barter, error) {
	var filter *market.BarterStatus
	if strings.TrimSpace(status) != "" {
		parsed, err := market.ParseBarterStatus(status)
		if err != nil {
			return nil, err
		}
		filter = &parsed
	}
	return n.state.ListBarters(filter)
}

// GetBalance reports the native balance for addr.
func (n *Node) GetBalance(addr [20]byte) (*big.Int, error) {
	account, err := n.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(account.Balance), nil
}

// EscrowBalance reports the custody balance held for a deal.
func (n *Node) EscrowBalance(dealID uint64) (*big.Int, error) {
	return n.state.EscrowBalance(dealID)
}
