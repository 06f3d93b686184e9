package market

import (
	"fmt"
	"math/big"
	"strings"
)

// Field length caps carried over from the on-chain account layout.
const (
	MaxTitleLen           = 64
	MaxDescriptionLen     = 256
	MaxCategoryLen        = 32
	MaxMessageLen         = 256
	MaxDeliveryHashLen    = 64
	MaxDeliveryContentLen = 512
	MaxDisputeReasonLen   = 256
	MaxBarterTextLen      = 256
)

// ZeroAddress is the sentinel counterpart meaning "open to anyone".
var ZeroAddress = [20]byte{}

// EntityKind names the four id-allocated entity families.
type EntityKind uint8

const (
	KindNeed EntityKind = iota
	KindOffer
	KindDeal
	KindBarter
)

func (k EntityKind) String() string {
	switch k {
	case KindNeed:
		return "need"
	case KindOffer:
		return "offer"
	case KindDeal:
		return "deal"
	case KindBarter:
		return "barter"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Ledger is the singleton root record for one market instance. Counters only
// ever increment; each issues the next id for its entity kind.
type Ledger struct {
	Authority     [20]byte `json:"authority"`
	NeedCounter   uint64   `json:"needCounter"`
	OfferCounter  uint64   `json:"offerCounter"`
	DealCounter   uint64   `json:"dealCounter"`
	BarterCounter uint64   `json:"barterCounter"`
}

// Clone returns a copy of the ledger record.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	clone := *l
	return &clone
}

// NeedStatus represents the lifecycle states of a posted need.
type NeedStatus uint8

const (
	NeedOpen NeedStatus = iota
	NeedInProgress
	NeedCompleted
	NeedCancelled
)

// Valid reports whether the status value is within the supported range.
func (s NeedStatus) Valid() bool {
	switch s {
	case NeedOpen, NeedInProgress, NeedCompleted, NeedCancelled:
		return true
	default:
		return false
	}
}

func (s NeedStatus) String() string {
	switch s {
	case NeedOpen:
		return "open"
	case NeedInProgress:
		return "in_progress"
	case NeedCompleted:
		return "completed"
	case NeedCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("need_status(%d)", uint8(s))
	}
}

// ParseNeedStatus resolves the canonical lowercase form of a need status.
func ParseNeedStatus(raw string) (NeedStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "open":
		return NeedOpen, nil
	case "in_progress":
		return NeedInProgress, nil
	case "completed":
		return NeedCompleted, nil
	case "cancelled":
		return NeedCancelled, nil
	default:
		return 0, fmt.Errorf("market: unknown need status %q", raw)
	}
}

// Need is a posted task awaiting offers. The budget is an advisory ceiling
// and is never validated against an accepted offer's price.
type Need struct {
	ID          uint64     `json:"id"`
	Creator     [20]byte   `json:"creator"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Budget      *big.Int   `json:"budget"`
	Status      NeedStatus `json:"status"`
	CreatedAt   int64      `json:"createdAt"`
	Deadline    *int64     `json:"deadline,omitempty"`
}

// Clone returns a deep copy of the need so callers can safely mutate the copy
// without affecting the stored instance.
func (n *Need) Clone() *Need {
	if n == nil {
		return nil
	}
	clone := *n
	if n.Budget != nil {
		clone.Budget = new(big.Int).Set(n.Budget)
	} else {
		clone.Budget = big.NewInt(0)
	}
	if n.Deadline != nil {
		deadline := *n.Deadline
		clone.Deadline = &deadline
	}
	return &clone
}

// SanitizeNeed validates and normalises the supplied need, returning a cloned
// instance with a non-nil budget. The function does not mutate the original.
func SanitizeNeed(n *Need) (*Need, error) {
	if n == nil {
		return nil, fmt.Errorf("market: nil need")
	}
	clone := n.Clone()
	clone.Title = strings.TrimSpace(clone.Title)
	clone.Category = strings.TrimSpace(clone.Category)
	if clone.Title == "" {
		return nil, fmt.Errorf("market: need title must not be empty")
	}
	if len(clone.Title) > MaxTitleLen {
		return nil, fmt.Errorf("market: need title exceeds %d characters", MaxTitleLen)
	}
	if len(clone.Description) > MaxDescriptionLen {
		return nil, fmt.Errorf("market: need description exceeds %d characters", MaxDescriptionLen)
	}
	if len(clone.Category) > MaxCategoryLen {
		return nil, fmt.Errorf("market: need category exceeds %d characters", MaxCategoryLen)
	}
	if clone.Budget.Sign() < 0 {
		return nil, fmt.Errorf("market: need budget must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("market: invalid need status: %d", clone.Status)
	}
	return clone, nil
}

// OfferStatus represents the lifecycle states of an offer.
type OfferStatus uint8

const (
	OfferPending OfferStatus = iota
	OfferAccepted
	OfferRejected
	OfferCancelled
)

func (s OfferStatus) Valid() bool {
	switch s {
	case OfferPending, OfferAccepted, OfferRejected, OfferCancelled:
		return true
	default:
		return false
	}
}

func (s OfferStatus) String() string {
	switch s {
	case OfferPending:
		return "pending"
	case OfferAccepted:
		return "accepted"
	case OfferRejected:
		return "rejected"
	case OfferCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("offer_status(%d)", uint8(s))
	}
}

// Offer is a priced bid against a specific need. Price is fixed at creation
// time and immutable through any resulting deal.
type Offer struct {
	ID        uint64      `json:"id"`
	NeedID    uint64      `json:"needId"`
	Provider  [20]byte    `json:"provider"`
	Price     *big.Int    `json:"price"`
	Message   string      `json:"message"`
	Status    OfferStatus `json:"status"`
	CreatedAt int64       `json:"createdAt"`
}

func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Price != nil {
		clone.Price = new(big.Int).Set(o.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// SanitizeOffer validates and normalises the supplied offer.
func SanitizeOffer(o *Offer) (*Offer, error) {
	if o == nil {
		return nil, fmt.Errorf("market: nil offer")
	}
	clone := o.Clone()
	if clone.Price.Sign() <= 0 {
		return nil, fmt.Errorf("market: offer price must be positive")
	}
	if len(clone.Message) > MaxMessageLen {
		return nil, fmt.Errorf("market: offer message exceeds %d characters", MaxMessageLen)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("market: invalid offer status: %d", clone.Status)
	}
	return clone, nil
}

// DealStatus represents the lifecycle states of a deal.
type DealStatus uint8

const (
	DealInProgress DealStatus = iota
	DealDeliverySubmitted
	DealCompleted
	DealDisputed
	DealCancelled
)

func (s DealStatus) Valid() bool {
	switch s {
	case DealInProgress, DealDeliverySubmitted, DealCompleted, DealDisputed, DealCancelled:
		return true
	default:
		return false
	}
}

func (s DealStatus) String() string {
	switch s {
	case DealInProgress:
		return "in_progress"
	case DealDeliverySubmitted:
		return "delivery_submitted"
	case DealCompleted:
		return "completed"
	case DealDisputed:
		return "disputed"
	case DealCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("deal_status(%d)", uint8(s))
	}
}

// Deal is an accepted offer: the unit of fund escrow and of the
// delivery/confirmation handshake. Amount equals the accepted offer's price
// and is immutable once set.
type Deal struct {
	ID              uint64     `json:"id"`
	NeedID          uint64     `json:"needId"`
	OfferID         uint64     `json:"offerId"`
	Client          [20]byte   `json:"client"`
	Provider        [20]byte   `json:"provider"`
	Amount          *big.Int   `json:"amount"`
	Status          DealStatus `json:"status"`
	DeliveryHash    string     `json:"deliveryHash,omitempty"`
	DeliveryContent string     `json:"deliveryContent,omitempty"`
	DisputeReason   string     `json:"disputeReason,omitempty"`
	CreatedAt       int64      `json:"createdAt"`
}

func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Amount != nil {
		clone.Amount = new(big.Int).Set(d.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// SanitizeDeal validates and normalises the supplied deal.
func SanitizeDeal(d *Deal) (*Deal, error) {
	if d == nil {
		return nil, fmt.Errorf("market: nil deal")
	}
	clone := d.Clone()
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("market: deal amount must be positive")
	}
	if len(clone.DeliveryHash) > MaxDeliveryHashLen {
		return nil, fmt.Errorf("market: delivery hash exceeds %d characters", MaxDeliveryHashLen)
	}
	if len(clone.DeliveryContent) > MaxDeliveryContentLen {
		return nil, fmt.Errorf("market: delivery content exceeds %d characters", MaxDeliveryContentLen)
	}
	if len(clone.DisputeReason) > MaxDisputeReasonLen {
		return nil, fmt.Errorf("market: dispute reason exceeds %d characters", MaxDisputeReasonLen)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("market: invalid deal status: %d", clone.Status)
	}
	return clone, nil
}

// BarterStatus represents the lifecycle states of a barter.
type BarterStatus uint8

const (
	BarterOpen BarterStatus = iota
	BarterInProgress
	BarterCompleted
	BarterDisputed
	BarterCancelled
)

func (s BarterStatus) Valid() bool {
	switch s {
	case BarterOpen, BarterInProgress, BarterCompleted, BarterDisputed, BarterCancelled:
		return true
	default:
		return false
	}
}

func (s BarterStatus) String() string {
	switch s {
	case BarterOpen:
		return "open"
	case BarterInProgress:
		return "in_progress"
	case BarterCompleted:
		return "completed"
	case BarterDisputed:
		return "disputed"
	case BarterCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("barter_status(%d)", uint8(s))
	}
}

// ParseBarterStatus resolves the canonical lowercase form of a barter status.
func ParseBarterStatus(raw string) (BarterStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "open":
		return BarterOpen, nil
	case "in_progress":
		return BarterInProgress, nil
	case "completed":
		return BarterCompleted, nil
	case "disputed":
		return BarterDisputed, nil
	case "cancelled":
		return BarterCancelled, nil
	default:
		return 0, fmt.Errorf("market: unknown barter status %q", raw)
	}
}

// Barter is a two-sided, fund-free capability exchange. Side A belongs to the
// initiator, side B to the counterpart. A counterpart equal to ZeroAddress
// means the barter is open to anyone.
type Barter struct {
	ID             uint64       `json:"id"`
	Initiator      [20]byte     `json:"initiator"`
	Counterpart    [20]byte     `json:"counterpart"`
	WhatIOffer     string       `json:"whatIOffer"`
	WhatIWant      string       `json:"whatIWant"`
	Status         BarterStatus `json:"status"`
	SideADelivery  string       `json:"sideADelivery,omitempty"`
	SideAHash      string       `json:"sideAHash,omitempty"`
	SideAConfirmed bool         `json:"sideAConfirmed"`
	SideBDelivery  string       `json:"sideBDelivery,omitempty"`
	SideBHash      string       `json:"sideBHash,omitempty"`
	SideBConfirmed bool         `json:"sideBConfirmed"`
	DisputeReason  string       `json:"disputeReason,omitempty"`
	CreatedAt      int64        `json:"createdAt"`
}

func (b *Barter) Clone() *Barter {
	if b == nil {
		return nil
	}
	clone := *b
	return &clone
}

// SanitizeBarter validates and normalises the supplied barter.
func SanitizeBarter(b *Barter) (*Barter, error) {
	if b == nil {
		return nil, fmt.Errorf("market: nil barter")
	}
	clone := b.Clone()
	clone.WhatIOffer = strings.TrimSpace(clone.WhatIOffer)
	clone.WhatIWant = strings.TrimSpace(clone.WhatIWant)
	if clone.WhatIOffer == "" {
		return nil, fmt.Errorf("market: barter offer description must not be empty")
	}
	if clone.WhatIWant == "" {
		return nil, fmt.Errorf("market: barter want description must not be empty")
	}
	if len(clone.WhatIOffer) > MaxBarterTextLen {
		return nil, fmt.Errorf("market: barter offer description exceeds %d characters", MaxBarterTextLen)
	}
	if len(clone.WhatIWant) > MaxBarterTextLen {
		return nil, fmt.Errorf("market: barter want description exceeds %d characters", MaxBarterTextLen)
	}
	if len(clone.SideADelivery) > MaxDeliveryContentLen || len(clone.SideBDelivery) > MaxDeliveryContentLen {
		return nil, fmt.Errorf("market: barter delivery content exceeds %d characters", MaxDeliveryContentLen)
	}
	if len(clone.SideAHash) > MaxDeliveryHashLen || len(clone.SideBHash) > MaxDeliveryHashLen {
		return nil, fmt.Errorf("market: barter delivery hash exceeds %d characters", MaxDeliveryHashLen)
	}
	if len(clone.DisputeReason) > MaxDisputeReasonLen {
		return nil, fmt.Errorf("market: barter dispute reason exceeds %d characters", MaxDisputeReasonLen)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("market: invalid barter status: %d", clone.Status)
	}
	return clone, nil
}
