package market

import (
	"encoding/hex"
	"strconv"
	"strings"

	"clawmarket/core/types"
)

const (
	EventTypeNeedCreated             = "market.need.created"
	EventTypeNeedCancelled           = "market.need.cancelled"
	EventTypeOfferCreated            = "market.offer.created"
	EventTypeOfferCancelled          = "market.offer.cancelled"
	EventTypeDealCreated             = "market.deal.created"
	EventTypeDeliverySubmitted       = "market.deal.delivery_submitted"
	EventTypeDeliveryConfirmed       = "market.deal.delivery_confirmed"
	EventTypeDealDisputed            = "market.deal.disputed"
	EventTypeDealResolved            = "market.deal.resolved"
	EventTypeBarterCreated           = "market.barter.created"
	EventTypeBarterAccepted          = "market.barter.accepted"
	EventTypeBarterCancelled         = "market.barter.cancelled"
	EventTypeBarterDeliverySubmitted = "market.barter.delivery_submitted"
	EventTypeBarterConfirmed         = "market.barter.confirmed"
	EventTypeBarterCompleted         = "market.barter.completed"
	EventTypeBarterDisputed          = "market.barter.disputed"
)

// NewNeedCreatedEvent returns the canonical event payload for a newly created
// need.
func NewNeedCreatedEvent(n *Need) *types.Event { return newNeedEvent(EventTypeNeedCreated, n) }

// NewNeedCancelledEvent returns the canonical event payload for a cancelled
// need.
func NewNeedCancelledEvent(n *Need) *types.Event { return newNeedEvent(EventTypeNeedCancelled, n) }

// NewOfferCreatedEvent returns the canonical event payload for a new offer.
func NewOfferCreatedEvent(o *Offer) *types.Event { return newOfferEvent(EventTypeOfferCreated, o) }

// NewOfferCancelledEvent returns the canonical event payload for a cancelled
// offer.
func NewOfferCancelledEvent(o *Offer) *types.Event { return newOfferEvent(EventTypeOfferCancelled, o) }

// NewDealCreatedEvent returns the canonical event payload emitted when an
// offer is accepted and its deal funded.
func NewDealCreatedEvent(d *Deal) *types.Event { return newDealEvent(EventTypeDealCreated, d, "") }

// NewDeliverySubmittedEvent returns the payload for a provider delivery claim.
func NewDeliverySubmittedEvent(d *Deal) *types.Event {
	return newDealEvent(EventTypeDeliverySubmitted, d, "")
}

// NewDeliveryConfirmedEvent returns the payload emitted when escrow is
// released to the provider.
func NewDeliveryConfirmedEvent(d *Deal) *types.Event {
	return newDealEvent(EventTypeDeliveryConfirmed, d, "")
}

// NewDealDisputedEvent returns the payload emitted when a participant raises
// a dispute.
func NewDealDisputedEvent(d *Deal, raisedBy [20]byte) *types.Event {
	evt := newDealEvent(EventTypeDealDisputed, d, "")
	evt.Attributes["raisedBy"] = hex.EncodeToString(raisedBy[:])
	return evt
}

// NewDealResolvedEvent returns the payload emitted when the authority settles
// a disputed deal.
func NewDealResolvedEvent(d *Deal, outcome string) *types.Event {
	return newDealEvent(EventTypeDealResolved, d, outcome)
}

// NewBarterCreatedEvent returns the canonical payload for a new barter.
func NewBarterCreatedEvent(b *Barter) *types.Event {
	return newBarterEvent(EventTypeBarterCreated, b)
}

// NewBarterAcceptedEvent returns the payload emitted when a counterpart binds
// to a barter.
func NewBarterAcceptedEvent(b *Barter) *types.Event {
	return newBarterEvent(EventTypeBarterAccepted, b)
}

// NewBarterCancelledEvent returns the payload for a cancelled barter.
func NewBarterCancelledEvent(b *Barter) *types.Event {
	return newBarterEvent(EventTypeBarterCancelled, b)
}

// NewBarterDeliverySubmittedEvent returns the payload for a side delivery.
func NewBarterDeliverySubmittedEvent(b *Barter, side string) *types.Event {
	evt := newBarterEvent(EventTypeBarterDeliverySubmitted, b)
	evt.Attributes["side"] = side
	return evt
}

// NewBarterConfirmedEvent returns the payload emitted when one party confirms
// the other side's delivery.
func NewBarterConfirmedEvent(b *Barter, confirmedBy [20]byte) *types.Event {
	evt := newBarterEvent(EventTypeBarterConfirmed, b)
	evt.Attributes["confirmedBy"] = hex.EncodeToString(confirmedBy[:])
	return evt
}

// NewBarterCompletedEvent returns the payload emitted when both sides are
// confirmed.
func NewBarterCompletedEvent(b *Barter) *types.Event {
	return newBarterEvent(EventTypeBarterCompleted, b)
}

// NewBarterDisputedEvent returns the payload emitted when a participant files
// a dispute.
func NewBarterDisputedEvent(b *Barter, raisedBy [20]byte) *types.Event {
	evt := newBarterEvent(EventTypeBarterDisputed, b)
	evt.Attributes["raisedBy"] = hex.EncodeToString(raisedBy[:])
	return evt
}

func newNeedEvent(eventType string, n *Need) *types.Event {
	attrs := make(map[string]string)
	if n == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(n.ID, 10)
	attrs["creator"] = hex.EncodeToString(n.Creator[:])
	attrs["title"] = n.Title
	attrs["category"] = n.Category
	if n.Budget != nil {
		attrs["budget"] = n.Budget.String()
	}
	attrs["status"] = n.Status.String()
	attrs["createdAt"] = strconv.FormatInt(n.CreatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newOfferEvent(eventType string, o *Offer) *types.Event {
	attrs := make(map[string]string)
	if o == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(o.ID, 10)
	attrs["needId"] = strconv.FormatUint(o.NeedID, 10)
	attrs["provider"] = hex.EncodeToString(o.Provider[:])
	if o.Price != nil {
		attrs["price"] = o.Price.String()
	}
	attrs["status"] = o.Status.String()
	attrs["createdAt"] = strconv.FormatInt(o.CreatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newDealEvent(eventType string, d *Deal, outcome string) *types.Event {
	attrs := make(map[string]string)
	if d == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(d.ID, 10)
	attrs["needId"] = strconv.FormatUint(d.NeedID, 10)
	attrs["offerId"] = strconv.FormatUint(d.OfferID, 10)
	attrs["client"] = hex.EncodeToString(d.Client[:])
	attrs["provider"] = hex.EncodeToString(d.Provider[:])
	if d.Amount != nil {
		attrs["amount"] = d.Amount.String()
	}
	attrs["status"] = d.Status.String()
	attrs["createdAt"] = strconv.FormatInt(d.CreatedAt, 10)
	if d.DeliveryHash != "" {
		attrs["deliveryHash"] = d.DeliveryHash
	}
	if strings.TrimSpace(outcome) != "" {
		attrs["outcome"] = outcome
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newBarterEvent(eventType string, b *Barter) *types.Event {
	attrs := make(map[string]string)
	if b == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(b.ID, 10)
	attrs["initiator"] = hex.EncodeToString(b.Initiator[:])
	if b.Counterpart != ZeroAddress {
		attrs["counterpart"] = hex.EncodeToString(b.Counterpart[:])
	}
	attrs["status"] = b.Status.String()
	attrs["createdAt"] = strconv.FormatInt(b.CreatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
