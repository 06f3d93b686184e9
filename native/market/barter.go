package market

import (
	"fmt"
	"strings"
	"time"

	"clawmarket/core/events"
	"clawmarket/core/types"
)

var errBarterNilState = fmt.Errorf("barter engine: state not configured")

// barterEngineState is the storage contract for the barter engine. Barters
// custody no funds; only the entity record moves.
type barterEngineState interface {
	LedgerGet() (*Ledger, bool)
	NextID(kind EntityKind) (uint64, error)
	BarterCreate(*Barter) error
	BarterGet(id uint64) (*Barter, bool)
	BarterUpdate(id uint64, expected BarterStatus, mutate func(*Barter)) error
}

// BarterEngine drives the two-sided, fund-free barter lifecycle: accept, dual
// delivery, dual confirmation, dispute, cancel.
type BarterEngine struct {
	state   barterEngineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewBarterEngine creates a barter engine with a no-op emitter.
func NewBarterEngine() *BarterEngine {
	return &BarterEngine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend.
func (e *BarterEngine) SetState(state barterEngineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *BarterEngine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *BarterEngine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *BarterEngine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: evt})
}

func (e *BarterEngine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *BarterEngine) requireLedger() error {
	if e == nil || e.state == nil {
		return errBarterNilState
	}
	if _, ok := e.state.LedgerGet(); !ok {
		return ErrNotInitialized
	}
	return nil
}

func (e *BarterEngine) loadBarter(id uint64) (*Barter, error) {
	barter, ok := e.state.BarterGet(id)
	if !ok {
		return nil, fmt.Errorf("%w: barter %d", ErrNotFound, id)
	}
	return barter, nil
}

// CreateBarter stores a new open barter. A nil target leaves the barter open
// to anyone; a concrete target restricts acceptance to that address.
func (e *BarterEngine) CreateBarter(initiator [20]byte, whatIOffer, whatIWant string, target *[20]byte) (*Barter, error) {
	if err := e.requireLedger(); err != nil {
		return nil, err
	}
	counterpart := ZeroAddress
	if target != nil {
		counterpart = *target
	}
	barter := &Barter{
		Initiator:   initiator,
		Counterpart: counterpart,
		WhatIOffer:  whatIOffer,
		WhatIWant:   whatIWant,
		Status:      BarterOpen,
		CreatedAt:   e.now(),
	}
	sanitized, err := SanitizeBarter(barter)
	if err != nil {
		return nil, err
	}
	id, err := e.state.NextID(KindBarter)
	if err != nil {
		return nil, err
	}
	sanitized.ID = id
	if err := e.state.BarterCreate(sanitized); err != nil {
		return nil, err
	}
	e.emit(NewBarterCreatedEvent(sanitized))
	return sanitized.Clone(), nil
}

// AcceptBarter binds a counterpart to an open barter and moves it to
// InProgress. Initiators cannot accept their own barter, and targeted barters
// may only be accepted by their target.
func (e *BarterEngine) AcceptBarter(barterID uint64, caller [20]byte) (*Barter, error) {
	if err := e.requireLedger(); err != nil {
		return nil, err
	}
	barter, err := e.loadBarter(barterID)
	if err != nil {
		return nil, err
	}
	if barter.Status != BarterOpen {
		return nil, fmt.Errorf("%w: barter %d is %s", ErrInvalidState, barterID, barter.Status)
	}
	if caller == barter.Initiator {
		return nil, fmt.Errorf("%w: cannot accept your own barter", ErrUnauthorized)
	}
	if barter.Counterpart != ZeroAddress && barter.Counterpart != caller {
		return nil, fmt.Errorf("%w: barter %d targets another agent", ErrUnauthorized, barterID)
	}
	if err := e.state.BarterUpdate(barterID, BarterOpen, func(b *Barter) {
		b.Counterpart = caller
		b.Status = BarterInProgress
	}); err != nil {
		return nil, err
	}
	updated, _ := e.state.BarterGet(barterID)
	e.emit(NewBarterAcceptedEvent(updated))
	return updated.Clone(), nil
}

// CancelBarter withdraws an open barter. Only the initiator may cancel; once
// accepted the barter cannot be cancelled.
func (e *BarterEngine) CancelBarter(barterID uint64, initiator [20]byte) (*Barter, error) {
	if err := e.requireLedger(); err != nil {
		return nil, err
	}
	barter, err := e.loadBarter(barterID)
	if err != nil {
		return nil, err
	}
	if barter.Status != BarterOpen {
		return nil, fmt.Errorf("%w: barter %d is %s", ErrInvalidState, barterID, barter.Status)
	}
	if barter.Initiator != initiator {
		return nil, fmt.Errorf("%w: only the initiator may cancel", ErrUnauthorized)
	}
	if err := e.state.BarterUpdate(barterID, BarterOpen, func(b *Barter) {
		b.Status = BarterCancelled
	}); err != nil {
		return nil, err
	}
	updated, _ := e.state.BarterGet(barterID)
	e.emit(NewBarterCancelledEvent(updated))
	return updated.Clone(), nil
}

// SubmitBarterDelivery records delivery content and hash on the caller's side
// of the barter: side A for the initiator, side B for the counterpart. The
// status does not change; resubmission overwrites.
func (e *BarterEngine) SubmitBarterDelivery(barterID uint64, caller [20]byte, content, hash string) (*Barter, error) {
	if err := e.requireLedger(); err != nil {
		return nil, err
	}
	barter, err := e.loadBarter(barterID)
	if err != nil {
		return nil, err
	}
	if barter.Status != BarterInProgress {
		return nil, fmt.Errorf("%w: barter %d is %s", ErrInvalidState, barterID, barter.Status)
	}
	if caller != barter.Initiator && caller != barter.Counterpart {
		return nil, fmt.Errorf("%w: not a barter participant", ErrUnauthorized)
	}
	if len(content) > MaxDeliveryContentLen {
		return nil, fmt.Errorf("market: barter delivery content exceeds %d characters", MaxDeliveryContentLen)
	}
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, fmt.Errorf("market: barter delivery hash must not be empty")
	}
	if len(hash) > MaxDeliveryHashLen {
		return nil, fmt.Errorf("market: barter delivery hash exceeds %d characters", MaxDeliveryHashLen)
	}
	side := "A"
	if caller == barter.Counterpart {
		side = "B"
	}
	if err := e.state.BarterUpdate(barterID, BarterInProgress, func(b *Barter) {
		if side == "A" {
			b.SideADelivery = content
			b.SideAHash = hash
		} else {
			b.SideBDelivery = content
			b.SideBHash = hash
		}
	}); err != nil {
		return nil, err
	}
	updated, _ := e.state.BarterGet(barterID)
	e.emit(NewBarterDeliverySubmittedEvent(updated, side))
	return updated.Clone(), nil
}

// ConfirmBarterSide lets a party confirm the other side's delivery: the
// initiator confirms side B, the counterpart confirms side A. A side can only
// be confirmed once its delivery is on record. When both sides are confirmed
// the barter completes atomically with the second confirmation.
func (e *BarterEngine) ConfirmBarterSide(barterID uint64, caller [20]byte) (*Barter, error) {
	if err := e.requireLedger(); err != nil {
		return nil, err
	}
	barter, err := e.loadBarter(barterID)
	if err != nil {
		return nil, err
	}
	if barter.Status != BarterInProgress {
		return nil, fmt.Errorf("%w: barter %d is %s", ErrInvalidState, barterID, barter.Status)
	}
	if caller != barter.Initiator && caller != barter.Counterpart {
		return nil, fmt.Errorf("%w: not a barter participant", ErrUnauthorized)
	}
	confirmSideB := caller == barter.Initiator
	if confirmSideB && barter.SideBDelivery == "" {
		return nil, fmt.Errorf("%w: side B has not delivered", ErrInvalidState)
	}
	if !confirmSideB && barter.SideADelivery == "" {
		return nil, fmt.Errorf("%w: side A has not delivered", ErrInvalidState)
	}
	if err := e.state.BarterUpdate(barterID, BarterInProgress, func(b *Barter) {
		if confirmSideB {
			b.SideBConfirmed = true
		} else {
			b.SideAConfirmed = true
		}
		if b.SideAConfirmed && b.SideBConfirmed {
			b.Status = BarterCompleted
		}
	}); err != nil {
		return nil, err
	}
	updated, _ := e.state.BarterGet(barterID)
	e.emit(NewBarterConfirmedEvent(updated, caller))
	if updated.Status == BarterCompleted {
		e.emit(NewBarterCompletedEvent(updated))
	}
	return updated.Clone(), nil
}

// DisputeBarter flags an in-progress barter as disputed. Either party may
// file; the state is terminal pending external resolution.
func (e *BarterEngine) DisputeBarter(barterID uint64, caller [20]byte, reason string) (*Barter, error) {
	if err := e.requireLedger(); err != nil {
		return nil, err
	}
	barter, err := e.loadBarter(barterID)
	if err != nil {
		return nil, err
	}
	if barter.Status != BarterInProgress {
		return nil, fmt.Errorf("%w: barter %d is %s", ErrInvalidState, barterID, barter.Status)
	}
	if caller != barter.Initiator && caller != barter.Counterpart {
		return nil, fmt.Errorf("%w: not a barter participant", ErrUnauthorized)
	}
	if len(reason) > MaxDisputeReasonLen {
		return nil, fmt.Errorf("market: barter dispute reason exceeds %d characters", MaxDisputeReasonLen)
	}
	if err := e.state.BarterUpdate(barterID, BarterInProgress, func(b *Barter) {
		b.Status = BarterDisputed
		b.DisputeReason = reason
	}); err != nil {
		return nil, err
	}
	updated, _ := e.state.BarterGet(barterID)
	e.emit(NewBarterDisputedEvent(updated, caller))
	return updated.Clone(), nil
}
