package market

import (
	"errors"
	"testing"
)

func newTestBarterEngine(t *testing.T) (*BarterEngine, *mockState, *captureEmitter) {
	t.Helper()
	state := newMockState()
	state.ledger = &Ledger{Authority: newTestAddress(0xFF)}
	emitter := &captureEmitter{}
	engine := NewBarterEngine()
	engine.SetState(state)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return 1700000000 })
	return engine, state, emitter
}

func TestCreateBarterOpenAndTargeted(t *testing.T) {
	engine, _, _ := newTestBarterEngine(t)
	initiator := newTestAddress(0x01)
	target := newTestAddress(0x02)

	open, err := engine.CreateBarter(initiator, "rust tutoring", "logo design", nil)
	if err != nil {
		t.Fatalf("create open barter: %v", err)
	}
	if open.Counterpart != ZeroAddress {
		t.Fatalf("expected zero counterpart, got %x", open.Counterpart)
	}
	if open.Status != BarterOpen {
		t.Fatalf("expected open status, got %s", open.Status)
	}

	targeted, err := engine.CreateBarter(initiator, "rust tutoring", "logo design", &target)
	if err != nil {
		t.Fatalf("create targeted barter: %v", err)
	}
	if targeted.Counterpart != target {
		t.Fatalf("expected counterpart %x, got %x", target, targeted.Counterpart)
	}
	if open.ID == targeted.ID {
		t.Fatalf("expected distinct ids, both %d", open.ID)
	}
}

func TestCreateBarterRejectsBlankDescriptions(t *testing.T) {
	engine, _, _ := newTestBarterEngine(t)
	initiator := newTestAddress(0x01)
	if _, err := engine.CreateBarter(initiator, "  ", "logo design", nil); err == nil {
		t.Fatal("expected error for blank offer description")
	}
	if _, err := engine.CreateBarter(initiator, "rust tutoring", "", nil); err == nil {
		t.Fatal("expected error for blank want description")
	}
}

func TestAcceptBarterBindsCounterpart(t *testing.T) {
	engine, _, _ := newTestBarterEngine(t)
	initiator := newTestAddress(0x01)
	counterpart := newTestAddress(0x02)

	barter, err := engine.CreateBarter(initiator, "rust tutoring", "logo design", nil)
	if err != nil {
		t.Fatalf("create barter: %v", err)
	}
	if _, err := engine.AcceptBarter(barter.ID, initiator); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for self-accept, got %v", err)
	}
	accepted, err := engine.AcceptBarter(barter.ID, counterpart)
	if err != nil {
		t.Fatalf("accept barter: %v", err)
	}
	if accepted.Status != BarterInProgress {
		t.Fatalf("expected in_progress, got %s", accepted.Status)
	}
	if accepted.Counterpart != counterpart {
		t.Fatalf("expected counterpart bound, got %x", accepted.Counterpart)
	}
	if _, err := engine.AcceptBarter(barter.ID, newTestAddress(0x03)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for second accept, got %v", err)
	}
}

func TestAcceptTargetedBarterOnlyTarget(t *testing.T) {
	engine, _, _ := newTestBarterEngine(t)
	initiator := newTestAddress(0x01)
	target := newTestAddress(0x02)
	stranger := newTestAddress(0x03)

	barter, err := engine.CreateBarter(initiator, "rust tutoring", "logo design", &target)
	if err != nil {
		t.Fatalf("create barter: %v", err)
	}
	if _, err := engine.AcceptBarter(barter.ID, stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-target, got %v", err)
	}
	if _, err := engine.AcceptBarter(barter.ID, target); err != nil {
		t.Fatalf("accept by target: %v", err)
	}
}

func TestCancelBarterOnlyInitiatorWhileOpen(t *testing.T) {
	engine, _, _ := newTestBarterEngine(t)
	initiator := newTestAddress(0x01)
	counterpart := newTestAddress(0x02)

	barter, _ := engine.CreateBarter(initiator, "rust tutoring", "logo design", nil)
	if _, err := engine.CancelBarter(barter.ID, counterpart); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	cancelled, err := engine.CancelBarter(barter.ID, initiator)
	if err != nil {
		t.Fatalf("cancel barter: %v", err)
	}
	if cancelled.Status != BarterCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	second, _ := engine.CreateBarter(initiator, "rust tutoring", "logo design", nil)
	if _, err := engine.AcceptBarter(second.ID, counterpart); err != nil {
		t.Fatalf("accept barter: %v", err)
	}
	if _, err := engine.CancelBarter(second.ID, initiator); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState once accepted, got %v", err)
	}
}

func TestBarterDeliveryRoutesToCallerSide(t *testing.T) {
	engine, _, _ := newTestBarterEngine(t)
	initiator := newTestAddress(0x01)
	counterpart := newTestAddress(0x02)

	barter, _ := engine.CreateBarter(initiator, "rust tutoring", "logo design", nil)
	if _, err := engine.SubmitBarterDelivery(barter.ID, initiator, "notes", "aaa111"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before accept, got %v", err)
	}
	if _, err := engine.AcceptBarter(barter.ID, counterpart); err != nil {
		t.Fatalf("accept barter: %v", err)
	}
	if _, err := engine.SubmitBarterDelivery(barter.ID, newTestAddress(0x03), "notes", "aaa111"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for stranger, got %v", err)
	}

	afterA, err := engine.SubmitBarterDelivery(barter.ID, initiator, "lesson recording", "aaa111")
	if err != nil {
		t.Fatalf("submit side A: %v", err)
	}
	if afterA.SideAHash != "aaa111" || afterA.SideBHash != "" {
		t.Fatalf("expected side A delivery only, got %+v", afterA)
	}
	afterB, err := engine.SubmitBarterDelivery(barter.ID, counterpart, "logo files", "bbb222")
	if err != nil {
		t.Fatalf("submit side B: %v", err)
	}
	if afterB.SideBHash != "bbb222" {
		t.Fatalf("expected side B delivery, got %+v", afterB)
	}
}

func TestBarterDualConfirmationCompletes(t *testing.T) {
	engine, _, emitter := newTestBarterEngine(t)
	initiator := newTestAddress(0x01)
	counterpart := newTestAddress(0x02)

	barter, _ := engine.CreateBarter(initiator, "rust tutoring", "logo design", nil)
	if _, err := engine.AcceptBarter(barter.ID, counterpart); err != nil {
		t.Fatalf("accept barter: %v", err)
	}

	// The initiator confirms side B; until side B delivers there is nothing
	// to confirm.
	if _, err := engine.ConfirmBarterSide(barter.ID, initiator); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before delivery, got %v", err)
	}

	if _, err := engine.SubmitBarterDelivery(barter.ID, initiator, "lesson recording", "aaa111"); err != nil {
		t.Fatalf("submit side A: %v", err)
	}
	if _, err := engine.SubmitBarterDelivery(barter.ID, counterpart, "logo files", "bbb222"); err != nil {
		t.Fatalf("submit side B: %v", err)
	}

	first, err := engine.ConfirmBarterSide(barter.ID, initiator)
	if err != nil {
		t.Fatalf("initiator confirm: %v", err)
	}
	if first.Status != BarterInProgress || !first.SideBConfirmed || first.SideAConfirmed {
		t.Fatalf("unexpected state after first confirm: %+v", first)
	}

	second, err := engine.ConfirmBarterSide(barter.ID, counterpart)
	if err != nil {
		t.Fatalf("counterpart confirm: %v", err)
	}
	if second.Status != BarterCompleted {
		t.Fatalf("expected completed, got %s", second.Status)
	}

	got := emitter.eventTypes()
	last := got[len(got)-1]
	if last != EventTypeBarterCompleted {
		t.Fatalf("expected final event %s, got %s", EventTypeBarterCompleted, last)
	}
}

func TestDisputeBarterParticipantsOnly(t *testing.T) {
	engine, _, _ := newTestBarterEngine(t)
	initiator := newTestAddress(0x01)
	counterpart := newTestAddress(0x02)

	barter, _ := engine.CreateBarter(initiator, "rust tutoring", "logo design", nil)
	if _, err := engine.AcceptBarter(barter.ID, counterpart); err != nil {
		t.Fatalf("accept barter: %v", err)
	}
	if _, err := engine.DisputeBarter(barter.ID, newTestAddress(0x03), "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for stranger, got %v", err)
	}
	disputed, err := engine.DisputeBarter(barter.ID, counterpart, "side A never delivered")
	if err != nil {
		t.Fatalf("dispute barter: %v", err)
	}
	if disputed.Status != BarterDisputed {
		t.Fatalf("expected disputed, got %s", disputed.Status)
	}
	if disputed.DisputeReason != "side A never delivered" {
		t.Fatalf("unexpected reason %q", disputed.DisputeReason)
	}
	if _, err := engine.ConfirmBarterSide(barter.ID, initiator); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after dispute, got %v", err)
	}
}

func TestBarterRequiresLedger(t *testing.T) {
	state := newMockState()
	engine := NewBarterEngine()
	engine.SetState(state)
	if _, err := engine.CreateBarter(newTestAddress(0x01), "a", "b", nil); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}
