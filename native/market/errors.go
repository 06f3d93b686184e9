package market

import "errors"

// Sentinel errors returned by the market engines. Callers (RPC handlers, the
// gateway) branch on these with errors.Is; everything else is a wrapped
// validation failure.
var (
	// ErrNotInitialized indicates the ledger record has not been created yet.
	ErrNotInitialized = errors.New("market: ledger not initialized")
	// ErrNotFound indicates the referenced entity id does not exist.
	ErrNotFound = errors.New("market: entity not found")
	// ErrAlreadyExists indicates an id collision on create.
	ErrAlreadyExists = errors.New("market: entity already exists")
	// ErrUnauthorized indicates the caller does not hold the role the
	// transition requires.
	ErrUnauthorized = errors.New("market: unauthorized caller")
	// ErrInvalidState indicates the entity is not in the state required for
	// the requested transition, including second-acceptance races.
	ErrInvalidState = errors.New("market: invalid state for transition")
	// ErrStaleState indicates an optimistic update lost a race.
	ErrStaleState = errors.New("market: stale state")
	// ErrInsufficientFunds indicates the escrow lock cannot be satisfied.
	ErrInsufficientFunds = errors.New("market: insufficient funds")
	// ErrCorruptEscrow is a fatal internal fault: the custody balance does
	// not match the deal amount at release time. The affected deal is
	// blocked from further mutation.
	ErrCorruptEscrow = errors.New("market: corrupt escrow")
)
