package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"clawmarket/core/types"
	"clawmarket/native/market"
	"clawmarket/storage"
)

// Key prefixes for the persisted layout: one ledger record plus entity
// records addressable by (kind, id).
var (
	keyLedger       = []byte("market/ledger")
	prefixNeed      = "market/need/"
	prefixOffer     = "market/offer/"
	prefixDeal      = "market/deal/"
	prefixBarter    = "market/barter/"
	prefixEscrow    = "market/escrow/"
	prefixAccount   = "market/account/"
	prefixDealFault = "market/fault/deal/"
)

// Manager is the durable keyed store behind the market engines: it allocates
// monotonic entity ids, persists entity records as JSON, tracks participant
// accounts and per-deal custody balances, and enforces the optimistic status
// check on every update. All mutations serialize under the write lock; reads
// decode fresh copies and never block behind a writer for longer than the
// decode itself.
type Manager struct {
	mu  sync.RWMutex
	db  storage.Database
	log *slog.Logger
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// SetLogger overrides the logger used for storage fault reports.
func (m *Manager) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.log = logger
	}
}

func (m *Manager) logger() *slog.Logger {
	if m.log != nil {
		return m.log
	}
	return slog.Default()
}

// reportCorrupt distinguishes an undecodable record from a missing one: the
// lookup still misses, but the fault lands in the log instead of silently
// reading as absence.
func (m *Manager) reportCorrupt(prefix string, id uint64, err error) {
	m.logger().Error("state: corrupt record",
		slog.String("key", fmt.Sprintf("%s%d", prefix, id)),
		slog.Any("error", err))
}

func entityKey(prefix string, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

func accountKey(addr []byte) []byte {
	return append([]byte(prefixAccount), addr...)
}

func (m *Manager) getJSON(key []byte, out interface{}) (bool, error) {
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

func (m *Manager) putJSON(key []byte, in interface{}) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return m.db.Put(key, raw)
}

// --- Ledger ---

// LedgerGet loads the singleton ledger record.
func (m *Manager) LedgerGet() (*market.Ledger, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ledger := new(market.Ledger)
	ok, err := m.getJSON(keyLedger, ledger)
	if err != nil {
		m.logger().Error("state: corrupt record",
			slog.String("key", string(keyLedger)),
			slog.Any("error", err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return ledger, true
}

// LedgerPut stores the ledger record.
func (m *Manager) LedgerPut(ledger *market.Ledger) error {
	if ledger == nil {
		return fmt.Errorf("state: nil ledger")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putJSON(keyLedger, ledger)
}

// NextID atomically reads the counter for kind, returns its current value and
// increments it by one.
func (m *Manager) NextID(kind market.EntityKind) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger := new(market.Ledger)
	ok, err := m.getJSON(keyLedger, ledger)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, market.ErrNotInitialized
	}
	var id uint64
	switch kind {
	case market.KindNeed:
		id = ledger.NeedCounter
		ledger.NeedCounter++
	case market.KindOffer:
		id = ledger.OfferCounter
		ledger.OfferCounter++
	case market.KindDeal:
		id = ledger.DealCounter
		ledger.DealCounter++
	case market.KindBarter:
		id = ledger.BarterCounter
		ledger.BarterCounter++
	default:
		return 0, fmt.Errorf("state: unknown entity kind %d", kind)
	}
	if err := m.putJSON(keyLedger, ledger); err != nil {
		return 0, err
	}
	return id, nil
}

// --- Needs ---

func (m *Manager) NeedCreate(n *market.Need) error {
	sanitized, err := market.SanitizeNeed(n)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityKey(prefixNeed, sanitized.ID)
	occupied, err := m.db.Has(key)
	if err != nil {
		return err
	}
	if occupied {
		return fmt.Errorf("%w: need %d", market.ErrAlreadyExists, sanitized.ID)
	}
	return m.putJSON(key, sanitized)
}

func (m *Manager) NeedGet(id uint64) (*market.Need, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	need := new(market.Need)
	ok, err := m.getJSON(entityKey(prefixNeed, id), need)
	if err != nil {
		m.reportCorrupt(prefixNeed, id, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return need, true
}

// NeedUpdate applies mutate to the stored need after re-checking that its
// status still matches what the caller observed.
func (m *Manager) NeedUpdate(id uint64, expected market.NeedStatus, mutate func(*market.Need)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityKey(prefixNeed, id)
	need := new(market.Need)
	ok, err := m.getJSON(key, need)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: need %d", market.ErrNotFound, id)
	}
	if need.Status != expected {
		return fmt.Errorf("%w: need %d is %s, expected %s", market.ErrStaleState, id, need.Status, expected)
	}
	mutate(need)
	sanitized, err := market.SanitizeNeed(need)
	if err != nil {
		return err
	}
	return m.putJSON(key, sanitized)
}

// --- Offers ---

func (m *Manager) OfferCreate(o *market.Offer) error {
	sanitized, err := market.SanitizeOffer(o)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityKey(prefixOffer, sanitized.ID)
	occupied, err := m.db.Has(key)
	if err != nil {
		return err
	}
	if occupied {
		return fmt.Errorf("%w: offer %d", market.ErrAlreadyExists, sanitized.ID)
	}
	return m.putJSON(key, sanitized)
}

func (m *Manager) OfferGet(id uint64) (*market.Offer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	offer := new(market.Offer)
	ok, err := m.getJSON(entityKey(prefixOffer, id), offer)
	if err != nil {
		m.reportCorrupt(prefixOffer, id, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return offer, true
}

func (m *Manager) OfferUpdate(id uint64, expected market.OfferStatus, mutate func(*market.Offer)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityKey(prefixOffer, id)
	offer := new(market.Offer)
	ok, err := m.getJSON(key, offer)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: offer %d", market.ErrNotFound, id)
	}
	if offer.Status != expected {
		return fmt.Errorf("%w: offer %d is %s, expected %s", market.ErrStaleState, id, offer.Status, expected)
	}
	mutate(offer)
	sanitized, err := market.SanitizeOffer(offer)
	if err != nil {
		return err
	}
	return m.putJSON(key, sanitized)
}

// --- Deals ---

func (m *Manager) DealCreate(d *market.Deal) error {
	sanitized, err := market.SanitizeDeal(d)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityKey(prefixDeal, sanitized.ID)
	occupied, err := m.db.Has(key)
	if err != nil {
		return err
	}
	if occupied {
		return fmt.Errorf("%w: deal %d", market.ErrAlreadyExists, sanitized.ID)
	}
	return m.putJSON(key, sanitized)
}

func (m *Manager) DealGet(id uint64) (*market.Deal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	deal := new(market.Deal)
	ok, err := m.getJSON(entityKey(prefixDeal, id), deal)
	if err != nil {
		m.reportCorrupt(prefixDeal, id, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return deal, true
}

func (m *Manager) DealUpdate(id uint64, expected market.DealStatus, mutate func(*market.Deal)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityKey(prefixDeal, id)
	deal := new(market.Deal)
	ok, err := m.getJSON(key, deal)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: deal %d", market.ErrNotFound, id)
	}
	if deal.Status != expected {
		return fmt.Errorf("%w: deal %d is %s, expected %s", market.ErrStaleState, id, deal.Status, expected)
	}
	mutate(deal)
	sanitized, err := market.SanitizeDeal(deal)
	if err != nil {
		return err
	}
	return m.putJSON(key, sanitized)
}

// DealPoison marks a deal as blocked after a corrupt-escrow fault. The mark
// is durable; no transition ever clears it.
func (m *Manager) DealPoison(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(entityKey(prefixDealFault, id), []byte{1})
}

// DealPoisoned reports whether the deal has been blocked.
func (m *Manager) DealPoisoned(id uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db.Has(entityKey(prefixDealFault, id))
}

// --- Barters ---

func (m *Manager) BarterCreate(b *market.Barter) error {
	sanitized, err := market.SanitizeBarter(b)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityKey(prefixBarter, sanitized.ID)
	occupied, err := m.db.Has(key)
	if err != nil {
		return err
	}
	if occupied {
		return fmt.Errorf("%w: barter %d", market.ErrAlreadyExists, sanitized.ID)
	}
	return m.putJSON(key, sanitized)
}

func (m *Manager) BarterGet(id uint64) (*market.Barter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	barter := new(market.Barter)
	ok, err := m.getJSON(entityKey(prefixBarter, id), barter)
	if err != nil {
		m.reportCorrupt(prefixBarter, id, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return barter, true
}

func (m *Manager) BarterUpdate(id uint64, expected market.BarterStatus, mutate func(*market.Barter)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityKey(prefixBarter, id)
	barter := new(market.Barter)
	ok, err := m.getJSON(key, barter)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: barter %d", market.ErrNotFound, id)
	}
	if barter.Status != expected {
		return fmt.Errorf("%w: barter %d is %s, expected %s", market.ErrStaleState, id, barter.Status, expected)
	}
	mutate(barter)
	sanitized, err := market.SanitizeBarter(barter)
	if err != nil {
		return err
	}
	return m.putJSON(key, sanitized)
}

// --- Accounts ---

// GetAccount loads the account for addr, returning a zeroed account when none
// is stored yet.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account := types.NewAccount()
	if _, err := m.getJSON(accountKey(addr), account); err != nil {
		return nil, err
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	return account, nil
}

// PutAccount stores the account for addr.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	if account.Balance != nil && account.Balance.Sign() < 0 {
		return fmt.Errorf("state: negative account balance")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putJSON(accountKey(addr), account)
}

// --- Escrow custody ---

// EscrowBalance reports the custody balance attributed to dealID.
func (m *Manager) EscrowBalance(dealID uint64) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.escrowBalanceLocked(dealID)
}

func (m *Manager) escrowBalanceLocked(dealID uint64) (*big.Int, error) {
	raw, err := m.db.Get(entityKey(prefixEscrow, dealID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("state: corrupt escrow balance for deal %d", dealID)
	}
	return balance, nil
}

// EscrowCredit adds amt to the custody balance for dealID.
func (m *Manager) EscrowCredit(dealID uint64, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: invalid escrow credit")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, err := m.escrowBalanceLocked(dealID)
	if err != nil {
		return err
	}
	balance = new(big.Int).Add(balance, amt)
	return m.db.Put(entityKey(prefixEscrow, dealID), []byte(balance.String()))
}

// EscrowDebit removes amt from the custody balance for dealID.
func (m *Manager) EscrowDebit(dealID uint64, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: invalid escrow debit")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, err := m.escrowBalanceLocked(dealID)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("state: escrow debit exceeds custody balance for deal %d", dealID)
	}
	balance = new(big.Int).Sub(balance, amt)
	return m.db.Put(entityKey(prefixEscrow, dealID), []byte(balance.String()))
}

// --- List reads ---

// Entity ids are dense (0..counter-1), so listing walks the id range and
// skips nothing; records are never physically deleted.

// ListNeeds returns every need, optionally filtered by status.
func (m *Manager) ListNeeds(status *market.NeedStatus) ([]*market.Need, error) {
	ledger, ok := m.LedgerGet()
	if !ok {
		return nil, market.ErrNotInitialized
	}
	needs := make([]*market.Need, 0, ledger.NeedCounter)
	for id := uint64(0); id < ledger.NeedCounter; id++ {
		need, ok := m.NeedGet(id)
		if !ok {
			continue
		}
		if status != nil && need.Status != *status {
			continue
		}
		needs = append(needs, need)
	}
	return needs, nil
}

// ListOffers returns every offer, optionally filtered by referenced need.
func (m *Manager) ListOffers(needID *uint64) ([]*market.Offer, error) {
	ledger, ok := m.LedgerGet()
	if !ok {
		return nil, market.ErrNotInitialized
	}
	offers := make([]*market.Offer, 0, ledger.OfferCounter)
	for id := uint64(0); id < ledger.OfferCounter; id++ {
		offer, ok := m.OfferGet(id)
		if !ok {
			continue
		}
		if needID != nil && offer.NeedID != *needID {
			continue
		}
		offers = append(offers, offer)
	}
	return offers, nil
}

// ListDeals returns every deal.
func (m *Manager) ListDeals() ([]*market.Deal, error) {
	ledger, ok := m.LedgerGet()
	if !ok {
		return nil, market.ErrNotInitialized
	}
	deals := make([]*market.Deal, 0, ledger.DealCounter)
	for id := uint64(0); id < ledger.DealCounter; id++ {
		deal, ok := m.DealGet(id)
		if !ok {
			continue
		}
		deals = append(deals, deal)
	}
	return deals, nil
}

// ListBarters returns every barter, optionally filtered by status.
func (m *Manager) ListBarters(status *market.BarterStatus) ([]*market.Barter, error) {
	ledger, ok := m.LedgerGet()
	if !ok {
		return nil, market.ErrNotInitialized
	}
	barters := make([]*market.Barter, 0, ledger.BarterCounter)
	for id := uint64(0); id < ledger.BarterCounter; id++ {
		barter, ok := m.BarterGet(id)
		if !ok {
			continue
		}
		if status != nil && barter.Status != *status {
			continue
		}
		barters = append(barters, barter)
	}
	return barters, nil
}
