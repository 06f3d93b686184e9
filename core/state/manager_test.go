package state

import (
	"bytes"
	"log/slog"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"clawmarket/core/types"
	"clawmarket/native/market"
	"clawmarket/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(storage.NewMemDB())
}

func initialized(t *testing.T) *Manager {
	t.Helper()
	m := newTestManager(t)
	require.NoError(t, m.LedgerPut(&market.Ledger{Authority: [20]byte{0xAA}}))
	return m
}

func TestNextIDRequiresLedger(t *testing.T) {
	m := newTestManager(t)
	_, err := m.NextID(market.KindNeed)
	require.ErrorIs(t, err, market.ErrNotInitialized)
}

func TestNextIDPerKindCounters(t *testing.T) {
	m := initialized(t)
	for want := uint64(0); want < 3; want++ {
		id, err := m.NextID(market.KindNeed)
		require.NoError(t, err)
		require.Equal(t, want, id)
	}
	offerID, err := m.NextID(market.KindOffer)
	require.NoError(t, err)
	require.Equal(t, uint64(0), offerID, "counters are independent per kind")

	ledger, ok := m.LedgerGet()
	require.True(t, ok)
	require.Equal(t, uint64(3), ledger.NeedCounter)
	require.Equal(t, uint64(1), ledger.OfferCounter)
}

func TestNeedCreateGetUpdate(t *testing.T) {
	m := initialized(t)
	need := &market.Need{ID: 0, Title: "translate docs", Budget: big.NewInt(500)}
	require.NoError(t, m.NeedCreate(need))
	require.ErrorIs(t, m.NeedCreate(need), market.ErrAlreadyExists)

	stored, ok := m.NeedGet(0)
	require.True(t, ok)
	require.Equal(t, "translate docs", stored.Title)

	require.NoError(t, m.NeedUpdate(0, market.NeedOpen, func(n *market.Need) {
		n.Status = market.NeedInProgress
	}))

	err := m.NeedUpdate(0, market.NeedOpen, func(n *market.Need) {
		n.Status = market.NeedCancelled
	})
	require.ErrorIs(t, err, market.ErrStaleState)

	updated, ok := m.NeedGet(0)
	require.True(t, ok)
	require.Equal(t, market.NeedInProgress, updated.Status)
}

func TestNeedUpdateRejectsInvalidMutation(t *testing.T) {
	m := initialized(t)
	require.NoError(t, m.NeedCreate(&market.Need{ID: 0, Title: "t", Budget: big.NewInt(1)}))
	err := m.NeedUpdate(0, market.NeedOpen, func(n *market.Need) {
		n.Title = ""
	})
	require.Error(t, err)

	stored, ok := m.NeedGet(0)
	require.True(t, ok)
	require.Equal(t, "t", stored.Title, "failed mutation must not persist")
}

func TestNeedUpdateMissing(t *testing.T) {
	m := initialized(t)
	err := m.NeedUpdate(42, market.NeedOpen, func(n *market.Need) {})
	require.ErrorIs(t, err, market.ErrNotFound)
}

func TestOfferUpdateStatusCheck(t *testing.T) {
	m := initialized(t)
	require.NoError(t, m.OfferCreate(&market.Offer{ID: 0, NeedID: 0, Price: big.NewInt(100)}))
	require.NoError(t, m.OfferUpdate(0, market.OfferPending, func(o *market.Offer) {
		o.Status = market.OfferAccepted
	}))
	err := m.OfferUpdate(0, market.OfferPending, func(o *market.Offer) {
		o.Status = market.OfferCancelled
	})
	require.ErrorIs(t, err, market.ErrStaleState)
}

func TestDealPoisonIsSticky(t *testing.T) {
	m := initialized(t)
	poisoned, err := m.DealPoisoned(7)
	require.NoError(t, err)
	require.False(t, poisoned)

	require.NoError(t, m.DealPoison(7))
	poisoned, err = m.DealPoisoned(7)
	require.NoError(t, err)
	require.True(t, poisoned)
}

func TestAccountsDefaultToZero(t *testing.T) {
	m := initialized(t)
	addr := []byte{0x01, 0x02}
	account, err := m.GetAccount(addr)
	require.NoError(t, err)
	require.Zero(t, account.Balance.Sign())

	account.Balance = big.NewInt(500)
	account.Nonce = 3
	require.NoError(t, m.PutAccount(addr, account))

	reloaded, err := m.GetAccount(addr)
	require.NoError(t, err)
	require.Equal(t, int64(500), reloaded.Balance.Int64())
	require.Equal(t, uint64(3), reloaded.Nonce)
}

func TestPutAccountRejectsNegativeBalance(t *testing.T) {
	m := initialized(t)
	account := types.NewAccount()
	account.Balance = big.NewInt(-1)
	require.Error(t, m.PutAccount([]byte{0x01}, account))
}

func TestEscrowCreditDebit(t *testing.T) {
	m := initialized(t)
	balance, err := m.EscrowBalance(1)
	require.NoError(t, err)
	require.Zero(t, balance.Sign())

	require.NoError(t, m.EscrowCredit(1, big.NewInt(400)))
	require.NoError(t, m.EscrowCredit(1, big.NewInt(100)))

	balance, err = m.EscrowBalance(1)
	require.NoError(t, err)
	require.Equal(t, int64(500), balance.Int64())

	require.Error(t, m.EscrowDebit(1, big.NewInt(600)), "debit past custody must fail")
	require.NoError(t, m.EscrowDebit(1, big.NewInt(500)))

	balance, err = m.EscrowBalance(1)
	require.NoError(t, err)
	require.Zero(t, balance.Sign())

	require.Error(t, m.EscrowCredit(1, big.NewInt(-1)))
	require.Error(t, m.EscrowCredit(2, nil))
}

func TestEscrowBalancesAreIsolatedPerDeal(t *testing.T) {
	m := initialized(t)
	require.NoError(t, m.EscrowCredit(1, big.NewInt(400)))
	other, err := m.EscrowBalance(2)
	require.NoError(t, err)
	require.Zero(t, other.Sign())
}

func TestListNeedsFiltersByStatus(t *testing.T) {
	m := initialized(t)
	for i := 0; i < 3; i++ {
		id, err := m.NextID(market.KindNeed)
		require.NoError(t, err)
		status := market.NeedOpen
		if i == 2 {
			status = market.NeedCancelled
		}
		require.NoError(t, m.NeedCreate(&market.Need{ID: id, Title: "t", Budget: big.NewInt(1), Status: status}))
	}

	all, err := m.ListNeeds(nil)
	require.NoError(t, err)
	require.Len(t, all, 3)

	open := market.NeedOpen
	filtered, err := m.ListNeeds(&open)
	require.NoError(t, err)
	require.Len(t, filtered, 2)
}

func TestListOffersFiltersByNeed(t *testing.T) {
	m := initialized(t)
	for i := 0; i < 3; i++ {
		id, err := m.NextID(market.KindOffer)
		require.NoError(t, err)
		needID := uint64(0)
		if i == 2 {
			needID = 1
		}
		require.NoError(t, m.OfferCreate(&market.Offer{ID: id, NeedID: needID, Price: big.NewInt(100)}))
	}

	needID := uint64(0)
	offers, err := m.ListOffers(&needID)
	require.NoError(t, err)
	require.Len(t, offers, 2)
}

func TestListRequiresLedger(t *testing.T) {
	m := newTestManager(t)
	_, err := m.ListDeals()
	require.ErrorIs(t, err, market.ErrNotInitialized)
	_, err = m.ListBarters(nil)
	require.ErrorIs(t, err, market.ErrNotInitialized)
}

func TestCorruptRecordIsLoggedNotSilent(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	require.NoError(t, m.LedgerPut(&market.Ledger{Authority: [20]byte{0xAA}}))

	buf := &bytes.Buffer{}
	m.SetLogger(slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{})))

	require.NoError(t, db.Put(entityKey(prefixNeed, 7), []byte("{not json")))
	need, ok := m.NeedGet(7)
	require.Nil(t, need)
	require.False(t, ok)
	require.Contains(t, buf.String(), "corrupt record")
	require.Contains(t, buf.String(), "market/need/7")

	buf.Reset()
	_, ok = m.NeedGet(8)
	require.False(t, ok)
	require.Empty(t, buf.String(), "a plain miss must not be reported as corruption")
}

func TestCorruptLedgerIsLoggedNotSilent(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	buf := &bytes.Buffer{}
	m.SetLogger(slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{})))

	require.NoError(t, db.Put(keyLedger, []byte("garbage")))
	ledger, ok := m.LedgerGet()
	require.Nil(t, ledger)
	require.False(t, ok)
	require.Contains(t, buf.String(), "corrupt record")
	require.Contains(t, buf.String(), "market/ledger")
}
