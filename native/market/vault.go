package market

import (
	"fmt"
	"math/big"

	"clawmarket/core/types"
)

// Vault moves funds between participant accounts and per-deal custody
// balances. It is driven exclusively by the deal engine; a deal's custody
// balance equals the deal amount from lock until release and exactly zero
// afterwards.
type Vault struct {
	state engineState
}

// NewVault constructs a vault over the supplied state backend.
func NewVault(state engineState) *Vault {
	return &Vault{state: state}
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return types.NewAccount()
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Lock debits the source account by exactly amount and credits the custody
// balance keyed by dealID. Nothing is written when the debit would drive the
// source balance negative.
func (v *Vault) Lock(dealID uint64, from [20]byte, amount *big.Int) error {
	if v == nil || v.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("market: lock amount must be positive")
	}
	acc, err := v.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	acc = ensureAccount(acc)
	if acc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	acc.Balance = new(big.Int).Sub(acc.Balance, amt)
	if err := v.state.PutAccount(from[:], acc); err != nil {
		return err
	}
	return v.state.EscrowCredit(dealID, amt)
}

// Release debits the full custody balance for dealID and credits the
// recipient. The custody balance must equal the deal's recorded amount; any
// mismatch is a corrupt-escrow fault that poisons the deal against further
// mutation rather than attempting recovery. Callers guarantee Release is
// invoked at most once per deal via the deal's own status transition.
func (v *Vault) Release(dealID uint64, to [20]byte, expected *big.Int) error {
	if v == nil || v.state == nil {
		return errNilState
	}
	balance, err := v.state.EscrowBalance(dealID)
	if err != nil {
		return err
	}
	if balance == nil {
		balance = big.NewInt(0)
	}
	if expected == nil || balance.Cmp(expected) != 0 {
		if poisonErr := v.state.DealPoison(dealID); poisonErr != nil {
			return poisonErr
		}
		return fmt.Errorf("%w: custody balance %s, deal amount %s", ErrCorruptEscrow, balance, expected)
	}
	if err := v.state.EscrowDebit(dealID, balance); err != nil {
		return err
	}
	acc, err := v.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	acc = ensureAccount(acc)
	acc.Balance = new(big.Int).Add(acc.Balance, balance)
	return v.state.PutAccount(to[:], acc)
}

// Balance reports the custody balance currently attributed to dealID.
func (v *Vault) Balance(dealID uint64) (*big.Int, error) {
	if v == nil || v.state == nil {
		return nil, errNilState
	}
	balance, err := v.state.EscrowBalance(dealID)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}
