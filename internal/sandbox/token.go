package sandbox

import (
	"github.com/holiman/uint256"

	"marginalsim/internal/model"
)

// Account identifies a balance holder on the mock token ledgers.
type Account string

const (
	// AccountStrategy is the operating account driving the backtest.
	AccountStrategy Account = "strategy"
	// AccountPool holds the leveraged pool's reserves and escrows.
	AccountPool Account = "pool"
	// AccountOracle holds the reference pool mock's seeded reserves.
	AccountOracle Account = "oracle"
	// AccountArbitrageur trades the leveraged pool back to the reference price.
	AccountArbitrageur Account = "arbitrageur"
)

// Token is a minimal ERC-20-style balance ledger. Balances are seeded large
// enough at deploy time that simulated transfers never fail on funds.
type Token struct {
	symbol   string
	decimals uint8
	balances map[Account]*uint256.Int
}

func NewToken(symbol string, decimals uint8) *Token {
	return &Token{
		symbol:   symbol,
		decimals: decimals,
		balances: make(map[Account]*uint256.Int),
	}
}

func (t *Token) Symbol() string  { return t.symbol }
func (t *Token) Decimals() uint8 { return t.decimals }

// Mint credits the account with new tokens.
func (t *Token) Mint(account Account, amount *uint256.Int) {
	balance, ok := t.balances[account]
	if !ok {
		balance = new(uint256.Int)
		t.balances[account] = balance
	}
	balance.Add(balance, amount)
}

// BalanceOf returns a copy of the account balance.
func (t *Token) BalanceOf(account Account) *uint256.Int {
	balance, ok := t.balances[account]
	if !ok {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(balance)
}

// Transfer moves tokens between accounts, reverting on insufficient funds.
func (t *Token) Transfer(from, to Account, amount *uint256.Int) error {
	balance, ok := t.balances[from]
	if !ok || balance.Lt(amount) {
		return &model.EnvCallError{Contract: t.symbol, Method: "transfer", Reason: "insufficient balance"}
	}
	balance.Sub(balance, amount)
	t.Mint(to, amount)
	return nil
}
