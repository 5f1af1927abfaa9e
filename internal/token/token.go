// Package token is a minimal fungible balance ledger used for the reserve
// asset and the pool's share token.
package token

import (
	"errors"
	"fmt"
	"sort"

	"github.com/atmx/optionpool/internal/fixed"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("token: insufficient balance")

	// ErrInvalidAmount is returned for negative amounts.
	ErrInvalidAmount = errors.New("token: amount must not be negative")
)

// Ledger tracks balances and total supply of one token. Not safe for
// concurrent use.
type Ledger struct {
	symbol   string
	balances map[string]fixed.Point
	supply   fixed.Point
}

// NewLedger creates an empty ledger.
func NewLedger(symbol string) *Ledger {
	return &Ledger{
		symbol:   symbol,
		balances: make(map[string]fixed.Point),
	}
}

func (l *Ledger) Symbol() string { return l.symbol }

// BalanceOf returns the balance of account.
func (l *Ledger) BalanceOf(account string) fixed.Point {
	return l.balances[account]
}

// TotalSupply returns the sum of all balances.
func (l *Ledger) TotalSupply() fixed.Point {
	return l.supply
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to string, amount fixed.Point) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	bal, err := l.balances[from].SubChecked(amount)
	if err != nil {
		return fmt.Errorf("%w: %s has %s %s, needs %s",
			ErrInsufficientBalance, from, l.balances[from], l.symbol, amount)
	}
	l.balances[from] = bal
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

// Mint credits amount to account and grows supply.
func (l *Ledger) Mint(to string, amount fixed.Point) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.balances[to] = l.balances[to].Add(amount)
	l.supply = l.supply.Add(amount)
	return nil
}

// Burn debits amount from account and shrinks supply.
func (l *Ledger) Burn(from string, amount fixed.Point) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	bal, err := l.balances[from].SubChecked(amount)
	if err != nil {
		return fmt.Errorf("%w: burn %s from %s", ErrInsufficientBalance, amount, from)
	}
	l.balances[from] = bal
	l.supply = l.supply.Sub(amount)
	return nil
}

// Accounts returns every account with a non-zero balance, sorted.
func (l *Ledger) Accounts() []string {
	out := make([]string, 0, len(l.balances))
	for a, b := range l.balances {
		if !b.IsZero() {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}
