// Package token keeps ERC20-like balances and allowances inside the ledger
// store, so token movements commit or roll back with the state change that
// caused them.
package token

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/option-broker/internal/fixed"
	"github.com/atmx/option-broker/internal/model"
	"github.com/atmx/option-broker/internal/store"
)

// Bank moves balances of any token. It holds no state of its own; every
// call works on the transaction it is given.
type Bank struct{}

// NewBank returns a Bank.
func NewBank() *Bank { return &Bank{} }

// BalanceOf returns holder's balance of token.
func (b *Bank) BalanceOf(tx store.Tx, token, holder common.Address) (sdkmath.Int, error) {
	return tx.Balance(token, holder)
}

// Allowance returns how much spender may move from owner's token balance.
func (b *Bank) Allowance(tx store.Tx, token, owner, spender common.Address) (sdkmath.Int, error) {
	return tx.Allowance(token, owner, spender)
}

// Mint credits amount of token to to.
func (b *Bank) Mint(tx store.Tx, token, to common.Address, amount sdkmath.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	bal, err := tx.Balance(token, to)
	if err != nil {
		return err
	}
	next, err := fixed.Add(bal, amount)
	if err != nil {
		return fmt.Errorf("token: mint %s to %s: %w", token.Hex(), to.Hex(), err)
	}
	return tx.SetBalance(token, to, next)
}

// Approve sets spender's allowance over owner's balance.
func (b *Bank) Approve(tx store.Tx, token, owner, spender common.Address, amount sdkmath.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return tx.SetAllowance(token, owner, spender, amount)
}

// Transfer moves amount of token from from to to.
func (b *Bank) Transfer(tx store.Tx, token, from, to common.Address, amount sdkmath.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	bal, err := tx.Balance(token, from)
	if err != nil {
		return err
	}
	if bal.LT(amount) {
		return fmt.Errorf("%w: %s has %s of %s, needs %s",
			model.ErrInsufficientBalance, from.Hex(), bal, token.Hex(), amount)
	}
	return b.move(tx, token, from, to, bal, amount)
}

// TransferFrom moves amount from from to to on spender's allowance. The
// balance is checked before the allowance.
func (b *Bank) TransferFrom(tx store.Tx, token, spender, from, to common.Address, amount sdkmath.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	bal, err := tx.Balance(token, from)
	if err != nil {
		return err
	}
	if bal.LT(amount) {
		return fmt.Errorf("%w: %s has %s of %s, needs %s",
			model.ErrInsufficientBalance, from.Hex(), bal, token.Hex(), amount)
	}
	if spender != from {
		allowed, err := tx.Allowance(token, from, spender)
		if err != nil {
			return err
		}
		if allowed.LT(amount) {
			return fmt.Errorf("%w: %s allows %s of %s to %s, needs %s",
				model.ErrInsufficientAllowance, from.Hex(), allowed, token.Hex(), spender.Hex(), amount)
		}
		if err := tx.SetAllowance(token, from, spender, allowed.Sub(amount)); err != nil {
			return err
		}
	}
	return b.move(tx, token, from, to, bal, amount)
}

func (b *Bank) move(tx store.Tx, token, from, to common.Address, fromBal, amount sdkmath.Int) error {
	if from == to || amount.IsZero() {
		return nil
	}
	if err := tx.SetBalance(token, from, fromBal.Sub(amount)); err != nil {
		return err
	}
	toBal, err := tx.Balance(token, to)
	if err != nil {
		return err
	}
	next, err := fixed.Add(toBal, amount)
	if err != nil {
		return fmt.Errorf("token: credit %s: %w", to.Hex(), err)
	}
	return tx.SetBalance(token, to, next)
}

func checkAmount(amount sdkmath.Int) error {
	if amount.IsNil() || amount.IsNegative() {
		return fmt.Errorf("token: invalid amount %v", amount)
	}
	return nil
}
