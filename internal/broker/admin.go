package broker

import (
	"context"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/option-broker/internal/model"
	"github.com/atmx/option-broker/internal/store"
)

// SetPaymentToken configures token for exercise. An empty oracle reference
// disables it.
func (b *Broker) SetPaymentToken(ctx context.Context, caller, token common.Address, oracleRef string, oracleData []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.commit(ctx, "set_payment_token", func(tx store.Tx, j *journal) error {
		if _, err := b.requireAdmin(tx, caller); err != nil {
			return err
		}
		if err := tx.PutPaymentToken(model.PaymentToken{
			Token:      token,
			Oracle:     oracleRef,
			OracleData: append([]byte(nil), oracleData...),
		}); err != nil {
			return err
		}
		epoch, err := tx.Epoch()
		if err != nil {
			return err
		}
		return j.add(model.Event{
			Kind:     model.EventSetPaymentToken,
			Epoch:    epoch.Number,
			Identity: caller,
			Token:    token,
		})
	})
	if err != nil {
		return err
	}
	b.log.Info("payment token configured", "token", token.Hex(), "oracle", oracleRef, "enabled", oracleRef != "")
	return nil
}

// SetPaymentTokenBeneficiary sets the recipient of collected payments.
func (b *Broker) SetPaymentTokenBeneficiary(ctx context.Context, caller, beneficiary common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.commit(ctx, "set_beneficiary", func(tx store.Tx, j *journal) error {
		admin, err := b.requireAdmin(tx, caller)
		if err != nil {
			return err
		}
		admin.Beneficiary = beneficiary
		if err := tx.PutAdmin(admin); err != nil {
			return err
		}
		epoch, err := tx.Epoch()
		if err != nil {
			return err
		}
		return j.add(model.Event{
			Kind:     model.EventSetBeneficiary,
			Epoch:    epoch.Number,
			Identity: beneficiary,
		})
	})
	if err != nil {
		return err
	}
	b.log.Info("payment token beneficiary set", "beneficiary", beneficiary.Hex())
	return nil
}

// CollectPaymentTokens sweeps the holding account's whole balance of each
// listed token to the beneficiary.
func (b *Broker) CollectPaymentTokens(ctx context.Context, caller common.Address, tokens []common.Address) (map[common.Address]sdkmath.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	swept := make(map[common.Address]sdkmath.Int, len(tokens))
	err := b.commit(ctx, "collect", func(tx store.Tx, j *journal) error {
		admin, err := b.requireAdmin(tx, caller)
		if err != nil {
			return err
		}
		if admin.Beneficiary == (common.Address{}) {
			return model.ErrBeneficiaryNotSet
		}
		epoch, err := tx.Epoch()
		if err != nil {
			return err
		}
		for _, token := range tokens {
			bal, err := b.tokens.BalanceOf(tx, token, b.params.Holding)
			if err != nil {
				return err
			}
			if err := b.tokens.Transfer(tx, token, b.params.Holding, admin.Beneficiary, bal); err != nil {
				return fmt.Errorf("broker: collect %s: %w", token.Hex(), err)
			}
			prev, ok := swept[token]
			if !ok {
				prev = sdkmath.ZeroInt()
			}
			swept[token] = prev.Add(bal)
			if err := j.add(model.Event{
				Kind:     model.EventCollectPaymentTokens,
				Epoch:    epoch.Number,
				Identity: admin.Beneficiary,
				Token:    token,
				Amounts:  map[string]sdkmath.Int{"amount": bal},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for token, amt := range swept {
		b.log.Info("payment tokens collected", "token", token.Hex(), "amount", amt.String())
	}
	return swept, nil
}

// TransferOwnership hands the admin role to newOwner.
func (b *Broker) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	if newOwner == (common.Address{}) {
		return errors.New("broker: new owner is the zero address")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.commit(ctx, "transfer_ownership", func(tx store.Tx, j *journal) error {
		admin, err := b.requireAdmin(tx, caller)
		if err != nil {
			return err
		}
		admin.Owner = newOwner
		if err := tx.PutAdmin(admin); err != nil {
			return err
		}
		epoch, err := tx.Epoch()
		if err != nil {
			return err
		}
		return j.add(model.Event{Kind: model.EventOwnershipTransferred, Epoch: epoch.Number, Identity: newOwner})
	})
	if err != nil {
		return err
	}
	b.log.Info("ownership transferred", "from", caller.Hex(), "to", newOwner.Hex())
	return nil
}
