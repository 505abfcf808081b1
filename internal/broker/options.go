package broker

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/option-broker/internal/model"
	"github.com/atmx/option-broker/internal/store"
)

// TransferOption moves option id to to and clears its approved address.
// Exercised options stay transferable as receipts.
func (b *Broker) TransferOption(ctx context.Context, caller, to common.Address, id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var from common.Address
	err := b.commit(ctx, "transfer_option", func(tx store.Tx, j *journal) error {
		opt, err := loadOption(tx, id)
		if err != nil {
			return err
		}
		ok, err := canActOnOption(tx, caller, opt)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s on option %d", model.ErrNotAuthorized, caller.Hex(), id)
		}
		from = opt.Owner
		opt.Owner = to
		opt.Approved = common.Address{}
		if err := tx.PutOption(opt); err != nil {
			return err
		}
		return j.add(model.Event{
			Kind:     model.EventTransferOption,
			PoolID:   opt.PoolID,
			Identity: to,
			OptionID: id,
		})
	})
	if err != nil {
		return err
	}
	b.log.Info("option transferred", "option", id, "from", from.Hex(), "to", to.Hex())
	return nil
}

// ApproveOption lets spender exercise or transfer option id. Only the
// owner or one of its operators may approve.
func (b *Broker) ApproveOption(ctx context.Context, caller, spender common.Address, id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.commit(ctx, "approve_option", func(tx store.Tx, j *journal) error {
		opt, err := loadOption(tx, id)
		if err != nil {
			return err
		}
		if caller != opt.Owner {
			op, err := tx.OperatorApproved(opt.Owner, caller)
			if err != nil {
				return err
			}
			if !op {
				return fmt.Errorf("%w: %s on option %d", model.ErrNotAuthorized, caller.Hex(), id)
			}
		}
		opt.Approved = spender
		if err := tx.PutOption(opt); err != nil {
			return err
		}
		return j.add(model.Event{
			Kind:     model.EventApproveOption,
			Identity: spender,
			OptionID: id,
		})
	})
}

// SetApprovalForAll grants or revokes operator over every option of owner.
func (b *Broker) SetApprovalForAll(ctx context.Context, owner, operator common.Address, approved bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.commit(ctx, "approval_for_all", func(tx store.Tx, j *journal) error {
		if err := tx.SetOperatorApproval(owner, operator, approved); err != nil {
			return err
		}
		return j.add(model.Event{Kind: model.EventApprovalForAll, Identity: operator})
	})
}
