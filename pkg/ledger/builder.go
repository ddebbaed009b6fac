package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/agenthands/chainstore/pkg/core"
	"go.uber.org/zap"
)

// Receipt describes a committed record.
type Receipt struct {
	ID        core.RecordID
	Fee       uint64
	Cost      core.Cost
	ScriptLen int
}

// Builder funds, signs and broadcasts single-record transactions.
type Builder struct {
	client Client
	fees   FeeModel
	log    *zap.Logger
}

func NewBuilder(client Client, fees FeeModel, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{client: client, fees: fees, log: log}
}

func (b *Builder) Fees() FeeModel   { return b.fees }
func (b *Builder) Client() Client   { return b.client }
func (b *Builder) Identity() string { return b.client.Identity() }

// Publish commits script as the data output of a new transaction.
// Outputs are selected greedily in the order the funder lists them.
// Cancellation is honoured up to the broadcast call and never after it.
func (b *Builder) Publish(ctx context.Context, script []byte) (*Receipt, error) {
	fee := b.fees.RecordFee(len(script))

	utxos, err := b.client.SpendableOutputs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing spendable outputs: %v", core.ErrFundingUnavailable, err)
	}

	var (
		inputs []Input
		total  uint64
	)
	for _, u := range utxos {
		if total >= fee {
			break
		}
		inputs = append(inputs, Input{Prev: u.OutPoint})
		total += u.Value
	}
	if total < fee {
		return nil, fmt.Errorf("%w: need %d sats, have %d", core.ErrFundingUnavailable, fee, total)
	}

	tx := &Transaction{
		Version: 1,
		Inputs:  inputs,
		Outputs: []Output{{Value: 0, Script: script}},
		Signer:  b.client.Identity(),
	}
	if change := total - fee; change > b.fees.DustLimit {
		changeScript, err := b.client.ChangeScript(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: change script: %v", core.ErrFundingUnavailable, err)
		}
		tx.Outputs = append(tx.Outputs, Output{Value: change, Script: changeScript})
	}

	if err := b.client.Sign(ctx, tx); err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, err := b.client.Broadcast(context.WithoutCancel(ctx), tx)
	if err != nil {
		if errors.Is(err, core.ErrBroadcastFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", core.ErrBroadcastFailure, err)
	}

	b.log.Debug("record broadcast",
		zap.String("id", id.String()),
		zap.Int("script_bytes", len(script)),
		zap.Uint64("fee", fee),
		zap.Int("inputs", len(inputs)),
	)

	return &Receipt{
		ID:        id,
		Fee:       fee,
		Cost:      b.fees.Cost(fee),
		ScriptLen: len(script),
	}, nil
}

// Fetch returns the data script of a committed record. A transaction
// without a data output is reported as ErrNotFound.
func (b *Builder) Fetch(ctx context.Context, id core.RecordID) ([]byte, error) {
	tx, err := b.client.FetchTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	script, ok := DataScript(tx)
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s carries no data", core.ErrNotFound, id)
	}
	return script, nil
}
