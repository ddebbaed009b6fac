// Package ledger defines the collaborator the storage layer publishes
// records through, the transaction format it speaks and the fee model
// shared by the store and estimate paths.
package ledger

import (
	"context"
	"fmt"

	"github.com/agenthands/chainstore/pkg/cidutil"
	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/record"
	"github.com/fxamacker/cbor/v2"
)

// OutPoint names one output of a committed transaction.
type OutPoint struct {
	TxID  core.RecordID `cbor:"txid"`
	Index uint32        `cbor:"index"`
}

func (o OutPoint) String() string { return fmt.Sprintf("%s:%d", o.TxID, o.Index) }

type Input struct {
	Prev      OutPoint `cbor:"prev"`
	Signature []byte   `cbor:"sig,omitempty"`
}

type Output struct {
	Value  uint64 `cbor:"value"`
	Script []byte `cbor:"script"`
}

// Transaction is the unit the ledger commits. Signer is the identity the
// inputs are signed as; it is the owner of any D record carried.
type Transaction struct {
	Version  uint32   `cbor:"version"`
	Inputs   []Input  `cbor:"inputs"`
	Outputs  []Output `cbor:"outputs"`
	Signer   string   `cbor:"signer"`
	LockTime uint64   `cbor:"lock_time,omitempty"`
}

// Spendable is an unspent output available to fund a transaction.
type Spendable struct {
	OutPoint
	Value  uint64
	Script []byte
}

type Funder interface {
	SpendableOutputs(ctx context.Context) ([]Spendable, error)
	ChangeScript(ctx context.Context) ([]byte, error)
}

type Signer interface {
	Sign(ctx context.Context, tx *Transaction) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, tx *Transaction) (core.RecordID, error)
}

type Reader interface {
	// FetchTransaction returns ErrNotFound for an unknown id.
	FetchTransaction(ctx context.Context, id core.RecordID) (*Transaction, error)
}

// Client is everything the storage layer needs from a ledger.
type Client interface {
	Funder
	Signer
	Broadcaster
	Reader
	Identity() string
}

var (
	encMode, _ = cbor.CanonicalEncOptions().EncMode()
	ids        = cidutil.NewBuilder()
)

// Encode returns the canonical CBOR encoding of tx, signatures included.
func (tx *Transaction) Encode() ([]byte, error) {
	return encMode.Marshal(tx)
}

// SigHash is the encoding with every signature stripped. It is what
// signers sign and what the id is derived from.
func (tx *Transaction) SigHash() ([]byte, error) {
	stripped := *tx
	stripped.Inputs = make([]Input, len(tx.Inputs))
	for i, in := range tx.Inputs {
		stripped.Inputs[i] = Input{Prev: in.Prev}
	}
	return encMode.Marshal(&stripped)
}

// ID is the double SHA-256 of SigHash.
func (tx *Transaction) ID() (core.RecordID, error) {
	b, err := tx.SigHash()
	if err != nil {
		return core.RecordID{}, err
	}
	return ids.RecordID(b)
}

// DecodeTransaction parses a canonical transaction encoding.
func DecodeTransaction(b []byte) (*Transaction, error) {
	var tx Transaction
	if err := cbor.Unmarshal(b, &tx); err != nil {
		return nil, fmt.Errorf("%w: transaction: %v", core.ErrCorrupt, err)
	}
	return &tx, nil
}

// IsDataScript reports whether script is an unspendable data output.
func IsDataScript(script []byte) bool {
	return len(script) >= 2 && script[0] == record.OpFalse && script[1] == record.OpReturn
}

// DataScript returns the first data output of tx.
func DataScript(tx *Transaction) ([]byte, bool) {
	for _, out := range tx.Outputs {
		if IsDataScript(out.Script) {
			return out.Script, true
		}
	}
	return nil, false
}
