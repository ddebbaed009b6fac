// Package cidutil maps ledger record ids to CIDs and back. Record ids are
// double SHA-256 digests of the canonical transaction bytes, carried in
// CIDv1 raw form with the dbl-sha2-256 multihash.
package cidutil

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/agenthands/chainstore/pkg/core"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Builder defines the interface for deriving and verifying record ids.
type Builder interface {
	RecordID(raw []byte) (core.RecordID, error)
	RecordCID(id core.RecordID) (core.CID, error)
	IDFromCID(c core.CID) (core.RecordID, error)
	Verify(c core.CID, raw []byte) error
	ContentHash(data []byte) (string, error)
}

type builder struct{}

// NewBuilder returns a new CID builder implementation.
func NewBuilder() Builder {
	return &builder{}
}

func (b *builder) RecordID(raw []byte) (core.RecordID, error) {
	mh, err := multihash.Sum(raw, multihash.DBL_SHA2_256, -1)
	if err != nil {
		return core.RecordID{}, fmt.Errorf("failed to compute multihash: %w", err)
	}
	dec, err := multihash.Decode(mh)
	if err != nil {
		return core.RecordID{}, fmt.Errorf("failed to decode multihash: %w", err)
	}
	return core.RecordIDFromBytes(dec.Digest)
}

func (b *builder) RecordCID(id core.RecordID) (core.CID, error) {
	mh, err := multihash.Encode(id[:], multihash.DBL_SHA2_256)
	if err != nil {
		return core.CID{}, fmt.Errorf("failed to encode multihash: %w", err)
	}
	return core.CID{Bytes: cid.NewCidV1(cid.Raw, mh).Bytes()}, nil
}

func (b *builder) IDFromCID(c core.CID) (core.RecordID, error) {
	parsed, err := cid.Cast(c.Bytes)
	if err != nil {
		return core.RecordID{}, fmt.Errorf("%w: invalid CID bytes: %v", core.ErrCorrupt, err)
	}
	dec, err := multihash.Decode(parsed.Hash())
	if err != nil {
		return core.RecordID{}, fmt.Errorf("%w: invalid multihash: %v", core.ErrCorrupt, err)
	}
	if dec.Code != multihash.DBL_SHA2_256 {
		return core.RecordID{}, fmt.Errorf("%w: unexpected hash function 0x%x", core.ErrCorrupt, dec.Code)
	}
	return core.RecordIDFromBytes(dec.Digest)
}

func (b *builder) Verify(c core.CID, raw []byte) error {
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return fmt.Errorf("%w: invalid CID bytes: %v", core.ErrCorrupt, err)
	}

	prefix := id.Prefix()
	hash, err := multihash.Sum(raw, prefix.MhType, prefix.MhLength)
	if err != nil {
		return fmt.Errorf("failed to compute multihash for verification: %w", err)
	}

	if !bytes.Equal(id.Hash(), hash) {
		return fmt.Errorf("%w: CID mismatch", core.ErrCorrupt)
	}

	return nil
}

// ContentHash returns the hex SHA-256 digest used by hash references.
func (b *builder) ContentHash(data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("failed to compute multihash: %w", err)
	}
	dec, err := multihash.Decode(mh)
	if err != nil {
		return "", fmt.Errorf("failed to decode multihash: %w", err)
	}
	return hex.EncodeToString(dec.Digest), nil
}
