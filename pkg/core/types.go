package core

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// CID represents binary CID bytes.
type CID struct {
	Bytes []byte
}

// RecordIDSize is the byte length of a ledger record identifier.
const RecordIDSize = 32

// RecordID is the ledger-assigned identifier of a committed record. It is
// rendered as 64 lowercase hex characters.
type RecordID [RecordIDSize]byte

// ParseRecordID parses a 64 character hex record identifier. Upper case
// hex is accepted and normalised.
func ParseRecordID(s string) (RecordID, error) {
	var id RecordID
	if len(s) != 2*RecordIDSize {
		return id, fmt.Errorf("%w: record id must be %d hex chars, got %d", ErrInvalidAddress, 2*RecordIDSize, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(strings.ToLower(s))); err != nil {
		return RecordID{}, fmt.Errorf("%w: record id %q: %v", ErrInvalidAddress, s, err)
	}
	return id, nil
}

// RecordIDFromBytes copies a 32 byte slice into a RecordID.
func RecordIDFromBytes(b []byte) (RecordID, error) {
	var id RecordID
	if len(b) != RecordIDSize {
		return id, fmt.Errorf("%w: record id must be %d bytes, got %d", ErrCorrupt, RecordIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id RecordID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the zero value.
func (id RecordID) IsZero() bool { return id == RecordID{} }

// MarshalText implements encoding.TextMarshaler so record ids render as
// hex in JSON and CBOR.
func (id RecordID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *RecordID) UnmarshalText(b []byte) error {
	parsed, err := ParseRecordID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Cost is the fee paid (or estimated) for one or more ledger records.
type Cost struct {
	FeeSats uint64
	Fiat    float64
}

// RefType tags the value carried by a mutable reference.
type RefType string

const (
	RefContent   RefType = "b"    // value is a content record id
	RefHash      RefType = "c"    // value is a content hash
	RefRecord    RefType = "tx"   // value is a raw record id
	RefText      RefType = "txt"  // value is literal text
	RefTombstone RefType = "null" // key is logically deleted
)

// ParseRefType validates a wire reference type.
func ParseRefType(s string) (RefType, error) {
	switch t := RefType(s); t {
	case RefContent, RefHash, RefRecord, RefText, RefTombstone:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown reference type %q", ErrInvalidArgument, s)
	}
}
