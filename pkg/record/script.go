// Package record frames storage-layer records as ledger data scripts.
//
// Every record is an unspendable output script:
//
//	OP_FALSE OP_RETURN <push protocol tag> <push field 0> <push field 1> ...
//
// Pushes are minimal: OP_0 for an empty field, a direct push up to 75
// bytes, then OP_PUSHDATA1, OP_PUSHDATA2 and OP_PUSHDATA4.
package record

import (
	"encoding/binary"
	"fmt"

	"github.com/agenthands/chainstore/pkg/core"
)

// Protocol is the tag pushed immediately after OP_RETURN.
type Protocol string

const (
	ProtocolB        Protocol = "19HxigV4QyBv3tHpQVcUEQyq1pzZVdoAut"
	ProtocolBcat     Protocol = "15DHFxWZJT58f9nhyGnsRBqrgwK4W6h4Up"
	ProtocolBcatPart Protocol = "1ChDHzdd1H4wSjgGMHyndZm6qxEDGjqpJL"
	ProtocolD        Protocol = "19iG3WTYSsbyos3uJ733yK4zEioi1FesNU"
)

func (p Protocol) String() string {
	switch p {
	case ProtocolB:
		return "B"
	case ProtocolBcat:
		return "Bcat"
	case ProtocolBcatPart:
		return "Bcat part"
	case ProtocolD:
		return "D"
	default:
		return string(p)
	}
}

const (
	OpFalse     byte = 0x00
	OpPushData1 byte = 0x4c
	OpPushData2 byte = 0x4d
	OpPushData4 byte = 0x4e
	OpReturn    byte = 0x6a

	maxDirectPush = 0x4b
)

// EncodeRecordFields builds the data script carrying tag and fields in
// order. It is the only place scripts are assembled.
func EncodeRecordFields(tag Protocol, fields [][]byte) []byte {
	script := make([]byte, 0, EncodedLen(tag, fields))
	script = append(script, OpFalse, OpReturn)
	script = appendPush(script, []byte(tag))
	for _, f := range fields {
		script = appendPush(script, f)
	}
	return script
}

// EncodedLen returns len(EncodeRecordFields(tag, fields)) without
// building the script.
func EncodedLen(tag Protocol, fields [][]byte) int {
	n := 2 + pushLen(len(tag))
	for _, f := range fields {
		n += pushLen(len(f))
	}
	return n
}

// PushLen is the encoded size of a single field of n bytes.
func PushLen(n int) int { return pushLen(n) }

func pushLen(n int) int {
	switch {
	case n == 0:
		return 1
	case n <= maxDirectPush:
		return 1 + n
	case n <= 0xff:
		return 2 + n
	case n <= 0xffff:
		return 3 + n
	default:
		return 5 + n
	}
}

func appendPush(dst, data []byte) []byte {
	n := len(data)
	switch {
	case n == 0:
		return append(dst, OpFalse)
	case n <= maxDirectPush:
		dst = append(dst, byte(n))
	case n <= 0xff:
		dst = append(dst, OpPushData1, byte(n))
	case n <= 0xffff:
		dst = append(dst, OpPushData2)
		dst = binary.LittleEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, OpPushData4)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(n))
	}
	return append(dst, data...)
}

// DecodeRecordFields parses a data script produced by EncodeRecordFields.
// Returned fields alias script.
func DecodeRecordFields(script []byte) (Protocol, [][]byte, error) {
	if len(script) < 2 || script[0] != OpFalse || script[1] != OpReturn {
		return "", nil, fmt.Errorf("%w: not a data script", core.ErrCorrupt)
	}
	rest := script[2:]

	var pushes [][]byte
	for len(rest) > 0 {
		data, n, err := readPush(rest)
		if err != nil {
			return "", nil, err
		}
		pushes = append(pushes, data)
		rest = rest[n:]
	}
	if len(pushes) == 0 || len(pushes[0]) == 0 {
		return "", nil, fmt.Errorf("%w: data script has no protocol tag", core.ErrCorrupt)
	}
	return Protocol(pushes[0]), pushes[1:], nil
}

func readPush(b []byte) (data []byte, n int, err error) {
	op := b[0]
	var size, hdr int
	switch {
	case op == OpFalse:
		return []byte{}, 1, nil
	case op <= maxDirectPush:
		size, hdr = int(op), 1
	case op == OpPushData1:
		if len(b) < 2 {
			return nil, 0, fmt.Errorf("%w: truncated OP_PUSHDATA1", core.ErrCorrupt)
		}
		size, hdr = int(b[1]), 2
	case op == OpPushData2:
		if len(b) < 3 {
			return nil, 0, fmt.Errorf("%w: truncated OP_PUSHDATA2", core.ErrCorrupt)
		}
		size, hdr = int(binary.LittleEndian.Uint16(b[1:3])), 3
	case op == OpPushData4:
		if len(b) < 5 {
			return nil, 0, fmt.Errorf("%w: truncated OP_PUSHDATA4", core.ErrCorrupt)
		}
		size, hdr = int(binary.LittleEndian.Uint32(b[1:5])), 5
	default:
		return nil, 0, fmt.Errorf("%w: unexpected opcode 0x%02x in data script", core.ErrCorrupt, op)
	}
	if size > len(b)-hdr {
		return nil, 0, fmt.Errorf("%w: push of %d bytes overruns script", core.ErrCorrupt, size)
	}
	return b[hdr : hdr+size], hdr + size, nil
}
