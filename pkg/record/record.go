package record

import (
	"fmt"
	"strconv"

	"github.com/agenthands/chainstore/pkg/core"
)

// Record is a typed storage-layer record.
type Record interface {
	Protocol() Protocol
	Fields() [][]byte
}

// Encode frames r as a data script.
func Encode(r Record) []byte { return EncodeRecordFields(r.Protocol(), r.Fields()) }

// Decode parses a data script into *B, *Bcat, *BcatPart or *D.
func Decode(script []byte) (Record, error) {
	tag, fields, err := DecodeRecordFields(script)
	if err != nil {
		return nil, err
	}
	switch tag {
	case ProtocolB:
		return decodeB(fields)
	case ProtocolBcat:
		return decodeBcat(fields)
	case ProtocolBcatPart:
		return decodeBcatPart(fields)
	case ProtocolD:
		return decodeD(fields)
	default:
		return nil, fmt.Errorf("%w: unknown protocol tag %q", core.ErrCorrupt, string(tag))
	}
}

// fieldWriter appends fields in their fixed order. Trailing empty optional
// fields are dropped on done; an empty optional field that is followed by
// a non-empty one stays as OP_0 so later positions never shift.
type fieldWriter struct {
	fields [][]byte
	keep   int
}

func (w *fieldWriter) required(b []byte) {
	w.fields = append(w.fields, b)
	w.keep = len(w.fields)
}

func (w *fieldWriter) optional(b []byte) {
	w.fields = append(w.fields, b)
	if len(b) > 0 {
		w.keep = len(w.fields)
	}
}

func (w *fieldWriter) done() [][]byte { return w.fields[:w.keep] }

func field(fields [][]byte, i int) []byte {
	if i < len(fields) {
		return fields[i]
	}
	return nil
}

// B is a single-record content item.
type B struct {
	Data      []byte
	MediaType string
	Encoding  string
	Filename  string
}

func (*B) Protocol() Protocol { return ProtocolB }

func (b *B) Fields() [][]byte {
	var w fieldWriter
	w.required(b.Data)
	w.required([]byte(b.MediaType))
	w.optional([]byte(b.Encoding))
	w.optional([]byte(b.Filename))
	return w.done()
}

func decodeB(fields [][]byte) (*B, error) {
	if len(fields) < 2 || len(fields) > 4 {
		return nil, fmt.Errorf("%w: B record has %d fields", core.ErrCorrupt, len(fields))
	}
	return &B{
		Data:      fields[0],
		MediaType: string(fields[1]),
		Encoding:  string(field(fields, 2)),
		Filename:  string(field(fields, 3)),
	}, nil
}

// Bcat is a chunk manifest. Parts are the ordered record ids of the
// chunks; each is pushed as 32 raw bytes.
type Bcat struct {
	Info     string
	MimeType string
	Encoding string
	Filename string
	Flag     string
	Parts    []core.RecordID
}

func (*Bcat) Protocol() Protocol { return ProtocolBcat }

func (m *Bcat) Fields() [][]byte {
	fields := make([][]byte, 0, 5+len(m.Parts))
	fields = append(fields,
		[]byte(m.Info),
		[]byte(m.MimeType),
		[]byte(m.Encoding),
		[]byte(m.Filename),
		[]byte(m.Flag),
	)
	for i := range m.Parts {
		fields = append(fields, m.Parts[i][:])
	}
	return fields
}

// BcatFieldsLen is the encoded script length of a manifest with the given
// header fields and n parts. Part ids have a fixed width so the length
// does not depend on which ids are stored.
func BcatFieldsLen(m *Bcat, n int) int {
	probe := *m
	probe.Parts = nil
	return EncodedLen(ProtocolBcat, probe.Fields()) + n*PushLen(core.RecordIDSize)
}

func decodeBcat(fields [][]byte) (*Bcat, error) {
	if len(fields) < 6 {
		return nil, fmt.Errorf("%w: Bcat record has no parts", core.ErrCorrupt)
	}
	m := &Bcat{
		Info:     string(fields[0]),
		MimeType: string(fields[1]),
		Encoding: string(fields[2]),
		Filename: string(fields[3]),
		Flag:     string(fields[4]),
		Parts:    make([]core.RecordID, 0, len(fields)-5),
	}
	for i, f := range fields[5:] {
		id, err := core.RecordIDFromBytes(f)
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		m.Parts = append(m.Parts, id)
	}
	return m, nil
}

// BcatPart is a raw chunk with no metadata.
type BcatPart struct {
	Data []byte
}

func (*BcatPart) Protocol() Protocol { return ProtocolBcatPart }

func (p *BcatPart) Fields() [][]byte { return [][]byte{p.Data} }

func decodeBcatPart(fields [][]byte) (*BcatPart, error) {
	if len(fields) != 1 {
		return nil, fmt.Errorf("%w: Bcat part has %d fields", core.ErrCorrupt, len(fields))
	}
	return &BcatPart{Data: fields[0]}, nil
}

// D is one version of a mutable reference. The owner is not a field; it
// is the identity that signed the carrying transaction.
type D struct {
	Key      string
	Value    string
	Type     core.RefType
	Sequence uint64
}

func (*D) Protocol() Protocol { return ProtocolD }

func (d *D) Fields() [][]byte {
	var w fieldWriter
	w.required([]byte(d.Key))
	w.required([]byte(d.Value))
	w.required([]byte(d.Type))
	w.required([]byte(strconv.FormatUint(d.Sequence, 10)))
	return w.done()
}

func decodeD(fields [][]byte) (*D, error) {
	if len(fields) != 4 {
		return nil, fmt.Errorf("%w: D record has %d fields", core.ErrCorrupt, len(fields))
	}
	if len(fields[0]) == 0 {
		return nil, fmt.Errorf("%w: D record has an empty key", core.ErrCorrupt)
	}
	typ, err := core.ParseRefType(string(fields[2]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	seq, err := strconv.ParseUint(string(fields[3]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: D sequence %q: %v", core.ErrCorrupt, fields[3], err)
	}
	return &D{
		Key:      string(fields[0]),
		Value:    string(fields[1]),
		Type:     typ,
		Sequence: seq,
	}, nil
}
