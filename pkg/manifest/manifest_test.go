package manifest

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/record"
)

func sample() *Manifest {
	return &Manifest{
		Info:     "chainstore",
		MimeType: "video/mp4",
		Filename: "clip.mp4",
		Flag:     "gzip",
		Parts:    []core.RecordID{{1}, {2}, {3}},
	}
}

func TestCodec(t *testing.T) {
	c := NewCodec(core.LimitsConfig{MaxParts: 4})

	t.Run("EncodeDecode", func(t *testing.T) {
		b, err := c.Encode(sample())
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		got, err := c.Decode(b)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if !reflect.DeepEqual(got, sample()) {
			t.Errorf("mismatch:\n got %+v\nwant %+v", got, sample())
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		a, _ := c.Encode(sample())
		b, _ := c.Encode(sample())
		if string(a) != string(b) {
			t.Error("canonical encoding is not stable")
		}
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		empty := sample()
		empty.Parts = nil
		if _, err := c.Encode(empty); !errors.Is(err, core.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument for no parts, got %v", err)
		}

		tooMany := sample()
		tooMany.Parts = make([]core.RecordID, 5)
		for i := range tooMany.Parts {
			tooMany.Parts[i][0] = byte(i + 1)
		}
		if _, err := c.Encode(tooMany); !errors.Is(err, core.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument for too many parts, got %v", err)
		}

		zero := sample()
		zero.Parts[1] = core.RecordID{}
		if _, err := c.Encode(zero); !errors.Is(err, core.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument for zero id, got %v", err)
		}
	})

	t.Run("DecodeCorrupt", func(t *testing.T) {
		if _, err := c.Decode([]byte{0xff, 0x00}); !errors.Is(err, core.ErrCorrupt) {
			t.Errorf("expected ErrCorrupt, got %v", err)
		}
	})
}

func TestRecordConversion(t *testing.T) {
	m := sample()
	script := record.Encode(m.Record())
	r, err := record.Decode(script)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	bcat, ok := r.(*record.Bcat)
	if !ok {
		t.Fatalf("expected *record.Bcat, got %T", r)
	}
	if got := FromRecord(bcat); !reflect.DeepEqual(got, m) {
		t.Errorf("mismatch:\n got %+v\nwant %+v", got, m)
	}
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	id := core.RecordID{9}

	if _, ok, _ := cache.Get(ctx, id); ok {
		t.Fatal("expected miss on empty cache")
	}
	if err := cache.Put(ctx, id, sample()); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, ok, err := cache.Get(ctx, id)
	if err != nil || !ok || got.Filename != "clip.mp4" {
		t.Errorf("unexpected Get result: %+v %v %v", got, ok, err)
	}
}

func TestCopiesAreIndependent(t *testing.T) {
	ctx := context.Background()

	t.Run("Record", func(t *testing.T) {
		m := sample()
		r := m.Record()
		r.Parts[0] = core.RecordID{0xff}
		if m.Parts[0] != (core.RecordID{1}) {
			t.Error("changing the record changed the manifest")
		}
	})

	t.Run("Clone", func(t *testing.T) {
		m := sample()
		c := m.Clone()
		c.Parts[1] = core.RecordID{0xff}
		c.Flag = "zstd"
		if !reflect.DeepEqual(m, sample()) {
			t.Errorf("changing the clone changed the original: %+v", m)
		}
	})

	t.Run("MemoryCache", func(t *testing.T) {
		cache := NewMemoryCache()
		id := core.RecordID{9}
		m := sample()
		if err := cache.Put(ctx, id, m); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		m.Parts[0] = core.RecordID{0xee}

		got, _, _ := cache.Get(ctx, id)
		if !reflect.DeepEqual(got, sample()) {
			t.Fatalf("Put kept a reference to the caller's manifest: %+v", got)
		}
		got.Parts[2] = core.RecordID{0xdd}

		again, _, _ := cache.Get(ctx, id)
		if !reflect.DeepEqual(again, sample()) {
			t.Errorf("Get handed out the cached manifest: %+v", again)
		}
	})
}
