package chunker

import (
	"bytes"
	"context"
	"testing"

	"github.com/agenthands/chainstore/internal/testkit"
)

func benchmarkSplit(b *testing.B, cfg Config) {
	c, err := NewChunker(cfg)
	if err != nil {
		b.Fatal(err)
	}
	data := testkit.RandomBytes(testkit.RNG(1), 8*1024*1024)
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		parts, errs := c.Split(context.Background(), bytes.NewReader(data))
		for p := range parts {
			c.ReturnBuffer(p.Buf)
		}
		if err := <-errs; err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSplitFixed(b *testing.B) { benchmarkSplit(b, Config{Mode: ModeFixed, Max: 95_000}) }
func BenchmarkSplitCDC(b *testing.B)   { benchmarkSplit(b, Config{Mode: ModeCDC, Max: 95_000}) }
