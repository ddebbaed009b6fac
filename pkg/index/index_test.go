package index

import (
	"testing"
	"time"

	"github.com/agenthands/chainstore/pkg/core"
)

func entry(key string, seq uint64, id byte, value string) Entry {
	return Entry{
		Owner:     "alice",
		Key:       key,
		Value:     value,
		Type:      core.RefText,
		Sequence:  seq,
		RecordID:  core.RecordID{id},
		UpdatedAt: time.Unix(int64(seq), 0),
	}
}

func TestSupersedes(t *testing.T) {
	cases := []struct {
		name      string
		next, cur Entry
		want      bool
	}{
		{"HigherSequence", entry("k", 2, 1, ""), entry("k", 1, 9, ""), true},
		{"LowerSequence", entry("k", 1, 9, ""), entry("k", 2, 1, ""), false},
		{"TieGreaterID", entry("k", 3, 5, ""), entry("k", 3, 4, ""), true},
		{"TieSmallerID", entry("k", 3, 4, ""), entry("k", 3, 5, ""), false},
		{"SameRecord", entry("k", 3, 4, ""), entry("k", 3, 4, ""), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Supersedes(tc.next, tc.cur); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestSortNewestFirst(t *testing.T) {
	entries := []Entry{entry("a", 1, 1, ""), entry("c", 3, 1, ""), entry("b", 3, 2, "")}
	SortNewestFirst(entries)
	if entries[0].Key != "b" || entries[1].Key != "c" || entries[2].Key != "a" {
		t.Errorf("unexpected order: %s %s %s", entries[0].Key, entries[1].Key, entries[2].Key)
	}
}
