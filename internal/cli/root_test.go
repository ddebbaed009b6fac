package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

// run executes one command line against a fresh command tree.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func field(t *testing.T, out, name string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, name+":"); ok {
			return strings.TrimSpace(v)
		}
	}
	t.Fatalf("no %q line in output:\n%s", name, out)
	return ""
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--dir", dir, "--identity", "alice", "--log-level", "error"}
	cmd := func(args ...string) []string { return append(append([]string{}, base...), args...) }

	if _, err := run(t, "", cmd("fund", "1000000000")...); err != nil {
		t.Fatalf("fund failed: %v", err)
	}

	out, err := run(t, "hello from the command line", cmd("store", "--type", "text/plain")...)
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	addr := field(t, out, "address")
	if !strings.HasPrefix(addr, "b://") {
		t.Fatalf("unexpected address %q", addr)
	}

	t.Run("Get", func(t *testing.T) {
		out, err := run(t, "", cmd("get", addr)...)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if out != "hello from the command line" {
			t.Errorf("got %q", out)
		}
	})

	t.Run("StoreLarge", func(t *testing.T) {
		big := strings.Repeat("0123456789abcdef", 16_000)
		out, err := run(t, big, cmd("store-large", "--part-size", "50000")...)
		if err != nil {
			t.Fatalf("store-large failed: %v", err)
		}
		manifest := field(t, out, "manifest")
		got, err := run(t, "", cmd("get-large", manifest)...)
		if err != nil {
			t.Fatalf("get-large failed: %v", err)
		}
		if got != big {
			t.Errorf("reassembled %d bytes, want %d", len(got), len(big))
		}
	})

	t.Run("References", func(t *testing.T) {
		if _, err := run(t, "", cmd("ref", "set", "homepage", addr)...); err != nil {
			t.Fatalf("ref set failed: %v", err)
		}
		out, err := run(t, "", cmd("ref", "get", "D://alice/homepage")...)
		if err != nil {
			t.Fatalf("ref get failed: %v", err)
		}
		if got := field(t, out, "value"); got != addr {
			t.Errorf("value = %q, want %q", got, addr)
		}
		if got := field(t, out, "sequence"); got != "1" {
			t.Errorf("sequence = %q, want 1", got)
		}

		out, err = run(t, "", cmd("ref", "ls")...)
		if err != nil {
			t.Fatalf("ref ls failed: %v", err)
		}
		if !strings.Contains(out, "homepage") {
			t.Errorf("listing is missing homepage:\n%s", out)
		}
	})

	t.Run("Estimate", func(t *testing.T) {
		out, err := run(t, "tiny", cmd("estimate")...)
		if err != nil {
			t.Fatalf("estimate failed: %v", err)
		}
		if !strings.HasPrefix(out, "single record: ") {
			t.Errorf("unexpected estimate %q", out)
		}
	})

	t.Run("Audit", func(t *testing.T) {
		out, err := run(t, "", cmd("audit")...)
		if err != nil {
			t.Fatalf("audit failed: %v", err)
		}
		if !strings.Contains(out, "orphaned parts: 0") {
			t.Errorf("unexpected audit output:\n%s", out)
		}
	})

	t.Run("Reindex", func(t *testing.T) {
		out, err := run(t, "", cmd("reindex")...)
		if err != nil {
			t.Fatalf("reindex failed: %v", err)
		}
		if !strings.Contains(out, "replayed 1 references") {
			t.Errorf("unexpected reindex output %q", out)
		}
	})

	t.Run("UnknownAddress", func(t *testing.T) {
		_, err := run(t, "", cmd("get", "b://"+strings.Repeat("ab", 32))...)
		if err == nil {
			t.Fatal("expected an error for an unknown record")
		}
	})
}
