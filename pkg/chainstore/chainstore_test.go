package chainstore

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/agenthands/chainstore/internal/testkit"
	"github.com/agenthands/chainstore/pkg/cdn"
	"github.com/agenthands/chainstore/pkg/chunked"
	"github.com/agenthands/chainstore/pkg/content"
	"github.com/agenthands/chainstore/pkg/index"
	"github.com/agenthands/chainstore/pkg/mutable"
)

func open(t *testing.T, cfg Config) *Layer {
	t.Helper()
	l, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return l
}

func TestLayerRoundTrip(t *testing.T) {
	ctx := context.Background()

	for _, backend := range []string{"catalog", "memory"} {
		t.Run(backend, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Dir = t.TempDir()
			cfg.Ledger.Identity = "alice"
			cfg.Index.Backend = backend

			l := open(t, cfg)
			if _, err := l.Node.Fund(ctx, testkit.FundedSats); err != nil {
				t.Fatalf("Fund failed: %v", err)
			}

			rec, err := l.Content.Store(ctx, []byte("hello layer"), content.Options{})
			if err != nil {
				t.Fatalf("Store failed: %v", err)
			}
			large := bytes.Repeat([]byte("0123456789"), 25_000)
			res, err := l.Chunked.StoreLarge(ctx, large, chunked.Options{})
			if err != nil {
				t.Fatalf("StoreLarge failed: %v", err)
			}
			if _, err := l.Mutable.CreateOrUpdate(ctx, "", "site/home", rec.ID.String(), mutable.Options{}); err != nil {
				t.Fatalf("CreateOrUpdate failed: %v", err)
			}
			if err := l.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			l = open(t, cfg)
			defer l.Close()

			ref, err := l.Mutable.Resolve(ctx, "alice", "site/home")
			if err != nil {
				t.Fatalf("Resolve after reopen failed: %v", err)
			}
			got, err := l.Gateway.Retrieve(ctx, ref.Value, cdn.RetrieveOptions{})
			if err != nil {
				t.Fatalf("Retrieve failed: %v", err)
			}
			if string(got.Payload) != "hello layer" || got.Metrics.Source != "ledger" {
				t.Errorf("unexpected read %q from %s", got.Payload, got.Metrics.Source)
			}
			back, err := l.Chunked.RetrieveLarge(ctx, res.Addresses.Bcat)
			if err != nil || !bytes.Equal(back, large) {
				t.Errorf("chunked read after reopen failed: %v", err)
			}

			rep, err := l.Audit.RunOnce(ctx)
			if err != nil || len(rep.Orphans) != 0 {
				t.Errorf("unexpected audit %+v, %v", rep, err)
			}
			n, err := l.Reindex(ctx)
			if err != nil || n != 1 {
				t.Errorf("expected 1 reference replayed, got %d, %v", n, err)
			}
		})
	}
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("NoDir", func(t *testing.T) {
		if _, err := Open(ctx, Config{}); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("UnknownBackend", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Dir = t.TempDir()
		cfg.Index.Backend = "redis"
		if _, err := Open(ctx, cfg); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("InjectedClientNeedsIndex", func(t *testing.T) {
		node := testkit.NewNode(t, "bob")
		if _, err := Open(ctx, DefaultConfig(), WithClient(node)); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})
}

func TestInjectedClientAndIndex(t *testing.T) {
	ctx := context.Background()
	node := testkit.NewNode(t, "bob")
	l, err := Open(ctx, DefaultConfig(), WithClient(node), WithIndex(index.NewMemory()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	if l.Node != nil || l.Audit != nil {
		t.Error("an injected client should not open a local node")
	}
	up, err := l.Gateway.Upload(ctx, []byte("injected"), cdn.UploadOptions{})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if _, err := l.Reindex(ctx); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Reindex without a local node: expected ErrInvalidArgument, got %v", err)
	}
	got, err := l.Content.Retrieve(ctx, up.Address)
	if err != nil || string(got) != "injected" {
		t.Errorf("unexpected read %q, %v", got, err)
	}
}
