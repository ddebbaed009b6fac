package testkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/ledger"
)

var ErrInjectedFault = errors.New("injected fault")

// ErrorReader wraps an io.Reader and returns an error after returning N bytes.
type ErrorReader struct {
	r     io.Reader
	limit int64
	read  int64
	err   error
}

// NewErrorReader returns a reader that will inject the given error after reading 'limit' bytes.
// If err is nil, ErrInjectedFault is used.
func NewErrorReader(r io.Reader, limit int64, err error) *ErrorReader {
	if err == nil {
		err = ErrInjectedFault
	}
	return &ErrorReader{
		r:     r,
		limit: limit,
		err:   err,
	}
}

func (e *ErrorReader) Read(p []byte) (n int, err error) {
	if e.read >= e.limit {
		return 0, e.err
	}

	space := e.limit - e.read
	if int64(len(p)) > space {
		p = p[:space]
	}

	n, err = e.r.Read(p)
	e.read += int64(n)

	if err != nil {
		return n, err
	}

	if e.read >= e.limit {
		return n, e.err
	}

	return n, nil
}

// FaultyClient wraps a ledger client and injects broadcast and read
// failures.
type FaultyClient struct {
	ledger.Client

	// FailBroadcastAt fails the Nth broadcast (1-based) and every one
	// after it. Zero never fails.
	FailBroadcastAt int

	mu         sync.Mutex
	broadcasts int
	hidden     map[core.RecordID]struct{}
}

func NewFaultyClient(c ledger.Client) *FaultyClient {
	return &FaultyClient{Client: c, hidden: make(map[core.RecordID]struct{})}
}

func (f *FaultyClient) Broadcast(ctx context.Context, tx *ledger.Transaction) (core.RecordID, error) {
	f.mu.Lock()
	f.broadcasts++
	n := f.broadcasts
	f.mu.Unlock()

	if f.FailBroadcastAt > 0 && n >= f.FailBroadcastAt {
		return core.RecordID{}, fmt.Errorf("broadcast %d: %w", n, ErrInjectedFault)
	}
	return f.Client.Broadcast(ctx, tx)
}

// Broadcasts returns the number of broadcast attempts seen so far.
func (f *FaultyClient) Broadcasts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcasts
}

// Hide makes FetchTransaction report id as missing.
func (f *FaultyClient) Hide(id core.RecordID) {
	f.mu.Lock()
	f.hidden[id] = struct{}{}
	f.mu.Unlock()
}

func (f *FaultyClient) FetchTransaction(ctx context.Context, id core.RecordID) (*ledger.Transaction, error) {
	f.mu.Lock()
	_, hidden := f.hidden[id]
	f.mu.Unlock()
	if hidden {
		return nil, fmt.Errorf("%w: record %s", core.ErrNotFound, id)
	}
	return f.Client.FetchTransaction(ctx, id)
}
