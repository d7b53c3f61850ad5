package eth

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type fakeNoncer struct {
	mu    sync.Mutex
	nonce uint64
	calls int
}

func (f *fakeNoncer) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.nonce, nil
}

var testAddr = common.HexToAddress("0x1234567890abcdef1234567890abcdef12345678")

func TestNonceManager_NextReadsBackendOnce(t *testing.T) {
	t.Parallel()

	backend := &fakeNoncer{nonce: 5}
	m := NewNonceManager(backend, testAddr)
	ctx := context.Background()

	for want := uint64(5); want < 8; want++ {
		n, err := m.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if n != want {
			t.Fatalf("nonce: got %d want %d", n, want)
		}
	}
	if backend.calls != 1 {
		t.Fatalf("backend calls: got %d want 1", backend.calls)
	}
}

func TestNonceManager_ResetRereadsBackend(t *testing.T) {
	t.Parallel()

	backend := &fakeNoncer{nonce: 3}
	m := NewNonceManager(backend, testAddr)
	ctx := context.Background()

	_, _ = m.Next(ctx) // 3
	_, _ = m.Next(ctx) // 4, broadcast failed without reaching the mempool

	m.Reset()
	backend.mu.Lock()
	backend.nonce = 4
	backend.mu.Unlock()

	if n, _ := m.Next(ctx); n != 4 {
		t.Fatalf("nonce after Reset: got %d want 4", n)
	}
	if backend.calls != 2 {
		t.Fatalf("backend calls: got %d want 2", backend.calls)
	}
}
