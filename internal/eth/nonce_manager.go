package eth

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager allocates nonces for one account within this process. Reset
// drops the local counter so the next call to Next re-reads the pending
// nonce from the chain.
type NonceManager struct {
	backend PendingNoncer
	addr    common.Address

	mu   sync.Mutex
	next uint64
	have bool
}

func NewNonceManager(backend PendingNoncer, addr common.Address) *NonceManager {
	return &NonceManager{backend: backend, addr: addr}
}

// Next reserves the next nonce.
func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.have {
		n, err := m.backend.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.next = n
		m.have = true
	}
	n := m.next
	m.next++
	return n, nil
}

// Reset forgets the local counter. It is called after a failed broadcast,
// when it is unknown whether the reserved nonce reached the mempool.
func (m *NonceManager) Reset() {
	m.mu.Lock()
	m.have = false
	m.mu.Unlock()
}
