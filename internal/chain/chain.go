// Package chain describes the chains a transfer can touch and the adapter
// capabilities the engine needs from each of them.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

var (
	ErrUnknownChain = errors.New("chain: unknown chain")
	ErrUnsupported  = errors.New("chain: operation not supported")
	ErrInvalidChain = errors.New("chain: invalid chain")
)

type BurnStatus uint8

const (
	BurnPending BurnStatus = iota
	BurnConfirmed
	BurnFailed
)

func (s BurnStatus) String() string {
	switch s {
	case BurnConfirmed:
		return "confirmed"
	case BurnFailed:
		return "failed"
	default:
		return "pending"
	}
}

type BurnResult struct {
	Status BurnStatus
	// Reason explains a failed burn.
	Reason string
}

// BurnChecker reports the on-chain outcome of a burn transaction.
type BurnChecker interface {
	BurnStatus(ctx context.Context, txHash string) (BurnResult, error)
}

type BurnRequest struct {
	Version           transfer.Version
	Amount            uint64
	DestinationDomain uint32
	MintRecipient     [32]byte

	// V2 only. A zero DestinationCaller lets anyone submit the mint.
	DestinationCaller    [32]byte
	MaxFee               uint64
	MinFinalityThreshold uint32
}

type BurnSubmission struct {
	Sender string
	// ApproveTxHash is empty when the existing allowance covered the amount.
	ApproveTxHash string
	BurnTxHash    string
}

// Burner submits burns. It returns once the burn transaction is accepted by
// the network; inclusion is observed separately through BurnChecker.
type Burner interface {
	Burn(ctx context.Context, req BurnRequest) (BurnSubmission, error)
}

type SimOutcome uint8

const (
	SimOK SimOutcome = iota
	SimAlreadyUsed
	SimExpired
	SimReverted
)

func (o SimOutcome) String() string {
	switch o {
	case SimOK:
		return "ok"
	case SimAlreadyUsed:
		return "already_used"
	case SimExpired:
		return "expired"
	default:
		return "reverted"
	}
}

type SimResult struct {
	Outcome SimOutcome
	Reason  string
}

// MintSimulator checks whether receiving a message would succeed without
// sending a transaction.
type MintSimulator interface {
	SimulateMint(ctx context.Context, version transfer.Version, message, attestation []byte) (SimResult, error)
}

type MintReceipt struct {
	TxHash  string
	Success bool
	Reason  string
}

// Minter submits the receive-message transaction on the destination chain.
type Minter interface {
	SubmitMint(ctx context.Context, version transfer.Version, message, attestation []byte) (string, error)
	WaitMint(ctx context.Context, txHash string) (MintReceipt, error)
}

// NonceChecker reads whether a message nonce was consumed on the
// destination chain.
type NonceChecker interface {
	NonceUsed(ctx context.Context, version transfer.Version, sourceDomain uint32, nonce string) (bool, error)
}

// Chain is one configured network. Capability fields are nil when the
// adapter does not support them.
type Chain struct {
	Name   string
	Domain uint32
	Family transfer.Family

	Burner        Burner
	BurnChecker   BurnChecker
	MintSimulator MintSimulator
	Minter        Minter
	NonceChecker  NonceChecker
}

type Registry struct {
	byName   map[string]Chain
	byDomain map[uint32]string
}

func NewRegistry(chains ...Chain) (*Registry, error) {
	r := &Registry{
		byName:   make(map[string]Chain, len(chains)),
		byDomain: make(map[uint32]string, len(chains)),
	}
	for _, c := range chains {
		c.Name = normalizeName(c.Name)
		if c.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrInvalidChain)
		}
		if c.Family == transfer.FamilyUnknown {
			return nil, fmt.Errorf("%w: %s: unknown family", ErrInvalidChain, c.Name)
		}
		if _, ok := r.byName[c.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate chain %s", ErrInvalidChain, c.Name)
		}
		if other, ok := r.byDomain[c.Domain]; ok {
			return nil, fmt.Errorf("%w: %s and %s share domain %d", ErrInvalidChain, other, c.Name, c.Domain)
		}
		r.byName[c.Name] = c
		r.byDomain[c.Domain] = c.Name
	}
	return r, nil
}

func (r *Registry) Get(name string) (Chain, error) {
	c, ok := r.byName[normalizeName(name)]
	if !ok {
		return Chain{}, fmt.Errorf("%w: %q", ErrUnknownChain, name)
	}
	return c, nil
}

func (r *Registry) ByDomain(domain uint32) (Chain, error) {
	name, ok := r.byDomain[domain]
	if !ok {
		return Chain{}, fmt.Errorf("%w: domain %d", ErrUnknownChain, domain)
	}
	return r.byName[name], nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
