package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidSenderConfig = errors.New("eth: invalid sender config")
	ErrReadOnly            = errors.New("eth: no signer configured")
)

// Backend is the subset of *ethclient.Client the adapter uses.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type SenderConfig struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	MinTipCap          *big.Int

	ReceiptPollInterval time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
}

// Sender broadcasts transactions for one account. A transaction is sent
// exactly once; there is no fee bumping or rebroadcast.
type Sender struct {
	backend Backend
	signer  Signer
	nonces  *NonceManager
	cfg     SenderConfig
}

type TxRequest struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	// GasLimit of 0 means estimate.
	GasLimit uint64
}

// NewSender returns a Sender. A nil signer yields a read-only sender that
// can only call, fetch receipts and wait.
func NewSender(backend Backend, signer Signer, cfg SenderConfig) (*Sender, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidSenderConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidSenderConfig)
	}
	if cfg.GasLimitMultiplier == 0 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.GasLimitMultiplier < 1 {
		return nil, fmt.Errorf("%w: gas limit multiplier must be >= 1", ErrInvalidSenderConfig)
	}
	if cfg.MinTipCap == nil {
		cfg.MinTipCap = big.NewInt(0)
	}
	if cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: min tip cap must be >= 0", ErrInvalidSenderConfig)
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}

	s := &Sender{backend: backend, signer: signer, cfg: cfg}
	if signer != nil {
		if (signer.Address() == common.Address{}) {
			return nil, fmt.Errorf("%w: zero signer address", ErrInvalidSenderConfig)
		}
		s.nonces = NewNonceManager(backend, signer.Address())
	}
	return s, nil
}

// From returns the signer address, or the zero address for a read-only sender.
func (s *Sender) From() common.Address {
	if s.signer == nil {
		return common.Address{}
	}
	return s.signer.Address()
}

// Submit signs and broadcasts req once and returns its hash without waiting
// for inclusion. Gas estimation errors, which carry revert reasons, are
// returned unchanged.
func (s *Sender) Submit(ctx context.Context, req TxRequest) (common.Hash, error) {
	if s.signer == nil {
		return common.Hash{}, ErrReadOnly
	}
	from := s.signer.Address()
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gas := req.GasLimit
	if gas == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &req.To, Value: value, Data: req.Data})
		if err != nil {
			return common.Hash{}, err
		}
		gas = applyGasMultiplier(est, s.cfg.GasLimitMultiplier)
	}

	suggestedTip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("eth: suggest tip: %w", err)
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("eth: latest header: %w", err)
	}
	if header.BaseFee == nil {
		return common.Hash{}, fmt.Errorf("eth: missing baseFee in latest header")
	}
	tipCap, feeCap, err := Calc1559Fees(header.BaseFee, suggestedTip, s.cfg.MinTipCap)
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := s.nonces.Next(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("eth: pending nonce: %w", err)
	}
	to := req.To
	signed, err := s.signer.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	}))
	if err != nil {
		s.nonces.Reset()
		return common.Hash{}, err
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		s.nonces.Reset()
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// Receipt returns the receipt for hash, or ethereum.NotFound while pending.
func (s *Sender) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return s.backend.TransactionReceipt(ctx, hash)
}

// Wait polls for the receipt of hash until it is mined or ctx is done.
func (s *Sender) Wait(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	for {
		r, err := s.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return nil, err
		}
	}
}

// Call runs a read-only call against the latest block.
func (s *Sender) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return s.backend.CallContract(ctx, ethereum.CallMsg{From: s.From(), To: &to, Data: data}, nil)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
