package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/juno-intents/cctp-orchestrator/internal/cctpabi"
	"github.com/juno-intents/cctp-orchestrator/internal/chain"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

var ErrApproveFailed = errors.New("eth: approve transaction reverted")

// Contracts are the CCTP deployments on one EVM chain. Zero addresses mark
// a protocol version as unavailable.
type Contracts struct {
	USDC                 common.Address
	TokenMessengerV1     common.Address
	MessageTransmitterV1 common.Address
	TokenMessengerV2     common.Address
	MessageTransmitterV2 common.Address
}

func (c Contracts) messenger(v transfer.Version) (common.Address, error) {
	var a common.Address
	switch v {
	case transfer.V1:
		a = c.TokenMessengerV1
	case transfer.V2:
		a = c.TokenMessengerV2
	}
	if (a == common.Address{}) {
		return a, fmt.Errorf("%w: no token messenger for %s", chain.ErrUnsupported, v)
	}
	return a, nil
}

func (c Contracts) transmitter(v transfer.Version) (common.Address, error) {
	var a common.Address
	switch v {
	case transfer.V1:
		a = c.MessageTransmitterV1
	case transfer.V2:
		a = c.MessageTransmitterV2
	}
	if (a == common.Address{}) {
		return a, fmt.Errorf("%w: no message transmitter for %s", chain.ErrUnsupported, v)
	}
	return a, nil
}

// Adapter implements the chain capabilities for an EVM chain.
type Adapter struct {
	sender    *Sender
	contracts Contracts
}

func NewAdapter(sender *Sender, contracts Contracts) (*Adapter, error) {
	if sender == nil {
		return nil, fmt.Errorf("%w: nil sender", ErrInvalidSenderConfig)
	}
	return &Adapter{sender: sender, contracts: contracts}, nil
}

// Capabilities fills the capability fields of c. Burner and Minter are set
// only when the adapter can sign.
func (a *Adapter) Capabilities(c chain.Chain) chain.Chain {
	c.BurnChecker = a
	c.MintSimulator = a
	c.NonceChecker = a
	if a.sender.signer != nil {
		c.Burner = a
		c.Minter = a
	}
	return c
}

// Burn approves the token messenger when the allowance does not cover the
// amount, waits for the approval, then submits depositForBurn without
// waiting for inclusion.
func (a *Adapter) Burn(ctx context.Context, req chain.BurnRequest) (chain.BurnSubmission, error) {
	if a.sender.signer == nil {
		return chain.BurnSubmission{}, fmt.Errorf("%w: burn: %v", chain.ErrUnsupported, ErrReadOnly)
	}
	if (a.contracts.USDC == common.Address{}) {
		return chain.BurnSubmission{}, fmt.Errorf("%w: no usdc address", chain.ErrUnsupported)
	}
	messenger, err := a.contracts.messenger(req.Version)
	if err != nil {
		return chain.BurnSubmission{}, err
	}
	amount := new(big.Int).SetUint64(req.Amount)
	out := chain.BurnSubmission{Sender: a.sender.From().Hex()}

	allowance, err := a.allowance(ctx, a.sender.From(), messenger)
	if err != nil {
		return out, err
	}
	if allowance.Cmp(amount) < 0 {
		data, err := cctpabi.PackApprove(messenger, amount)
		if err != nil {
			return out, err
		}
		h, err := a.sender.Submit(ctx, TxRequest{To: a.contracts.USDC, Data: data})
		if err != nil {
			return out, fmt.Errorf("eth: approve: %w", err)
		}
		out.ApproveTxHash = h.Hex()
		r, err := a.sender.Wait(ctx, h)
		if err != nil {
			return out, fmt.Errorf("eth: wait approve: %w", err)
		}
		if r.Status != types.ReceiptStatusSuccessful {
			return out, ErrApproveFailed
		}
	}

	d := cctpabi.DepositForBurn{
		Amount:            amount,
		DestinationDomain: req.DestinationDomain,
		MintRecipient:     req.MintRecipient,
		BurnToken:         a.contracts.USDC,
	}
	var data []byte
	switch req.Version {
	case transfer.V1:
		data, err = cctpabi.PackDepositForBurnV1(d)
	default:
		d.DestinationCaller = req.DestinationCaller
		d.MaxFee = new(big.Int).SetUint64(req.MaxFee)
		d.MinFinalityThreshold = req.MinFinalityThreshold
		data, err = cctpabi.PackDepositForBurnV2(d)
	}
	if err != nil {
		return out, err
	}
	h, err := a.sender.Submit(ctx, TxRequest{To: messenger, Data: data})
	if err != nil {
		return out, fmt.Errorf("eth: depositForBurn: %w", err)
	}
	out.BurnTxHash = h.Hex()
	return out, nil
}

func (a *Adapter) allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	data, err := cctpabi.PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	res, err := a.sender.Call(ctx, a.contracts.USDC, data)
	if err != nil {
		return nil, fmt.Errorf("eth: allowance: %w", err)
	}
	return cctpabi.UnpackAllowance(res)
}

func (a *Adapter) BurnStatus(ctx context.Context, txHash string) (chain.BurnResult, error) {
	h, err := parseTxHash(txHash)
	if err != nil {
		return chain.BurnResult{}, err
	}
	r, err := a.sender.Receipt(ctx, h)
	if errors.Is(err, ethereum.NotFound) {
		return chain.BurnResult{Status: chain.BurnPending}, nil
	}
	if err != nil {
		return chain.BurnResult{}, err
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return chain.BurnResult{Status: chain.BurnFailed, Reason: "burn transaction reverted"}, nil
	}
	return chain.BurnResult{Status: chain.BurnConfirmed}, nil
}

// SimulateMint runs receiveMessage as an eth_call. Reverts are classified;
// transport errors are returned.
func (a *Adapter) SimulateMint(ctx context.Context, version transfer.Version, message, attestation []byte) (chain.SimResult, error) {
	transmitter, err := a.contracts.transmitter(version)
	if err != nil {
		return chain.SimResult{}, err
	}
	data, err := cctpabi.PackReceiveMessage(message, attestation)
	if err != nil {
		return chain.SimResult{}, err
	}
	_, err = a.sender.Call(ctx, transmitter, data)
	if err == nil {
		return chain.SimResult{Outcome: chain.SimOK}, nil
	}
	reason, reverted := revertReason(err)
	if !reverted {
		return chain.SimResult{}, fmt.Errorf("eth: simulate receiveMessage: %w", err)
	}
	switch {
	case transfer.IsNonceUsed(reason):
		return chain.SimResult{Outcome: chain.SimAlreadyUsed, Reason: reason}, nil
	case strings.Contains(strings.ToLower(reason), "expired"):
		return chain.SimResult{Outcome: chain.SimExpired, Reason: reason}, nil
	default:
		return chain.SimResult{Outcome: chain.SimReverted, Reason: reason}, nil
	}
}

func (a *Adapter) SubmitMint(ctx context.Context, version transfer.Version, message, attestation []byte) (string, error) {
	if a.sender.signer == nil {
		return "", fmt.Errorf("%w: mint: %v", chain.ErrUnsupported, ErrReadOnly)
	}
	transmitter, err := a.contracts.transmitter(version)
	if err != nil {
		return "", err
	}
	data, err := cctpabi.PackReceiveMessage(message, attestation)
	if err != nil {
		return "", err
	}
	h, err := a.sender.Submit(ctx, TxRequest{To: transmitter, Data: data})
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return "", fmt.Errorf("eth: receiveMessage reverted: %s", reason)
		}
		return "", fmt.Errorf("eth: receiveMessage: %w", err)
	}
	return h.Hex(), nil
}

func (a *Adapter) WaitMint(ctx context.Context, txHash string) (chain.MintReceipt, error) {
	h, err := parseTxHash(txHash)
	if err != nil {
		return chain.MintReceipt{}, err
	}
	r, err := a.sender.Wait(ctx, h)
	if err != nil {
		return chain.MintReceipt{}, err
	}
	out := chain.MintReceipt{TxHash: h.Hex(), Success: r.Status == types.ReceiptStatusSuccessful}
	if !out.Success {
		out.Reason = "mint transaction reverted"
	}
	return out, nil
}

// NonceUsed reads usedNonces on the transmitter. V1 nonces are decimal
// sequence numbers scoped by source domain; v2 nonces are 32-byte hex.
func (a *Adapter) NonceUsed(ctx context.Context, version transfer.Version, sourceDomain uint32, nonce string) (bool, error) {
	transmitter, err := a.contracts.transmitter(version)
	if err != nil {
		return false, err
	}
	var key [32]byte
	switch version {
	case transfer.V1:
		n, err := strconv.ParseUint(strings.TrimSpace(nonce), 10, 64)
		if err != nil {
			return false, fmt.Errorf("%w: v1 nonce %q", cctpabi.ErrInvalidInput, nonce)
		}
		key = cctpabi.V1NonceKey(sourceDomain, n)
	default:
		key, err = cctpabi.V2NonceKey(nonce)
		if err != nil {
			return false, err
		}
	}
	data, err := cctpabi.PackUsedNonces(key)
	if err != nil {
		return false, err
	}
	res, err := a.sender.Call(ctx, transmitter, data)
	if err != nil {
		return false, fmt.Errorf("eth: usedNonces: %w", err)
	}
	return cctpabi.UnpackUsedNonces(res)
}

// revertReason extracts a revert reason from a call or estimate error. The
// second result is false for errors that are not reverts.
func revertReason(err error) (string, bool) {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if b, decErr := hexutil.Decode(s); decErr == nil {
				if reason := cctpabi.RevertReason(b); reason != "" {
					return reason, true
				}
			}
		}
		return de.Error(), true
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "revert") {
		return msg, true
	}
	return "", false
}

func parseTxHash(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: invalid evm tx hash %q", transfer.ErrInvalidInput, s)
	}
	return common.BytesToHash(b), nil
}
