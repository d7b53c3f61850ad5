// Package solana reads CCTP state on Solana: burn transaction status and
// whether a message nonce was consumed by the message transmitter program.
// Submitting Solana burns and mints is not supported.
package solana

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/juno-intents/cctp-orchestrator/internal/chain"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

var (
	// MessageTransmitterV1 and MessageTransmitterV2 are the mainnet program ids.
	MessageTransmitterV1 = sol.MustPublicKeyFromBase58("CCTPmbSD7gX1bxKPAmg77w8oFzNFpaQiQUWD43TKaecd")
	MessageTransmitterV2 = sol.MustPublicKeyFromBase58("CCTPV2Sm4AdWt5296sk4P66VBZ7bEhcARwFaaS9YPbeC")
)

var ErrInvalidAccount = errors.New("solana: invalid used nonces account")

const (
	// v1 used-nonce accounts each track a window of this many nonces.
	noncesPerAccount = 6400
	nonceWords       = noncesPerAccount / 64
	discriminatorLen = 8
)

// RPC is the subset of *rpc.Client the adapter uses.
type RPC interface {
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...sol.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account sol.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
}

type Programs struct {
	MessageTransmitterV1 sol.PublicKey
	MessageTransmitterV2 sol.PublicKey
}

type Adapter struct {
	rpc      RPC
	programs Programs
}

// New returns an adapter. Zero program ids default to the mainnet ids.
func New(client RPC, programs Programs) (*Adapter, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil solana rpc", chain.ErrInvalidChain)
	}
	if programs.MessageTransmitterV1.IsZero() {
		programs.MessageTransmitterV1 = MessageTransmitterV1
	}
	if programs.MessageTransmitterV2.IsZero() {
		programs.MessageTransmitterV2 = MessageTransmitterV2
	}
	return &Adapter{rpc: client, programs: programs}, nil
}

// Dial builds an adapter from a chains-file entry.
func Dial(cc chain.ChainConfig) (*Adapter, error) {
	var p Programs
	for _, f := range []struct {
		dst *sol.PublicKey
		v   string
	}{
		{&p.MessageTransmitterV1, cc.MessageTransmitterV1},
		{&p.MessageTransmitterV2, cc.MessageTransmitterV2},
	} {
		if strings.TrimSpace(f.v) == "" {
			continue
		}
		k, err := sol.PublicKeyFromBase58(strings.TrimSpace(f.v))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", chain.ErrInvalidChain, err)
		}
		*f.dst = k
	}
	return New(rpc.New(cc.RPCURL), p)
}

// Capabilities fills the read capabilities of c. Burner, Minter and
// MintSimulator stay nil.
func (a *Adapter) Capabilities(c chain.Chain) chain.Chain {
	c.BurnChecker = a
	c.NonceChecker = a
	return c
}

func (a *Adapter) BurnStatus(ctx context.Context, txHash string) (chain.BurnResult, error) {
	sig, err := sol.SignatureFromBase58(strings.TrimSpace(txHash))
	if err != nil {
		return chain.BurnResult{}, fmt.Errorf("%w: invalid solana signature %q", transfer.ErrInvalidInput, txHash)
	}
	res, err := a.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return chain.BurnResult{}, fmt.Errorf("solana: signature status: %w", err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return chain.BurnResult{Status: chain.BurnPending}, nil
	}
	st := res.Value[0]
	if st.Err != nil {
		return chain.BurnResult{Status: chain.BurnFailed, Reason: fmt.Sprintf("burn transaction failed: %v", st.Err)}, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return chain.BurnResult{Status: chain.BurnConfirmed}, nil
	default:
		return chain.BurnResult{Status: chain.BurnPending}, nil
	}
}

func (a *Adapter) NonceUsed(ctx context.Context, version transfer.Version, sourceDomain uint32, nonce string) (bool, error) {
	switch version {
	case transfer.V1:
		n, err := strconv.ParseUint(strings.TrimSpace(nonce), 10, 64)
		if err != nil || n == 0 {
			return false, fmt.Errorf("%w: v1 nonce %q", transfer.ErrInvalidInput, nonce)
		}
		return a.v1NonceUsed(ctx, sourceDomain, n)
	case transfer.V2:
		return a.v2NonceUsed(ctx, nonce)
	default:
		return false, fmt.Errorf("%w: protocol version %s", chain.ErrUnsupported, version)
	}
}

func (a *Adapter) v1NonceUsed(ctx context.Context, sourceDomain uint32, nonce uint64) (bool, error) {
	pda, first, err := V1UsedNoncesAddress(a.programs.MessageTransmitterV1, sourceDomain, nonce)
	if err != nil {
		return false, err
	}
	data, found, err := a.account(ctx, pda)
	if err != nil || !found {
		return false, err
	}
	acct, err := DecodeUsedNonces(data)
	if err != nil {
		return false, err
	}
	if acct.RemoteDomain != sourceDomain || acct.FirstNonce != first {
		return false, fmt.Errorf("%w: account %s covers domain %d from %d", ErrInvalidAccount, pda, acct.RemoteDomain, acct.FirstNonce)
	}
	return acct.Used(nonce), nil
}

// v2 marks a nonce used by creating its PDA.
func (a *Adapter) v2NonceUsed(ctx context.Context, nonce string) (bool, error) {
	pda, err := V2UsedNonceAddress(a.programs.MessageTransmitterV2, nonce)
	if err != nil {
		return false, err
	}
	_, found, err := a.account(ctx, pda)
	return found, err
}

func (a *Adapter) account(ctx context.Context, key sol.PublicKey) ([]byte, bool, error) {
	res, err := a.rpc.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{Commitment: rpc.CommitmentConfirmed})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("solana: get account %s: %w", key, err)
	}
	if res == nil || res.Value == nil {
		return nil, false, nil
	}
	return res.Value.Data.GetBinary(), true, nil
}

// V1UsedNoncesAddress returns the PDA holding the bitmap for nonce and the
// first nonce of its window.
func V1UsedNoncesAddress(program sol.PublicKey, sourceDomain uint32, nonce uint64) (sol.PublicKey, uint64, error) {
	if nonce == 0 {
		return sol.PublicKey{}, 0, fmt.Errorf("%w: v1 nonce must be > 0", transfer.ErrInvalidInput)
	}
	first := ((nonce-1)/noncesPerAccount)*noncesPerAccount + 1
	// Domains of two or more digits get a delimiter so that seed
	// concatenations stay unique.
	delimiter := ""
	if sourceDomain >= 11 {
		delimiter = "-"
	}
	pda, _, err := sol.FindProgramAddress([][]byte{
		[]byte("used_nonces"),
		[]byte(strconv.FormatUint(uint64(sourceDomain), 10)),
		[]byte(delimiter),
		[]byte(strconv.FormatUint(first, 10)),
	}, program)
	if err != nil {
		return sol.PublicKey{}, 0, fmt.Errorf("solana: derive used nonces address: %w", err)
	}
	return pda, first, nil
}

func V2UsedNonceAddress(program sol.PublicKey, nonce string) (sol.PublicKey, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(nonce), "0x"), "0X")
	b, err := decodeHex32(s)
	if err != nil {
		return sol.PublicKey{}, err
	}
	pda, _, err := sol.FindProgramAddress([][]byte{[]byte("used_nonce"), b[:]}, program)
	if err != nil {
		return sol.PublicKey{}, fmt.Errorf("solana: derive used nonce address: %w", err)
	}
	return pda, nil
}

// UsedNonces is the v1 bitmap account after its discriminator.
type UsedNonces struct {
	RemoteDomain uint32
	FirstNonce   uint64
	Words        [nonceWords]uint64
}

// Used reports whether nonce is set. Nonces outside the window are unused.
func (u UsedNonces) Used(nonce uint64) bool {
	if nonce < u.FirstNonce || nonce >= u.FirstNonce+noncesPerAccount {
		return false
	}
	idx := nonce - u.FirstNonce
	return u.Words[idx/64]&(1<<(idx%64)) != 0
}

func DecodeUsedNonces(data []byte) (UsedNonces, error) {
	var out UsedNonces
	if len(data) < discriminatorLen+4+8+nonceWords*8 {
		return out, fmt.Errorf("%w: %d bytes", ErrInvalidAccount, len(data))
	}
	dec := bin.NewBorshDecoder(data[discriminatorLen:])
	var err error
	if out.RemoteDomain, err = dec.ReadUint32(bin.LE); err != nil {
		return out, fmt.Errorf("%w: remote domain: %v", ErrInvalidAccount, err)
	}
	if out.FirstNonce, err = dec.ReadUint64(bin.LE); err != nil {
		return out, fmt.Errorf("%w: first nonce: %v", ErrInvalidAccount, err)
	}
	for i := range out.Words {
		if out.Words[i], err = dec.ReadUint64(bin.LE); err != nil {
			return out, fmt.Errorf("%w: word %d: %v", ErrInvalidAccount, i, err)
		}
	}
	return out, nil
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("%w: v2 nonce must be 32 bytes hex", transfer.ErrInvalidInput)
	}
	copy(out[:], b)
	return out, nil
}
