package chain

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

// MintRecipient encodes addr as the bytes32 recipient CCTP expects for a
// destination chain of family f. EVM addresses are left-padded with zeros;
// Solana recipients are the 32-byte public key of the USDC token account.
func MintRecipient(f transfer.Family, addr string) ([32]byte, error) {
	var out [32]byte
	addr = strings.TrimSpace(addr)
	switch f {
	case transfer.FamilyEVM:
		if !common.IsHexAddress(addr) {
			return out, fmt.Errorf("%w: invalid evm address %q", transfer.ErrInvalidInput, addr)
		}
		copy(out[12:], common.HexToAddress(addr).Bytes())
		return out, nil
	case transfer.FamilySolana:
		pk, err := solana.PublicKeyFromBase58(addr)
		if err != nil {
			return out, fmt.Errorf("%w: invalid solana address %q: %v", transfer.ErrInvalidInput, addr, err)
		}
		return [32]byte(pk), nil
	default:
		return out, fmt.Errorf("%w: unknown family %s", transfer.ErrInvalidInput, f)
	}
}

// DecodeHex decodes a hex string with or without a 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, fmt.Errorf("%w: empty hex", transfer.ErrInvalidInput)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transfer.ErrInvalidInput, err)
	}
	return b, nil
}
