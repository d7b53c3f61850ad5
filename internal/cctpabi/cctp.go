// Package cctpabi packs calldata for the CCTP TokenMessenger and
// MessageTransmitter contracts and the USDC token.
package cctpabi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var ErrInvalidInput = errors.New("cctpabi: invalid input")

var (
	initOnce sync.Once
	initErr  error

	erc20ABI       abi.ABI
	messengerV1ABI abi.ABI
	messengerV2ABI abi.ABI
	transmitterABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		for _, p := range []struct {
			dst  *abi.ABI
			name string
			json string
		}{
			{&erc20ABI, "erc20", erc20ABIJSON},
			{&messengerV1ABI, "TokenMessenger v1", messengerV1ABIJSON},
			{&messengerV2ABI, "TokenMessenger v2", messengerV2ABIJSON},
			{&transmitterABI, "MessageTransmitter", transmitterABIJSON},
		} {
			a, err := abi.JSON(strings.NewReader(p.json))
			if err != nil {
				initErr = fmt.Errorf("cctpabi: parse %s ABI: %w", p.name, err)
				return
			}
			*p.dst = a
		}
	})
	return initErr
}

// DepositForBurn mirrors the TokenMessenger burn arguments. V2-only fields
// are ignored when packing the v1 call.
type DepositForBurn struct {
	Amount            *big.Int
	DestinationDomain uint32
	MintRecipient     [32]byte
	BurnToken         common.Address

	DestinationCaller    [32]byte
	MaxFee               *big.Int
	MinFinalityThreshold uint32
}

func (d DepositForBurn) validate() error {
	if d.Amount == nil || d.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	if d.MintRecipient == ([32]byte{}) {
		return fmt.Errorf("%w: mint recipient must be non-zero", ErrInvalidInput)
	}
	if (d.BurnToken == common.Address{}) {
		return fmt.Errorf("%w: burn token must be non-zero", ErrInvalidInput)
	}
	return nil
}

func PackDepositForBurnV1(d DepositForBurn) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	b, err := messengerV1ABI.Pack("depositForBurn", d.Amount, d.DestinationDomain, d.MintRecipient, d.BurnToken)
	if err != nil {
		return nil, fmt.Errorf("cctpabi: pack depositForBurn v1: %w", err)
	}
	return b, nil
}

func PackDepositForBurnV2(d DepositForBurn) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	maxFee := d.MaxFee
	if maxFee == nil {
		maxFee = big.NewInt(0)
	}
	if maxFee.Sign() < 0 || maxFee.Cmp(d.Amount) >= 0 {
		return nil, fmt.Errorf("%w: max fee must be in [0, amount)", ErrInvalidInput)
	}
	b, err := messengerV2ABI.Pack("depositForBurn",
		d.Amount, d.DestinationDomain, d.MintRecipient, d.BurnToken,
		d.DestinationCaller, maxFee, d.MinFinalityThreshold,
	)
	if err != nil {
		return nil, fmt.Errorf("cctpabi: pack depositForBurn v2: %w", err)
	}
	return b, nil
}

func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: approve amount must be >= 0", ErrInvalidInput)
	}
	return erc20ABI.Pack("approve", spender, amount)
}

func PackAllowance(owner, spender common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	return erc20ABI.Pack("allowance", owner, spender)
}

func UnpackAllowance(out []byte) (*big.Int, error) {
	return unpackUint256(erc20ABI, "allowance", out)
}

// PackReceiveMessage is identical for v1 and v2 transmitters.
func PackReceiveMessage(message, attestation []byte) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if len(message) == 0 || len(attestation) == 0 {
		return nil, fmt.Errorf("%w: message and attestation are required", ErrInvalidInput)
	}
	return transmitterABI.Pack("receiveMessage", message, attestation)
}

func PackUsedNonces(key [32]byte) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	return transmitterABI.Pack("usedNonces", key)
}

// UnpackUsedNonces reports whether the usedNonces slot is set.
func UnpackUsedNonces(out []byte) (bool, error) {
	v, err := unpackUint256(transmitterABI, "usedNonces", out)
	if err != nil {
		return false, err
	}
	return v.Sign() != 0, nil
}

// V1NonceKey is the v1 usedNonces key:
// keccak256(abi.encodePacked(uint32 sourceDomain, uint64 nonce)).
func V1NonceKey(sourceDomain uint32, nonce uint64) [32]byte {
	var packed [12]byte
	binary.BigEndian.PutUint32(packed[:4], sourceDomain)
	binary.BigEndian.PutUint64(packed[4:], nonce)

	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(packed[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// V2NonceKey parses the 32-byte hex nonce carried by v2 messages.
func V2NonceKey(nonce string) ([32]byte, error) {
	var out [32]byte
	s := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(nonce), "0x"), "0X")
	if len(s) != 64 {
		return out, fmt.Errorf("%w: v2 nonce must be 32 bytes hex", ErrInvalidInput)
	}
	b := common.FromHex("0x" + s)
	if len(b) != 32 {
		return out, fmt.Errorf("%w: v2 nonce must be 32 bytes hex", ErrInvalidInput)
	}
	copy(out[:], b)
	return out, nil
}

// RevertReason decodes Error(string) revert data. It returns "" when data
// does not carry a reason string.
func RevertReason(data []byte) string {
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return ""
	}
	return reason
}

func unpackUint256(a abi.ABI, method string, out []byte) (*big.Int, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	vals, err := a.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("cctpabi: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("cctpabi: unpack %s: got %d values", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("cctpabi: unpack %s: unexpected type %T", method, vals[0])
	}
	return v, nil
}

const erc20ABIJSON = `[
  {"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const messengerV1ABIJSON = `[
  {"inputs":[
     {"name":"amount","type":"uint256"},
     {"name":"destinationDomain","type":"uint32"},
     {"name":"mintRecipient","type":"bytes32"},
     {"name":"burnToken","type":"address"}
   ],
   "name":"depositForBurn","outputs":[{"name":"_nonce","type":"uint64"}],"stateMutability":"nonpayable","type":"function"}
]`

const messengerV2ABIJSON = `[
  {"inputs":[
     {"name":"amount","type":"uint256"},
     {"name":"destinationDomain","type":"uint32"},
     {"name":"mintRecipient","type":"bytes32"},
     {"name":"burnToken","type":"address"},
     {"name":"destinationCaller","type":"bytes32"},
     {"name":"maxFee","type":"uint256"},
     {"name":"minFinalityThreshold","type":"uint32"}
   ],
   "name":"depositForBurn","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const transmitterABIJSON = `[
  {"inputs":[{"name":"message","type":"bytes"},{"name":"attestation","type":"bytes"}],
   "name":"receiveMessage","outputs":[{"name":"success","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"","type":"bytes32"}],
   "name":"usedNonces","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`
