package eth

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSigner = errors.New("eth: invalid signer")

// Signer signs transactions for one address on one chain.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

type LocalSigner struct {
	key    *ecdsa.PrivateKey
	addr   common.Address
	signer types.Signer
}

func NewLocalSigner(key *ecdsa.PrivateKey, chainID *big.Int) (*LocalSigner, error) {
	if key == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, ErrInvalidSigner
	}
	return &LocalSigner{
		key:    key,
		addr:   crypto.PubkeyToAddress(key.PublicKey),
		signer: types.LatestSignerForChainID(chainID),
	}, nil
}

func (s *LocalSigner) Address() common.Address { return s.addr }

func (s *LocalSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	if tx == nil {
		return nil, ErrInvalidSigner
	}
	return types.SignTx(tx, s.signer, s.key)
}
