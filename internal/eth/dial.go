package eth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/juno-intents/cctp-orchestrator/internal/chain"
)

// Dial connects to cc.RPCURL and returns an adapter for the chain. A nil
// key yields a read-only adapter. The returned close func releases the RPC
// connection.
func Dial(ctx context.Context, cc chain.ChainConfig, key *ecdsa.PrivateKey) (*Adapter, func(), error) {
	client, err := ethclient.DialContext(ctx, cc.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("eth: dial rpc: %w", err)
	}
	chainID := new(big.Int).SetUint64(cc.ChainID)

	var signer Signer
	if key != nil {
		s, err := NewLocalSigner(key, chainID)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		signer = s
	}
	sender, err := NewSender(client, signer, SenderConfig{ChainID: chainID})
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	a, err := NewAdapter(sender, Contracts{
		USDC:                 addr(cc.USDC),
		TokenMessengerV1:     addr(cc.TokenMessengerV1),
		MessageTransmitterV1: addr(cc.MessageTransmitterV1),
		TokenMessengerV2:     addr(cc.TokenMessengerV2),
		MessageTransmitterV2: addr(cc.MessageTransmitterV2),
	})
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return a, client.Close, nil
}

func addr(s string) common.Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}
