package chain

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v2"
)

// Config is the chains file read by the daemon.
//
//	circle:
//	  attestation-base-url: https://iris-api.circle.com
//	chains:
//	  base:
//	    family: evm
//	    chain-id: 8453
//	    rpc-url: https://mainnet.base.org
//	    usdc: 0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913
//	    token-messenger-v2: 0x28b5a0e9C621a5BadaA536219b3a228C8168cf5d
//	    message-transmitter-v2: 0x81D40F21F12A8F0E3252Bccb954D722d4c464B64
type Config struct {
	Circle CircleConfig           `yaml:"circle"`
	Chains map[string]ChainConfig `yaml:"chains"`
}

// CircleConfig fields may be overridden by CCTP_* environment variables.
type CircleConfig struct {
	AttestationBaseURL string `yaml:"attestation-base-url" envconfig:"ATTESTATION_BASE_URL"`
	APIKey             string `yaml:"api-key" envconfig:"ATTESTATION_API_KEY"`
	FastFeeBufferBps   uint32 `yaml:"fast-fee-buffer-bps" envconfig:"FAST_FEE_BUFFER_BPS"`
}

type ChainConfig struct {
	Family string `yaml:"family"`
	// Domain defaults to the known CCTP domain for the chain name.
	Domain  *uint32 `yaml:"domain"`
	ChainID uint64  `yaml:"chain-id"`
	RPCURL  string  `yaml:"rpc-url"`

	USDC                 string `yaml:"usdc"`
	TokenMessengerV1     string `yaml:"token-messenger-v1"`
	MessageTransmitterV1 string `yaml:"message-transmitter-v1"`
	TokenMessengerV2     string `yaml:"token-messenger-v2"`
	MessageTransmitterV2 string `yaml:"message-transmitter-v2"`

	// SignerKey names the secret holding the signing key. Chains without
	// one are read-only.
	SignerKey string `yaml:"signer-key"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("chain: read config: %w", err)
	}
	return ParseConfig(b)
}

// ParseConfig decodes, applies environment overrides and validates b.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("chain: parse config: %w", err)
	}
	if err := envconfig.Process("cctp", &cfg.Circle); err != nil {
		return Config{}, fmt.Errorf("chain: env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Circle.AttestationBaseURL) == "" {
		return fmt.Errorf("%w: circle.attestation-base-url is required", ErrInvalidChain)
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("%w: no chains configured", ErrInvalidChain)
	}
	for _, name := range c.Names() {
		cc := c.Chains[name]
		f, err := transfer.ParseFamily(cc.Family)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidChain, name, err)
		}
		if _, err := c.DomainOf(name); err != nil {
			return err
		}
		if strings.TrimSpace(cc.RPCURL) == "" {
			return fmt.Errorf("%w: %s: rpc-url is required", ErrInvalidChain, name)
		}
		if err := cc.validateAddresses(f); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidChain, name, err)
		}
	}
	return nil
}

// DomainOf returns the configured or known domain of a chain.
func (c Config) DomainOf(name string) (uint32, error) {
	cc, ok := c.Chains[name]
	if ok && cc.Domain != nil {
		return *cc.Domain, nil
	}
	if d, ok := KnownDomain(name); ok {
		return d, nil
	}
	return 0, fmt.Errorf("%w: %s: domain is required for chains without a known domain", ErrInvalidChain, name)
}

// Names returns the configured chain names in sorted order.
func (c Config) Names() []string {
	out := make([]string, 0, len(c.Chains))
	for n := range c.Chains {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (cc ChainConfig) validateAddresses(f transfer.Family) error {
	addrs := map[string]string{
		"usdc":                   cc.USDC,
		"token-messenger-v1":     cc.TokenMessengerV1,
		"message-transmitter-v1": cc.MessageTransmitterV1,
		"token-messenger-v2":     cc.TokenMessengerV2,
		"message-transmitter-v2": cc.MessageTransmitterV2,
	}
	for field, v := range addrs {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		switch f {
		case transfer.FamilyEVM:
			if !common.IsHexAddress(v) {
				return fmt.Errorf("%s: invalid evm address %q", field, v)
			}
		case transfer.FamilySolana:
			if _, err := solana.PublicKeyFromBase58(v); err != nil {
				return fmt.Errorf("%s: invalid program id %q: %v", field, v, err)
			}
		}
	}
	if f == transfer.FamilyEVM && cc.ChainID == 0 {
		return fmt.Errorf("chain-id is required")
	}
	return nil
}
