package chain

// CCTP domain ids for mainnet chains. Testnets share the ids of their
// mainnet counterparts.
var knownDomains = map[string]uint32{
	"ethereum":   0,
	"avalanche":  1,
	"optimism":   2,
	"arbitrum":   3,
	"noble":      4,
	"solana":     5,
	"base":       6,
	"polygon":    7,
	"sui":        8,
	"aptos":      9,
	"unichain":   10,
	"linea":      11,
	"codex":      12,
	"sonic":      13,
	"worldchain": 14,
}

// KnownDomain returns the CCTP domain for a chain name.
func KnownDomain(name string) (uint32, bool) {
	d, ok := knownDomains[normalizeName(name)]
	return d, ok
}
