// Package chain provides uniform access to the supported blockchain
// networks: address validation and detection for every network, plus an EVM
// client and a per-deal escrow contract deployer for the EVM ones.
package chain

import (
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"

	"github.com/clearhold/escrow-backend/internal/apperr"
)

type Network string

const (
	NetworkEthereum  Network = "ethereum"
	NetworkPolygon   Network = "polygon"
	NetworkBSC       Network = "bsc"
	NetworkArbitrum  Network = "arbitrum"
	NetworkOptimism  Network = "optimism"
	NetworkAvalanche Network = "avalanche"
	NetworkFantom    Network = "fantom"
	NetworkSolana    Network = "solana"
	NetworkBitcoin   Network = "bitcoin"
)

var supportedNetworks = map[Network]bool{
	NetworkEthereum:  true,
	NetworkPolygon:   true,
	NetworkBSC:       true,
	NetworkArbitrum:  true,
	NetworkOptimism:  true,
	NetworkAvalanche: true,
	NetworkFantom:    true,
	NetworkSolana:    true,
	NetworkBitcoin:   true,
}

var evmNetworks = map[Network]bool{
	NetworkEthereum:  true,
	NetworkPolygon:   true,
	NetworkBSC:       true,
	NetworkArbitrum:  true,
	NetworkOptimism:  true,
	NetworkAvalanche: true,
	NetworkFantom:    true,
}

// ChainIDs for the EVM networks.
var chainIDs = map[Network]int64{
	NetworkEthereum:  1,
	NetworkPolygon:   137,
	NetworkBSC:       56,
	NetworkArbitrum:  42161,
	NetworkOptimism:  10,
	NetworkAvalanche: 43114,
	NetworkFantom:    250,
}

// Wrapped-native token addresses, substituted for route discovery when a
// transfer moves the native asset.
var wrappedNative = map[Network]string{
	NetworkEthereum:  "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
	NetworkPolygon:   "0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270",
	NetworkBSC:       "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c",
	NetworkArbitrum:  "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1",
	NetworkOptimism:  "0x4200000000000000000000000000000000000006",
	NetworkAvalanche: "0xB31f66AA3C1e785363F0875A1B74E27b85FD66c7",
	NetworkFantom:    "0x21be370D5312f44cB42ce377BC9b8a0cEF1A4C83",
}

// Known stable-token addresses per network, used to validate caller-supplied
// token addresses before route discovery.
var knownTokens = map[Network]map[string]string{
	NetworkEthereum: {
		"USDC": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		"USDT": "0xdAC17F958D2ee523a2206206994597C13D831ec7",
	},
	NetworkPolygon: {
		"USDC": "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
		"USDT": "0xc2132D05D31c914a87C6611C10748AEb04B58e8F",
	},
	NetworkBSC: {
		"USDC": "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d",
		"USDT": "0x55d398326f99059fF775485246999027B3197955",
	},
	NetworkArbitrum: {
		"USDC": "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
	},
	NetworkOptimism: {
		"USDC": "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85",
	},
	NetworkAvalanche: {
		"USDC": "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
	},
	NetworkFantom: {
		"USDC": "0x04068DA6C83AFCFA0e13ba15A6696662335D5B75",
	},
}

func IsSupported(n Network) bool { return supportedNetworks[n] }

func IsEVM(n Network) bool { return evmNetworks[n] }

func ChainID(n Network) (int64, bool) {
	id, ok := chainIDs[n]
	return id, ok
}

// WrappedNative returns the wrapped-native token address for an EVM network.
func WrappedNative(n Network) (string, bool) {
	addr, ok := wrappedNative[n]
	return addr, ok
}

// TokenAddress resolves a token symbol on a network.
func TokenAddress(n Network, symbol string) (string, bool) {
	tokens, ok := knownTokens[n]
	if !ok {
		return "", false
	}
	addr, ok := tokens[strings.ToUpper(symbol)]
	return addr, ok
}

// IsKnownToken reports whether addr is the wrapped native or a known token
// on the network. Address comparison is case-insensitive for EVM hex.
func IsKnownToken(n Network, addr string) bool {
	if strings.EqualFold(addr, wrappedNative[n]) {
		return true
	}
	for _, known := range knownTokens[n] {
		if strings.EqualFold(addr, known) {
			return true
		}
	}
	return false
}

// ValidateAddress checks that addr is well-formed for the given network.
func ValidateAddress(n Network, addr string) error {
	if addr == "" {
		return apperr.InvalidArgument("wallet address is required")
	}
	switch {
	case IsEVM(n):
		if !common.IsHexAddress(addr) {
			return apperr.Newf(apperr.KindInvalidArgument, "invalid %s address: %s", n, addr)
		}
	case n == NetworkSolana:
		if _, err := solana.PublicKeyFromBase58(addr); err != nil {
			return apperr.Newf(apperr.KindInvalidArgument, "invalid solana address: %s", addr)
		}
	case n == NetworkBitcoin:
		if _, err := btcutil.DecodeAddress(addr, &chaincfg.MainNetParams); err != nil {
			return apperr.Newf(apperr.KindInvalidArgument, "invalid bitcoin address: %s", addr)
		}
	default:
		return apperr.Newf(apperr.KindInvalidArgument, "unsupported network: %s", n)
	}
	return nil
}

// DetectNetwork infers a network from the shape of a wallet address:
// 0x-prefixed hex is EVM (defaulting to ethereum), base58 32-byte keys are
// solana, and bitcoin address encodings are bitcoin.
func DetectNetwork(addr string) (Network, bool) {
	if common.IsHexAddress(addr) {
		return NetworkEthereum, true
	}
	if _, err := btcutil.DecodeAddress(addr, &chaincfg.MainNetParams); err == nil {
		return NetworkBitcoin, true
	}
	if _, err := solana.PublicKeyFromBase58(addr); err == nil {
		return NetworkSolana, true
	}
	return "", false
}
