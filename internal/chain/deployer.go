package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/clearhold/escrow-backend/internal/apperr"
)

// DeployParams are the constructor inputs for one per-deal escrow contract.
type DeployParams struct {
	SellerWallet string
	BuyerWallet  string
	Amount       *big.Int
	Network      Network
	TokenAddress string
}

type DeployResult struct {
	ContractAddress string
	DeployTxHash    string
}

// Deployer deploys per-deal escrow contracts from the cached artifact. It
// holds its own deployer key, separate from the operator key.
type Deployer struct {
	artifact  *Artifact
	rpcURL    string
	key       *ecdsa.PrivateKey
	feeWallet common.Address
	log       *logrus.Entry
}

func NewDeployer(artifact *Artifact, rpcURL, privateKeyHex, serviceFeeWallet string) (*Deployer, error) {
	if artifact == nil {
		return nil, apperr.InvalidArgument("contract artifact is required")
	}
	if rpcURL == "" {
		return nil, apperr.InvalidArgument("rpc url is required")
	}
	if !common.IsHexAddress(serviceFeeWallet) {
		return nil, apperr.InvalidArgument("invalid service fee wallet address")
	}
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &Deployer{
		artifact:  artifact,
		rpcURL:    rpcURL,
		key:       key,
		feeWallet: common.HexToAddress(serviceFeeWallet),
		log:       logrus.WithField("component", "contract_deployer"),
	}, nil
}

// Deploy validates inputs, submits the contract creation transaction, and
// waits for one confirmation. Failures are classified so callers can record
// them without special-casing RPC error strings.
func (d *Deployer) Deploy(ctx context.Context, p DeployParams) (*DeployResult, error) {
	if err := d.validate(p); err != nil {
		return nil, err
	}

	eth, err := ethclient.DialContext(ctx, d.rpcURL)
	if err != nil {
		return nil, classifyDeployError(err)
	}
	defer eth.Close()

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, classifyDeployError(err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(d.key, chainID)
	if err != nil {
		return nil, apperr.Internal("transactor init failed", err)
	}
	auth.Context = ctx

	addr, tx, _, err := bind.DeployContract(
		auth, d.artifact.ABI, d.artifact.Bytecode, eth,
		common.HexToAddress(p.SellerWallet),
		common.HexToAddress(p.BuyerWallet),
		p.Amount,
		d.feeWallet,
	)
	if err != nil {
		return nil, classifyDeployError(err)
	}

	receipt, err := bind.WaitMined(ctx, eth, tx)
	if err != nil {
		return nil, classifyDeployError(err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, apperr.Newf(apperr.KindContractReverted, "escrow deployment reverted (tx %s)", tx.Hash().Hex())
	}

	d.log.WithFields(logrus.Fields{
		"contract": addr.Hex(),
		"tx":       tx.Hash().Hex(),
	}).Info("escrow contract deployed")
	return &DeployResult{ContractAddress: addr.Hex(), DeployTxHash: tx.Hash().Hex()}, nil
}

func (d *Deployer) validate(p DeployParams) error {
	if !IsEVM(p.Network) {
		return apperr.Newf(apperr.KindInvalidArgument, "escrow contracts deploy on EVM networks only, got %s", p.Network)
	}
	if !common.IsHexAddress(p.SellerWallet) {
		return apperr.Newf(apperr.KindInvalidArgument, "invalid seller wallet: %s", p.SellerWallet)
	}
	if !common.IsHexAddress(p.BuyerWallet) {
		return apperr.Newf(apperr.KindInvalidArgument, "invalid buyer wallet: %s", p.BuyerWallet)
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return apperr.InvalidArgument("deployment amount must be positive")
	}
	if p.TokenAddress != "" && !common.IsHexAddress(p.TokenAddress) {
		return apperr.Newf(apperr.KindInvalidArgument, "invalid token address: %s", p.TokenAddress)
	}
	return nil
}

// DeployerAddress is the address the deployer key controls.
func (d *Deployer) DeployerAddress() string {
	return crypto.PubkeyToAddress(d.key.PublicKey).Hex()
}

func classifyDeployError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return apperr.Wrap(apperr.KindInsufficientFunds, "deployer wallet cannot fund deployment", err)
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "malformed"):
		return apperr.Wrap(apperr.KindInvalidArgument, "deployment rejected", err)
	case strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "context deadline exceeded"):
		return apperr.ChainUnavailable("network error during deployment", err)
	default:
		return apperr.Internal("escrow deployment failed", err)
	}
}
