package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/clearhold/escrow-backend/internal/apperr"
)

// Escrow contract methods the backend invokes.
const (
	MethodReleaseFunds = "releaseFundsAfterApprovalPeriod"
	MethodCancelEscrow = "cancelEscrowAndRefundBuyer"
	MethodGetState     = "getContractState"
)

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 2 * time.Minute
)

// Client gives read/write access to one EVM network. It owns the backend
// operator key and is the only component that signs transactions.
type Client struct {
	network  Network
	rpcURL   string
	eth      *ethclient.Client
	key      *ecdsa.PrivateKey
	address  common.Address
	chainID  *big.Int
	contract abi.ABI
	ready    bool
	log      *logrus.Entry
}

// NewClient dials the RPC endpoint and verifies reachability by fetching the
// current block number. A client that fails the probe is returned not-ready;
// all writes on it fail with ChainUnavailable.
func NewClient(ctx context.Context, network Network, rpcURL, privateKeyHex string, contractABI abi.ABI) (*Client, error) {
	if rpcURL == "" {
		return nil, apperr.InvalidArgument("rpc url is required")
	}
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	c := &Client{
		network:  network,
		rpcURL:   rpcURL,
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		contract: contractABI,
		log:      logrus.WithField("component", "chain_client").WithField("network", network),
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		c.log.WithError(err).Warn("RPC dial failed, chain client not ready")
		return c, nil
	}
	c.eth = eth

	probeCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	if _, err := eth.BlockNumber(probeCtx); err != nil {
		c.log.WithError(err).Warn("block number probe failed, chain client not ready")
		return c, nil
	}
	chainID, err := eth.ChainID(probeCtx)
	if err != nil {
		c.log.WithError(err).Warn("chain id fetch failed, chain client not ready")
		return c, nil
	}
	c.chainID = chainID
	c.ready = true
	c.log.WithField("operator", c.address.Hex()).Info("chain client ready")
	return c, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return nil, apperr.InvalidArgument("operator private key is required")
	}
	if !strings.HasPrefix(hexKey, "0x") {
		return nil, apperr.InvalidArgument("operator private key must be 0x-prefixed hex")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArgument, "invalid operator private key", err)
	}
	return key, nil
}

func (c *Client) Ready() bool { return c.ready }

func (c *Client) Network() Network { return c.network }

// OperatorAddress is the backend wallet derived from the operator key.
func (c *Client) OperatorAddress() string { return c.address.Hex() }

// BalanceOf returns the native balance of an address.
func (c *Client) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	if !c.ready {
		return nil, apperr.ChainUnavailable("chain client not ready", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	bal, err := c.eth.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, apperr.ChainUnavailable("balance query failed", err)
	}
	return bal, nil
}

// ReadContractState performs an eth_call against a deployed escrow contract.
func (c *Client) ReadContractState(ctx context.Context, contractAddr, method string, args ...interface{}) ([]interface{}, error) {
	if !c.ready {
		return nil, apperr.ChainUnavailable("chain client not ready", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	bound := bind.NewBoundContract(common.HexToAddress(contractAddr), c.contract, c.eth, c.eth, c.eth)
	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		if strings.Contains(err.Error(), "revert") {
			return nil, apperr.Wrap(apperr.KindContractReverted, fmt.Sprintf("call %s reverted", method), err)
		}
		return nil, apperr.ChainUnavailable(fmt.Sprintf("call %s failed", method), err)
	}
	return out, nil
}

// SendContractCall signs and submits a state-changing contract call with the
// operator key and waits for one confirmation. The client never retries;
// retry policy belongs to callers.
func (c *Client) SendContractCall(ctx context.Context, contractAddr, method string, args ...interface{}) (string, error) {
	if !c.ready {
		return "", apperr.ChainUnavailable("chain client not ready", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return "", apperr.Internal("transactor init failed", err)
	}
	auth.Context = ctx

	bound := bind.NewBoundContract(common.HexToAddress(contractAddr), c.contract, c.eth, c.eth, c.eth)
	tx, err := bound.Transact(auth, method, args...)
	if err != nil {
		if strings.Contains(err.Error(), "revert") || strings.Contains(err.Error(), "execution reverted") {
			return "", apperr.Wrap(apperr.KindContractReverted, fmt.Sprintf("%s reverted", method), err)
		}
		return "", apperr.ChainUnavailable(fmt.Sprintf("%s submission failed", method), err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return tx.Hash().Hex(), apperr.ChainUnavailable(fmt.Sprintf("waiting for %s receipt", method), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash().Hex(), apperr.Newf(apperr.KindContractReverted, "%s reverted on-chain (tx %s)", method, tx.Hash().Hex())
	}

	c.log.WithFields(logrus.Fields{
		"method":   method,
		"contract": contractAddr,
		"tx":       tx.Hash().Hex(),
	}).Info("contract call confirmed")
	return tx.Hash().Hex(), nil
}
