package chain

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clearhold/escrow-backend/internal/apperr"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

const testArtifact = `{
	"abi": [
		{"inputs": [], "name": "releaseFundsAfterApprovalPeriod", "outputs": [], "stateMutability": "nonpayable", "type": "function"}
	],
	"bytecode": "0x6080604052"
}`

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrow.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadArtifact(t *testing.T) {
	artifact, err := LoadArtifact(writeArtifact(t, testArtifact))
	require.NoError(t, err)
	require.NotEmpty(t, artifact.Bytecode)
	_, ok := artifact.ABI.Methods["releaseFundsAfterApprovalPeriod"]
	require.True(t, ok)
}

func TestLoadArtifact_Errors(t *testing.T) {
	_, err := LoadArtifact(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	_, err = LoadArtifact(writeArtifact(t, "not json"))
	require.Error(t, err)

	_, err = LoadArtifact(writeArtifact(t, `{"abi": [], "bytecode": ""}`))
	require.Error(t, err)
}

func TestParsePrivateKey(t *testing.T) {
	key, err := parsePrivateKey(testKey)
	require.NoError(t, err)
	require.NotNil(t, key)

	_, err = parsePrivateKey("")
	require.Error(t, err)

	// Keys must be 0x-prefixed hex.
	_, err = parsePrivateKey("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.Error(t, err)

	_, err = parsePrivateKey("0xnothex")
	require.Error(t, err)
}

func newTestDeployer(t *testing.T) *Deployer {
	t.Helper()
	artifact, err := LoadArtifact(writeArtifact(t, testArtifact))
	require.NoError(t, err)
	d, err := NewDeployer(artifact, "http://localhost:8545", testKey, "0x742d35Cc6634C0532925a3b844Bc9e7595f5bE91")
	require.NoError(t, err)
	return d
}

func TestNewDeployer_Validation(t *testing.T) {
	artifact, err := LoadArtifact(writeArtifact(t, testArtifact))
	require.NoError(t, err)

	_, err = NewDeployer(nil, "http://localhost:8545", testKey, "0x742d35Cc6634C0532925a3b844Bc9e7595f5bE91")
	require.Error(t, err)
	_, err = NewDeployer(artifact, "", testKey, "0x742d35Cc6634C0532925a3b844Bc9e7595f5bE91")
	require.Error(t, err)
	_, err = NewDeployer(artifact, "http://localhost:8545", testKey, "not-an-address")
	require.Error(t, err)
	_, err = NewDeployer(artifact, "http://localhost:8545", "", "0x742d35Cc6634C0532925a3b844Bc9e7595f5bE91")
	require.Error(t, err)
}

func TestDeployer_ValidatesParams(t *testing.T) {
	d := newTestDeployer(t)

	valid := DeployParams{
		SellerWallet: "0x53d284357ec70cE289D6D64134DfAc8E511c8a3D",
		BuyerWallet:  "0x742d35Cc6634C0532925a3b844Bc9e7595f5bE91",
		Amount:       big.NewInt(1),
		Network:      NetworkEthereum,
	}
	require.NoError(t, d.validate(valid))

	cases := []struct {
		name   string
		mutate func(*DeployParams)
	}{
		{"non-EVM network", func(p *DeployParams) { p.Network = NetworkSolana }},
		{"bad seller", func(p *DeployParams) { p.SellerWallet = "nope" }},
		{"bad buyer", func(p *DeployParams) { p.BuyerWallet = "0x12" }},
		{"nil amount", func(p *DeployParams) { p.Amount = nil }},
		{"zero amount", func(p *DeployParams) { p.Amount = big.NewInt(0) }},
		{"bad token", func(p *DeployParams) { p.TokenAddress = "tok" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := valid
			tc.mutate(&p)
			err := d.validate(p)
			require.Error(t, err)
			require.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
		})
	}
}

func TestClassifyDeployError(t *testing.T) {
	cases := []struct {
		msg  string
		kind apperr.Kind
	}{
		{"insufficient funds for gas * price + value", apperr.KindInsufficientFunds},
		{"invalid sender", apperr.KindInvalidArgument},
		{"dial tcp: connection refused", apperr.KindChainUnavailable},
		{"context deadline exceeded", apperr.KindChainUnavailable},
		{"something else entirely", apperr.KindInternal},
	}
	for _, tc := range cases {
		err := classifyDeployError(errors.New(tc.msg))
		require.Equal(t, tc.kind, apperr.KindOf(err), tc.msg)
	}
}
