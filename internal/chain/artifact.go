package chain

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/clearhold/escrow-backend/internal/apperr"
)

// Artifact is the compiled escrow contract: ABI plus deploy bytecode.
// Loaded once at startup and immutable thereafter.
type Artifact struct {
	ABI      abi.ABI
	Bytecode []byte
}

type artifactFile struct {
	ABI      json.RawMessage `json:"abi"`
	Bytecode string          `json:"bytecode"`
}

// LoadArtifact reads a solc/hardhat-style artifact JSON from disk.
func LoadArtifact(path string) (*Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArgument, "reading contract artifact", err)
	}
	var file artifactFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArgument, "parsing contract artifact", err)
	}
	parsed, err := abi.JSON(strings.NewReader(string(file.ABI)))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArgument, "parsing contract ABI", err)
	}
	code := strings.TrimPrefix(file.Bytecode, "0x")
	if code == "" {
		return nil, apperr.InvalidArgument("contract artifact has empty bytecode")
	}
	return &Artifact{ABI: parsed, Bytecode: common.FromHex(file.Bytecode)}, nil
}
