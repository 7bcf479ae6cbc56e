package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CompiledContract is a parsed build artifact.
type CompiledContract struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
}

// artifactFile accepts both hardhat ("bytecode": "0x...") and foundry ("bytecode": {"object": "0x..."})
// artifacts.
type artifactFile struct {
	ABI      json.RawMessage `json:"abi"`
	Bytecode json.RawMessage `json:"bytecode"`
}

// LoadArtifact reads <dir>/<name>.json.
func LoadArtifact(dir, name string) (CompiledContract, error) {
	path := filepath.Join(dir, name+".json")

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return CompiledContract{}, fmt.Errorf("no artifact for %s in %s: %w", name, dir, err)
	}
	if err != nil {
		return CompiledContract{}, fmt.Errorf("failed to load artifact %s: %w", name, err)
	}

	var file artifactFile
	if err := json.Unmarshal(data, &file); err != nil {
		return CompiledContract{}, fmt.Errorf("failed to decode artifact %s: %w", name, err)
	}

	return parseArtifact(name, file)
}

func parseArtifact(name string, file artifactFile) (CompiledContract, error) {
	if len(file.ABI) == 0 {
		return CompiledContract{}, fmt.Errorf("artifact %s has no abi", name)
	}
	parsedABI, err := abi.JSON(strings.NewReader(string(file.ABI)))
	if err != nil {
		return CompiledContract{}, fmt.Errorf("failed to parse ABI for %s: %w", name, err)
	}

	code, err := artifactBytecode(file.Bytecode)
	if err != nil {
		return CompiledContract{}, fmt.Errorf("failed to parse bytecode for %s: %w", name, err)
	}

	return CompiledContract{Name: name, ABI: parsedABI, Bytecode: code}, nil
}

func artifactBytecode(raw json.RawMessage) ([]byte, error) {
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		var object struct {
			Object string `json:"object"`
		}
		if err := json.Unmarshal(raw, &object); err != nil {
			return nil, errors.New("bytecode must be a hex string or an object with an 'object' field")
		}
		hex = object.Object
	}

	if !strings.HasPrefix(hex, "0x") {
		hex = "0x" + hex
	}
	code, err := hexutil.Decode(hex)
	if err != nil {
		return nil, err
	}
	if len(code) == 0 {
		return nil, errors.New("bytecode is empty")
	}
	return code, nil
}
