package harnesstest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/compose-network/scenario-harness/configs"
	"github.com/compose-network/scenario-harness/internal/chain"
	"github.com/stretchr/testify/require"
)

const (
	AppURL  = "http://wallet.test/home.html"
	ChainID = 1337

	// trivialInitCode deploys a contract whose runtime code is a single STOP.
	trivialInitCode = "0x6001600c60003960016000f300"
	// revertingInitCode reverts in the constructor.
	revertingInitCode = "0x60006000fd"
)

// Harness returns a configuration for the simulated chain with every artifact and directory under
// t.TempDir and short driver bounds.
func Harness(t testing.TB) configs.Harness {
	t.Helper()

	root := t.TempDir()

	contracts := filepath.Join(root, "contracts")
	require.NoError(t, os.MkdirAll(contracts, 0o755))
	writeArtifact(t, contracts, "Trivial", trivialInitCode)
	writeArtifact(t, contracts, "Reverting", revertingInitCode)

	dappDir := filepath.Join(root, "dapp")
	require.NoError(t, os.MkdirAll(dappDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dappDir, "index.html"), []byte("<html><body>test dapp</body></html>\n"), 0o644))

	cfg := configs.DefaultHarness()
	cfg.App.URL = AppURL
	cfg.Chain.Engine = configs.ChainEngineSimulated
	cfg.Chain.ChainID = ChainID
	cfg.Chain.ContractsDir = contracts
	cfg.Chain.StartupTimeout = 30 * time.Second
	cfg.Chain.DeployTimeout = 30 * time.Second
	cfg.Mock.Unmatched = configs.UnmatchedReject
	cfg.Mock.DrainTimeout = time.Second
	cfg.Mock.UpstreamTimeout = 5 * time.Second
	cfg.Driver.ElementTimeout = 2 * time.Second
	cfg.Driver.PollInterval = 20 * time.Millisecond
	cfg.Driver.ProbeTimeout = 200 * time.Millisecond
	cfg.Driver.ActionTimeout = 5 * time.Second
	cfg.Dapp.Dir = dappDir
	cfg.Artifacts.Dir = filepath.Join(root, "artifacts")
	cfg.Artifacts.Bundle = false
	cfg.Teardown.StepTimeout = 5 * time.Second
	return cfg
}

// Catalogue maps the contract identifiers scenarios use onto trivial bytecode, and FAILING onto a
// constructor that reverts.
func Catalogue() chain.Catalogue {
	return chain.Catalogue{
		chain.ContractERC1155:   {Artifact: "Trivial"},
		chain.ContractHST:       {Artifact: "Trivial"},
		chain.ContractNFTs:      {Artifact: "Trivial"},
		chain.ContractPiggyBank: {Artifact: "Trivial"},
		chain.ContractFailing:   {Artifact: "Reverting"},
	}
}

func writeArtifact(t testing.TB, dir, name, bytecode string) {
	t.Helper()

	content := `{"abi": [], "bytecode": "` + bytecode + `"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(content), 0o644))
}
