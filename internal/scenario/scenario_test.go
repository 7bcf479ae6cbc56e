package scenario

import (
	"context"
	"testing"

	"github.com/compose-network/scenario-harness/internal/driver"
	"github.com/compose-network/scenario-harness/internal/fixture"
	"github.com/compose-network/scenario-harness/internal/harness"
	"github.com/compose-network/scenario-harness/internal/harness/harnesstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrchestrator(t *testing.T) *harness.Orchestrator {
	t.Helper()

	o, err := harness.New(harnesstest.Harness(t),
		harness.WithDriverFactory(harnesstest.NewWallet().DriverFactory()),
		harness.WithContractCatalogue(harnesstest.Catalogue()),
	)
	require.NoError(t, err)
	return o
}

func TestScenarios_Pass(t *testing.T) {
	files, err := LoadAll([]string{"testdata/scenarios"})
	require.NoError(t, err)
	require.Len(t, files, 4)

	report := NewRunner(newOrchestrator(t), false).Run(context.Background(), files)

	for _, res := range report.Results {
		assert.NoError(t, res.Err, res.File.Path)
		assert.Equal(t, harness.StatusCompleted, res.Outcome.Status, res.File.Path)
	}
	assert.Equal(t, 4, report.Passed())
}

func TestScenarios_FailureIsTimeoutWithArtifacts(t *testing.T) {
	files, err := LoadAll([]string{"testdata/failing/missing-element.yaml"})
	require.NoError(t, err)

	report := NewRunner(newOrchestrator(t), false).Run(context.Background(), files)
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, harness.ErrScenario)
	assert.ErrorIs(t, res.Err, driver.ErrTimeout)
	assert.Contains(t, res.Err.Error(), "step 2 (wait-for)")
	assert.Equal(t, harness.KindTimeout, res.Outcome.Kind)
	assert.NotEmpty(t, res.Outcome.Artifacts)
}

func TestLoadAll_Errors(t *testing.T) {
	_, err := LoadAll([]string{"testdata/does-not-exist.yaml"})
	assert.ErrorContains(t, err, "failed to open")

	_, err = LoadAll([]string{t.TempDir()})
	assert.ErrorContains(t, err, "no scenario files found")
}

func TestExpand(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t)

	_, err := o.WithFixtures(ctx, harness.Options{
		Title:         "placeholders",
		Fixtures:      fixture.NewBuilder().MustBuild(),
		SmartContract: "ERC1155",
	}, func(ctx context.Context, sess *harness.Session) error {
		addr, err := sess.Contracts.GetContractAddress("ERC1155")
		require.NoError(t, err)

		got, err := expand("{{app}}|{{ contract:ERC1155 }}|{{chain.rpc}}|{{account}}", sess)
		require.NoError(t, err)
		assert.Equal(t, sess.Driver.AppURL()+"|"+addr.Hex()+"|"+sess.Chain.RPCURL()+"|"+sess.Fixtures.SelectedAccount(), got)

		_, err = expand("{{dapp}}", sess)
		assert.ErrorContains(t, err, "does not serve the dapp")

		_, err = expand("{{contract:HST}}", sess)
		assert.Error(t, err)

		_, err = expand("{{nope}}", sess)
		assert.ErrorContains(t, err, "unknown placeholder")
		return nil
	})
	require.NoError(t, err)
}
