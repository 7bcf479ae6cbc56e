package harness_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/compose-network/scenario-harness/configs"
	"github.com/compose-network/scenario-harness/internal/chain"
	"github.com/compose-network/scenario-harness/internal/driver"
	"github.com/compose-network/scenario-harness/internal/fixture"
	"github.com/compose-network/scenario-harness/internal/harness"
	"github.com/compose-network/scenario-harness/internal/harness/harnesstest"
	"github.com/compose-network/scenario-harness/internal/mock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gopkg.in/yaml.v3"
)

type OrchestratorSuite struct {
	suite.Suite

	cfg    configs.Harness
	wallet *harnesstest.Wallet
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupTest() {
	s.cfg = harnesstest.Harness(s.T())
	s.wallet = harnesstest.NewWallet()
}

func (s *OrchestratorSuite) orchestrator(opts ...harness.Option) *harness.Orchestrator {
	base := []harness.Option{
		harness.WithDriverFactory(s.wallet.DriverFactory()),
		harness.WithContractCatalogue(harnesstest.Catalogue()),
	}
	o, err := harness.New(s.cfg, append(base, opts...)...)
	s.Require().NoError(err)
	return o
}

func defaultFixtures() fixture.State {
	return fixture.NewBuilder().MustBuild()
}

// unreachable reports whether nothing answers at rawURL any more.
func unreachable(rawURL string) bool {
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(rawURL)
	if err == nil {
		_ = resp.Body.Close()
	}
	return err != nil
}

func decodeJSON(resp *http.Response, v any) error {
	if resp.StatusCode != http.StatusOK {
		return errors.New("unexpected status " + resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func rpcClosed(rpcURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return true
	}
	defer client.Close()

	_, err = client.BlockNumber(ctx)
	return err != nil
}

func (s *OrchestratorSuite) TestCompletedScenarioReleasesEverything() {
	var rpcURL, mockURL, fixtureURL string

	outcome, err := s.orchestrator().WithFixtures(context.Background(), harness.Options{
		Title:    "shows the seeded balance",
		Fixtures: defaultFixtures(),
	}, func(ctx context.Context, sess *harness.Session) error {
		rpcURL, mockURL, fixtureURL = sess.Chain.RPCURL(), sess.Mock.URL(), sess.FixtureURL

		if err := sess.Driver.Navigate(ctx, ""); err != nil {
			return err
		}
		el, err := sess.Driver.FindVisibleElement(ctx, driver.CSS(harnesstest.BalanceSelector))
		if err != nil {
			return err
		}
		if el.Text() != "25 ETH" {
			return errors.New("unexpected balance " + el.Text())
		}

		balance, err := sess.Chain.Balance(ctx, common.HexToAddress(fixture.DefaultAccountAddress))
		if err != nil {
			return err
		}
		if balance.Cmp(chain.MustEtherToWei("25")) != 0 {
			return errors.New("unexpected chain balance " + balance.String())
		}
		return nil
	})
	s.Require().NoError(err)

	s.Equal(harness.StatusCompleted, outcome.Status)
	s.False(outcome.Failed())
	s.NotEmpty(outcome.RunID)
	s.Empty(outcome.Artifacts)

	var path []harness.State
	for _, tr := range outcome.Transitions {
		path = append(path, tr.To)
	}
	s.Equal([]harness.State{
		harness.StateProvisioning,
		harness.StateRunning,
		harness.StateTearingDown,
		harness.StateCompleted,
	}, path)
	s.Equal(harness.StateIdle, outcome.Transitions[0].From)

	s.True(rpcClosed(rpcURL), "chain RPC still answering")
	s.True(unreachable(mockURL), "mock server still answering")
	s.True(unreachable(fixtureURL), "fixture server still answering")
	s.True(s.wallet.Browser().Closed())
	s.NoDirExists(s.cfg.Artifacts.Dir)
}

func (s *OrchestratorSuite) TestNetworkBusyWarningShownOnce() {
	var mockRequests int

	_, err := s.orchestrator().WithFixtures(context.Background(), harness.Options{
		Title:    "warns when the network is busy",
		Fixtures: defaultFixtures(),
		TestSpecificMock: func(m *mock.Server) error {
			_, err := m.ForGet(harnesstest.GasFeesURL).Always().ThenJSON(http.StatusOK, map[string]any{
				"networkCongestion": 0.9,
				"medium":            map[string]string{"suggestedMaxFeePerGas": "50"},
			})
			return err
		},
	}, func(ctx context.Context, sess *harness.Session) error {
		if err := sess.Driver.Navigate(ctx, ""); err != nil {
			return err
		}
		for range 2 {
			if err := sess.Driver.ClickElement(ctx, driver.CSS(harnesstest.SendSelector)); err != nil {
				return err
			}
		}
		if _, err := sess.Driver.FindVisibleElement(ctx, driver.Text(harnesstest.NetworkBusyText)); err != nil {
			return err
		}

		warnings, err := sess.Driver.FindElements(ctx, driver.CSS(harnesstest.WarningSelector))
		if err != nil {
			return err
		}
		if len(warnings) != 1 {
			return errors.New("network busy warning shown more than once")
		}

		mockRequests = len(sess.Mock.ReceivedRequests())
		return nil
	})
	s.Require().NoError(err)
	s.Equal(2, mockRequests)
}

func (s *OrchestratorSuite) TestImportNFTAgainstDeployedContract() {
	var before, after map[string]string

	_, err := s.orchestrator().WithFixtures(context.Background(), harness.Options{
		Title:         "imports an owned ERC1155 token",
		Fixtures:      defaultFixtures(),
		SmartContract: chain.ContractERC1155,
	}, func(ctx context.Context, sess *harness.Session) error {
		before = sess.Contracts.Snapshot()

		address, err := sess.Contracts.GetContractAddress(chain.ContractERC1155)
		if err != nil {
			return err
		}

		d := sess.Driver
		if err := d.Navigate(ctx, ""); err != nil {
			return err
		}
		if err := d.Fill(ctx, driver.CSS(harnesstest.AddressSelector), address.Hex()); err != nil {
			return err
		}

		if err := d.Fill(ctx, driver.CSS(harnesstest.TokenIDSelector), "1"); err != nil {
			return err
		}
		if err := d.ClickElement(ctx, driver.CSS(harnesstest.ImportSelector)); err != nil {
			return err
		}
		if _, err := d.FindVisibleElement(ctx, driver.Text(harnesstest.ImportSuccessText)); err != nil {
			return err
		}

		if err := d.Fill(ctx, driver.CSS(harnesstest.TokenIDSelector), "4"); err != nil {
			return err
		}
		if err := d.ClickElement(ctx, driver.CSS(harnesstest.ImportSelector)); err != nil {
			return err
		}
		if _, err := d.FindVisibleElement(ctx, driver.Text(harnesstest.OwnershipMismatchText)); err != nil {
			return err
		}
		if err := d.AssertElementNotPresent(ctx, driver.CSS(harnesstest.ToastSelector)); err != nil {
			return err
		}

		after = sess.Contracts.Snapshot()
		return nil
	})
	s.Require().NoError(err)

	s.Require().Contains(before, chain.ContractERC1155)
	s.Equal(before, after)
}

func (s *OrchestratorSuite) TestDappOriginBoundIntoFixtures() {
	fixtures := fixture.NewBuilder().WithPermissionControllerConnectedToTestDapp().MustBuild()

	_, err := s.orchestrator().WithFixtures(context.Background(), harness.Options{
		Title:    "binds the dapp origin",
		Fixtures: fixtures,
		Dapp:     true,
	}, func(ctx context.Context, sess *harness.Session) error {
		if sess.DappOrigin == "" {
			return errors.New("dapp origin not set")
		}

		resp, err := http.Get(sess.FixtureURL)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var doc struct {
			Data struct {
				PermissionController struct {
					Subjects map[string]any `json:"subjects"`
				} `json:"PermissionController"`
			} `json:"data"`
		}
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}
		if _, ok := doc.Data.PermissionController.Subjects[sess.DappOrigin]; !ok {
			return errors.New("dapp origin missing from permission subjects")
		}

		if err := sess.Driver.Navigate(ctx, sess.DappOrigin); err != nil {
			return err
		}
		_, err = sess.Driver.FindVisibleElement(ctx, driver.CSS(harnesstest.ConnectSelector))
		return err
	})
	s.Require().NoError(err)
}

func (s *OrchestratorSuite) TestScenarioFailureCapturesArtifacts() {
	s.cfg.Artifacts.Bundle = true
	var rpcURL string

	outcome, err := s.orchestrator().WithFixtures(context.Background(), harness.Options{
		Title:         "Fails on purpose!",
		Fixtures:      defaultFixtures(),
		SmartContract: chain.ContractHST,
	}, func(ctx context.Context, sess *harness.Session) error {
		rpcURL = sess.Chain.RPCURL()
		if err := sess.Driver.Navigate(ctx, ""); err != nil {
			return err
		}
		return errors.New("assertion failed")
	})
	s.Require().Error(err)

	var failure *harness.Failure
	s.Require().ErrorAs(err, &failure)
	s.Equal(harness.KindScenario, failure.Kind)
	s.ErrorIs(err, harness.ErrScenario)
	s.NotErrorIs(err, harness.ErrSetup)
	s.NotErrorIs(err, harness.ErrTeardown)
	s.Contains(err.Error(), "assertion failed")

	s.True(outcome.Failed())
	s.Equal(harness.KindScenario, outcome.Kind)
	s.Empty(outcome.ArtifactErrors)
	s.True(rpcClosed(rpcURL))

	names := map[string]string{}
	for _, a := range outcome.Artifacts {
		names[a.Name] = a.Path
	}
	for _, name := range []string{
		"screenshot.png",
		"page.html",
		"mock-requests.json",
		"mock-metrics.prom",
		"chain.log",
		"fixture-state.json",
		"outcome.yaml",
		"bundle",
	} {
		s.Require().Contains(names, name)
		s.FileExists(names[name])
	}

	dir := filepath.Dir(names["outcome.yaml"])
	s.Equal(s.cfg.Artifacts.Dir, filepath.Dir(dir))
	s.Contains(filepath.Base(dir), "fails-on-purpose-")
	s.Equal(dir+".tar", names["bundle"])

	data, readErr := os.ReadFile(names["outcome.yaml"])
	s.Require().NoError(readErr)
	var written harness.Outcome
	s.Require().NoError(yaml.Unmarshal(data, &written))
	s.Equal(harness.StatusFailed, written.Status)
	s.Equal(outcome.RunID, written.RunID)
	s.Equal(harness.StateFailed, written.Transitions[len(written.Transitions)-1].To)

	page, readErr := os.ReadFile(names["screenshot.png"])
	s.Require().NoError(readErr)
	s.Contains(string(page), harnesstest.AppURL)
}

func (s *OrchestratorSuite) TestExpiredWaitIsTimeout() {
	outcome, err := s.orchestrator().WithFixtures(context.Background(), harness.Options{
		Title:    "waits for something that never shows",
		Fixtures: defaultFixtures(),
	}, func(ctx context.Context, sess *harness.Session) error {
		if err := sess.Driver.Navigate(ctx, ""); err != nil {
			return err
		}
		_, err := sess.Driver.WaitForSelector(ctx, driver.CSS(".never"), driver.Timeout(100*time.Millisecond))
		return err
	})

	s.ErrorIs(err, harness.ErrScenario)
	s.ErrorIs(err, driver.ErrTimeout)
	s.Equal(harness.KindTimeout, outcome.Kind)
}

func (s *OrchestratorSuite) TestPanicIsRecovered() {
	var released atomic.Bool
	fake := &fakeChain{onStop: func() { released.Store(true) }}

	outcome, err := s.orchestrator(harness.WithChainFactory(fake.factory())).WithFixtures(context.Background(), harness.Options{
		Title:    "panics",
		Fixtures: defaultFixtures(),
	}, func(context.Context, *harness.Session) error {
		panic("boom")
	})

	s.ErrorIs(err, harness.ErrScenario)
	s.Contains(err.Error(), "scenario panicked: boom")
	s.Equal(harness.StatusFailed, outcome.Status)
	s.True(released.Load())
}

func (s *OrchestratorSuite) TestSetupFailureNeverRunsScenario() {
	fake := &fakeChain{startErr: errors.New("port in use")}
	var mocks atomic.Int32
	var ran bool

	outcome, err := s.orchestrator(
		harness.WithChainFactory(fake.factory()),
		harness.WithMockFactory(func(cfg mock.Config) (*mock.Server, error) {
			mocks.Add(1)
			return mock.New(cfg)
		}),
	).WithFixtures(context.Background(), harness.Options{
		Title:    "never runs",
		Fixtures: defaultFixtures(),
	}, func(context.Context, *harness.Session) error {
		ran = true
		return nil
	})

	s.False(ran)
	s.ErrorIs(err, harness.ErrSetup)
	s.NotErrorIs(err, harness.ErrScenario)
	s.Contains(err.Error(), "port in use")
	s.Equal(harness.KindSetup, outcome.Kind)
	s.Zero(mocks.Load())
	s.True(fake.stopped.Load())

	var path []harness.State
	for _, tr := range outcome.Transitions {
		path = append(path, tr.To)
	}
	s.Equal([]harness.State{harness.StateProvisioning, harness.StateTearingDown, harness.StateFailed}, path)
}

func (s *OrchestratorSuite) TestDriverLaunchFailureReleasesProvisionedServices() {
	fake := &fakeChain{}
	var mockServer *mock.Server

	_, err := s.orchestrator(
		harness.WithChainFactory(fake.factory()),
		harness.WithMockFactory(func(cfg mock.Config) (*mock.Server, error) {
			m, err := mock.New(cfg)
			mockServer = m
			return m, err
		}),
		harness.WithDriverFactory(func(context.Context, configs.Driver, string, string) (*driver.Driver, error) {
			return nil, errors.New("chrome not found")
		}),
	).WithFixtures(context.Background(), harness.Options{
		Title:    "no browser",
		Fixtures: defaultFixtures(),
	}, func(context.Context, *harness.Session) error {
		return nil
	})

	s.ErrorIs(err, harness.ErrSetup)
	s.Contains(err.Error(), "chrome not found")
	s.True(fake.stopped.Load())
	s.Require().NotNil(mockServer)
	s.True(unreachable(mockServer.URL()))
}

func (s *OrchestratorSuite) TestMissingInputsFailSetup() {
	o := s.orchestrator()
	noop := func(context.Context, *harness.Session) error { return nil }

	_, err := o.WithFixtures(context.Background(), harness.Options{Fixtures: defaultFixtures()}, noop)
	s.ErrorIs(err, harness.ErrSetup)

	_, err = o.WithFixtures(context.Background(), harness.Options{Title: "unbuilt fixtures"}, noop)
	s.ErrorIs(err, harness.ErrSetup)
	s.Contains(err.Error(), "fixtures must be built")

	_, err = o.WithFixtures(context.Background(), harness.Options{Title: "no body", Fixtures: defaultFixtures()}, nil)
	s.ErrorIs(err, harness.ErrSetup)
}

func (s *OrchestratorSuite) TestUnknownContractFailsSetup() {
	outcome, err := s.orchestrator().WithFixtures(context.Background(), harness.Options{
		Title:         "unknown contract",
		Fixtures:      defaultFixtures(),
		SmartContract: "NOPE",
	}, func(context.Context, *harness.Session) error { return nil })

	s.ErrorIs(err, harness.ErrSetup)
	s.Equal(harness.KindSetup, outcome.Kind)
}

func (s *OrchestratorSuite) TestDappPermissionWithoutDappFailsSetup() {
	fake := &fakeChain{}
	var ran bool

	outcome, err := s.orchestrator(harness.WithChainFactory(fake.factory())).WithFixtures(context.Background(), harness.Options{
		Title:    "dapp permission without dapp",
		Fixtures: fixture.NewBuilder().WithPermissionControllerConnectedToTestDapp().MustBuild(),
	}, func(context.Context, *harness.Session) error {
		ran = true
		return nil
	})

	s.False(ran)
	s.ErrorIs(err, harness.ErrSetup)
	s.ErrorIs(err, fixture.ErrUnboundPlaceholder)
	s.Contains(err.Error(), fixture.DappOriginPlaceholder)
	s.Equal(harness.KindSetup, outcome.Kind)
	s.True(fake.stopped.Load())
}

func (s *OrchestratorSuite) TestTeardownErrorBecomesPrimaryAfterSuccess() {
	fake := &fakeChain{stopErr: errors.New("container stuck")}

	outcome, err := s.orchestrator(harness.WithChainFactory(fake.factory())).WithFixtures(context.Background(), harness.Options{
		Title:    "passes but leaks",
		Fixtures: defaultFixtures(),
	}, func(context.Context, *harness.Session) error { return nil })

	s.ErrorIs(err, harness.ErrTeardown)
	s.NotErrorIs(err, harness.ErrScenario)
	s.Contains(err.Error(), "container stuck")
	s.Equal(harness.KindTeardown, outcome.Kind)
	s.Empty(outcome.TeardownErrors)
}

func (s *OrchestratorSuite) TestTeardownErrorsAttachedToScenarioFailure() {
	fake := &fakeChain{stopErr: errors.New("container stuck")}
	scenarioErr := errors.New("wrong balance")

	outcome, err := s.orchestrator(harness.WithChainFactory(fake.factory())).WithFixtures(context.Background(), harness.Options{
		Title:    "fails and leaks",
		Fixtures: defaultFixtures(),
	}, func(context.Context, *harness.Session) error { return scenarioErr })

	s.ErrorIs(err, scenarioErr)
	s.ErrorIs(err, harness.ErrScenario)
	s.ErrorIs(err, harness.ErrTeardown)

	var failure *harness.Failure
	s.Require().ErrorAs(err, &failure)
	s.Equal(harness.KindScenario, failure.Kind)
	s.Len(failure.TeardownErrs, 1)
	s.Len(outcome.TeardownErrors, 1)
}

func (s *OrchestratorSuite) TestCancelledContextStillTearsDown() {
	fake := &fakeChain{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.orchestrator(harness.WithChainFactory(fake.factory())).WithFixtures(ctx, harness.Options{
		Title:    "cancelled",
		Fixtures: defaultFixtures(),
	}, func(ctx context.Context, _ *harness.Session) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})

	s.ErrorIs(err, context.Canceled)
	s.ErrorIs(err, harness.ErrScenario)
	s.True(fake.stopped.Load())
	s.True(s.wallet.Browser().Closed())
}

func (s *OrchestratorSuite) TestConcurrentInvocationsAreIsolated() {
	o := s.orchestrator()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		rpcs = map[string]bool{}
		errs []error
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := o.WithFixtures(context.Background(), harness.Options{
				Title:         "parallel",
				Fixtures:      defaultFixtures(),
				SmartContract: chain.ContractERC1155,
			}, func(ctx context.Context, sess *harness.Session) error {
				mu.Lock()
				rpcs[sess.Chain.RPCURL()] = true
				mu.Unlock()

				_, err := sess.Contracts.GetContractAddress(chain.ContractERC1155)
				return err
			})

			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, err := range errs {
		s.NoError(err)
	}
	s.Len(rpcs, 2)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := harnesstest.Harness(t)
	cfg.Teardown.StepTimeout = 0

	_, err := harness.New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teardown.step-timeout")
}

// fakeChain stands in for the simulator where only lifecycle behavior matters.
type fakeChain struct {
	startErr error
	stopErr  error
	onStop   func()

	stopped  atomic.Bool
	registry *chain.Registry
}

func (f *fakeChain) factory() harness.ChainFactory {
	return func() harness.ChainSimulator {
		f.registry = chain.NewRegistry()
		return f
	}
}

func (f *fakeChain) Start(context.Context, chain.Options) error { return f.startErr }

func (f *fakeChain) Stop(context.Context) error {
	f.stopped.Store(true)
	if f.onStop != nil {
		f.onStop()
	}
	return f.stopErr
}

func (f *fakeChain) RPCURL() string { return "http://127.0.0.1:1" }

func (f *fakeChain) ChainID() int64 { return harnesstest.ChainID }

func (f *fakeChain) Client() chain.Backend { return nil }

func (f *fakeChain) Accounts() []chain.SeededAccount { return nil }

func (f *fakeChain) Balance(context.Context, common.Address) (*big.Int, error) {
	return nil, chain.ErrNotStarted
}

func (f *fakeChain) Contracts() *chain.Registry { return f.registry }

func (f *fakeChain) Logs(context.Context) ([]byte, error) { return []byte("fake chain\n"), nil }
