package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/compose-network/scenario-harness/configs"
	"github.com/compose-network/scenario-harness/internal/chain"
	"github.com/compose-network/scenario-harness/internal/dapp"
	"github.com/compose-network/scenario-harness/internal/driver"
	"github.com/compose-network/scenario-harness/internal/fixture"
	"github.com/compose-network/scenario-harness/internal/logger"
	"github.com/compose-network/scenario-harness/internal/mock"
	"github.com/google/uuid"
)

// FixturesQueryParam carries the fixture server URL on the app URL the driver navigates to.
const FixturesQueryParam = "fixtures"

type (
	// Scenario is the body of one test. Returning an error or panicking fails the invocation.
	Scenario func(ctx context.Context, s *Session) error

	// ChainOptions overrides the configured chain defaults for one scenario.
	ChainOptions struct {
		Hardfork string
		Accounts []chain.Account
	}

	Options struct {
		Title    string
		Fixtures fixture.State
		// TestSpecificMock registers the scenario's interception rules on the started mock server.
		TestSpecificMock func(*mock.Server) error
		ChainOptions     *ChainOptions
		// SmartContract is a catalogue identifier deployed before the scenario runs.
		SmartContract string
		// Dapp serves the companion dapp and binds its origin into the fixtures.
		Dapp bool
	}

	// ChainSimulator is what the orchestrator needs from a chain: lifecycle plus the scenario handle.
	ChainSimulator interface {
		ChainHandle
		Start(ctx context.Context, opts chain.Options) error
		Stop(ctx context.Context) error
	}

	ChainFactory         func() ChainSimulator
	MockFactory          func(cfg mock.Config) (*mock.Server, error)
	FixtureServerFactory func(state fixture.State, bindings fixture.Bindings) (*fixture.Server, error)
	DappFactory          func(dir string) (*dapp.Server, error)
	DriverFactory        func(ctx context.Context, cfg configs.Driver, proxyURL, appURL string) (*driver.Driver, error)

	Option func(*Orchestrator)

	// Orchestrator provisions an isolated environment per invocation, runs the scenario in it and
	// always tears it down. It holds no per-invocation state, so concurrent invocations are safe.
	Orchestrator struct {
		cfg       configs.Harness
		logger    *slog.Logger
		now       func() time.Time
		catalogue chain.Catalogue

		newChain         ChainFactory
		newMock          MockFactory
		newFixtureServer FixtureServerFactory
		newDapp          DappFactory
		newDriver        DriverFactory
	}
)

func WithChainFactory(f ChainFactory) Option { return func(o *Orchestrator) { o.newChain = f } }

func WithMockFactory(f MockFactory) Option { return func(o *Orchestrator) { o.newMock = f } }

func WithFixtureServerFactory(f FixtureServerFactory) Option {
	return func(o *Orchestrator) { o.newFixtureServer = f }
}

func WithDappFactory(f DappFactory) Option { return func(o *Orchestrator) { o.newDapp = f } }

func WithDriverFactory(f DriverFactory) Option { return func(o *Orchestrator) { o.newDriver = f } }

// WithContractCatalogue replaces the contracts SmartContract can name.
func WithContractCatalogue(c chain.Catalogue) Option {
	return func(o *Orchestrator) { o.catalogue = c }
}

// WithClock replaces time.Now for transition and outcome timestamps.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func New(cfg configs.Harness, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		now:       time.Now,
		catalogue: chain.DefaultCatalogue(),
		newChain: func() ChainSimulator {
			return chain.NewSimulator()
		},
		newMock:          mock.New,
		newFixtureServer: fixture.NewServer,
		newDapp:          dapp.NewServer,
		newDriver:        driver.Launch,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// WithFixtures runs scenario with an orchestrator built from the global configuration.
func WithFixtures(ctx context.Context, opts Options, scenario Scenario) (Outcome, error) {
	o, err := New(configs.Values.Harness)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return o.WithFixtures(ctx, opts, scenario)
}

// environment holds the handles of one invocation, in acquisition order.
type environment struct {
	chain    ChainSimulator
	dapp     *dapp.Server
	fixtures *fixture.Server
	mock     *mock.Server
	driver   *driver.Driver
}

// WithFixtures provisions chain, dapp, fixture server, mock server and driver in that order, runs
// scenario, then releases everything in reverse order. On failure, artifacts are captured before
// the driver is released. The returned error is nil or a *Failure.
func (o *Orchestrator) WithFixtures(ctx context.Context, opts Options, scenario Scenario) (Outcome, error) {
	runID := uuid.NewString()
	l := o.logger.With("title", opts.Title).With("run_id", runID)

	outcome := Outcome{Title: opts.Title, RunID: runID, StartedAt: o.now()}
	machine := newLifecycle(o.now, l)
	env := &environment{}

	var (
		primary error
		kind    Kind
	)

	machine.advance(StateProvisioning)
	l.Info("provisioning scenario environment")

	if err := o.provision(ctx, env, opts, runID, scenario); err != nil {
		primary, kind = err, KindSetup
		l.With("err", err).Error("failed to provision scenario environment")
	} else {
		machine.advance(StateRunning)
		l.Info("running scenario")

		if err := runScenario(ctx, scenario, o.session(env, opts, runID)); err != nil {
			primary, kind = err, classify(err)
			l.With("err", err).With("kind", kind).Error("scenario failed")
		}
	}

	machine.advance(StateTearingDown)

	var captured *capture
	if primary != nil {
		captured = o.captureArtifacts(ctx, env, opts, runID)
	}

	teardownErrs := o.teardown(ctx, env)
	for _, err := range teardownErrs {
		l.With("err", err).Error("teardown step failed")
	}
	if primary == nil && len(teardownErrs) > 0 {
		primary, kind = fmt.Errorf("%w: %w", ErrTeardown, errors.Join(teardownErrs...)), KindTeardown
		teardownErrs = nil
	}

	if primary == nil {
		machine.advance(StateCompleted)
		outcome.Status = StatusCompleted
		outcome.FinishedAt = o.now()
		outcome.Transitions = machine.transitions()
		l.With("duration", outcome.Duration().String()).Info("scenario completed")
		return outcome, nil
	}

	machine.advance(StateFailed)
	outcome.Status = StatusFailed
	outcome.Kind = kind
	outcome.Error = primary.Error()
	for _, err := range teardownErrs {
		outcome.TeardownErrors = append(outcome.TeardownErrors, err.Error())
	}
	outcome.FinishedAt = o.now()
	outcome.Transitions = machine.transitions()

	if captured == nil {
		captured = newCapture(o.artifactDir(opts.Title, runID))
	}
	captured.finish(&outcome, o.cfg.Artifacts.Bundle)

	l.With("kind", kind).With("artifacts", captured.dir).Info("scenario outcome recorded")
	return outcome, &Failure{
		Title:        opts.Title,
		Kind:         kind,
		Err:          primary,
		TeardownErrs: teardownErrs,
		Artifacts:    outcome.Artifacts,
	}
}

func (o *Orchestrator) provision(ctx context.Context, env *environment, opts Options, runID string, scenario Scenario) error {
	if opts.Title == "" {
		return errors.New("scenario title is required")
	}
	if scenario == nil {
		return errors.New("scenario is required")
	}
	if opts.Fixtures.IsZero() {
		return errors.New("fixtures must be built before the scenario starts")
	}

	env.chain = o.newChain()
	if err := env.chain.Start(ctx, o.chainOptions(opts, runID)); err != nil {
		return fmt.Errorf("failed to start chain: %w", err)
	}

	bindings := fixture.Bindings{ChainRPCURL: env.chain.RPCURL()}
	if opts.Dapp {
		srv, err := o.newDapp(o.cfg.Dapp.Dir)
		if err != nil {
			return fmt.Errorf("failed to create dapp server: %w", err)
		}
		env.dapp = srv
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start dapp server: %w", err)
		}
		bindings.DappOrigin = srv.Origin()
	}

	fixtures, err := o.newFixtureServer(opts.Fixtures, bindings)
	if err != nil {
		return fmt.Errorf("failed to create fixture server: %w", err)
	}
	env.fixtures = fixtures
	if err := fixtures.Start(ctx); err != nil {
		return fmt.Errorf("failed to start fixture server: %w", err)
	}

	mockServer, err := o.newMock(mock.ConfigFrom(o.cfg.Mock))
	if err != nil {
		return fmt.Errorf("failed to create mock server: %w", err)
	}
	env.mock = mockServer
	if err := mockServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start mock server: %w", err)
	}
	if opts.TestSpecificMock != nil {
		if err := opts.TestSpecificMock(mockServer); err != nil {
			return fmt.Errorf("failed to register scenario mocks: %w", err)
		}
	}

	appURL, err := withQuery(o.cfg.App.URL, FixturesQueryParam, fixtures.URL())
	if err != nil {
		return err
	}
	d, err := o.newDriver(ctx, o.cfg.Driver, mockServer.URL(), appURL)
	if err != nil {
		return fmt.Errorf("failed to launch driver: %w", err)
	}
	env.driver = d

	return nil
}

func (o *Orchestrator) chainOptions(opts Options, runID string) chain.Options {
	co := chain.OptionsFrom(o.cfg.Chain)
	co.RunID = runID
	co.Catalogue = o.catalogue

	if opts.ChainOptions != nil {
		if opts.ChainOptions.Hardfork != "" {
			co.Hardfork = opts.ChainOptions.Hardfork
		}
		if len(opts.ChainOptions.Accounts) > 0 {
			co.Accounts = opts.ChainOptions.Accounts
		}
	}
	if opts.SmartContract != "" {
		co.Contracts = []string{opts.SmartContract}
	}
	return co
}

func (o *Orchestrator) session(env *environment, opts Options, runID string) *Session {
	s := &Session{
		Title:      opts.Title,
		RunID:      runID,
		Driver:     env.driver,
		Chain:      env.chain,
		Contracts:  env.chain.Contracts(),
		Mock:       env.mock,
		Fixtures:   opts.Fixtures,
		FixtureURL: env.fixtures.URL(),
	}
	if env.dapp != nil {
		s.DappOrigin = env.dapp.Origin()
	}
	return s
}

// teardown releases whatever was acquired in reverse order, running every step regardless of
// earlier failures.
func (o *Orchestrator) teardown(ctx context.Context, env *environment) []error {
	type step struct {
		name    string
		release func(context.Context) error
	}

	var steps []step
	if env.driver != nil {
		steps = append(steps, step{"driver", env.driver.Quit})
	}
	if env.mock != nil {
		steps = append(steps, step{"mock server", env.mock.Stop})
	}
	if env.fixtures != nil {
		steps = append(steps, step{"fixture server", env.fixtures.Stop})
	}
	if env.dapp != nil {
		steps = append(steps, step{"dapp server", env.dapp.Stop})
	}
	if env.chain != nil {
		steps = append(steps, step{"chain", env.chain.Stop})
	}

	var errs []error
	for _, s := range steps {
		if err := o.release(ctx, s.name, s.release); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// release runs one teardown step with its own bound, detached from the caller's cancellation.
func (o *Orchestrator) release(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Teardown.StepTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to release %s: panic: %v", name, r)
		}
	}()

	if err := fn(stepCtx); err != nil {
		return fmt.Errorf("failed to release %s: %w", name, err)
	}
	o.logger.With("resource", name).Debug("released")
	return nil
}

func runScenario(ctx context.Context, scenario Scenario, s *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scenario panicked: %v\n%s", r, debug.Stack())
		}
	}()

	return scenario(ctx, s)
}

func withQuery(rawURL, key, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid app url %q: %w", rawURL, err)
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
