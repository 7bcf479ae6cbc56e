package configs

import (
	"errors"
	"fmt"
	"time"
)

var Values Config

type (
	ChainEngine     string
	UnmatchedPolicy string

	Config struct {
		Log       Log       `mapstructure:"log"`
		Harness   Harness   `mapstructure:"harness"`
		Scenarios Scenarios `mapstructure:"scenarios"`
	}

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	}

	// Harness groups everything one orchestrator invocation needs.
	Harness struct {
		App       App       `mapstructure:"app"`
		Chain     Chain     `mapstructure:"chain"`
		Mock      Mock      `mapstructure:"mock"`
		Driver    Driver    `mapstructure:"driver"`
		Dapp      Dapp      `mapstructure:"dapp"`
		Artifacts Artifacts `mapstructure:"artifacts"`
		Teardown  Teardown  `mapstructure:"teardown"`
	}

	App struct {
		URL string `mapstructure:"url"`
	}

	Chain struct {
		Engine         ChainEngine   `mapstructure:"engine"`
		Image          string        `mapstructure:"image"`
		ChainID        int64         `mapstructure:"chain-id"`
		Hardfork       string        `mapstructure:"hardfork"`
		ContractsDir   string        `mapstructure:"contracts-dir"`
		StartupTimeout time.Duration `mapstructure:"startup-timeout"`
		DeployTimeout  time.Duration `mapstructure:"deploy-timeout"`
		BlockGasLimit  uint64        `mapstructure:"block-gas-limit"`
	}

	Mock struct {
		Unmatched       UnmatchedPolicy `mapstructure:"unmatched"`
		DrainTimeout    time.Duration   `mapstructure:"drain-timeout"`
		UpstreamTimeout time.Duration   `mapstructure:"upstream-timeout"`
	}

	Driver struct {
		ChromePath     string        `mapstructure:"chrome-path"`
		Headless       bool          `mapstructure:"headless"`
		ElementTimeout time.Duration `mapstructure:"element-timeout"`
		PollInterval   time.Duration `mapstructure:"poll-interval"`
		ProbeTimeout   time.Duration `mapstructure:"probe-timeout"`
		ActionTimeout  time.Duration `mapstructure:"action-timeout"`
		WindowWidth    int           `mapstructure:"window-width"`
		WindowHeight   int           `mapstructure:"window-height"`
	}

	Dapp struct {
		Dir string `mapstructure:"dir"`
	}

	Artifacts struct {
		Dir    string `mapstructure:"dir"`
		Bundle bool   `mapstructure:"bundle"`
	}

	Teardown struct {
		StepTimeout time.Duration `mapstructure:"step-timeout"`
	}

	Scenarios struct {
		FailFast bool `mapstructure:"fail-fast"`
	}
)

const (
	ChainEngineGanache   ChainEngine = "ganache"
	ChainEngineSimulated ChainEngine = "simulated"

	UnmatchedReject      UnmatchedPolicy = "reject"
	UnmatchedPassthrough UnmatchedPolicy = "passthrough"
)

func (c *Harness) Validate() error {
	var errs []error

	if err := c.Chain.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Mock.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Driver.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.App.URL == "" {
		errs = append(errs, errors.New("app.url is required"))
	}
	if c.Artifacts.Dir == "" {
		errs = append(errs, errors.New("artifacts.dir is required"))
	}
	if c.Teardown.StepTimeout <= 0 {
		errs = append(errs, errors.New("teardown.step-timeout must be greater than 0"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("harness configuration validation failed: %w", errors.Join(errs...))
	}

	return nil
}

func (c *Chain) Validate() error {
	var errs []error

	switch c.Engine {
	case ChainEngineGanache:
		if c.Image == "" {
			errs = append(errs, errors.New("chain.image is required for the ganache engine"))
		}
	case ChainEngineSimulated:
	case "":
		errs = append(errs, errors.New("chain.engine is required"))
	default:
		errs = append(errs, fmt.Errorf("chain.engine must be either '%s' or '%s'", ChainEngineGanache, ChainEngineSimulated))
	}

	if c.ChainID <= 0 {
		errs = append(errs, errors.New("chain.chain-id must be greater than 0"))
	}
	if c.StartupTimeout <= 0 {
		errs = append(errs, errors.New("chain.startup-timeout must be greater than 0"))
	}
	if c.DeployTimeout <= 0 {
		errs = append(errs, errors.New("chain.deploy-timeout must be greater than 0"))
	}

	return errors.Join(errs...)
}

func (c *Mock) Validate() error {
	var errs []error

	if c.Unmatched != UnmatchedReject && c.Unmatched != UnmatchedPassthrough {
		errs = append(errs, fmt.Errorf("mock.unmatched must be either '%s' or '%s'", UnmatchedReject, UnmatchedPassthrough))
	}
	if c.DrainTimeout <= 0 {
		errs = append(errs, errors.New("mock.drain-timeout must be greater than 0"))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, errors.New("mock.upstream-timeout must be greater than 0"))
	}

	return errors.Join(errs...)
}

func (c *Driver) Validate() error {
	var errs []error

	if c.ElementTimeout <= 0 {
		errs = append(errs, errors.New("driver.element-timeout must be greater than 0"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("driver.poll-interval must be greater than 0"))
	}
	if c.PollInterval >= c.ElementTimeout {
		errs = append(errs, errors.New("driver.poll-interval must be lower than driver.element-timeout"))
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("driver.probe-timeout must be greater than 0"))
	}
	if c.ActionTimeout <= 0 {
		errs = append(errs, errors.New("driver.action-timeout must be greater than 0"))
	}

	return errors.Join(errs...)
}
