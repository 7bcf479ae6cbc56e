package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/compose-network/scenario-harness/internal/chain"
	"github.com/compose-network/scenario-harness/internal/driver"
	"github.com/compose-network/scenario-harness/internal/fixture"
	"github.com/compose-network/scenario-harness/internal/harness"
	"github.com/compose-network/scenario-harness/internal/mock"
	"gopkg.in/yaml.v3"
)

type (
	// File is one declarative scenario.
	File struct {
		Title         string   `yaml:"title"`
		Fixtures      Fixtures `yaml:"fixtures"`
		Chain         *Chain   `yaml:"chain"`
		SmartContract string   `yaml:"smart-contract"`
		Dapp          bool     `yaml:"dapp"`
		Mocks         []Mock   `yaml:"mocks"`
		Steps         []Step   `yaml:"steps"`

		// Path is where the file was loaded from, empty for parsed documents.
		Path string `yaml:"-"`
	}

	// Fixtures lists builder directives applied on top of the default fixture.
	Fixtures struct {
		Network                    *Network       `yaml:"network"`
		NetworkControllerOnMainnet bool           `yaml:"network-controller-on-mainnet"`
		Accounts                   []Account      `yaml:"accounts"`
		SelectedAccount            string         `yaml:"selected-account"`
		ConnectedToTestDapp        bool           `yaml:"connected-to-test-dapp"`
		Preferences                map[string]any `yaml:"preferences"`
		Tokens                     []Token        `yaml:"tokens"`
	}

	Network struct {
		Type     string `yaml:"type"`
		ChainID  int64  `yaml:"chain-id"`
		RPCURL   string `yaml:"rpc-url"`
		Ticker   string `yaml:"ticker"`
		Nickname string `yaml:"nickname"`
	}

	Account struct {
		Address string `yaml:"address"`
		Label   string `yaml:"label"`
		Keyring string `yaml:"keyring"`
	}

	Token struct {
		Address  string `yaml:"address"`
		Symbol   string `yaml:"symbol"`
		Decimals int    `yaml:"decimals"`
	}

	Chain struct {
		Hardfork string         `yaml:"hardfork"`
		Accounts []ChainAccount `yaml:"accounts"`
	}

	// ChainAccount is a seeded key. The balance is given either as hex wei or as decimal ether.
	ChainAccount struct {
		SecretKey string `yaml:"secret-key"`
		Balance   string `yaml:"balance"`
		Ether     string `yaml:"ether"`
	}

	// Mock is one interception rule. Without always or times it answers once.
	Mock struct {
		Method       string            `yaml:"method"`
		URL          string            `yaml:"url"`
		URLPattern   string            `yaml:"url-pattern"`
		Query        map[string]string `yaml:"query"`
		Headers      map[string]string `yaml:"headers"`
		BodyIncludes string            `yaml:"body-includes"`
		Status       int               `yaml:"status"`
		JSON         any               `yaml:"json"`
		Body         string            `yaml:"body"`
		Times        int               `yaml:"times"`
		Always       bool              `yaml:"always"`
	}
)

// Load reads and validates a scenario file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}

	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// Parse decodes a scenario document, rejecting unknown keys.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode scenario: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) Validate() error {
	var errs []error

	if f.Title == "" {
		errs = append(errs, errors.New("title is required"))
	}
	if len(f.Steps) == 0 {
		errs = append(errs, errors.New("at least one step is required"))
	}
	for i, s := range f.Steps {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("step %d: %w", i+1, err))
		}
	}
	for i, m := range f.Mocks {
		if err := m.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("mock %d: %w", i+1, err))
		}
	}
	if f.Chain != nil {
		for i, a := range f.Chain.Accounts {
			if _, err := a.account(); err != nil {
				errs = append(errs, fmt.Errorf("chain account %d: %w", i+1, err))
			}
		}
	}

	return errors.Join(errs...)
}

func (m Mock) Validate() error {
	var errs []error

	if m.URL == "" && m.URLPattern == "" && m.Method == "" {
		errs = append(errs, errors.New("method, url or url-pattern is required; use method: ANY for a catch-all"))
	}
	if m.URLPattern != "" {
		if _, err := regexp.Compile(m.URLPattern); err != nil {
			errs = append(errs, fmt.Errorf("invalid url-pattern: %w", err))
		}
	}
	if m.JSON != nil && m.Body != "" {
		errs = append(errs, errors.New("json and body are mutually exclusive"))
	}
	if m.Times < 0 {
		errs = append(errs, errors.New("times must not be negative"))
	}
	if m.Always && m.Times > 0 {
		errs = append(errs, errors.New("always and times are mutually exclusive"))
	}
	if m.Status != 0 && (m.Status < 100 || m.Status > 599) {
		errs = append(errs, fmt.Errorf("invalid status %d", m.Status))
	}

	return errors.Join(errs...)
}

func (a ChainAccount) account() (chain.Account, error) {
	switch {
	case a.Balance != "" && a.Ether != "":
		return chain.Account{}, errors.New("balance and ether are mutually exclusive")
	case a.Ether != "":
		wei, err := chain.EtherToWei(a.Ether)
		if err != nil {
			return chain.Account{}, err
		}
		return chain.Account{SecretKey: a.SecretKey, Balance: chain.ToHexWei(wei)}, nil
	default:
		return chain.Account{SecretKey: a.SecretKey, Balance: a.Balance}, nil
	}
}

// Options translates the file into orchestrator options.
func (f *File) Options() (harness.Options, error) {
	state, err := f.Fixtures.build()
	if err != nil {
		return harness.Options{}, err
	}

	opts := harness.Options{
		Title:         f.Title,
		Fixtures:      state,
		SmartContract: f.SmartContract,
		Dapp:          f.Dapp || f.Fixtures.ConnectedToTestDapp,
	}

	if f.Chain != nil {
		co := &harness.ChainOptions{Hardfork: f.Chain.Hardfork}
		for _, a := range f.Chain.Accounts {
			account, err := a.account()
			if err != nil {
				return harness.Options{}, err
			}
			co.Accounts = append(co.Accounts, account)
		}
		opts.ChainOptions = co
	}

	if len(f.Mocks) > 0 {
		mocks := f.Mocks
		opts.TestSpecificMock = func(s *mock.Server) error {
			for i, m := range mocks {
				if err := m.register(s); err != nil {
					return fmt.Errorf("mock %d: %w", i+1, err)
				}
			}
			return nil
		}
	}

	return opts, nil
}

func (fx Fixtures) build() (fixture.State, error) {
	b := fixture.NewBuilder()

	if fx.Network != nil {
		b.WithNetwork(fixture.Network{
			Type:     fx.Network.Type,
			ChainID:  fx.Network.ChainID,
			RPCURL:   fx.Network.RPCURL,
			Ticker:   fx.Network.Ticker,
			Nickname: fx.Network.Nickname,
		})
	}
	if fx.NetworkControllerOnMainnet {
		b.WithNetworkControllerOnMainnet()
	}
	for _, a := range fx.Accounts {
		b.WithAccount(fixture.Account{Address: a.Address, Label: a.Label, Keyring: a.Keyring})
	}
	if fx.SelectedAccount != "" {
		b.WithSelectedAccount(fx.SelectedAccount)
	}
	if fx.ConnectedToTestDapp {
		b.WithPermissionControllerConnectedToTestDapp()
	}
	if len(fx.Preferences) > 0 {
		b.WithPreferences(fx.Preferences)
	}
	for _, t := range fx.Tokens {
		b.WithToken(fixture.Token{Address: t.Address, Symbol: t.Symbol, Decimals: t.Decimals})
	}

	state, err := b.Build()
	if err != nil {
		return fixture.State{}, fmt.Errorf("failed to build fixtures: %w", err)
	}
	return state, nil
}

func (m Mock) register(s *mock.Server) error {
	method := m.Method
	if method == "ANY" || method == "any" {
		method = ""
	}

	b := s.For(method, m.URL)
	if m.URLPattern != "" {
		re, err := regexp.Compile(m.URLPattern)
		if err != nil {
			return fmt.Errorf("invalid url-pattern: %w", err)
		}
		b.WithURLPattern(re)
	}
	for k, v := range m.Query {
		b.WithQuery(k, v)
	}
	for k, v := range m.Headers {
		b.WithHeader(k, v)
	}
	if m.BodyIncludes != "" {
		b.WithBodyIncluding(m.BodyIncludes)
	}

	switch {
	case m.Always:
		b.Always()
	case m.Times > 0:
		b.Times(m.Times)
	}

	status := m.Status
	if status == 0 {
		status = 200
	}

	var err error
	if m.JSON != nil {
		_, err = b.ThenJSON(status, m.JSON)
	} else {
		_, err = b.ThenReply(status, m.Body)
	}
	return err
}

type (
	// Step is one driven interaction or assertion. Exactly one action is set.
	Step struct {
		Navigate       *string        `yaml:"navigate"`
		Fill           *Target        `yaml:"fill"`
		Click          *Target        `yaml:"click"`
		WaitFor        *Target        `yaml:"wait-for"`
		ExpectPresent  *Target        `yaml:"expect-present"`
		ExpectAbsent   *Target        `yaml:"expect-absent"`
		ExpectVisible  *Target        `yaml:"expect-visible"`
		ExpectBalance  *BalanceCheck  `yaml:"expect-balance"`
		ExpectRequests *RequestsCheck `yaml:"expect-requests"`
	}

	// Target locates an element. A bare string is a CSS selector.
	Target struct {
		CSS     string        `yaml:"css"`
		XPath   string        `yaml:"xpath"`
		Text    string        `yaml:"text"`
		Tag     string        `yaml:"tag"`
		Value   string        `yaml:"value"`
		State   string        `yaml:"state"`
		Timeout time.Duration `yaml:"timeout"`
	}

	// BalanceCheck compares an on-chain balance with a decimal ether amount. The account defaults to
	// the first seeded one.
	BalanceCheck struct {
		Account string `yaml:"account"`
		Ether   string `yaml:"ether"`
	}

	// RequestsCheck counts the intercepted requests answered by a rule.
	RequestsCheck struct {
		Method string `yaml:"method"`
		URL    string `yaml:"url"`
		Count  int    `yaml:"count"`
	}
)

func (t *Target) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		t.CSS = n.Value
		return nil
	}

	type plain Target
	return n.Decode((*plain)(t))
}

func (t Target) locator() driver.Locator {
	return driver.Locator{CSS: t.CSS, XPath: t.XPath, Text: t.Text, Tag: t.Tag}
}

func (t Target) waitOptions() ([]driver.WaitOption, error) {
	var opts []driver.WaitOption
	if t.Timeout > 0 {
		opts = append(opts, driver.Timeout(t.Timeout))
	}

	switch t.State {
	case "", "visible":
	case "present":
		opts = append(opts, driver.State(driver.StatePresent))
	case "hidden":
		opts = append(opts, driver.State(driver.StateHidden))
	case "detached":
		opts = append(opts, driver.State(driver.StateDetached))
	default:
		return nil, fmt.Errorf("unknown wait state %q", t.State)
	}
	return opts, nil
}

// Action names the step's action.
func (s Step) Action() string {
	actions := s.actions()
	if len(actions) != 1 {
		return "invalid"
	}
	return actions[0]
}

func (s Step) actions() []string {
	var set []string
	add := func(name string, present bool) {
		if present {
			set = append(set, name)
		}
	}

	add("navigate", s.Navigate != nil)
	add("fill", s.Fill != nil)
	add("click", s.Click != nil)
	add("wait-for", s.WaitFor != nil)
	add("expect-present", s.ExpectPresent != nil)
	add("expect-absent", s.ExpectAbsent != nil)
	add("expect-visible", s.ExpectVisible != nil)
	add("expect-balance", s.ExpectBalance != nil)
	add("expect-requests", s.ExpectRequests != nil)
	return set
}

func (s Step) Validate() error {
	actions := s.actions()
	switch len(actions) {
	case 0:
		return errors.New("no action")
	case 1:
	default:
		return fmt.Errorf("exactly one action per step, got %v", actions)
	}

	for _, t := range []*Target{s.Fill, s.Click, s.WaitFor, s.ExpectPresent, s.ExpectAbsent, s.ExpectVisible} {
		if t == nil {
			continue
		}
		if err := t.locator().Validate(); err != nil {
			return err
		}
		if _, err := t.waitOptions(); err != nil {
			return err
		}
	}

	if s.ExpectBalance != nil {
		if _, err := chain.EtherToWei(s.ExpectBalance.Ether); err != nil {
			return err
		}
	}
	if s.ExpectRequests != nil {
		if s.ExpectRequests.URL == "" {
			return errors.New("expect-requests needs a url")
		}
		if s.ExpectRequests.Count < 0 {
			return errors.New("expect-requests count must not be negative")
		}
	}
	return nil
}
