package fixture

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

const (
	// DefaultAccountAddress belongs to the well-known development key seeded by the default chain options.
	DefaultAccountAddress = "0x5cfe73b6021e818b776b421b1c4db2474086a7e1"

	defaultKeyring = "HD Key Tree"
)

var (
	ErrConflict     = errors.New("conflicting fixture configuration")
	ErrInvalidValue = errors.New("invalid fixture value")
)

// ConfigError reports a builder call that cannot be applied.
type ConfigError struct {
	Concern string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("fixture %s: %v", e.Concern, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Builder assembles a State. Every concern can be configured once; repeating a call with the same
// value is accepted, repeating it with a different value makes Build fail.
type Builder struct {
	state      State
	configured map[string]any
	err        error
	// connectDapp defers the dapp permission until Build, when the selected account is final.
	connectDapp bool
}

// NewBuilder starts from the default fixture: a localhost network bound to the simulated chain and
// the default development account selected.
func NewBuilder() *Builder {
	return &Builder{
		state: State{
			network: Network{
				Type:     "rpc",
				ChainID:  1337,
				RPCURL:   ChainRPCPlaceholder,
				Ticker:   "ETH",
				Nickname: "Localhost 8545",
			},
			accounts: []Account{{
				Address: DefaultAccountAddress,
				Label:   "Account 1",
				Keyring: defaultKeyring,
			}},
			selectedAccount: DefaultAccountAddress,
			permissions:     map[string][]Permission{},
			preferences: map[string]any{
				"completedOnboarding":  true,
				"currentLocale":        "en",
				"useCurrencyRateCheck": true,
			},
			version: stateVersion,
		},
		configured: map[string]any{},
	}
}

// WithNetwork replaces the default network.
func (b *Builder) WithNetwork(n Network) *Builder {
	if n.ChainID <= 0 {
		return b.fail("network", fmt.Errorf("%w: chain id must be positive", ErrInvalidValue))
	}
	if n.Type == "" {
		n.Type = "rpc"
	}
	if !b.claim("network", n) {
		return b
	}
	b.state.network = n
	return b
}

// WithNetworkControllerOnMainnet points the wallet at Ethereum mainnet.
func (b *Builder) WithNetworkControllerOnMainnet() *Builder {
	return b.WithNetwork(Network{
		Type:     "mainnet",
		ChainID:  1,
		Ticker:   "ETH",
		Nickname: "Ethereum Mainnet",
	})
}

// WithAccount adds an account to the keyring.
func (b *Builder) WithAccount(a Account) *Builder {
	a.Address = strings.ToLower(a.Address)
	if a.Address == "" {
		return b.fail("account", fmt.Errorf("%w: address is required", ErrInvalidValue))
	}
	if a.Keyring == "" {
		a.Keyring = defaultKeyring
	}
	if !b.claim("account "+a.Address, a) {
		return b
	}

	for i, existing := range b.state.accounts {
		if existing.Address == a.Address {
			b.state.accounts[i] = a
			return b
		}
	}
	b.state.accounts = append(b.state.accounts, a)
	return b
}

// WithSelectedAccount selects an account that is part of the keyring.
func (b *Builder) WithSelectedAccount(address string) *Builder {
	address = strings.ToLower(address)
	if !b.claim("selected account", address) {
		return b
	}
	b.state.selectedAccount = address
	return b
}

// WithPermissionControllerConnectedToTestDapp grants the companion dapp access to the account
// selected when Build runs, whichever order the calls come in.
func (b *Builder) WithPermissionControllerConnectedToTestDapp() *Builder {
	if !b.claim("permissions "+DappOriginPlaceholder, "connected to the selected account") {
		return b
	}
	b.connectDapp = true
	return b
}

func connectedAccountPermission(account string) Permission {
	return Permission{
		ParentCapability: "eth_accounts",
		Caveats: []Caveat{{
			Type:  "restrictReturnedAccounts",
			Value: []any{account},
		}},
	}
}

// WithPermission grants permissions to an origin.
func (b *Builder) WithPermission(origin string, perms ...Permission) *Builder {
	if origin == "" || len(perms) == 0 {
		return b.fail("permissions", fmt.Errorf("%w: origin and at least one permission are required", ErrInvalidValue))
	}
	perms = clonePermissions(perms)
	if !b.claim("permissions "+origin, perms) {
		return b
	}
	b.state.permissions[origin] = perms
	return b
}

// WithPreference sets a single preference key.
func (b *Builder) WithPreference(key string, value any) *Builder {
	if key == "" {
		return b.fail("preference", fmt.Errorf("%w: key is required", ErrInvalidValue))
	}
	value = cloneValue(value)
	if !b.claim("preference "+key, value) {
		return b
	}
	b.state.preferences[key] = value
	return b
}

// WithPreferences sets several preference keys.
func (b *Builder) WithPreferences(prefs map[string]any) *Builder {
	for key, value := range prefs {
		b.WithPreference(key, value)
	}
	return b
}

// WithToken adds a tracked ERC20 token.
func (b *Builder) WithToken(t Token) *Builder {
	t.Address = strings.ToLower(t.Address)
	if t.Address == "" || t.Symbol == "" {
		return b.fail("token", fmt.Errorf("%w: address and symbol are required", ErrInvalidValue))
	}
	if !b.claim("token "+t.Address, t) {
		return b
	}
	b.state.tokens = append(b.state.tokens, t)
	return b
}

// Err returns the first configuration error recorded so far.
func (b *Builder) Err() error {
	return b.err
}

// Build materializes the snapshot. It performs no I/O.
func (b *Builder) Build() (State, error) {
	if b.err != nil {
		return State{}, b.err
	}

	if !b.hasAccount(b.state.selectedAccount) {
		return State{}, &ConfigError{
			Concern: "selected account",
			Err:     fmt.Errorf("%w: %s is not part of the keyring", ErrInvalidValue, b.state.selectedAccount),
		}
	}

	permissions := make(map[string][]Permission, len(b.state.permissions))
	for origin, perms := range b.state.permissions {
		permissions[origin] = clonePermissions(perms)
	}
	if b.connectDapp {
		permissions[DappOriginPlaceholder] = []Permission{connectedAccountPermission(b.state.selectedAccount)}
	}
	preferences := make(map[string]any, len(b.state.preferences))
	for k, v := range b.state.preferences {
		preferences[k] = cloneValue(v)
	}

	return State{
		network:         b.state.network,
		accounts:        b.state.Accounts(),
		selectedAccount: b.state.selectedAccount,
		permissions:     permissions,
		preferences:     preferences,
		tokens:          b.state.Tokens(),
		version:         b.state.version,
	}, nil
}

// MustBuild is Build for fixtures declared in test code.
func (b *Builder) MustBuild() State {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}

// claim records that concern is being configured with value. It returns false when the call must
// not be applied, either because it repeats an identical value or because it conflicts.
func (b *Builder) claim(concern string, value any) bool {
	if b.err != nil {
		return false
	}

	previous, ok := b.configured[concern]
	if !ok {
		b.configured[concern] = value
		return true
	}

	if !reflect.DeepEqual(previous, value) {
		b.fail(concern, fmt.Errorf("%w: already configured with %v, got %v", ErrConflict, previous, value))
	}
	return false
}

func (b *Builder) fail(concern string, err error) *Builder {
	if b.err == nil {
		b.err = &ConfigError{Concern: concern, Err: err}
	}
	return b
}

func (b *Builder) hasAccount(address string) bool {
	for _, a := range b.state.accounts {
		if a.Address == address {
			return true
		}
	}
	return false
}
