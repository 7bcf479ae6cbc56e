package fixture

import (
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTokenAddress = "0x2B1F577230F4D72B3818895688b66abD9701B4dC"

var testBindings = Bindings{
	ChainRPCURL: "http://127.0.0.1:8545",
	DappOrigin:  "http://127.0.0.1:8080",
}

func connectedDappBuilder() *Builder {
	return NewBuilder().
		WithPermissionControllerConnectedToTestDapp().
		WithToken(Token{Address: testTokenAddress, Symbol: "TST", Decimals: 4})
}

func TestNewBuilder_Defaults(t *testing.T) {
	state, err := NewBuilder().Build()
	require.NoError(t, err)

	assert.Equal(t, int64(1337), state.Network().ChainID)
	assert.Equal(t, ChainRPCPlaceholder, state.Network().RPCURL)
	assert.Equal(t, DefaultAccountAddress, state.SelectedAccount())
	require.Len(t, state.Accounts(), 1)
	assert.Equal(t, true, state.Preferences()["completedOnboarding"])
	assert.Empty(t, state.Permissions())
	assert.False(t, state.IsZero())
}

func TestBuild_IsDeterministic(t *testing.T) {
	first, err := connectedDappBuilder().Build()
	require.NoError(t, err)
	second, err := connectedDappBuilder().Build()
	require.NoError(t, err)

	assert.Equal(t, first, second)

	firstJSON, err := first.Render(testBindings)
	require.NoError(t, err)
	secondJSON, err := second.Render(testBindings)
	require.NoError(t, err)
	assert.Equal(t, firstJSON, secondJSON)
}

func TestRender_Golden(t *testing.T) {
	state, err := connectedDappBuilder().Build()
	require.NoError(t, err)

	document, err := state.Render(testBindings)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "connected_dapp_state", document)
}

func TestRender_LeavesSnapshotUnbound(t *testing.T) {
	state := connectedDappBuilder().MustBuild()

	_, err := state.Render(testBindings)
	require.NoError(t, err)

	assert.Equal(t, ChainRPCPlaceholder, state.Network().RPCURL)
	assert.Contains(t, state.Permissions(), DappOriginPlaceholder)
}

func TestRender_ZeroState(t *testing.T) {
	_, err := State{}.Render(testBindings)
	assert.Error(t, err)
}

func TestBuilder_ConflictingCallsFailBuild(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *Builder
		concern string
	}{
		{
			name: "network",
			build: func() *Builder {
				return NewBuilder().
					WithNetworkControllerOnMainnet().
					WithNetwork(Network{ChainID: 5, Ticker: "ETH", Nickname: "Goerli"})
			},
			concern: "network",
		},
		{
			name: "preference",
			build: func() *Builder {
				return NewBuilder().
					WithPreference("showTestNetworks", true).
					WithPreference("showTestNetworks", false)
			},
			concern: "preference showTestNetworks",
		},
		{
			name: "selected account",
			build: func() *Builder {
				return NewBuilder().
					WithSelectedAccount(DefaultAccountAddress).
					WithSelectedAccount("0x0000000000000000000000000000000000000001")
			},
			concern: "selected account",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Build()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConflict))

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.concern, cfgErr.Concern)
		})
	}
}

func TestBuilder_FirstErrorWins(t *testing.T) {
	b := NewBuilder().
		WithNetwork(Network{ChainID: 0}).
		WithPreference("", 1)

	_, err := b.Build()
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "network", cfgErr.Concern)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestBuilder_IdenticalRepeatIsIdempotent(t *testing.T) {
	state, err := NewBuilder().
		WithNetworkControllerOnMainnet().
		WithNetworkControllerOnMainnet().
		WithPermissionControllerConnectedToTestDapp().
		WithPermissionControllerConnectedToTestDapp().
		WithPreferences(map[string]any{"currentLocale": "en"}).
		Build()
	require.NoError(t, err)

	assert.Equal(t, int64(1), state.Network().ChainID)
	assert.Len(t, state.Permissions()[DappOriginPlaceholder], 1)
}

func TestBuilder_SelectedAccountMustExist(t *testing.T) {
	_, err := NewBuilder().
		WithSelectedAccount("0x0000000000000000000000000000000000000001").
		Build()
	assert.ErrorIs(t, err, ErrInvalidValue)

	state, err := NewBuilder().
		WithAccount(Account{Address: "0x0000000000000000000000000000000000000001", Label: "Account 2"}).
		WithSelectedAccount("0x0000000000000000000000000000000000000001").
		Build()
	require.NoError(t, err)
	assert.Len(t, state.Accounts(), 2)
	assert.Equal(t, defaultKeyring, state.Accounts()[1].Keyring)
}

func TestState_IsImmutable(t *testing.T) {
	b := NewBuilder().WithPreference("nested", map[string]any{"flag": true})
	state, err := b.Build()
	require.NoError(t, err)

	prefs := state.Preferences()
	prefs["currentLocale"] = "fr"
	prefs["nested"].(map[string]any)["flag"] = false

	accounts := state.Accounts()
	accounts[0].Label = "changed"

	b.WithPreference("addedLater", 1)

	again := state.Preferences()
	assert.Equal(t, "en", again["currentLocale"])
	assert.Equal(t, true, again["nested"].(map[string]any)["flag"])
	assert.NotContains(t, again, "addedLater")
	assert.Equal(t, "Account 1", state.Accounts()[0].Label)
}

func TestBuilder_DappPermissionFollowsFinalSelectedAccount(t *testing.T) {
	const second = "0x0000000000000000000000000000000000000002"

	state, err := NewBuilder().
		WithPermissionControllerConnectedToTestDapp().
		WithAccount(Account{Address: second, Label: "Account 2"}).
		WithSelectedAccount(second).
		Build()
	require.NoError(t, err)

	perms := state.Permissions()[DappOriginPlaceholder]
	require.Len(t, perms, 1)
	require.Len(t, perms[0].Caveats, 1)
	assert.Equal(t, []any{second}, perms[0].Caveats[0].Value)
}

func TestBuilder_DappPermissionConflictsWithExplicitGrant(t *testing.T) {
	_, err := NewBuilder().
		WithPermission(DappOriginPlaceholder, Permission{ParentCapability: "eth_accounts"}).
		WithPermissionControllerConnectedToTestDapp().
		Build()
	require.ErrorIs(t, err, ErrConflict)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "permissions "+DappOriginPlaceholder, cfgErr.Concern)
}

func TestRender_UnboundPlaceholderFails(t *testing.T) {
	state := connectedDappBuilder().MustBuild()

	_, err := state.Render(Bindings{ChainRPCURL: testBindings.ChainRPCURL})
	require.ErrorIs(t, err, ErrUnboundPlaceholder)
	assert.Contains(t, err.Error(), DappOriginPlaceholder)

	_, err = NewBuilder().MustBuild().Render(Bindings{})
	require.ErrorIs(t, err, ErrUnboundPlaceholder)
	assert.Contains(t, err.Error(), ChainRPCPlaceholder)

	_, err = NewServer(state, Bindings{ChainRPCURL: testBindings.ChainRPCURL})
	assert.ErrorIs(t, err, ErrUnboundPlaceholder)
}
