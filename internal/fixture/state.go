package fixture

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

const (
	// ChainRPCPlaceholder stands for the simulated chain endpoint until the environment binds it.
	ChainRPCPlaceholder = "{{chain.rpc}}"
	// DappOriginPlaceholder stands for the companion dapp origin until the environment binds it.
	DappOriginPlaceholder = "{{dapp.origin}}"

	stateVersion = 74

	placeholderOpen = "{{"
)

// ErrUnboundPlaceholder is returned by Render when a placeholder has no binding, for example a dapp
// permission while the dapp is not served.
var ErrUnboundPlaceholder = errors.New("unbound fixture placeholder")

type (
	Network struct {
		Type     string `json:"type"`
		ChainID  int64  `json:"chainId"`
		RPCURL   string `json:"rpcUrl,omitempty"`
		Ticker   string `json:"ticker"`
		Nickname string `json:"nickname"`
	}

	Account struct {
		Address string `json:"address"`
		Label   string `json:"label"`
		Keyring string `json:"keyring"`
	}

	Caveat struct {
		Type  string `json:"type"`
		Value any    `json:"value"`
	}

	Permission struct {
		ParentCapability string   `json:"parentCapability"`
		Caveats          []Caveat `json:"caveats,omitempty"`
	}

	Token struct {
		Address  string `json:"address"`
		Symbol   string `json:"symbol"`
		Decimals int    `json:"decimals"`
	}

	// State is the immutable snapshot produced by Builder.Build. Accessors return copies.
	State struct {
		network         Network
		accounts        []Account
		selectedAccount string
		permissions     map[string][]Permission
		preferences     map[string]any
		tokens          []Token
		version         int
	}

	// Bindings carries runtime endpoints known only once the environment is provisioned.
	Bindings struct {
		ChainRPCURL string
		DappOrigin  string
	}
)

func (s State) Network() Network { return s.network }

func (s State) Accounts() []Account { return slices.Clone(s.accounts) }

func (s State) SelectedAccount() string { return s.selectedAccount }

func (s State) Tokens() []Token { return slices.Clone(s.tokens) }

func (s State) Version() int { return s.version }

func (s State) Permissions() map[string][]Permission {
	out := make(map[string][]Permission, len(s.permissions))
	for origin, perms := range s.permissions {
		out[origin] = clonePermissions(perms)
	}
	return out
}

func (s State) Preferences() map[string]any {
	out := make(map[string]any, len(s.preferences))
	for k, v := range s.preferences {
		out[k] = cloneValue(v)
	}
	return out
}

// IsZero reports whether the state was never built.
func (s State) IsZero() bool {
	return s.version == 0
}

type (
	document struct {
		Data documentData `json:"data"`
		Meta documentMeta `json:"meta"`
	}

	documentData struct {
		AccountsController    accountsController    `json:"AccountsController"`
		NetworkController     networkController     `json:"NetworkController"`
		PermissionController  permissionController  `json:"PermissionController"`
		PreferencesController map[string]any        `json:"PreferencesController"`
		TokensController      tokensController      `json:"TokensController"`
	}

	accountsController struct {
		Accounts        []Account `json:"accounts"`
		SelectedAccount string    `json:"selectedAccount"`
	}

	networkController struct {
		ProviderConfig Network `json:"providerConfig"`
	}

	permissionController struct {
		Subjects map[string]subject `json:"subjects"`
	}

	subject struct {
		Origin      string                `json:"origin"`
		Permissions map[string]Permission `json:"permissions"`
	}

	tokensController struct {
		Tokens []Token `json:"tokens"`
	}

	documentMeta struct {
		Version int `json:"version"`
	}
)

// Render produces the fixture document the wallet loads on startup, with placeholders bound.
// The snapshot itself is left untouched.
func (s State) Render(b Bindings) ([]byte, error) {
	if s.IsZero() {
		return nil, fmt.Errorf("fixture state was not built")
	}

	var unbound []string
	checked := func(value string) string {
		value = bind(value, b)
		if strings.Contains(value, placeholderOpen) {
			unbound = append(unbound, value)
		}
		return value
	}

	network := s.network
	network.RPCURL = checked(network.RPCURL)

	subjects := make(map[string]subject, len(s.permissions))
	for origin, perms := range s.permissions {
		boundOrigin := checked(origin)
		byName := make(map[string]Permission, len(perms))
		for _, p := range clonePermissions(perms) {
			byName[p.ParentCapability] = p
		}
		subjects[boundOrigin] = subject{Origin: boundOrigin, Permissions: byName}
	}

	if len(unbound) > 0 {
		slices.Sort(unbound)
		return nil, fmt.Errorf("%w: %s", ErrUnboundPlaceholder, strings.Join(unbound, ", "))
	}

	accounts := s.Accounts()
	if accounts == nil {
		accounts = []Account{}
	}
	tokens := s.Tokens()
	if tokens == nil {
		tokens = []Token{}
	}

	doc := document{
		Data: documentData{
			AccountsController:    accountsController{Accounts: accounts, SelectedAccount: s.selectedAccount},
			NetworkController:     networkController{ProviderConfig: network},
			PermissionController:  permissionController{Subjects: subjects},
			PreferencesController: s.Preferences(),
			TokensController:      tokensController{Tokens: tokens},
		},
		Meta: documentMeta{Version: s.version},
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fixture document: %w", err)
	}

	return append(data, '\n'), nil
}

func bind(value string, b Bindings) string {
	if b.ChainRPCURL != "" {
		value = strings.ReplaceAll(value, ChainRPCPlaceholder, b.ChainRPCURL)
	}
	if b.DappOrigin != "" {
		value = strings.ReplaceAll(value, DappOriginPlaceholder, b.DappOrigin)
	}
	return value
}

func clonePermissions(perms []Permission) []Permission {
	out := make([]Permission, len(perms))
	for i, p := range perms {
		out[i] = Permission{ParentCapability: p.ParentCapability}
		if p.Caveats != nil {
			out[i].Caveats = make([]Caveat, len(p.Caveats))
			for j, c := range p.Caveats {
				out[i].Caveats[j] = Caveat{Type: c.Type, Value: cloneValue(c.Value)}
			}
		}
	}
	return out
}

// cloneValue deep copies the JSON-shaped values preferences and caveats are made of.
func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(typed)
	default:
		return v
	}
}
