package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/compose-network/scenario-harness/configs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// DefaultSecretKey is the development key every default fixture account is derived from.
	DefaultSecretKey = "0x7C9529A67102755B7E6102D6D950AC5D5863C98713805CEC576B945B15B71EAC"

	simulatedChainID = 1337
)

var ErrInvalidOptions = errors.New("invalid chain options")

// Hardforks the chain engines accept.
var Hardforks = []string{
	"constantinople",
	"byzantium",
	"petersburg",
	"istanbul",
	"muirGlacier",
	"berlin",
	"london",
	"arrowGlacier",
	"grayGlacier",
	"merge",
	"shanghai",
}

// SimulatedHardforks are the hardforks the simulated engine can run. It seals post-merge blocks
// only, so every pre-london fork is out of reach.
var SimulatedHardforks = []string{
	"london",
	"arrowGlacier",
	"grayGlacier",
	"merge",
	"shanghai",
}

type (
	// Account is a key funded at genesis. Balance is a 0x-prefixed hex wei quantity.
	Account struct {
		SecretKey string `yaml:"secret-key"`
		Balance   string `yaml:"balance"`
	}

	Options struct {
		Engine         configs.ChainEngine
		Image          string
		ChainID        int64
		Hardfork       string
		Accounts       []Account
		Contracts      []string
		ContractsDir   string
		Catalogue      Catalogue
		BlockGasLimit  uint64
		StartupTimeout time.Duration
		DeployTimeout  time.Duration
		// RunID makes container names unique per invocation.
		RunID string
	}

	// SeededAccount is the resolved form of an Account once the node is running.
	SeededAccount struct {
		Address common.Address
		Balance *big.Int
	}
)

// DefaultAccount is the single account the default fixtures expect: the development key with 25 ETH.
func DefaultAccount() Account {
	return Account{SecretKey: DefaultSecretKey, Balance: ToHexWei(MustEtherToWei("25"))}
}

// OptionsFrom seeds options from the chain configuration section.
func OptionsFrom(cfg configs.Chain) Options {
	return Options{
		Engine:         cfg.Engine,
		Image:          cfg.Image,
		ChainID:        cfg.ChainID,
		Hardfork:       cfg.Hardfork,
		Accounts:       []Account{DefaultAccount()},
		ContractsDir:   cfg.ContractsDir,
		Catalogue:      DefaultCatalogue(),
		BlockGasLimit:  cfg.BlockGasLimit,
		StartupTimeout: cfg.StartupTimeout,
		DeployTimeout:  cfg.DeployTimeout,
	}
}

// Validate checks everything that can be checked before a node is started.
func (o Options) Validate() error {
	var errs []error

	switch o.Engine {
	case configs.ChainEngineGanache:
		if o.Image == "" {
			errs = append(errs, errors.New("image is required for the ganache engine"))
		}
	case configs.ChainEngineSimulated:
		if o.ChainID != simulatedChainID {
			errs = append(errs, fmt.Errorf("the simulated engine always runs chain id %d, got %d", simulatedChainID, o.ChainID))
		}
		if slices.Contains(Hardforks, o.Hardfork) && !slices.Contains(SimulatedHardforks, o.Hardfork) {
			errs = append(errs, fmt.Errorf("the simulated engine cannot run pre-merge hardfork %q, expected one of %s", o.Hardfork, strings.Join(SimulatedHardforks, ", ")))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown engine %q", o.Engine))
	}

	if !slices.Contains(Hardforks, o.Hardfork) {
		errs = append(errs, fmt.Errorf("unknown hardfork %q, expected one of %s", o.Hardfork, strings.Join(Hardforks, ", ")))
	}

	if o.ChainID <= 0 {
		errs = append(errs, errors.New("chain id must be greater than 0"))
	}
	if o.StartupTimeout <= 0 {
		errs = append(errs, errors.New("startup timeout must be greater than 0"))
	}

	if len(o.Accounts) == 0 {
		errs = append(errs, errors.New("at least one account is required"))
	}
	seen := make(map[common.Address]bool, len(o.Accounts))
	for i, a := range o.Accounts {
		key, err := parseSecretKey(a.SecretKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("account %d: %w", i, err))
			continue
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if seen[addr] {
			errs = append(errs, fmt.Errorf("account %d: duplicate account %s", i, addr.Hex()))
		}
		seen[addr] = true

		if _, err := ParseHexWei(a.Balance); err != nil {
			errs = append(errs, fmt.Errorf("account %d: %w", i, err))
		}
	}

	if len(o.Contracts) > 0 {
		if o.DeployTimeout <= 0 {
			errs = append(errs, errors.New("deploy timeout must be greater than 0"))
		}
		if o.ContractsDir == "" {
			errs = append(errs, errors.New("contracts dir is required to deploy contracts"))
		}
	}
	for _, id := range o.Contracts {
		if _, ok := o.Catalogue[id]; !ok {
			errs = append(errs, fmt.Errorf("%w: %q is not in the contract catalogue", ErrUnknownContract, id))
		}
	}
	if dup := firstDuplicate(o.Contracts); dup != "" {
		errs = append(errs, fmt.Errorf("contract %q requested twice", dup))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, errors.Join(errs...))
	}
	return nil
}

func (o Options) seededAccounts() ([]SeededAccount, []*ecdsa.PrivateKey, error) {
	accounts := make([]SeededAccount, 0, len(o.Accounts))
	keys := make([]*ecdsa.PrivateKey, 0, len(o.Accounts))
	for _, a := range o.Accounts {
		key, err := parseSecretKey(a.SecretKey)
		if err != nil {
			return nil, nil, err
		}
		balance, err := ParseHexWei(a.Balance)
		if err != nil {
			return nil, nil, err
		}
		accounts = append(accounts, SeededAccount{Address: crypto.PubkeyToAddress(key.PublicKey), Balance: balance})
		keys = append(keys, key)
	}
	return accounts, keys, nil
}

// parseSecretKey accepts a 32-byte secp256k1 key as hex, with or without the 0x prefix.
func parseSecretKey(s string) (*ecdsa.PrivateKey, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) != 64 {
		return nil, fmt.Errorf("secret key must be 32 bytes of hex, got %d characters", len(raw))
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	return key, nil
}

func firstDuplicate(ids []string) string {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return id
		}
		seen[id] = true
	}
	return ""
}
