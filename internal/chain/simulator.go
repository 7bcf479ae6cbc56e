package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"sync"

	"github.com/compose-network/scenario-harness/internal/logger"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotStarted     = errors.New("chain simulator not started")
	ErrAlreadyStarted = errors.New("chain simulator already started")
)

// Simulator owns one seeded chain node for the lifetime of a scenario. Scenarios only get the
// read-only handle methods; Start and Stop belong to the orchestrator.
type Simulator struct {
	logger   *slog.Logger
	registry *Registry
	// engines is replaced in tests.
	engines func(Options) (engine, error)

	mu       sync.Mutex
	opts     Options
	node     chainNode
	accounts []SeededAccount
	started  bool
	stopped  bool
}

func NewSimulator() *Simulator {
	return &Simulator{
		logger:   logger.Named("chain_simulator"),
		registry: NewRegistry(),
		engines: func(o Options) (engine, error) {
			return engineFor(o.Engine)
		},
	}
}

// Start validates opts, starts the node, waits for its RPC, deploys the requested contracts and
// publishes the registry. Any failure leaves the registry unpublished; Stop must still be called to
// release whatever was started.
func (s *Simulator) Start(ctx context.Context, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if s.stopped {
		return errors.New("chain simulator already stopped")
	}
	s.started = true
	s.opts = opts

	accounts, keys, err := opts.seededAccounts()
	if err != nil {
		return err
	}
	s.accounts = accounts

	eng, err := s.engines(opts)
	if err != nil {
		return err
	}

	l := s.logger.With("engine", opts.Engine).With("chain_id", opts.ChainID)
	l.Info("starting chain node")

	startupCtx, cancel := context.WithTimeout(ctx, opts.StartupTimeout)
	defer cancel()

	n, err := eng.start(startupCtx, opts, accounts)
	if err != nil {
		return fmt.Errorf("failed to start chain node: %w", err)
	}
	s.node = n

	l = l.With("rpc", n.RPCURL())
	l.Info("waiting for chain RPC")
	if err := waitForRPC(startupCtx, n.RPCURL()); err != nil {
		return err
	}

	addresses := map[string]common.Address{}
	if len(opts.Contracts) > 0 {
		deployCtx, cancel := context.WithTimeout(ctx, opts.DeployTimeout)
		defer cancel()

		d := newDeployer(n, keys[0], big.NewInt(opts.ChainID), opts.Catalogue, opts.ContractsDir)
		addresses, err = d.deployAll(deployCtx, opts.Contracts)
		if err != nil {
			l.With("err", err).Error("contract deployment failed")
			return err
		}
	}

	if err := s.registry.publish(addresses); err != nil {
		return err
	}

	l.With("contracts", s.registry.IDs()).Info("chain node ready")
	return nil
}

// Stop releases the node. It is safe after a failed or partial Start and when called repeatedly.
func (s *Simulator) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	if s.node == nil {
		return nil
	}

	if err := s.node.Close(ctx); err != nil {
		return fmt.Errorf("failed to stop chain node: %w", err)
	}

	s.logger.Info("chain node stopped")
	return nil
}

// RPCURL is the JSON-RPC endpoint the wallet is configured with.
func (s *Simulator) RPCURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.node == nil {
		return ""
	}
	return s.node.RPCURL()
}

func (s *Simulator) ChainID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.opts.ChainID
}

// Client returns the node client, or nil before Start.
func (s *Simulator) Client() Backend {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.node == nil {
		return nil
	}
	return s.node.Backend()
}

// Accounts lists the seeded accounts with their genesis balances.
func (s *Simulator) Accounts() []SeededAccount {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := slices.Clone(s.accounts)
	for i := range out {
		out[i].Balance = new(big.Int).Set(out[i].Balance)
	}
	return out
}

// Balance reads the latest balance of addr.
func (s *Simulator) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	client := s.Client()
	if client == nil {
		return nil, ErrNotStarted
	}

	balance, err := client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance of %s: %w", addr.Hex(), err)
	}
	return balance, nil
}

// Contracts is the registry of contracts deployed for this scenario.
func (s *Simulator) Contracts() *Registry {
	return s.registry
}

// Logs returns the node output collected so far.
func (s *Simulator) Logs(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	n, stopped := s.node, s.stopped
	s.mu.Unlock()

	if n == nil {
		return nil, ErrNotStarted
	}
	if stopped {
		return nil, errors.New("chain node already stopped")
	}
	return n.Logs(ctx)
}
