package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/compose-network/scenario-harness/internal/logger"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/eth/ethconfig"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/node"
	"github.com/ethereum/go-ethereum/params"
)

const automineInterval = 100 * time.Millisecond

// simulatedEngine runs an in-process go-ethereum backend under the requested hardfork rules, serving
// JSON-RPC over HTTP on loopback so the wallet can reach it like any other node.
type simulatedEngine struct{}

func (e *simulatedEngine) start(_ context.Context, opts Options, accounts []SeededAccount) (chainNode, error) {
	chainConfig, err := simulatedChainConfig(opts.Hardfork)
	if err != nil {
		return nil, err
	}

	port, err := freeLoopbackPort()
	if err != nil {
		return nil, err
	}

	alloc := make(types.GenesisAlloc, len(accounts))
	for _, a := range accounts {
		alloc[a.Address] = types.Account{Balance: new(big.Int).Set(a.Balance)}
	}

	options := []func(*node.Config, *ethconfig.Config){
		func(nodeConf *node.Config, _ *ethconfig.Config) {
			nodeConf.HTTPHost = "127.0.0.1"
			nodeConf.HTTPPort = port
			nodeConf.HTTPModules = []string{"eth", "net", "web3"}
			nodeConf.HTTPCors = []string{"*"}
			nodeConf.HTTPVirtualHosts = []string{"*"}
		},
		func(_ *node.Config, ethConf *ethconfig.Config) {
			ethConf.Genesis.Config = chainConfig
		},
	}
	if opts.BlockGasLimit > 0 {
		options = append(options, simulated.WithBlockGasLimit(opts.BlockGasLimit))
	}

	backend, err := newSimulatedBackend(alloc, options)
	if err != nil {
		return nil, err
	}

	l := logger.Named("simulated_chain").With("hardfork", opts.Hardfork)

	n := &simulatedNode{
		backend: backend,
		rpcURL:  "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		logger:  l,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go n.automine()

	return n, nil
}

// simulatedChainConfig activates every block-numbered fork up to london at genesis, with the merge
// already reached. shanghai additionally activates at genesis time.
func simulatedChainConfig(hardfork string) (*params.ChainConfig, error) {
	var shanghaiTime *uint64
	switch hardfork {
	case "london", "arrowGlacier", "grayGlacier", "merge":
	case "shanghai":
		shanghaiTime = new(uint64)
	default:
		return nil, fmt.Errorf("%w: the simulated engine cannot run hardfork %q, expected one of %s",
			ErrInvalidOptions, hardfork, strings.Join(SimulatedHardforks, ", "))
	}

	return &params.ChainConfig{
		ChainID:                 big.NewInt(simulatedChainID),
		HomesteadBlock:          big.NewInt(0),
		EIP150Block:             big.NewInt(0),
		EIP155Block:             big.NewInt(0),
		EIP158Block:             big.NewInt(0),
		ByzantiumBlock:          big.NewInt(0),
		ConstantinopleBlock:     big.NewInt(0),
		PetersburgBlock:         big.NewInt(0),
		IstanbulBlock:           big.NewInt(0),
		MuirGlacierBlock:        big.NewInt(0),
		BerlinBlock:             big.NewInt(0),
		LondonBlock:             big.NewInt(0),
		ArrowGlacierBlock:       big.NewInt(0),
		GrayGlacierBlock:        big.NewInt(0),
		TerminalTotalDifficulty: big.NewInt(0),
		MergeNetsplitBlock:      big.NewInt(0),
		ShanghaiTime:            shanghaiTime,
		Ethash:                  new(params.EthashConfig),
	}, nil
}

// newSimulatedBackend turns the constructor's panic on node startup failure into an error.
func newSimulatedBackend(alloc types.GenesisAlloc, options []func(*node.Config, *ethconfig.Config)) (backend *simulated.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to start simulated backend: %v", r)
		}
	}()

	return simulated.NewBackend(alloc, options...), nil
}

type simulatedNode struct {
	backend *simulated.Backend
	rpcURL  string
	logger  *slog.Logger

	// sealMu serializes Commit between the deployer and the automine loop.
	sealMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	stopped chan struct{}
}

func (n *simulatedNode) RPCURL() string { return n.rpcURL }

func (n *simulatedNode) Backend() Backend { return n.backend.Client() }

func (n *simulatedNode) Mine() {
	n.sealMu.Lock()
	defer n.sealMu.Unlock()

	n.backend.Commit()
}

// automine seals a block whenever transactions sent over RPC, e.g. by the wallet, are pending.
func (n *simulatedNode) automine() {
	defer close(n.stopped)

	ticker := time.NewTicker(automineInterval)
	defer ticker.Stop()

	client := n.backend.Client()
	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			pending, err := client.PendingTransactionCount(context.Background())
			if err != nil || pending == 0 {
				continue
			}
			n.Mine()
		}
	}
}

// Logs summarizes the chain since there is no node process to read logs from.
func (n *simulatedNode) Logs(ctx context.Context) ([]byte, error) {
	client := n.backend.Client()

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read head block: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "simulated chain head=%d rpc=%s\n", head, n.rpcURL)
	for number := uint64(0); number <= head; number++ {
		block, err := client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return nil, fmt.Errorf("failed to read block %d: %w", number, err)
		}
		fmt.Fprintf(&sb, "block %d hash=%s txs=%d gasUsed=%d\n", number, block.Hash().Hex(), len(block.Transactions()), block.GasUsed())
		for _, tx := range block.Transactions() {
			receipt, err := client.TransactionReceipt(ctx, tx.Hash())
			if err != nil {
				fmt.Fprintf(&sb, "  tx %s receipt unavailable: %v\n", tx.Hash().Hex(), err)
				continue
			}
			fmt.Fprintf(&sb, "  tx %s status=%d contract=%s\n", tx.Hash().Hex(), receipt.Status, receipt.ContractAddress.Hex())
		}
	}

	return []byte(sb.String()), nil
}

func (n *simulatedNode) Close(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true

	close(n.done)
	<-n.stopped

	if err := n.backend.Close(); err != nil {
		return fmt.Errorf("failed to close simulated backend: %w", err)
	}
	n.logger.Info("simulated chain closed")
	return nil
}

// freeLoopbackPort asks the kernel for an unused port for the node to bind right after.
func freeLoopbackPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to reserve a port for the simulated chain: %w", err)
	}
	defer l.Close()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.New("unexpected listener address type")
	}
	return addr.Port, nil
}
