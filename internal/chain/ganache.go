package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/compose-network/scenario-harness/internal/infra/docker"
	"github.com/compose-network/scenario-harness/internal/logger"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
)

const ganacheRPCPort = "8545/tcp"

// containerRuntime is the part of the docker client the ganache engine drives.
type containerRuntime interface {
	EnsureImage(ctx context.Context, imageName string) error
	RunDetached(ctx context.Context, opts docker.DetachedOptions) (docker.Container, error)
	Logs(ctx context.Context, containerID string) ([]byte, error)
	Remove(ctx context.Context, containerID string) error
	Close() error
}

// ganacheEngine runs the ganache image in a throwaway container published on an ephemeral port.
type ganacheEngine struct {
	// newRuntime is replaced in tests.
	newRuntime func() (containerRuntime, error)
}

func (e *ganacheEngine) start(ctx context.Context, opts Options, accounts []SeededAccount) (chainNode, error) {
	newRuntime := e.newRuntime
	if newRuntime == nil {
		newRuntime = func() (containerRuntime, error) { return docker.New() }
	}

	runtime, err := newRuntime()
	if err != nil {
		return nil, err
	}

	if err := runtime.EnsureImage(ctx, opts.Image); err != nil {
		_ = runtime.Close()
		return nil, fmt.Errorf("failed to prepare ganache image: %w", err)
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	container, err := runtime.RunDetached(ctx, docker.DetachedOptions{
		Name:   "harness-ganache-" + runID,
		Image:  opts.Image,
		Cmd:    ganacheArgs(opts, accounts),
		Labels: map[string]string{"scenario-harness.run-id": runID},
		Ports:  []string{ganacheRPCPort},
	})
	if err != nil {
		_ = runtime.Close()
		return nil, fmt.Errorf("failed to start ganache container: %w", err)
	}

	n := &ganacheNode{
		runtime:   runtime,
		container: container,
		rpcURL:    "http://" + container.Ports[ganacheRPCPort],
		logger:    logger.Named("ganache").With("container", container.Name),
	}

	client, err := ethclient.DialContext(ctx, n.rpcURL)
	if err != nil {
		closeErr := n.Close(context.WithoutCancel(ctx))
		return nil, errors.Join(fmt.Errorf("failed to dial ganache: %w", err), closeErr)
	}
	n.client = client

	return n, nil
}

// ganacheArgs renders the ganache CLI flags for opts. Keys keep their 0x prefix as ganache requires.
func ganacheArgs(opts Options, accounts []SeededAccount) []string {
	args := []string{
		"--server.host", "0.0.0.0",
		"--server.port", "8545",
		"--chain.chainId", strconv.FormatInt(opts.ChainID, 10),
		"--chain.hardfork", opts.Hardfork,
		"--logging.quiet", "false",
	}
	if opts.BlockGasLimit > 0 {
		args = append(args, "--miner.blockGasLimit", hexutil.EncodeUint64(opts.BlockGasLimit))
	}

	for i, a := range opts.Accounts {
		key := "0x" + strings.TrimPrefix(strings.TrimPrefix(a.SecretKey, "0x"), "0X")
		args = append(args, "--wallet.accounts", key+","+ToHexWei(accounts[i].Balance))
	}

	return args
}

type ganacheNode struct {
	runtime   containerRuntime
	container docker.Container
	rpcURL    string
	client    *ethclient.Client
	logger    *slog.Logger
}

func (n *ganacheNode) RPCURL() string { return n.rpcURL }

func (n *ganacheNode) Backend() Backend { return n.client }

// Mine is a no-op: ganache mines every transaction as it arrives.
func (n *ganacheNode) Mine() {}

func (n *ganacheNode) Logs(ctx context.Context) ([]byte, error) {
	return n.runtime.Logs(ctx, n.container.ID)
}

func (n *ganacheNode) Close(ctx context.Context) error {
	if n.client != nil {
		n.client.Close()
	}

	var errs []error
	if err := n.runtime.Remove(ctx, n.container.ID); err != nil {
		errs = append(errs, err)
	}
	if err := n.runtime.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close docker client: %w", err))
	}

	n.logger.Info("ganache container removed")
	return errors.Join(errs...)
}
