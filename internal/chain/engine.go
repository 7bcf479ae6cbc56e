package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/compose-network/scenario-harness/configs"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

type (
	// Backend is the client surface the simulator needs from a node: deploying, transacting, waiting
	// for receipts and reading balances.
	Backend interface {
		bind.ContractBackend
		bind.DeployBackend
		ethereum.ChainIDReader
		ethereum.BlockNumberReader
		BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	}

	// chainNode is one running chain instance.
	chainNode interface {
		RPCURL() string
		Backend() Backend
		// Mine seals pending transactions on nodes that do not mine on their own.
		Mine()
		Logs(ctx context.Context) ([]byte, error)
		Close(ctx context.Context) error
	}

	engine interface {
		start(ctx context.Context, opts Options, accounts []SeededAccount) (chainNode, error)
	}
)

func engineFor(kind configs.ChainEngine) (engine, error) {
	switch kind {
	case configs.ChainEngineGanache:
		return &ganacheEngine{}, nil
	case configs.ChainEngineSimulated:
		return &simulatedEngine{}, nil
	default:
		return nil, fmt.Errorf("unknown chain engine %q", kind)
	}
}
