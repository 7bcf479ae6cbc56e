package harness

import (
	"context"
	"math/big"

	"github.com/compose-network/scenario-harness/internal/chain"
	"github.com/compose-network/scenario-harness/internal/driver"
	"github.com/compose-network/scenario-harness/internal/fixture"
	"github.com/compose-network/scenario-harness/internal/mock"
	"github.com/ethereum/go-ethereum/common"
)

type (
	// ChainHandle is the read-only view of the chain simulator handed to scenarios.
	ChainHandle interface {
		RPCURL() string
		ChainID() int64
		Client() chain.Backend
		Accounts() []chain.SeededAccount
		Balance(ctx context.Context, addr common.Address) (*big.Int, error)
		Contracts() *chain.Registry
		Logs(ctx context.Context) ([]byte, error)
	}

	// MockHandle lets scenarios assert on intercepted traffic without controlling the server.
	MockHandle interface {
		URL() string
		ReceivedRequests() []mock.Request
		UnmatchedRequests() []mock.Request
		PendingEndpoints() []*mock.Endpoint
	}

	// Session is everything a scenario may touch. It belongs to exactly one invocation.
	Session struct {
		Title      string
		RunID      string
		Driver     *driver.Driver
		Chain      ChainHandle
		Contracts  *chain.Registry
		Mock       MockHandle
		Fixtures   fixture.State
		FixtureURL string
		// DappOrigin is empty unless the companion dapp was requested.
		DappOrigin string
	}
)
