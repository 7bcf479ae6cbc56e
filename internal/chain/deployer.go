package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/compose-network/scenario-harness/internal/logger"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	deployGasLimit  = uint64(10_000_000)
	rpcPollInterval = 250 * time.Millisecond
)

var ErrDeployment = errors.New("contract deployment failed")

// deployer deploys catalogue contracts from the first seeded account and runs their seeding calls.
type deployer struct {
	node      chainNode
	key       *ecdsa.PrivateKey
	chainID   *big.Int
	catalogue Catalogue
	dir       string
	logger    *slog.Logger
}

func newDeployer(n chainNode, key *ecdsa.PrivateKey, chainID *big.Int, catalogue Catalogue, dir string) *deployer {
	return &deployer{
		node:      n,
		key:       key,
		chainID:   chainID,
		catalogue: catalogue,
		dir:       dir,
		logger:    logger.Named("contracts_deployer"),
	}
}

// deployAll deploys ids in order. The returned map is only meaningful when err is nil.
func (d *deployer) deployAll(ctx context.Context, ids []string) (map[string]common.Address, error) {
	addresses := make(map[string]common.Address, len(ids))

	for _, id := range ids {
		spec := d.catalogue[id]

		compiled, err := LoadArtifact(d.dir, spec.Artifact)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrDeployment, id, err)
		}

		address, contract, err := d.deploy(ctx, compiled, d.catalogue.args(id, d.owner())...)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrDeployment, id, err)
		}
		d.logger.With("contract", id).With("address", address.Hex()).Info("contract deployed")

		if spec.Seed != nil {
			seeder := &contractSeeder{deployer: d, contract: contract}
			if err := spec.Seed(ctx, seeder); err != nil {
				return nil, fmt.Errorf("%w: seeding %s: %w", ErrDeployment, id, err)
			}
			d.logger.With("contract", id).Info("contract seeded")
		}

		addresses[id] = address
	}

	return addresses, nil
}

func (d *deployer) owner() common.Address {
	return crypto.PubkeyToAddress(d.key.PublicKey)
}

func (d *deployer) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(d.key, d.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	gasPrice, err := d.node.Backend().SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	auth.Context = ctx
	auth.GasLimit = deployGasLimit
	auth.GasPrice = gasPrice
	return auth, nil
}

func (d *deployer) deploy(ctx context.Context, compiled CompiledContract, args ...any) (common.Address, *bind.BoundContract, error) {
	auth, err := d.transactor(ctx)
	if err != nil {
		return common.Address{}, nil, err
	}

	address, tx, contract, err := bind.DeployContract(auth, compiled.ABI, compiled.Bytecode, d.node.Backend(), args...)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("failed to send deployment: %w", err)
	}

	d.logger.
		With("contract", compiled.Name).
		With("tx_hash", tx.Hash().Hex()).
		Debug("contract deployment transaction sent")

	if err := d.confirm(ctx, tx); err != nil {
		return common.Address{}, nil, err
	}

	return address, contract, nil
}

// confirm waits for tx to be mined and checks its status.
func (d *deployer) confirm(ctx context.Context, tx *types.Transaction) error {
	d.node.Mine()

	receipt, err := bind.WaitMined(ctx, d.node.Backend(), tx)
	if err != nil {
		return fmt.Errorf("failed to wait for transaction %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("transaction %s failed with status %d", tx.Hash().Hex(), receipt.Status)
	}
	return nil
}

type contractSeeder struct {
	deployer *deployer
	contract *bind.BoundContract
}

func (s *contractSeeder) Owner() common.Address {
	return s.deployer.owner()
}

func (s *contractSeeder) Transact(ctx context.Context, method string, args ...any) error {
	auth, err := s.deployer.transactor(ctx)
	if err != nil {
		return err
	}

	tx, err := s.contract.Transact(auth, method, args...)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	if err := s.deployer.confirm(ctx, tx); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// waitForRPC polls the node until it answers eth_blockNumber or ctx expires.
func waitForRPC(ctx context.Context, url string) error {
	err := retry.Do(
		func() error {
			client, err := ethclient.DialContext(ctx, url)
			if err != nil {
				return err
			}
			defer client.Close()

			_, err = client.BlockNumber(ctx)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(rpcPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("timed out waiting for RPC at %s: %w", url, err)
	}
	return nil
}
