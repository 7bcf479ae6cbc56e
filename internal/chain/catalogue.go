package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	ContractHST       = "HST"
	ContractNFTs      = "NFTS"
	ContractERC1155   = "ERC1155"
	ContractPiggyBank = "PIGGYBANK"
	ContractFailing   = "FAILING"
)

type (
	// Seeder sends post-deploy transactions to the contract just deployed, from the deploying account.
	Seeder interface {
		Owner() common.Address
		Transact(ctx context.Context, method string, args ...any) error
	}

	// ContractSpec describes how a catalogue contract is deployed and seeded.
	ContractSpec struct {
		// Artifact is the compiled artifact name, loaded from <contracts-dir>/<Artifact>.json.
		Artifact string
		Args     func(owner common.Address) []any
		Seed     func(ctx context.Context, s Seeder) error
	}

	// Catalogue maps logical contract identifiers to their deployment recipe.
	Catalogue map[string]ContractSpec
)

// DefaultCatalogue covers the contracts the companion dapp knows how to talk to.
func DefaultCatalogue() Catalogue {
	return Catalogue{
		ContractHST: {
			Artifact: "HumanStandardToken",
			Args: func(common.Address) []any {
				return []any{big.NewInt(10), "TST", uint8(4), "TST"}
			},
		},
		ContractNFTs: {
			Artifact: "TestDappNFTs",
			Seed: func(ctx context.Context, s Seeder) error {
				return s.Transact(ctx, "mintNFTs", big.NewInt(1))
			},
		},
		ContractERC1155: {
			Artifact: "TestDappERC1155",
			Seed: func(ctx context.Context, s Seeder) error {
				ids := []*big.Int{big.NewInt(1), big.NewInt(2), big.NewInt(3)}
				amounts := []*big.Int{big.NewInt(1), big.NewInt(1), big.NewInt(1)}
				return s.Transact(ctx, "mintBatch", s.Owner(), ids, amounts, []byte{})
			},
		},
		ContractPiggyBank: {Artifact: "PiggyBank"},
		ContractFailing:   {Artifact: "FailingContract"},
	}
}

func (c Catalogue) args(id string, owner common.Address) []any {
	spec := c[id]
	if spec.Args == nil {
		return nil
	}
	return spec.Args(owner)
}
