package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

const etherDecimals = 18

// ToHexWei encodes a wei amount as a 0x-prefixed hex quantity.
func ToHexWei(wei *big.Int) string {
	return hexutil.EncodeBig(wei)
}

// ParseHexWei decodes a 0x-prefixed hex quantity.
func ParseHexWei(s string) (*big.Int, error) {
	wei, err := hexutil.DecodeBig(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex wei value %q: %w", s, err)
	}
	return wei, nil
}

// EtherToWei converts a decimal ether amount such as "25" or "0.5" to wei. Amounts finer than one
// wei are rejected.
func EtherToWei(ether string) (*big.Int, error) {
	d, err := decimal.NewFromString(ether)
	if err != nil {
		return nil, fmt.Errorf("invalid ether amount %q: %w", ether, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid ether amount %q: must not be negative", ether)
	}

	wei := d.Shift(etherDecimals)
	if !wei.IsInteger() {
		return nil, fmt.Errorf("invalid ether amount %q: more than %d decimals", ether, etherDecimals)
	}
	return wei.BigInt(), nil
}

// MustEtherToWei is EtherToWei for literals.
func MustEtherToWei(ether string) *big.Int {
	wei, err := EtherToWei(ether)
	if err != nil {
		panic(err)
	}
	return wei
}

// FormatEther renders wei as a decimal ether amount without trailing zeros, e.g. "25" or "1.5".
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -etherDecimals).String()
}
