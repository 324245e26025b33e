// Package ledger is the boundary to the external token ledger that holds
// balances and allowances. The desk never custodies funds: it only reads
// balances/allowances and asks the ledger to approve or transfer.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrRejected  = errors.New("ledger: rejected")
	ErrTimeout   = errors.New("ledger: timed out")
	ErrPrecision = errors.New("ledger: amount exceeds token precision")
	ErrNegative  = errors.New("ledger: negative amount")
	ErrChainID   = errors.New("ledger: chain id mismatch")
)

// Token is an ERC-20 style asset. Decimals is the declared smallest-unit precision.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// Receipt confirms an approve or transfer.
type Receipt struct {
	TxHash common.Hash
}

// Reference renders the receipt as the activity reference string.
func (r Receipt) Reference() string { return r.TxHash.Hex() }

// Client talks to one token on the external ledger on behalf of one caller.
// All amounts are in the token's smallest unit.
type Client interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	AllowanceOf(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, spender common.Address, amount *big.Int) (Receipt, error)
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (Receipt, error)
}

// Binder hands out clients that act for caller.
type Binder interface {
	As(caller common.Address) Client
}

// Scale converts a human amount into smallest units. Amounts with more
// fractional digits than the token supports are rejected, never truncated.
func Scale(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrNegative, amount)
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s with %d decimals", ErrPrecision, amount, decimals)
	}
	return shifted.BigInt(), nil
}

// Unscale is the inverse of Scale.
func Unscale(amount *big.Int, decimals int32) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -decimals)
}

// IsTimeout reports whether err means the ledger neither confirmed nor
// rejected within the caller's deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsRejected reports whether the ledger explicitly refused the operation.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
