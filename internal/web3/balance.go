package web3

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceStatus is the result of a wallet balance check.
type BalanceStatus struct {
	Address common.Address
	Balance *big.Int
	Minimum *big.Int
	Low     bool
}

// CheckBalance reads the wallet balance and compares it to minimum. A nil or
// zero minimum never reports a low balance.
func CheckBalance(ctx context.Context, reader BalanceReader, account common.Address, minimum *big.Int) (BalanceStatus, error) {
	if reader == nil {
		return BalanceStatus{}, errors.New("balance reader not configured")
	}
	balance, err := reader.BalanceAt(ctx, account)
	if err != nil {
		return BalanceStatus{}, fmt.Errorf("query balance of %s: %w", account.Hex(), err)
	}
	status := BalanceStatus{Address: account, Balance: balance, Minimum: new(big.Int)}
	if minimum != nil {
		status.Minimum.Set(minimum)
	}
	status.Low = status.Minimum.Sign() > 0 && balance.Cmp(status.Minimum) < 0
	return status, nil
}

// ParseWei parses a decimal or 0x-prefixed wei amount. Empty input is zero.
func ParseWei(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return v, nil
}
