package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Amount is a credit quantity in thousandths of a credit.
type Amount int64

// Credits converts a fractional credit value to an Amount.
func Credits(v float64) Amount {
	return Amount(math.Round(v * 1000))
}

func (a Amount) Float() float64 { return float64(a) / 1000 }

func (a Amount) String() string { return fmt.Sprintf("%.3g", a.Float()) }

// Result reports the outcome of CheckAndDeduct.
type Result struct {
	Success   bool
	Remaining Amount
	Message   string
}

// Ledger holds per-user credit balances. CheckAndDeduct compares and decrements
// as one indivisible step so concurrent callers can never overdraw an account.
type Ledger interface {
	CheckAndDeduct(ctx context.Context, account string, cost Amount) (Result, error)
	Grant(ctx context.Context, account string, amount Amount) (Amount, error)
	Balance(ctx context.Context, account string) (Amount, error)
}

var ErrUnknownAccount = errors.New("unknown credit account")

// InsufficientCreditsError is returned by Charge when the balance cannot cover the cost.
type InsufficientCreditsError struct {
	Balance  Amount
	Required Amount
}

func (e *InsufficientCreditsError) Error() string {
	return shortfall(e.Balance, e.Required)
}

func shortfall(balance, required Amount) string {
	return fmt.Sprintf("insufficient credits: %.2f required, %.2f available", required.Float(), balance.Float())
}

// Charge deducts cost and turns a failed check into *InsufficientCreditsError.
func Charge(ctx context.Context, l Ledger, account string, cost Amount) (Amount, error) {
	res, err := l.CheckAndDeduct(ctx, account, cost)
	if err != nil {
		return 0, err
	}
	if !res.Success {
		return res.Remaining, &InsufficientCreditsError{Balance: res.Remaining, Required: cost}
	}
	return res.Remaining, nil
}
