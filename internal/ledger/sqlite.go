package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLLedger keeps balances in the users table.
type SQLLedger struct {
	DB *sql.DB
}

func (l SQLLedger) CheckAndDeduct(ctx context.Context, account string, cost Amount) (Result, error) {
	if cost < 0 {
		return Result{}, fmt.Errorf("negative cost %d", cost)
	}
	var remaining Amount
	err := l.DB.QueryRowContext(ctx, `UPDATE users SET credits = credits - ? WHERE id=? AND credits >= ? RETURNING credits`,
		int64(cost), account, int64(cost)).Scan(&remaining)
	if err == nil {
		return Result{Success: true, Remaining: remaining}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Result{}, fmt.Errorf("deduct credits: %w", err)
	}
	balance, err := l.Balance(ctx, account)
	if err != nil {
		return Result{}, err
	}
	return Result{Success: false, Remaining: balance, Message: shortfall(balance, cost)}, nil
}

func (l SQLLedger) Grant(ctx context.Context, account string, amount Amount) (Amount, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("grant amount must be positive")
	}
	var remaining Amount
	err := l.DB.QueryRowContext(ctx, `UPDATE users SET credits = credits + ? WHERE id=? RETURNING credits`, int64(amount), account).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownAccount
	}
	if err != nil {
		return 0, fmt.Errorf("grant credits: %w", err)
	}
	return remaining, nil
}

func (l SQLLedger) Balance(ctx context.Context, account string) (Amount, error) {
	var balance Amount
	err := l.DB.QueryRowContext(ctx, `SELECT credits FROM users WHERE id=?`, account).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownAccount
	}
	return balance, err
}
