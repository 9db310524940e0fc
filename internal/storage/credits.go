package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Balance returns the current credit balance for a user, creating the
// account lazily with a zero balance.
func (db *DB) Balance(ctx context.Context, userID uuid.UUID) (float64, error) {
	var balance float64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO credit_accounts (user_id, balance)
		 VALUES ($1, 0)
		 ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		 RETURNING balance`, userID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("storage: get balance: %w", err)
	}
	return balance, nil
}

// Deduct atomically subtracts amount from the user's balance and returns the
// new balance. Fails with ErrInsufficientCredits when the balance cannot
// cover the amount; no partial deduction ever occurs.
func (db *DB) Deduct(ctx context.Context, userID uuid.UUID, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("storage: deduct: amount must be positive")
	}

	var balance float64
	err := db.pool.QueryRow(ctx,
		`UPDATE credit_accounts
		 SET balance = balance - $2, updated_at = now()
		 WHERE user_id = $1 AND balance >= $2
		 RETURNING balance`, userID, amount,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either no account or not enough balance; both read as
			// insufficient funds to the caller.
			return 0, ErrInsufficientCredits
		}
		return 0, fmt.Errorf("storage: deduct: %w", err)
	}
	return balance, nil
}

// Add credits amount to the user's balance (refunds and top-ups) and returns
// the new balance. Creates the account if it does not exist.
func (db *DB) Add(ctx context.Context, userID uuid.UUID, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("storage: add: amount must be positive")
	}

	var balance float64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO credit_accounts (user_id, balance)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id)
		 DO UPDATE SET balance = credit_accounts.balance + $2, updated_at = now()
		 RETURNING balance`, userID, amount,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("storage: add credits: %w", err)
	}
	return balance, nil
}
