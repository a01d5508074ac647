// Package ledger holds per-merchant credit balances and the append-only,
// idempotency-keyed transaction log behind them. Every mutation updates the
// balance and appends its transaction row inside one database transaction,
// so a balance always equals the sum of its transaction deltas.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shopimage/internal/domain"
	"shopimage/internal/infra"
	"shopimage/internal/sqlinline"
)

const (
	// ReservePrefix marks job reservations so orphaned ones can be found.
	ReservePrefix = "reserve:"

	openingBalanceKey = "opening-balance"
	debitKeyPrefix    = "debit:"
	purchaseKeyPrefix = "purchase:"
)

// Ledger implements the credit ledger on top of Postgres.
type Ledger struct {
	db     infra.TxRunner
	logger zerolog.Logger
}

// New constructs a Ledger.
func New(db infra.TxRunner, logger zerolog.Logger) *Ledger {
	return &Ledger{db: db, logger: infra.Component(logger, "ledger")}
}

// GetBalance returns the merchant's balance or domain.ErrNotFound when the
// merchant has no ledger row yet.
func (l *Ledger) GetBalance(ctx context.Context, merchantID string) (int64, error) {
	var balance int64
	if err := l.db.QueryRow(ctx, sqlinline.QLedgerSelectBalance, merchantID).Scan(&balance); err != nil {
		if infra.IsNoRows(err) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("ledger: get balance: %w", err)
	}
	return balance, nil
}

// Deduct removes amount credits from the merchant. It fails with
// domain.ErrInsufficientCredit when the balance is too low.
func (l *Ledger) Deduct(ctx context.Context, merchantID string, amount int64, reason string) (int64, error) {
	return l.deduct(ctx, merchantID, amount, reason, nil)
}

// DeductFor is Deduct with the job id recorded as the transaction reference.
func (l *Ledger) DeductFor(ctx context.Context, merchantID string, amount int64, reason, reference string) (int64, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return l.deduct(ctx, merchantID, amount, reason, nil)
	}
	return l.deduct(ctx, merchantID, amount, reason, &ref)
}

func (l *Ledger) deduct(ctx context.Context, merchantID string, amount int64, reason string, reference *string) (int64, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	var newBalance int64
	err := l.db.InTx(ctx, func(q infra.SQLExecutor) error {
		var balance int64
		if err := q.QueryRow(ctx, sqlinline.QLedgerLockBalance, merchantID).Scan(&balance); err != nil {
			if infra.IsNoRows(err) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("lock balance: %w", err)
		}
		if balance < amount {
			return domain.ErrInsufficientCredit
		}
		// Debits are not caller-keyed; a fresh key keeps the uniqueness
		// constraint uniform across all rows.
		key := debitKeyPrefix + uuid.NewString()
		applied, err := insertTransaction(ctx, q, merchantID, -amount, reason, key, reference)
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("debit key collision for %s", key)
		}
		newBalance, err = applyDelta(ctx, q, merchantID, -amount)
		return err
	})
	if err != nil {
		return 0, wrap("deduct", err)
	}
	l.logger.Info().
		Str("merchant", merchantID).
		Int64("amount", amount).
		Int64("balance", newBalance).
		Str("reason", reason).
		Msg("ledger: deducted credits")
	return newBalance, nil
}

// AddIdempotent credits the merchant once per idempotency key. It returns a
// nil balance when a transaction with the same (merchant, key) already
// exists, meaning the credit was applied earlier.
func (l *Ledger) AddIdempotent(ctx context.Context, merchantID string, amount int64, reason, key string) (*int64, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("ledger: idempotency key is required")
	}
	var result *int64
	err := l.db.InTx(ctx, func(q infra.SQLExecutor) error {
		var err error
		result, err = addIdempotent(ctx, q, merchantID, amount, reason, key, nil)
		return err
	})
	if err != nil {
		return nil, wrap("add", err)
	}
	event := l.logger.Info().Str("merchant", merchantID).Int64("amount", amount).Str("key", key)
	if result == nil {
		event.Msg("ledger: credit already applied")
	} else {
		event.Int64("balance", *result).Msg("ledger: credited")
	}
	return result, nil
}

// EnsureAccount creates the merchant's ledger row if it is missing and grants
// startingBalance once, recorded as an opening-balance transaction.
func (l *Ledger) EnsureAccount(ctx context.Context, merchantID string, startingBalance int64) (int64, error) {
	var balance int64
	err := l.db.InTx(ctx, func(q infra.SQLExecutor) error {
		if _, err := q.Exec(ctx, sqlinline.QLedgerEnsureBalance, merchantID); err != nil {
			return fmt.Errorf("ensure balance row: %w", err)
		}
		if startingBalance > 0 {
			if _, err := addIdempotent(ctx, q, merchantID, startingBalance, "Opening balance", openingBalanceKey, nil); err != nil {
				return err
			}
		}
		return q.QueryRow(ctx, sqlinline.QLedgerSelectBalance, merchantID).Scan(&balance)
	})
	if err != nil {
		return 0, wrap("ensure account", err)
	}
	return balance, nil
}

// Purchase credits a plan's bundle exactly once per external purchase id.
func (l *Ledger) Purchase(ctx context.Context, merchantID, planID, purchaseID string) (*int64, error) {
	plan, ok := domain.CreditPlans[strings.TrimSpace(planID)]
	if !ok {
		return nil, domain.ErrUnknownPlan
	}
	purchaseID = strings.TrimSpace(purchaseID)
	if purchaseID == "" {
		return nil, fmt.Errorf("ledger: purchase id is required")
	}
	reason := fmt.Sprintf("Purchased %d credits (plan %s)", plan.Credits, plan.ID)
	return l.AddIdempotent(ctx, merchantID, plan.Credits, reason, purchaseKeyPrefix+purchaseID)
}

// Transactions lists the merchant's most recent ledger rows.
func (l *Ledger) Transactions(ctx context.Context, merchantID string, limit int) ([]domain.LedgerTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := l.db.Query(ctx, sqlinline.QLedgerListTransactions, merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerTransaction
	for rows.Next() {
		var tx domain.LedgerTransaction
		if err := rows.Scan(&tx.ID, &tx.MerchantID, &tx.Delta, &tx.Reason, &tx.IdempotencyKey, &tx.Reference, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", err)
	}
	return out, nil
}

// addIdempotent must run inside a transaction. The balance row lock taken
// first serializes concurrent credits for the merchant, so the insert below
// observes any committed row with the same key.
func addIdempotent(ctx context.Context, q infra.SQLExecutor, merchantID string, amount int64, reason, key string, reference *string) (*int64, error) {
	if _, err := q.Exec(ctx, sqlinline.QLedgerEnsureBalance, merchantID); err != nil {
		return nil, fmt.Errorf("ensure balance row: %w", err)
	}
	var current int64
	if err := q.QueryRow(ctx, sqlinline.QLedgerLockBalance, merchantID).Scan(&current); err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}
	applied, err := insertTransaction(ctx, q, merchantID, amount, reason, key, reference)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, nil
	}
	balance, err := applyDelta(ctx, q, merchantID, amount)
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func insertTransaction(ctx context.Context, q infra.SQLExecutor, merchantID string, delta int64, reason, key string, reference *string) (bool, error) {
	var id string
	err := q.QueryRow(ctx, sqlinline.QLedgerInsertTransaction, merchantID, delta, reason, key, reference).Scan(&id)
	if err != nil {
		if infra.IsNoRows(err) {
			return false, nil
		}
		if infra.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert transaction: %w", err)
	}
	return true, nil
}

func applyDelta(ctx context.Context, q infra.SQLExecutor, merchantID string, delta int64) (int64, error) {
	var balance int64
	if err := q.QueryRow(ctx, sqlinline.QLedgerApplyDelta, merchantID, delta).Scan(&balance); err != nil {
		return 0, fmt.Errorf("apply delta: %w", err)
	}
	return balance, nil
}

func wrap(op string, err error) error {
	switch err {
	case domain.ErrNotFound, domain.ErrInsufficientCredit, domain.ErrInvalidAmount:
		return err
	}
	return fmt.Errorf("ledger: %s: %w", op, err)
}
