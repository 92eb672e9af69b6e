package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"ecosentinel/models"
)

// creditMaxRetries bounds the optimistic-concurrency retry loop. Balance
// updates are commutative integer additions, so retrying after a version
// conflict is always safe.
const creditMaxRetries = 5

// EnsureAccount creates the account on first contact. Idempotent.
func (d *Database) EnsureAccount(ctx context.Context, userID string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT IGNORE INTO accounts (user_id, balance, version) VALUES (?, 0, 0)`, userID)
	if err != nil {
		return fmt.Errorf("ensure account %s: %w", userID, err)
	}
	return nil
}

// Credit atomically adds amount to the account balance, exactly once per
// causing report. A repeat credit for the same causing report is a no-op
// returning the unchanged balance. Concurrent credits to the same account
// are serialized by the version column; on conflict the balance is reread
// and the update retried.
func (d *Database) Credit(ctx context.Context, accountID string, amount int64, causingReportID string) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit %s: negative amount %d", accountID, amount)
	}
	return d.mutateBalance(ctx, accountID, amount, causingReportID)
}

// Debit is the redemption counterpart of Credit: same idempotency-by-event
// discipline, and it refuses to drive a balance negative.
func (d *Database) Debit(ctx context.Context, accountID string, amount int64, eventID string) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit %s: negative amount %d", accountID, amount)
	}
	return d.mutateBalance(ctx, accountID, -amount, eventID)
}

func (d *Database) mutateBalance(ctx context.Context, accountID string, delta int64, eventID string) (int64, error) {
	for attempt := 0; attempt < creditMaxRetries; attempt++ {
		var balance, version int64
		err := d.db.QueryRowContext(ctx,
			`SELECT balance, version FROM accounts WHERE user_id = ?`, accountID).
			Scan(&balance, &version)
		if err == sql.ErrNoRows {
			return 0, models.ErrAccountNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("read account %s: %w", accountID, err)
		}

		// Idempotency: an existing event for this id means the mutation
		// already happened.
		var applied bool
		err = d.db.QueryRowContext(ctx,
			`SELECT TRUE FROM ledger_events WHERE event_id = ?`, eventID).Scan(&applied)
		if err == nil {
			return balance, nil
		}
		if err != sql.ErrNoRows {
			return 0, fmt.Errorf("event lookup %s: %w", eventID, err)
		}

		if balance+delta < 0 {
			return 0, models.ErrInsufficientBalance
		}

		newBalance, err := d.applyBalanceChange(ctx, accountID, delta, eventID, balance, version)
		if err == errVersionConflict {
			continue
		}
		if errors.Is(err, errEventRaced) {
			// Another worker appended the same event between our check and
			// the insert; the mutation is already applied.
			return balance, nil
		}
		if err != nil {
			return 0, err
		}
		return newBalance, nil
	}
	return 0, fmt.Errorf("account %s: version conflict persisted after %d attempts", accountID, creditMaxRetries)
}

var (
	errVersionConflict = errors.New("account version conflict")
	errEventRaced      = errors.New("ledger event raced")
)

func (d *Database) applyBalanceChange(ctx context.Context, accountID string, delta int64, eventID string, balance, version int64) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = balance + ?, version = version + 1
		WHERE user_id = ? AND version = ?`,
		delta, accountID, version)
	if err != nil {
		return 0, fmt.Errorf("update balance %s: %w", accountID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update balance %s: rows affected: %w", accountID, err)
	}
	if rows == 0 {
		return 0, errVersionConflict
	}

	newBalance := balance + delta
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_events (event_id, account_id, delta, balance)
		VALUES (?, ?, ?, ?)`,
		eventID, accountID, delta, newBalance)
	if err != nil {
		if isDuplicateKey(err) {
			return 0, errEventRaced
		}
		return 0, fmt.Errorf("append ledger event %s: %w", eventID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credit tx: %w", err)
	}
	return newBalance, nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// GetAccount returns the account with its leaderboard place. Rank is
// computed against the same ordering the leaderboard uses: balance
// descending, ties broken by earliest creation.
func (d *Database) GetAccount(ctx context.Context, userID string) (*models.Account, int, error) {
	var acc models.Account
	acc.UserID = userID
	err := d.db.QueryRowContext(ctx, `
		SELECT balance, version, created_at FROM accounts WHERE user_id = ?`, userID).
		Scan(&acc.Balance, &acc.Version, &acc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, 0, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read account %s: %w", userID, err)
	}

	var ahead int
	err = d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM accounts
		WHERE balance > ? OR (balance = ? AND created_at < ?)`,
		acc.Balance, acc.Balance, acc.CreatedAt).Scan(&ahead)
	if err != nil {
		return nil, 0, fmt.Errorf("rank account %s: %w", userID, err)
	}
	return &acc, ahead + 1, nil
}

// Leaderboard is a derived read view over account balances: descending by
// balance, ties broken by earliest account creation.
func (d *Database) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT user_id, balance FROM accounts
		ORDER BY balance DESC, created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	defer rows.Close()

	entries := []models.LeaderboardEntry{}
	place := 1
	for rows.Next() {
		var e models.LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.Balance); err != nil {
			return nil, fmt.Errorf("leaderboard: scan: %w", err)
		}
		e.Place = place
		place++
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PendingDisbursements returns, per account, coins earned but not yet pushed
// on-chain.
func (d *Database) PendingDisbursements(ctx context.Context) (map[string]int64, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT user_id, balance - coins_disbursed FROM accounts
		WHERE balance > coins_disbursed`)
	if err != nil {
		return nil, fmt.Errorf("pending disbursements: %w", err)
	}
	defer rows.Close()

	pending := make(map[string]int64)
	for rows.Next() {
		var userID string
		var coins int64
		if err := rows.Scan(&userID, &coins); err != nil {
			return nil, fmt.Errorf("pending disbursements: scan: %w", err)
		}
		pending[userID] = coins
	}
	return pending, rows.Err()
}

// MarkDisbursed records that coins were pushed on-chain for the account.
func (d *Database) MarkDisbursed(ctx context.Context, userID string, coins int64) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE accounts SET coins_disbursed = coins_disbursed + ? WHERE user_id = ?`,
		coins, userID)
	if err != nil {
		return fmt.Errorf("mark disbursed %s: %w", userID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark disbursed %s: rows affected: %w", userID, err)
	}
	if rows != 1 {
		return fmt.Errorf("mark disbursed %s: expected to affect 1 row, affected %d", userID, rows)
	}
	return nil
}
