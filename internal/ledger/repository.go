package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeslead/backend/internal/models"
)

const uniqueViolation = "23505"

const txnColumns = `id, account_id, kind, amount, balance_after, reference, captured_value,
	payment_method, package_id, reason, flagged, created_at`

// Repository is the Postgres Store. Update holds the account row lock (SELECT ... FOR UPDATE)
// for the duration of the callback; the (account_id, kind, reference) unique index backs the
// idempotency check.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func (r *Repository) CreateAccount(ctx context.Context, a *models.Account) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO pro_accounts (id, balance, weekly_budget, weekly_spent, period_start, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.Balance, a.WeeklyBudget, a.WeeklySpent, a.PeriodStart, a.CreatedAt, a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAccountExists
	}
	return err
}

func (r *Repository) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx, `
		SELECT id, balance, weekly_budget, weekly_spent, period_start, created_at, updated_at
		FROM pro_accounts WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownAccount
	}
	return a, err
}

func (r *Repository) Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	acc, err := scanAccount(tx.QueryRow(ctx, `
		SELECT id, balance, weekly_budget, weekly_spent, period_start, created_at, updated_at
		FROM pro_accounts WHERE id = $1 FOR UPDATE
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUnknownAccount
	}
	if err != nil {
		return err
	}

	ptx := &pgTx{tx: tx, acc: acc}
	if err := fn(ctx, ptx); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE pro_accounts
		SET balance = $2, weekly_budget = $3, weekly_spent = $4, period_start = $5, updated_at = $6
		WHERE id = $1
	`, acc.ID, acc.Balance, acc.WeeklyBudget, acc.WeeklySpent, acc.PeriodStart, acc.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, `SELECT `+txnColumns+` FROM ledger_transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownTransaction
	}
	return t, err
}

func (r *Repository) ListTransactions(ctx context.Context, accountID uuid.UUID) ([]*models.Transaction, error) {
	if _, err := r.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	var list []*models.Transaction
	err := r.ScanTransactions(ctx, Filter{AccountID: &accountID}, func(t *models.Transaction) error {
		list = append(list, t)
		return nil
	})
	return list, err
}

func (r *Repository) ScanTransactions(ctx context.Context, f Filter, fn func(*models.Transaction) error) error {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.AccountID != nil {
		where = append(where, "account_id = "+arg(*f.AccountID))
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < "+arg(f.To))
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		where = append(where, "kind = ANY("+arg(kinds)+")")
	}
	q := `SELECT ` + txnColumns + ` FROM ledger_transactions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, seq ASC"

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return rows.Err()
}

type pgTx struct {
	tx  pgx.Tx
	acc *models.Account
}

func (t *pgTx) Account() *models.Account { return t.acc }

func (t *pgTx) FindByReference(ctx context.Context, kind models.TransactionKind, reference string) (*models.Transaction, error) {
	found, err := scanTransaction(t.tx.QueryRow(ctx, `
		SELECT `+txnColumns+` FROM ledger_transactions
		WHERE account_id = $1 AND kind = $2 AND reference = $3
	`, t.acc.ID, string(kind), reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return found, err
}

func (t *pgTx) FindTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	found, err := scanTransaction(t.tx.QueryRow(ctx, `
		SELECT `+txnColumns+` FROM ledger_transactions WHERE id = $1 AND account_id = $2
	`, id, t.acc.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownTransaction
	}
	return found, err
}

func (t *pgTx) Append(ctx context.Context, txn *models.Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_transactions (`+txnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, txn.ID, t.acc.ID, string(txn.Kind), txn.Amount, txn.BalanceAfter, txn.Reference, txn.CapturedValue,
		string(txn.PaymentMethod), txn.PackageID, txn.Reason, txn.Flagged, txn.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateReference
	}
	return err
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	if err := row.Scan(&a.ID, &a.Balance, &a.WeeklyBudget, &a.WeeklySpent, &a.PeriodStart, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	var kind, method string
	if err := row.Scan(&t.ID, &t.AccountID, &kind, &t.Amount, &t.BalanceAfter, &t.Reference, &t.CapturedValue,
		&method, &t.PackageID, &t.Reason, &t.Flagged, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Kind = models.TransactionKind(kind)
	t.PaymentMethod = models.PaymentMethod(method)
	return &t, nil
}
