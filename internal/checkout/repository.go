package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeslead/backend/internal/models"
)

// uniqueViolation is the Postgres SQLSTATE raised by the one-open-session-per-reference index.
const uniqueViolation = "23505"

const sessionColumns = `id, account_id, package_id, purpose, reference, amount, credits, status, created_at, expires_at, resolved_at`

// Repository is the Postgres Store. Update holds a row lock for the duration of the callback.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func (r *Repository) Create(ctx context.Context, s *models.CheckoutSession) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO checkout_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, s.ID, s.AccountID, s.PackageID, string(s.Purpose), s.Reference, s.Amount, s.Credits,
		string(s.Status), s.CreatedAt, s.ExpiresAt, s.ResolvedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrOpenSessionExists
	}
	return err
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.CheckoutSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM checkout_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownSession
	}
	return s, err
}

func (r *Repository) Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, s *models.CheckoutSession) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM checkout_sessions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUnknownSession
	}
	if err != nil {
		return err
	}
	if err := fn(ctx, s); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE checkout_sessions SET status = $2, resolved_at = $3 WHERE id = $1
	`, s.ID, string(s.Status), s.ResolvedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) FindOpen(ctx context.Context, accountID uuid.UUID, purpose models.SessionPurpose, reference string) (*models.CheckoutSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM checkout_sessions
		WHERE account_id = $1 AND purpose = $2 AND reference = $3 AND status IN ('created', 'pending')
	`, accountID, string(purpose), reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *Repository) ListStale(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM checkout_sessions
		WHERE status IN ('created', 'pending') AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSession(row pgx.Row) (*models.CheckoutSession, error) {
	var (
		s       models.CheckoutSession
		purpose string
		status  string
	)
	if err := row.Scan(&s.ID, &s.AccountID, &s.PackageID, &purpose, &s.Reference, &s.Amount, &s.Credits,
		&status, &s.CreatedAt, &s.ExpiresAt, &s.ResolvedAt); err != nil {
		return nil, err
	}
	s.Purpose = models.SessionPurpose(purpose)
	s.Status = models.SessionStatus(status)
	return &s, nil
}
