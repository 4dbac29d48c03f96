package pricing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradeslead/backend/internal/models"
)

// PostgresRepository stores settings in the platform_settings singleton row and the catalog in
// payment_packages.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

var _ Repository = (*PostgresRepository)(nil)

func (r *PostgresRepository) LoadSettings(ctx context.Context) (*models.PlatformSettings, error) {
	var s models.PlatformSettings
	var commission string
	err := r.pool.QueryRow(ctx, `
		SELECT lead_fee, platform_commission::text, min_quote_amount, max_quote_amount, weekly_budget_min,
			featured_pro_fee, background_check_fee, credits_enabled, card_enabled,
			require_pro_approval, require_background_check, updated_at
		FROM platform_settings WHERE id = 1
	`).Scan(&s.LeadFee, &commission, &s.MinQuoteAmount, &s.MaxQuoteAmount, &s.WeeklyBudgetMin,
		&s.FeaturedProFee, &s.BackgroundCheckFee, &s.CreditsEnabled, &s.CardEnabled,
		&s.RequireProApproval, &s.RequireBackgroundCheck, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.PlatformCommission, err = decimal.NewFromString(commission)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) SaveSettings(ctx context.Context, s models.PlatformSettings) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO platform_settings (id, lead_fee, platform_commission, min_quote_amount, max_quote_amount,
			weekly_budget_min, featured_pro_fee, background_check_fee, credits_enabled, card_enabled,
			require_pro_approval, require_background_check, updated_at)
		VALUES (1, $1, $2::numeric, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			lead_fee = EXCLUDED.lead_fee,
			platform_commission = EXCLUDED.platform_commission,
			min_quote_amount = EXCLUDED.min_quote_amount,
			max_quote_amount = EXCLUDED.max_quote_amount,
			weekly_budget_min = EXCLUDED.weekly_budget_min,
			featured_pro_fee = EXCLUDED.featured_pro_fee,
			background_check_fee = EXCLUDED.background_check_fee,
			credits_enabled = EXCLUDED.credits_enabled,
			card_enabled = EXCLUDED.card_enabled,
			require_pro_approval = EXCLUDED.require_pro_approval,
			require_background_check = EXCLUDED.require_background_check,
			updated_at = EXCLUDED.updated_at
	`, s.LeadFee, s.PlatformCommission.String(), s.MinQuoteAmount, s.MaxQuoteAmount,
		s.WeeklyBudgetMin, s.FeaturedProFee, s.BackgroundCheckFee, s.CreditsEnabled, s.CardEnabled,
		s.RequireProApproval, s.RequireBackgroundCheck, s.UpdatedAt)
	return err
}

func (r *PostgresRepository) ListPackages(ctx context.Context) ([]models.PaymentPackage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, amount, credits, is_active, description, created_at, updated_at
		FROM payment_packages ORDER BY amount ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.PaymentPackage
	for rows.Next() {
		var p models.PaymentPackage
		if err := rows.Scan(&p.ID, &p.Name, &p.Amount, &p.Credits, &p.IsActive, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) SavePackage(ctx context.Context, p models.PaymentPackage) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO payment_packages (id, name, amount, credits, is_active, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			amount = EXCLUDED.amount,
			credits = EXCLUDED.credits,
			is_active = EXCLUDED.is_active,
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at
	`, p.ID, p.Name, p.Amount, p.Credits, p.IsActive, p.Description, p.CreatedAt, p.UpdatedAt)
	return err
}
