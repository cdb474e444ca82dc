package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/feastly/fulfillment/internal/domain/discount"
)

const discountColumns = `id, code, discount_type, value, min_items, max_uses, used_count,
		valid_from, valid_until, description`

const (
	getDiscountByCodeSQL = `SELECT ` + discountColumns + `
		FROM discounts WHERE UPPER(code) = UPPER($1) AND active = TRUE`

	getDiscountByIDSQL = `SELECT ` + discountColumns + ` FROM discounts WHERE id = $1`

	// Single-statement increment: the read-modify-write happens inside the
	// row update, so concurrent fulfillments sharing a discount serialize at
	// this one row and no update is lost.
	incrementUsageSQL = `UPDATE discounts SET used_count = used_count + 1 WHERE id = $1`

	upsertDiscountSQL = `INSERT INTO discounts
		(id, code, discount_type, value, min_items, max_uses, valid_from, valid_until, active, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code, discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value, min_items = EXCLUDED.min_items,
			max_uses = EXCLUDED.max_uses, valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until, active = TRUE,
			description = EXCLUDED.description`
)

var (
	_ discount.Repository = (*DiscountRepository)(nil)
	_ discount.Tracker    = (*DiscountRepository)(nil)
)

// DiscountRepository implements discount.Repository and discount.Tracker
// backed by PostgreSQL.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

// FindByCode looks up an active discount by its code (case-insensitive).
// Returns discount.ErrNotFound when no matching active discount exists.
func (r *DiscountRepository) FindByCode(ctx context.Context, code string) (*discount.Rule, error) {
	return r.getOne(ctx, getDiscountByCodeSQL, code)
}

// GetByID looks up a discount by its identifier.
func (r *DiscountRepository) GetByID(ctx context.Context, id string) (*discount.Rule, error) {
	return r.getOne(ctx, getDiscountByIDSQL, id)
}

// IncrementUsage atomically increments the usage counter for the given
// discount. Returns discount.ErrNotFound when the record no longer exists;
// callers treat that as a warning, since the payment already succeeded.
func (r *DiscountRepository) IncrementUsage(ctx context.Context, discountID string) error {
	tag, err := r.pool.Exec(ctx, incrementUsageSQL, discountID)
	if err != nil {
		return fmt.Errorf("incrementing usage for discount %q: %w", discountID, err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrNotFound
	}
	return nil
}

// Upsert writes a discount rule, used by the seeding tool.
func (r *DiscountRepository) Upsert(ctx context.Context, rule *discount.Rule) error {
	_, err := r.pool.Exec(ctx, upsertDiscountSQL,
		rule.ID, rule.Code, string(rule.Type), rule.Value,
		rule.MinItems, rule.MaxUses, rule.ValidFrom, rule.ValidUntil, rule.Description,
	)
	if err != nil {
		return fmt.Errorf("upserting discount %q: %w", rule.ID, err)
	}
	return nil
}

func (r *DiscountRepository) getOne(ctx context.Context, sql, arg string) (*discount.Rule, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("querying discount: %w", err)
	}

	rule, err := pgx.CollectExactlyOneRow(rows, scanDiscountRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, fmt.Errorf("querying discount: %w", err)
	}
	return rule, nil
}

func scanDiscountRule(row pgx.CollectableRow) (*discount.Rule, error) {
	var (
		rule         discount.Rule
		discountType string
		value        decimal.Decimal
		minItems     int32
		maxUses      int32
		usedCount    int32
		validFrom    *time.Time
		validUntil   *time.Time
	)
	err := row.Scan(
		&rule.ID, &rule.Code, &discountType, &value, &minItems, &maxUses, &usedCount,
		&validFrom, &validUntil, &rule.Description,
	)
	if err != nil {
		return nil, err
	}

	rule.Type = discount.Type(discountType)
	rule.Value = value
	rule.MinItems = int(minItems)
	rule.MaxUses = int(maxUses)
	rule.UsedCount = int(usedCount)
	rule.ValidFrom = validFrom
	rule.ValidUntil = validUntil
	return &rule, nil
}
