package discount

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDiscountRepo struct {
	rule *Rule
	err  error
}

func (m *mockDiscountRepo) FindByCode(_ context.Context, _ string) (*Rule, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.rule, nil
}

func (m *mockDiscountRepo) GetByID(_ context.Context, _ string) (*Rule, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.rule, nil
}

func TestRepoValidator_Validate(t *testing.T) {
	fixedNow := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	pastTime := fixedNow.Add(-24 * time.Hour)
	futureTime := fixedNow.Add(24 * time.Hour)

	tests := []struct {
		name       string
		repo       *mockDiscountRepo
		code       string
		items      []Item
		wantAmount decimal.Decimal
		wantErr    error
	}{
		{
			name: "valid code returns discount",
			repo: &mockDiscountRepo{
				rule: &Rule{
					Code:        "SAVE10",
					Type:        TypePercentage,
					Value:       decimal.NewFromInt(10),
					Description: "10% off",
				},
			},
			code: "SAVE10",
			items: []Item{
				{ProductID: "p1", Price: decimal.NewFromInt(100), Quantity: 1},
			},
			wantAmount: decimal.NewFromInt(10),
		},
		{
			name:    "unknown code returns ErrInvalid",
			repo:    &mockDiscountRepo{err: ErrNotFound},
			code:    "BOGUS",
			items:   []Item{{ProductID: "p1", Price: decimal.NewFromInt(50), Quantity: 1}},
			wantErr: ErrInvalid,
		},
		{
			name: "cart below MinItems returns ErrInvalid",
			repo: &mockDiscountRepo{
				rule: &Rule{
					Code:        "MIN3",
					Type:        TypeFixed,
					Value:       decimal.NewFromInt(5),
					MinItems:    3,
					Description: "$5 off (min 3)",
				},
			},
			code:    "MIN3",
			items:   []Item{{ProductID: "p1", Price: decimal.NewFromInt(20), Quantity: 1}},
			wantErr: ErrInvalid,
		},
		{
			name: "expired discount",
			repo: &mockDiscountRepo{
				rule: &Rule{
					Code:       "OLD",
					Type:       TypePercentage,
					Value:      decimal.NewFromInt(10),
					ValidUntil: &pastTime,
				},
			},
			code:    "OLD",
			items:   []Item{{ProductID: "p1", Price: decimal.NewFromInt(100), Quantity: 1}},
			wantErr: ErrExpired,
		},
		{
			name: "not yet valid discount",
			repo: &mockDiscountRepo{
				rule: &Rule{
					Code:      "FUTURE",
					Type:      TypePercentage,
					Value:     decimal.NewFromInt(10),
					ValidFrom: &futureTime,
				},
			},
			code:    "FUTURE",
			items:   []Item{{ProductID: "p1", Price: decimal.NewFromInt(100), Quantity: 1}},
			wantErr: ErrExpired,
		},
		{
			name: "within valid window succeeds",
			repo: &mockDiscountRepo{
				rule: &Rule{
					Code:       "WINDOW",
					Type:       TypePercentage,
					Value:      decimal.NewFromInt(10),
					ValidFrom:  &pastTime,
					ValidUntil: &futureTime,
				},
			},
			code:       "WINDOW",
			items:      []Item{{ProductID: "p1", Price: decimal.NewFromInt(100), Quantity: 1}},
			wantAmount: decimal.NewFromInt(10),
		},
		{
			name: "usage limit reached",
			repo: &mockDiscountRepo{
				rule: &Rule{
					Code:      "LIMITED",
					Type:      TypePercentage,
					Value:     decimal.NewFromInt(10),
					MaxUses:   100,
					UsedCount: 100,
				},
			},
			code:    "LIMITED",
			items:   []Item{{ProductID: "p1", Price: decimal.NewFromInt(100), Quantity: 1}},
			wantErr: ErrUsageLimitReached,
		},
		{
			name: "usage under limit succeeds",
			repo: &mockDiscountRepo{
				rule: &Rule{
					Code:      "HASROOM",
					Type:      TypePercentage,
					Value:     decimal.NewFromInt(10),
					MaxUses:   100,
					UsedCount: 50,
				},
			},
			code:       "HASROOM",
			items:      []Item{{ProductID: "p1", Price: decimal.NewFromInt(100), Quantity: 1}},
			wantAmount: decimal.NewFromInt(10),
		},
		{
			name: "unlimited uses (max_uses=0) always succeeds",
			repo: &mockDiscountRepo{
				rule: &Rule{
					Code:      "UNLIMITED",
					Type:      TypeFixed,
					Value:     decimal.NewFromInt(5),
					MaxUses:   0,
					UsedCount: 9999,
				},
			},
			code:       "UNLIMITED",
			items:      []Item{{ProductID: "p1", Price: decimal.NewFromInt(100), Quantity: 1}},
			wantAmount: decimal.NewFromInt(5),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewRepoValidator(tt.repo)
			v.now = func() time.Time { return fixedNow }

			rule, applied, err := v.Validate(context.Background(), tt.code, tt.items)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, applied)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, rule)
			require.NotNil(t, applied)
			assert.True(t, tt.wantAmount.Equal(applied.Amount),
				"expected amount %s, got %s", tt.wantAmount, applied.Amount)
		})
	}
}

func TestRepoValidator_RepoErrorWrapped(t *testing.T) {
	repo := &mockDiscountRepo{err: errors.New("db down")}
	v := NewRepoValidator(repo)

	_, _, err := v.Validate(context.Background(), "ANY", []Item{
		{ProductID: "p1", Price: decimal.NewFromInt(10), Quantity: 1},
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}
