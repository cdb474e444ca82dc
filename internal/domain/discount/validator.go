package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Validator validates a discount code against a set of cart items and returns
// the matched rule with its computed discount.
type Validator interface {
	Validate(ctx context.Context, code string, items []Item) (*Rule, *Applied, error)
}

// RepoValidator implements Validator by looking up rules from a Repository
// and applying them via the Apply function.
//
// Validation does not consume a use. The usage counter is incremented by the
// fulfillment path, once per order that actually got paid; counting at
// validation time would inflate the counter for abandoned checkouts.
type RepoValidator struct {
	repo Repository
	now  func() time.Time
}

// NewRepoValidator creates a RepoValidator backed by the given Repository.
func NewRepoValidator(repo Repository) *RepoValidator {
	return &RepoValidator{repo: repo, now: time.Now}
}

// Validate looks up the rule for the given code, checks temporal validity and
// usage limits, and applies it to the cart items.
func (v *RepoValidator) Validate(ctx context.Context, code string, items []Item) (*Rule, *Applied, error) {
	rule, err := v.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrInvalid
		}
		return nil, nil, errors.Wrap(err, "lookup discount")
	}

	now := v.now()

	if rule.ValidFrom != nil && now.Before(*rule.ValidFrom) {
		return nil, nil, ErrExpired
	}
	if rule.ValidUntil != nil && now.After(*rule.ValidUntil) {
		return nil, nil, ErrExpired
	}

	if rule.MaxUses > 0 && rule.UsedCount >= rule.MaxUses {
		return nil, nil, ErrUsageLimitReached
	}

	applied, err := Apply(rule, items)
	if err != nil {
		return nil, nil, err
	}

	return rule, &applied, nil
}
