// Command seed-db loads demo discounts and customers into the database for
// local development.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/feastly/fulfillment/internal/domain/discount"
	"github.com/feastly/fulfillment/internal/repository"
)

type seedDiscount struct {
	id          string
	code        string
	kind        discount.Type
	value       string
	minItems    int
	maxUses     int
	description string
}

var seedDiscounts = []seedDiscount{
	{id: "disc-welcome10", code: "WELCOME10", kind: discount.TypePercentage, value: "10", description: "Welcome: 10% off"},
	{id: "disc-fiftyoff", code: "FIFTYOFF", kind: discount.TypePercentage, value: "50", description: "50% off entire order"},
	{id: "disc-over9000", code: "OVER9000", kind: discount.TypeFixed, value: "9", description: "$9 off your order"},
	{id: "disc-buygeton", code: "BUYGETON", kind: discount.TypeFreeLowest, value: "0", minItems: 2, description: "Lowest item free (buy 2+)"},
	{id: "disc-launch100", code: "LAUNCH100", kind: discount.TypePercentage, value: "15", maxUses: 100, description: "Launch week: 15% off, first 100 orders"},
}

var seedCustomers = map[string]string{
	"cust-alice": "alice@example.com",
	"cust-bob":   "bob@example.com",
}

func main() {
	var databaseURL string

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	discounts := repository.NewDiscountRepository(pool)
	for _, s := range seedDiscounts {
		value, err := decimal.NewFromString(s.value)
		if err != nil {
			return errors.Wrapf(err, "parse value for %s", s.code)
		}
		rule := &discount.Rule{
			ID:          s.id,
			Code:        s.code,
			Type:        s.kind,
			Value:       value,
			MinItems:    s.minItems,
			MaxUses:     s.maxUses,
			Description: s.description,
		}
		if err := discounts.Upsert(ctx, rule); err != nil {
			return errors.Wrapf(err, "seed discount %s", s.code)
		}
	}
	slog.Info("seeded discounts", slog.Int("count", len(seedDiscounts)))

	customers := repository.NewCustomerRepository(pool)
	for id, email := range seedCustomers {
		if err := customers.Upsert(ctx, id, email); err != nil {
			return errors.Wrapf(err, "seed customer %s", id)
		}
	}
	slog.Info("seeded customers", slog.Int("count", len(seedCustomers)))

	return nil
}
