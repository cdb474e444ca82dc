// Command fulfillment-repair re-runs missing secondary effects (discount
// usage, customer aggregates, confirmation email) for already-paid orders.
// Redelivering the webhook cannot do this: redeliveries hit the already-paid
// short-circuit and never re-run effects.
//
// Usage:
//
//	fulfillment-repair --database-url=... [--smtp-host=...] ORDER_ID [ORDER_ID...]
//
// Without --smtp-host the confirmation-email effect is left pending rather
// than falsely marked sent.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/feastly/fulfillment/internal/domain/order"
	"github.com/feastly/fulfillment/internal/notify"
	"github.com/feastly/fulfillment/internal/repository"
)

var (
	smtpHost string
	smtpPort int
	smtpFrom string
)

func main() {
	var (
		databaseURL string
		concurrency int
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&concurrency, "concurrency", 4, "number of orders repaired in parallel")
	flag.StringVar(&smtpHost, "smtp-host", "", "SMTP relay for resending confirmation emails (off when empty)")
	flag.IntVar(&smtpPort, "smtp-port", 587, "SMTP relay port")
	flag.StringVar(&smtpFrom, "smtp-from", "", "From address for resent confirmations")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	orderIDs := flag.Args()
	if len(orderIDs) == 0 {
		slog.Error("at least one order id is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, orderIDs, concurrency); err != nil {
		slog.Error("repair failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("repair completed")
}

func run(ctx context.Context, databaseURL string, orderIDs []string, concurrency int) error {
	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	orderRepo := repository.NewOrderRepository(pool)
	discountRepo := repository.NewDiscountRepository(pool)
	customerRepo := repository.NewCustomerRepository(pool)

	// The nop mailer leaves the confirmation effect unstamped, so running
	// this tool without SMTP never closes the email effect; an SMTP-enabled
	// service instance (or a later run with --smtp-host) still can.
	var mailer notify.Mailer = notify.NopMailer{}
	if smtpHost != "" {
		smtpMailer, err := notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     smtpHost,
			Port:     smtpPort,
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     smtpFrom,
		})
		if err != nil {
			return errors.Wrap(err, "create mailer")
		}
		mailer = smtpMailer
	}

	svc := order.NewFulfillment(orderRepo, discountRepo, customerRepo, customerRepo, nil, mailer)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, id := range orderIDs {
		g.Go(func() error {
			effectErrs, err := svc.ReplaySecondaryEffects(ctx, id)
			if err != nil {
				slog.Error("replay failed", slog.String("order_id", id), slog.String("error", err.Error()))
				return errors.Wrapf(err, "order %s", id)
			}
			for _, e := range effectErrs {
				slog.Warn("effect still failing", slog.String("order_id", id), slog.String("error", e.Error()))
			}
			if len(effectErrs) == 0 {
				slog.Info("order repaired", slog.String("order_id", id))
			}
			return nil
		})
	}

	return g.Wait()
}
