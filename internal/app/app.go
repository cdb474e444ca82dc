// Package app wires the fulfillment service together: configuration,
// database, payment provider, domain services, HTTP server, and graceful
// shutdown.
package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/feastly/fulfillment/internal/analytics"
	"github.com/feastly/fulfillment/internal/checkout"
	"github.com/feastly/fulfillment/internal/dedup"
	"github.com/feastly/fulfillment/internal/domain/discount"
	"github.com/feastly/fulfillment/internal/domain/order"
	"github.com/feastly/fulfillment/internal/handler"
	"github.com/feastly/fulfillment/internal/notify"
	"github.com/feastly/fulfillment/internal/psp/stripe"
	"github.com/feastly/fulfillment/internal/repository"
	"github.com/feastly/fulfillment/pkg/health"
	"github.com/feastly/fulfillment/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Webhook dedup: Redis when configured, otherwise an in-process bloom
	// filter sized for the provider's retry horizon.
	var deduper dedup.Deduper
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return errors.Wrap(err, "parse redis url")
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()

		healthSvc.AddReadinessCheck("redis", 5*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		deduper = dedup.NewRedis(rdb, 72*time.Hour)
	} else {
		deduper = dedup.NewBloom(100_000, 0.001)
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Repositories.
	orderRepo := repository.NewOrderRepository(pool)
	discountRepo := repository.NewDiscountRepository(pool)
	customerRepo := repository.NewCustomerRepository(pool)
	eventRepo := repository.NewWebhookEventRepository(pool)

	// Payment provider.
	verifier := stripe.NewVerifier(cfg.Stripe.WebhookSecret)
	provider := stripe.NewClient(cfg.Stripe.APIKey)
	if cfg.Stripe.WebhookSecret == "" {
		lg.Warn("Stripe webhook secret not set, webhook endpoint will reject all deliveries")
	}

	// Analytics pipeline.
	sinks := []analytics.Sink{analytics.NewLogSink(lg.Named("analytics"))}
	if cfg.Analytics.ArchivePath != "" {
		fileSink, err := analytics.NewFileSink(cfg.Analytics.ArchivePath)
		if err != nil {
			return errors.Wrap(err, "create analytics archive")
		}
		sinks = append(sinks, fileSink)
	}
	emitter := analytics.NewEmitter(cfg.Analytics.BufferSize, sinks...)
	emitter.Start(zctx.Base(context.WithoutCancel(ctx), lg.Named("analytics")))
	defer func() {
		if err := emitter.Close(); err != nil {
			lg.Error("Close analytics emitter", zap.Error(err))
		}
	}()

	// Confirmation email.
	var mailer notify.Mailer = notify.NopMailer{}
	if cfg.SMTP.Host != "" {
		smtpMailer, err := notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		if err != nil {
			return errors.Wrap(err, "create mailer")
		}
		mailer = smtpMailer
	}

	// Domain services.
	fulfillment := order.NewFulfillment(orderRepo, discountRepo, customerRepo, customerRepo, emitter, mailer)
	resolver := order.NewResolver(orderRepo, provider)
	discountValidator := discount.NewRepoValidator(discountRepo)
	checkoutSvc := checkout.NewService(checkout.Config{
		Currency:   cfg.Checkout.Currency,
		SuccessURL: cfg.Checkout.SuccessURL,
		CancelURL:  cfg.Checkout.CancelURL,
	}, orderRepo, discountValidator, provider)

	// HTTP surface.
	h := handler.NewHandler(verifier, fulfillment, resolver, checkoutSvc, deduper, eventRepo)
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Stripe-Signature"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
				// Provider deliveries are authenticated by signature, not
				// throttled by IP; rate limiting them only feeds the retry
				// queue.
				Skip: func(r *http.Request) bool {
					return strings.HasPrefix(r.URL.Path, "/webhooks/")
				},
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("fulfillment", m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
