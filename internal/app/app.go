// Package app wires the control plane's engines, drivers, and HTTP surface
// together and runs the selected mode, mirroring the teacher's
// internal/app.Run single entry point for both the API and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lnvps/api/internal/adminapi"
	"github.com/lnvps/api/internal/auth"
	"github.com/lnvps/api/internal/config"
	"github.com/lnvps/api/internal/httpserver"
	"github.com/lnvps/api/internal/platform"
	"github.com/lnvps/api/internal/secrets"
	"github.com/lnvps/api/internal/telemetry"
	"github.com/lnvps/api/internal/userapi"
	"github.com/lnvps/api/pkg/billing"
	"github.com/lnvps/api/pkg/dnsdriver"
	"github.com/lnvps/api/pkg/exchange"
	"github.com/lnvps/api/pkg/fiat"
	"github.com/lnvps/api/pkg/hostdriver"
	"github.com/lnvps/api/pkg/lightning"
	"github.com/lnvps/api/pkg/notify"
	"github.com/lnvps/api/pkg/provisioner"
	"github.com/lnvps/api/pkg/rbac"
	"github.com/lnvps/api/pkg/repo"
	"github.com/lnvps/api/pkg/routerdriver"
	"github.com/lnvps/api/pkg/types"
	"github.com/lnvps/api/pkg/worker"
)

// Run reads config, connects to infrastructure, builds the engines, and
// starts the mode selected by cfg.Mode ("api", "worker", or "migrate").
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting lnvpsd", "mode", cfg.Mode)

	if cfg.Mode == "migrate" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	}

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	store := repo.NewPostgres(pool)

	secretsMgr, err := buildSecretsManager(cfg)
	if err != nil {
		return fmt.Errorf("building secrets manager: %w", err)
	}

	hostDrivers := map[types.HostKind]hostdriver.Driver{
		types.HostKindProxmox: hostdriver.NewProxmoxDriver(secretsMgr),
		types.HostKindLibvirt: hostdriver.NewLibvirtDriver(),
		types.HostKindMock:    hostdriver.NewMockDriver(),
	}

	var router routerdriver.Driver = routerdriver.NewNoop()
	if cfg.RouterMikrotikURL != "" {
		router = routerdriver.NewMikrotikDriver(cfg.RouterMikrotikURL, cfg.RouterMikrotikUsername, cfg.RouterMikrotikPassword)
	}

	var dns dnsdriver.Driver = dnsdriver.NewNoop()
	if cfg.DNSCloudflareToken != "" {
		dns = dnsdriver.NewCloudflareDriver(cfg.DNSCloudflareToken)
	}

	var lightningP lightning.Provider
	switch cfg.LightningBackend {
	case "bitvora":
		if cfg.BitvoraAPIKey != "" {
			lightningP = lightning.NewBitvoraProvider(cfg.BitvoraAPIKey)
		}
	default:
		if cfg.LNDURL != "" {
			lightningP = lightning.NewLNDProvider(cfg.LNDURL, cfg.LNDMacaroonHex)
		}
	}
	if lightningP == nil {
		logger.Info("lightning backend disabled (no URL/API key configured)")
	}

	var fiatP fiat.Provider
	if cfg.FiatGatewayBaseURL != "" {
		fiatP = fiat.NewGenericProvider(cfg.FiatGatewayBaseURL, cfg.FiatGatewayAPIKey)
	}

	notifier := notify.NewRegistry()
	if cfg.SMTPServer != "" {
		notifier.Register(notify.NewSMTPProvider(cfg.SMTPServer, "25", cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom))
	}
	if cfg.NostrNsecHex != "" && len(cfg.NostrRelays) > 0 {
		nostrP, err := notify.NewNostrProvider(cfg.NostrNsecHex, cfg.NostrRelays)
		if err != nil {
			return fmt.Errorf("building nostr notifier: %w", err)
		}
		notifier.Register(nostrP)
	}

	rateEngine := exchange.New(cfg.ExchangeRateBaseURL, cfg.ExchangeRateCacheTTL)

	prov := provisioner.New(store, hostDrivers, router, dns, notifier, provisioner.Config{
		DeleteAfter:    time.Duration(cfg.DeleteAfterDays) * 24 * time.Hour,
		AdminRecipient: cfg.SMTPAdmin,
	})

	bill := billing.New(store, rateEngine, prov, billing.Config{
		TaxRates: cfg.TaxRates(),
	})
	bill.SetSecretsManager(secretsMgr)
	if lightningP != nil {
		bill.SetLightningProvider(lightningP)
	}
	if fiatP != nil {
		bill.SetFiatProvider(fiatP)
	}

	metricsReg := telemetry.NewRegistry()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, store, prov, bill, lightningP, metricsReg, pool, rdb)
	case "worker":
		return runWorker(ctx, cfg, logger, store, prov, bill, lightningP, fiatP, secretsMgr, hostDrivers, router, dns, notifier, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func buildSecretsManager(cfg *config.Config) (*secrets.Manager, error) {
	if cfg.EncryptionKeyHex != "" {
		return secrets.NewManager(cfg.EncryptionKeyHex)
	}
	slog.Warn("LNVPS_ENCRYPTION_KEY not set, deriving encryption key from a fixed dev passphrase; do not use in production")
	return secrets.NewManagerFromPassphrase("lnvps-dev-only-passphrase")
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, store repo.Repository, prov *provisioner.Provisioner, bill *billing.Engine, lightningP lightning.Provider, metricsReg *telemetry.Registry, pool *pgxpool.Pool, rdb *redis.Client) error {
	rb := rbac.New(store)
	resolver := auth.NewRepoResolver(store, cfg.DefaultUserRole)
	authMW := auth.RequireAuth(resolver)

	readyFn := func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}

	srv := httpserver.NewServer(httpserver.Config{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, metricsReg.Gatherer, &httpserver.HTTPMetrics{
		Duration: metricsReg.HTTPRequestDuration,
		Total:    metricsReg.HTTPRequestsTotal,
	}, readyFn)

	userapi.Mount(srv.Root, srv.APIRouter, store, prov, bill, lightningP, authMW, cfg.Host)

	srv.AdminRouter.Use(authMW)
	srv.AdminRouter.Mount("/users", adminapi.NewUserHandler(store, rb).Routes())
	srv.AdminRouter.Mount("/vms", adminapi.NewVMHandler(store, prov, rb).Routes())
	srv.AdminRouter.Mount("/hosts", adminapi.NewHostHandler(store, rb).Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv.Root,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, store repo.Repository, prov *provisioner.Provisioner, bill *billing.Engine, lightningP lightning.Provider, fiatP fiat.Provider, secretsMgr *secrets.Manager, hostDrivers map[types.HostKind]hostdriver.Driver, router routerdriver.Driver, dns dnsdriver.Driver, notifier *notify.Registry, metricsReg *telemetry.Registry) error {
	// nwc is left nil: no NIP-47 Nostr Wallet Connect client ships in the
	// retrieved example corpus (see DESIGN.md), so auto-renew payments fall
	// through to manual renewal rather than attempting an unimplemented
	// auto-pay channel.
	w := worker.New(store, prov, bill, lightningP, nil, secretsMgr, hostDrivers, notifier, logger, &worker.Metrics{
		TicksTotal:      metricsReg.WorkerTicksTotal,
		TickErrorsTotal: metricsReg.WorkerTickErrors,
	}, worker.Config{
		Interval:        cfg.WorkerInterval,
		AutoRenewWindow: cfg.WorkerAutoRenewWindow,
		DeleteAfter:     time.Duration(cfg.DeleteAfterDays) * 24 * time.Hour,
		AdminRecipient:  cfg.SMTPAdmin,
	})
	w.SetFiatProvider(fiatP)
	w.SetNetworkDrivers(router, dns)
	return w.Run(ctx)
}
