package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ferro-labs/keygate"
	"github.com/ferro-labs/keygate/internal/admin"
	"github.com/ferro-labs/keygate/internal/discovery"
	"github.com/ferro-labs/keygate/internal/logging"
	"github.com/ferro-labs/keygate/internal/ratelimit"
	"github.com/ferro-labs/keygate/internal/seed"
	"github.com/ferro-labs/keygate/internal/store"
	"github.com/ferro-labs/keygate/internal/version"
	"github.com/ferro-labs/keygate/providers"
)

func main() {
	configPath := flag.String("config", os.Getenv("KEYGATE_CONFIG"), "path to a YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("keygate " + version.String())
		return
	}
	if err := run(*configPath); err != nil {
		logging.Logger.Error("keygate exited", "error", err.Error())
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := keygate.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := keygate.ValidateConfig(*cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	log := logging.Logger

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	log.Info("store opened", "driver", cfg.Database.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ProvidersFile != "" {
		f, err := seed.Load(cfg.ProvidersFile)
		if err != nil {
			return err
		}
		n, err := seed.Apply(ctx, st, f)
		if err != nil {
			return fmt.Errorf("seed providers: %w", err)
		}
		log.Info("provider seed applied", "created", n, "listed", len(f.Providers))
	}

	upstream := providers.NewUpstreamClient(cfg.Upstream.Timeout,
		providers.WithDiscoveryTimeout(cfg.Discovery.Timeout))
	engine := discovery.NewEngine(st, st, upstream, discovery.WithConcurrency(cfg.Discovery.Concurrency))

	sched, err := discovery.NewScheduler(engine, discovery.Schedule{
		OnStartup: cfg.Discovery.OnStartup,
		Periodic:  cfg.Discovery.Periodic,
		Interval:  cfg.Discovery.Interval,
	})
	if err != nil {
		return err
	}
	sched.Start()
	defer func() {
		if err := sched.Shutdown(); err != nil {
			log.Warn("discovery scheduler shutdown", "error", err.Error())
		}
	}()

	gw := keygate.New(st, upstream, keygate.WithDefaults(cfg.Defaults))
	gw.AddHook(func(ctx context.Context, subject string, data map[string]interface{}) {
		logging.FromContext(ctx).Debug("gateway event", "subject", subject, "provider", data["provider"], "units", data["units"])
	})

	if cfg.Admin.Password == "" {
		log.Warn("admin.password is not set; admin login is disabled")
	}
	auth := admin.NewAuthenticator(cfg.Admin.Password, cfg.Admin.JWTSecret, cfg.Admin.TokenTTL, cfg.RateLimit.LoginPerMinute)

	r := newRouter(routerDeps{
		store:       st,
		gateway:     gw,
		discovery:   engine,
		auth:        auth,
		limiter:     ratelimit.NewStore(cfg.RateLimit.CredentialRPS, cfg.RateLimit.CredentialBurst),
		corsOrigins: cfg.Server.CORSOrigins,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("keygate listening", "addr", addr, "version", version.Short(),
			"discover_on_startup", cfg.Discovery.OnStartup, "discover_periodic", cfg.Discovery.Periodic)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
