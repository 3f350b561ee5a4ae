// Command valetd serves the valet-key API: authenticated callers receive
// short-lived, single-object upload URLs signed with MinIO STS credentials.
//
// Configuration comes from an optional file named by VALETD_CONFIG_FILE
// and from VALETD_* environment variables:
//
//	VALETD_AUTH_AUTHORITY=https://login.microsoftonline.com/<tenant>/v2.0 \
//	VALETD_AUTH_CLIENT_ID=<app id> \
//	VALETD_MINIO_ENDPOINT=minio:9000 \
//	VALETD_MINIO_ACCESS_KEY=valet VALETD_MINIO_SECRET_KEY=... \
//	valetd
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/StricklySoft/stricklysoft-valet/pkg/auth"
	"github.com/StricklySoft/stricklysoft-valet/pkg/clients/minio"
	"github.com/StricklySoft/stricklysoft-valet/pkg/clients/redis"
	"github.com/StricklySoft/stricklysoft-valet/pkg/config"
	"github.com/StricklySoft/stricklysoft-valet/pkg/lifecycle"
	"github.com/StricklySoft/stricklysoft-valet/pkg/server"
	"github.com/StricklySoft/stricklysoft-valet/pkg/valet"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg := config.MustLoad[Config](
		config.New().WithEnvPrefix(envPrefix).WithFile(os.Getenv(envPrefix + "_CONFIG_FILE")),
	)

	logger := newLogger(cfg.Log).With("service", "valetd")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("valetd exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("valetd stopped")
}

// app holds the wired components.
type app struct {
	service *lifecycle.Service
	http    *http.Server
	grpc    *server.GRPCServer
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	a, err := wire(ctx, cfg, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.Addr)
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if a.grpc != nil {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error {
			logger.Info("grpc listening", "addr", cfg.GRPCAddr)
			if err := a.grpc.Serve(lis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		startCtx, cancel := context.WithTimeout(gctx, cfg.StartTimeout)
		defer cancel()
		return a.service.Start(startCtx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := a.http.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if a.grpc != nil {
			a.grpc.GracefulStop()
		}
		if err := a.service.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// wire builds every component from cfg. Nothing is contacted except Redis,
// whose client pings on construction.
func wire(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	builder := lifecycle.NewBuilder("valetd", version).WithLogger(logger)

	var store auth.KeyDocumentStore
	if cfg.Redis.Enabled {
		rc, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		store = rc
		builder.
			WithCheck("redis", rc.Health).
			WithStopHook("redis", func(context.Context) error { return rc.Close() })
	}

	keys, err := auth.NewKeyCache(auth.KeyCacheConfig{
		Authority:          cfg.Auth.Authority,
		DiscoveryURL:       cfg.Auth.DiscoveryURL,
		MinRefreshInterval: cfg.Auth.MinRefreshInterval,
		RolloverCooldown:   cfg.Auth.RolloverCooldown,
		Store:              store,
	})
	if err != nil {
		return nil, err
	}
	validator, err := auth.NewJWTValidator(cfg.Auth, keys)
	if err != nil {
		return nil, err
	}

	table := server.DefaultPolicyTable()
	if cfg.PolicyFile != "" {
		if table, err = auth.LoadPolicyFile(cfg.PolicyFile); err != nil {
			return nil, err
		}
		logger.Info("policy table loaded", "path", cfg.PolicyFile, "default", table.Default)
	}
	registry, err := auth.NewRegistry(table)
	if err != nil {
		return nil, err
	}
	pipeline := auth.NewPipeline(registry, auth.NewResolver(cfg.Resolver, validator), logger)

	storage, err := minio.NewClient(cfg.MinIO)
	if err != nil {
		return nil, err
	}
	issuer, err := valet.NewIssuer(storage, cfg.Valet)
	if err != nil {
		return nil, err
	}

	builder.
		WithStartHook("signing-keys", func(ctx context.Context) error {
			// The cache loads lazily, so an unreachable identity provider
			// only fails bearer-token requests, not the whole service.
			if _, err := keys.Keys(ctx); err != nil {
				logger.WarnContext(ctx, "signing keys not loaded at start", "error", err)
			}
			return nil
		}).
		WithStartHook("upload-bucket", func(ctx context.Context) error {
			return storage.EnsureBucket(ctx, issuer.Container())
		}).
		WithCheck("minio", storage.Health).
		OnStateChange(func(old, next lifecycle.State) {
			logger.Info("lifecycle state changed", "from", old.String(), "to", next.String())
		})

	a := &app{}
	if cfg.GRPCAddr != "" {
		a.grpc = server.NewGRPCServer(pipeline)
		builder.OnStateChange(a.grpc.SetState)
	}

	if a.service, err = builder.Build(); err != nil {
		return nil, err
	}

	router := server.NewRouter(server.Options{
		Pipeline:       pipeline,
		Issuer:         issuer,
		Keys:           keys,
		Probe:          a.service,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	a.http = server.NewHTTPServer(cfg.Addr, router)
	return a, nil
}
