package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/iliyamo/course-file-server/internal/config"
	"github.com/iliyamo/course-file-server/internal/database"
	"github.com/iliyamo/course-file-server/internal/handler"
	"github.com/iliyamo/course-file-server/internal/ingest"
	"github.com/iliyamo/course-file-server/internal/logging"
	"github.com/iliyamo/course-file-server/internal/middleware"
	"github.com/iliyamo/course-file-server/internal/queue"
	"github.com/iliyamo/course-file-server/internal/repository"
	"github.com/iliyamo/course-file-server/internal/router"
	"github.com/iliyamo/course-file-server/internal/service"
	"github.com/iliyamo/course-file-server/internal/storage"
	"github.com/iliyamo/course-file-server/internal/utils"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	cfg := config.Load()
	log := logging.New(os.Stdout, cfg.IsProd())
	if err := cfg.Validate(); err != nil {
		log.Error(ctx, "invalid configuration", "err", err)
		return err
	}

	db, err := database.Open(ctx, cfg)
	if err != nil {
		log.Error(ctx, "connect database failed", "err", err)
		return err
	}
	defer db.Close()

	issuer, err := utils.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	relocator := storage.NewRelocator(cfg.PublicDir)
	if err := relocator.EnsureLayout(); err != nil {
		log.Error(ctx, "prepare public directory failed", "dir", cfg.PublicDir, "err", err)
		return err
	}
	stager := storage.NewStager(cfg.PublicDir, cfg.MaxUploadBytes)

	cacheCfg := config.LoadCacheConfig()
	rdb := config.NewRedisClient(ctx, config.LoadRedisConfig())
	if rdb == nil {
		log.Warn(ctx, "redis unavailable, rate limiting and listing cache disabled")
	} else {
		defer rdb.Close()
	}

	pipeline := ingest.NewPipeline(stager, relocator, log.With("component", "ingest"))
	pipeline.Cache = middleware.NewInvalidator(cacheCfg, rdb)
	pipeline.ListingPaths = router.ListingPaths
	defer pipeline.Wait()

	if cfg.EventsEnabled {
		pipeline.Events = service.NewQueuePublisher(cfg.AMQPURL)
		consumer := &queue.UploadLogConsumer{
			URL:     cfg.AMQPURL,
			LogPath: cfg.UploadLogPath,
			Log:     log.With("component", "upload-consumer"),
		}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error(ctx, "upload consumer stopped", "err", err)
			}
		}()
	}

	e := newEcho(cfg, log)
	router.Register(e, router.Deps{
		Auth:         handler.NewAuthHandler(repository.NewUserRepo(db), issuer, log.With("component", "auth")),
		Uploads:      handler.NewUploadHandler(pipeline, relocator, cfg.MaxUploadBytes, log.With("component", "upload")),
		Pages:        handler.Pages{PublicDir: cfg.PublicDir},
		Verifier:     issuer,
		RateLimit:    middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log),
		ListingCache: middleware.NewRedisCache(cacheCfg, rdb, log),
		Metrics:      promhttp.Handler(),
		PublicDir:    cfg.PublicDir,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "listening", "addr", cfg.Addr(), "env", cfg.Env, "public_dir", cfg.PublicDir)
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info(ctx, "shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(sctx)
}

func newEcho(cfg config.Config, log *logging.SlogLogger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler(log, cfg.MaxUploadBytes)

	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(echomw.Recover())
	e.Use(middleware.Metrics())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			args := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"remote_ip", v.RemoteIP,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				args = append(args, "err", v.Error)
			}
			log.Info(c.Request().Context(), "request", args...)
			return nil
		},
	}))
	e.Use(echomw.CORS())
	e.Use(handler.BodyLimit(cfg.MaxUploadBytes))
	return e
}
