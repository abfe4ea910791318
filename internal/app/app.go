// Package app assembles the sorrel service from configuration and runs it
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/sorrel/config"
	"github.com/Ramsey-B/sorrel/pkg/events"
	"github.com/Ramsey-B/sorrel/pkg/kafka"
	"github.com/Ramsey-B/sorrel/pkg/middleware"
	"github.com/Ramsey-B/sorrel/pkg/reconcile"
	"github.com/Ramsey-B/sorrel/pkg/redis"
	"github.com/Ramsey-B/sorrel/pkg/routes/contact"
	"github.com/Ramsey-B/sorrel/pkg/routes/health"
	"github.com/Ramsey-B/sorrel/pkg/routes/identify"
	"github.com/Ramsey-B/sorrel/pkg/startup"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

// Version is reported by the health endpoint
var Version = "dev"

const shutdownTimeout = 15 * time.Second

type App struct {
	cfg     config.Config
	logger  ectologger.Logger
	startup *startup.Startup
	health  *health.Checker

	store    Store
	redis    *redis.Client
	producer *kafka.Producer
	engine   *reconcile.Engine
	consumer *kafka.Consumer
	server   *echo.Echo
	serveErr chan error
}

func New(cfg config.Config, logger ectologger.Logger) *App {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		startup:  startup.NewStartup(logger, cfg.StartupMaxAttempts),
		health:   health.NewChecker(Version),
		serveErr: make(chan error, 1),
	}
	a.register()
	return a
}

func (a *App) register() {
	var shutdownTracing func(context.Context) error
	a.startup.AddDependency(&startup.Dependency{
		Name: "tracing",
		OnStart: func(ctx context.Context) (err error) {
			shutdownTracing, err = tracing.Setup(ctx, a.cfg.AppName, a.cfg.OTLP())
			return err
		},
		OnStop: func(ctx context.Context) error { return shutdownTracing(ctx) },
	})

	var closeStore func() error
	a.startup.AddDependency(&startup.Dependency{
		Name: "store",
		OnStart: func(ctx context.Context) (err error) {
			a.store, closeStore, err = OpenStore(ctx, a.cfg, a.logger)
			if err == nil {
				a.health.AddCheck("store", a.store)
			}
			return err
		},
		OnStop: func(context.Context) error { return closeStore() },
	})

	engineDeps := []string{"tracing", "store"}

	if a.cfg.RedisEnabled {
		engineDeps = append(engineDeps, "redis")
		a.startup.AddDependency(&startup.Dependency{
			Name: "redis",
			OnStart: func(ctx context.Context) (err error) {
				a.redis, err = redis.NewClient(ctx, a.cfg.Redis(), a.logger)
				if err == nil {
					a.health.AddCheck("redis", a.redis)
				}
				return err
			},
			OnStop: func(context.Context) error { return a.redis.Close() },
		})
	}

	if a.cfg.KafkaEventsEnabled {
		engineDeps = append(engineDeps, "kafka-producer")
		a.startup.AddDependency(&startup.Dependency{
			Name: "kafka-producer",
			OnStart: func(context.Context) error {
				a.producer = kafka.NewProducer(kafka.ProducerConfig{
					Brokers:      a.cfg.KafkaBrokers,
					Topic:        a.cfg.KafkaOutputTopic,
					BatchSize:    a.cfg.KafkaBatchSize,
					BatchTimeout: time.Duration(a.cfg.KafkaBatchTimeout) * time.Millisecond,
					RequiredAcks: a.cfg.KafkaRequiredAcks,
					Compression:  a.cfg.KafkaCompression,
				}, a.logger)
				return nil
			},
			OnStop: func(context.Context) error { return a.producer.Close() },
		})
	}

	a.startup.AddDependency(&startup.Dependency{
		Name:     "engine",
		Requires: engineDeps,
		OnStart: func(context.Context) error {
			a.engine = a.newEngine()
			return nil
		},
	})

	if a.cfg.KafkaConsumerEnabled {
		a.startup.AddDependency(&startup.Dependency{
			Name:     "kafka-consumer",
			Requires: []string{"engine"},
			OnStart: func(ctx context.Context) error {
				a.consumer = kafka.NewConsumer(kafka.ConsumerConfig{
					Brokers:       a.cfg.KafkaBrokers,
					Topic:         a.cfg.KafkaInputTopic,
					ConsumerGroup: a.cfg.KafkaConsumerGroup,
				}, a.logger, kafka.IdentifyHandler(a.engine))
				// detached so the loop outlives the startup attempt's ctx
				return a.consumer.Start(context.WithoutCancel(ctx))
			},
			OnStop: func(context.Context) error { return a.consumer.Stop() },
		})
	}

	a.startup.AddDependency(&startup.Dependency{
		Name:     "http",
		Requires: []string{"engine"},
		OnStart:  a.startServer,
		OnStop: func(ctx context.Context) error {
			if a.server == nil {
				return nil
			}
			return a.server.Shutdown(ctx)
		},
	})
}

func (a *App) newEngine() *reconcile.Engine {
	opts := []reconcile.Option{reconcile.WithRetryPolicy(a.cfg.RetryPolicy())}
	if a.redis != nil {
		locker := redis.NewLocker(a.redis, "sorrel:lock:")
		opts = append(opts, reconcile.WithGate(redis.NewIdentityGate(locker, a.cfg.RedisLockTTL, a.cfg.RedisLockWait, a.logger)))
	}
	if a.producer != nil {
		opts = append(opts, reconcile.WithPublisher(events.NewEmitter(a.producer, a.logger)))
	}
	return reconcile.NewEngine(a.store, a.logger, opts...)
}

// Router builds the HTTP surface around an engine
func (a *App) Router(ctx context.Context, engine *reconcile.Engine) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)

	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: a.cfg.AllowOrigins,
		AllowMethods: a.cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(a.cfg.AppName, otelecho.WithSkipper(func(c echo.Context) bool {
		return strings.HasPrefix(c.Path(), "/api/v1/health") || c.Path() == "/metrics"
	})))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))

	var api []echo.MiddlewareFunc
	if a.cfg.AuthEnabled {
		auth, err := middleware.Authentication(ctx, a.logger, a.cfg.AuthIssuerURL, a.cfg.AuthClientID)
		if err != nil {
			return nil, err
		}
		api = append(api, auth)
	}

	identify.NewHandler(engine).Register(e, api...)
	contact.NewHandler(engine).Register(e.Group("/api/v1/contacts", api...))
	a.health.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e, nil
}

func (a *App) startServer(ctx context.Context) error {
	e, err := a.Router(ctx, a.engine)
	if err != nil {
		return err
	}

	e.Server.ReadTimeout = time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = a.cfg.MaxHeaderBytes
	a.server = e

	addr := fmt.Sprintf(":%d", a.cfg.Port)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveErr <- err
		}
	}()

	a.logger.WithContext(ctx).WithField("addr", addr).Info("HTTP server listening")
	return nil
}

// Run starts every dependency and blocks until ctx ends or the server fails,
// then shuts down in reverse order.
func (a *App) Run(ctx context.Context) error {
	if err := a.startup.Start(ctx); err != nil {
		a.stop()
		return err
	}
	a.health.SetReady(true)
	a.logger.WithContext(ctx).Info("sorrel is ready")

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	case runErr = <-a.serveErr:
		a.logger.WithError(runErr).Error("HTTP server failed")
	}

	a.health.SetReady(false)
	if err := a.stop(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *App) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.startup.Stop(ctx)
}
