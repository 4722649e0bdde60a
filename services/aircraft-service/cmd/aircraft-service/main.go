package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/airfleet/libs/config"
	"github.com/md-rashed-zaman/airfleet/libs/db"
	"github.com/md-rashed-zaman/airfleet/libs/httpx"
	"github.com/md-rashed-zaman/airfleet/libs/kafkax"
	otelx "github.com/md-rashed-zaman/airfleet/libs/otel"
	"github.com/md-rashed-zaman/airfleet/libs/runtime"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/bus"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/fleet"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/handlers"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/ledger"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/outbox"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "aircraft-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service, cfg.LogLevel)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, service, cfg.OTel)
	if err != nil {
		logger.Error("otel setup failed", "err", err)
		otelShutdown = nil
	}

	var (
		pool   *db.Pool
		store  storage.RecordStore
		repo   outbox.Repository
		led    ledger.Ledger
		checks []runtime.ReadyCheck
	)
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
		pool, err = db.Open(ctx, cfg.DatabaseURL, db.Options{
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			MaxConnLifetime: cfg.DBConnLifetime,
			MaxConnIdleTime: cfg.DBConnIdleTime,
		})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		pg := storage.NewPostgres(pool)
		store, repo, led = pg, pg, ledger.NewPostgres(pool)
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		mem := storage.NewMemory()
		store, repo, led = mem, mem, ledger.NewMemory()
	default:
		panic("unknown STORE_DRIVER " + cfg.StoreDriver)
	}

	var client bus.Client
	switch cfg.BusDriver {
	case "kafka":
		k, err := bus.NewKafka(cfg.Kafka)
		if err != nil {
			panic(err)
		}
		client = k
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.Kafka.BrokerList())})
	case "log":
		client = bus.Log{Logger: logger}
	default:
		panic("unknown BUS_DRIVER " + cfg.BusDriver)
	}

	var (
		limiter httpx.Limiter = httpx.NewMemoryLimiter(time.Minute)
		rdb     *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = httpx.NewRedisLimiter(rdb, time.Minute, "airfleet:ratelimit:")
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	dispatcher, err := outbox.New(repo, led, client, logger, cfg.Outbox, outbox.WithRegisterer(reg))
	if err != nil {
		panic(err)
	}
	if err := dispatcher.Start(ctx); err != nil {
		panic(err)
	}

	svc := fleet.NewService(store, logger)

	api := http.NewServeMux()
	handlers.NewAircraftHandler(svc, logger).Register(api)
	handlers.NewOpsHandler(repo, led, logger, httpx.RequireRole(cfg.OperatorJWTSecret, "operator")).Register(api)

	mux := runtime.NewBaseMux(2*time.Second, checks...)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/api/", httpx.Chain(api,
		httpx.RateLimit(limiter, cfg.RateLimitPerMinute, logger, true),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(cfg.RequestTimeout),
	))

	handler := httpx.Chain(mux,
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, service)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "store", cfg.StoreDriver, "bus", cfg.BusDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	_ = runtime.ShutdownAll(logger, cfg.ShutdownTimeout,
		runtime.Closer{Name: "http", Close: srv.Shutdown},
		runtime.Closer{Name: "dispatcher", Close: dispatcher.Shutdown},
		runtime.Closer{Name: "bus", Close: func(context.Context) error { return client.Close() }},
		runtime.Closer{Name: "redis", Close: func(context.Context) error {
			if rdb == nil {
				return nil
			}
			return rdb.Close()
		}},
		runtime.Closer{Name: "db", Close: func(context.Context) error {
			pool.Close()
			return nil
		}},
		runtime.Closer{Name: "otel", Close: otelShutdown},
	)
}
