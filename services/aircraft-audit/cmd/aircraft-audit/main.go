package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/airfleet/libs/config"
	"github.com/md-rashed-zaman/airfleet/libs/db"
	"github.com/md-rashed-zaman/airfleet/libs/httpx"
	"github.com/md-rashed-zaman/airfleet/libs/kafkax"
	otelx "github.com/md-rashed-zaman/airfleet/libs/otel"
	"github.com/md-rashed-zaman/airfleet/libs/runtime"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-audit/internal/audit"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-audit/internal/consumer"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-audit/internal/inbox"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Config struct {
	LogLevel        string          `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL     string          `env:"DATABASE_URL,required"`
	ShutdownTimeout time.Duration   `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	Kafka           consumer.Config `envPrefix:"KAFKA_"`
	OTel            otelx.Config
}

func main() {
	service := config.String("SERVICE_NAME", "aircraft-audit")
	port, err := config.Port("PORT", "8081")
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

	pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}

	inboxRepo := inbox.NewRepository(pool)
	auditRepo := audit.NewRepository()

	parker := consumer.NewKafkaParker(cfg.Kafka)
	eventConsumer := consumer.New(logger, consumer.NewReader(cfg.Kafka), inboxRepo, parker, cfg.Kafka, func(ctx context.Context, tx pgx.Tx, msg kafka.Message) error {
		evt, err := audit.Decode(msg)
		if err != nil {
			// Poison messages are logged and skipped; retrying cannot fix them.
			logger.Error("invalid aircraft event", "err", err, "topic", msg.Topic, "offset", msg.Offset)
			return nil
		}
		return auditRepo.Insert(ctx, tx, evt)
	})
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := eventConsumer.Run(ctx); err != nil {
			logger.Error("consumer stopped", "err", err)
			stop()
		}
	}()

	mux := runtime.NewBaseMux(2*time.Second,
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(kafkax.SplitBrokers(cfg.Kafka.Brokers))},
	)
	handler := httpx.Chain(mux,
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
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	_ = runtime.ShutdownAll(logger, cfg.ShutdownTimeout,
		runtime.Closer{Name: "http", Close: srv.Shutdown},
		runtime.Closer{Name: "consumer", Close: func(ctx context.Context) error {
			select {
			case <-consumerDone:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		runtime.Closer{Name: "dlq", Close: func(context.Context) error {
			return parker.Close()
		}},
		runtime.Closer{Name: "db", Close: func(context.Context) error {
			pool.Close()
			return nil
		}},
		runtime.Closer{Name: "otel", Close: otelShutdown},
	)
}
