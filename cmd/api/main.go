package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/initials101/mpesa-gateway/internal/config"
	gateway "github.com/initials101/mpesa-gateway/internal/gateways"
	"github.com/initials101/mpesa-gateway/internal/handlers"
	"github.com/initials101/mpesa-gateway/internal/model"
	"github.com/initials101/mpesa-gateway/internal/queue"
	"github.com/initials101/mpesa-gateway/internal/reconcile"
	"github.com/initials101/mpesa-gateway/internal/repository"
	memorystore "github.com/initials101/mpesa-gateway/internal/repository/memory"
	mongostore "github.com/initials101/mpesa-gateway/internal/repository/mongo"
	"github.com/initials101/mpesa-gateway/internal/services"
	xhttp "github.com/initials101/mpesa-gateway/pkg/http"
	"github.com/initials101/mpesa-gateway/pkg/logger"
	"github.com/initials101/mpesa-gateway/pkg/pg"
	"github.com/initials101/mpesa-gateway/pkg/prom"
	"github.com/initials101/mpesa-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// transactionStore is the full store surface the api binary wires:
// the service's read/write operations plus the reconciliation
// engine's CAS slice.
type transactionStore interface {
	services.TransactionStore
	reconcile.Store
}

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 30))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

	transactions, callbacks, err := buildStores()
	if err != nil {
		logger.Error("failed to initialize transaction store", "driver", config.Get().StoreDriver, "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	callbackQueue, err := queue.NewQueue(redisAdap, queue.QueueConfig{
		Name:              config.Get().CallbackQueueName,
		ConsumerGroup:     config.Get().QueueConsumerGroup,
		ConsumerName:      config.Get().QueueConsumerName,
		MaxRetries:        config.Get().QueueMaxRetries,
		VisibilityTimeout: config.Get().QueueVisibilityTimeout,
		PollInterval:      config.Get().QueuePollInterval,
		BatchSize:         config.Get().QueueBatchSize,
		MaxLen:            config.Get().QueueMaxLen,
		EnableDLQ:         config.Get().QueueEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating callback queue", "error", err)
		return
	}

	client, err := gateway.NewClient(&gateway.Config{
		BaseURL:          config.Get().DarajaBaseUrl,
		ConsumerKey:      config.Get().DarajaConsumerKey,
		ConsumerSecret:   config.Get().DarajaConsumerSecret,
		Shortcode:        config.Get().DarajaShortcode,
		Passkey:          config.Get().DarajaPasskey,
		InitiatorName:    config.Get().DarajaInitiatorName,
		SecurityCred:     config.Get().DarajaSecurityCred,
		CallbackBaseURL:  config.Get().DarajaCallbackBaseUrl,
		Timeout:          config.Get().DarajaRequestTimeout,
		TokenExpiryGrace: config.Get().DarajaTokenExpiryGrace,
	})
	if err != nil {
		logger.Error("failed to create daraja client", "error", err)
		return
	}

	engine, err := reconcile.NewEngine(transactions, client, reconcile.Config{
		GraceDelay:      config.Get().ReconcileGraceDelay,
		PollInterval:    config.Get().ReconcilePollInterval,
		PollMaxAttempts: config.Get().ReconcilePollMaxAttempts,
		HardTimeout:     config.Get().ReconcileHardTimeout,
		SweepInterval:   config.Get().ReconcileSweepInterval,
	})
	if err != nil {
		logger.Error("invalid reconciliation configuration", "error", err)
		return
	}

	// Re-arm hard timeouts for transactions left PENDING by a previous run.
	if err := engine.ResumePending(context.Background(), func(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
		return transactions.Find(ctx, f)
	}); err != nil {
		logger.Error("failed to resume pending lifecycles", "error", err)
	}

	paymentService := services.NewPaymentService(transactions, callbacks, client, engine, callbackQueue)
	healthService := services.NewHealthService()
	healthService.Register("redis", func() error {
		return redisAdap.Client().Ping(context.Background()).Err()
	})

	paymentHandler := handlers.NewPaymentHandler(paymentService)
	callbackHandler := handlers.NewCallbackHandler(paymentService)
	healthHandler := handlers.NewHealthHandler(healthService)

	g := s.Router.Group("/api/v1")
	handlers.RegisterPaymentRoutes(g, paymentHandler)
	handlers.RegisterCallbackRoutes(g, callbackHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	if config.Get().AppDebugMetricsAddr != "" {
		var hostname string
		hostname, err = os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		if err := prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace); err != nil {
			logger.Error("failed to create prometheus metrics", "error", err)
			return
		}
		go func() {
			prom.ListenAndServer(config.Get().AppDebugMetricsAddr, config.Get().AppDebugMetricsURI)
		}()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := s.ListenAndServe(config.Get().HttpListenAddr); err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	<-c
	engine.Stop()
	s.Shutdown()
}

func buildStores() (transactionStore, services.CallbackStore, error) {
	switch config.Get().StoreDriver {
	case "memory":
		logger.Warn("using in-memory transaction store, data will not survive restarts")
		return memorystore.NewTransactionStore(), memorystore.NewCallbackStore(), nil

	case "mongo":
		client, err := mongostore.Connect(context.Background(), config.Get().MongoURI)
		if err != nil {
			return nil, nil, err
		}
		transactions, err := mongostore.NewTransactionStore(client, config.Get().MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		callbacks, err := mongostore.NewCallbackStore(client, config.Get().MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		return transactions, callbacks, nil

	default:
		readConf := pg.Config{
			User:     config.Get().PostgresReadUser,
			Host:     config.Get().PostgresReadHost,
			Port:     config.Get().PostgresReadPort,
			Password: config.Get().PostgresReadPassword,
			Database: config.Get().PostgresReadDatabase,
		}
		writeConf := pg.Config{
			User:     config.Get().PostgresWriteUser,
			Host:     config.Get().PostgresWriteHost,
			Port:     config.Get().PostgresWritePort,
			Password: config.Get().PostgresWritePassword,
			Database: config.Get().PostgresWriteDatabase,
		}
		db, err := pg.CreateReadWrite(readConf, writeConf, config.Get().AppEnv == "dev")
		if err != nil {
			return nil, nil, err
		}
		return repository.NewTransactionRepository(db), repository.NewCallbackRepository(db), nil
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
