package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/initials101/mpesa-gateway/internal/config"
	gateway "github.com/initials101/mpesa-gateway/internal/gateways"
	"github.com/initials101/mpesa-gateway/internal/processor"
	"github.com/initials101/mpesa-gateway/internal/queue"
	"github.com/initials101/mpesa-gateway/internal/reconcile"
	"github.com/initials101/mpesa-gateway/internal/repository"
	memorystore "github.com/initials101/mpesa-gateway/internal/repository/memory"
	mongostore "github.com/initials101/mpesa-gateway/internal/repository/mongo"
	"github.com/initials101/mpesa-gateway/internal/services"
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

	paymentService := services.NewPaymentService(transactions, callbacks, client, engine, callbackQueue)

	idempotencyService := processor.NewIdempotencyService(redisAdap, processor.DefaultIdempotencyConfig())

	service, err := processor.NewProcessorService(redisAdap)
	if err != nil {
		logger.Error("failed to create processor service", "error", err)
		return
	}
	service.RegisterProcessor(processor.NewCallbackProcessor(paymentService, idempotencyService))

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
		prom.ListenAndServer(":9100", "/metrics")
	}()

	// The sweeper backs up the per-process timers: a transaction left
	// PENDING past its hard deadline by a crashed instance is resolved
	// here.
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	go engine.RunSweeper(sweepCtx)

	go func() {
		if err := service.Start(); err != nil {
			logger.Error("failed to start processor", "error", err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c
	cancelSweep()
	service.Stop()
	engine.Stop()
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
