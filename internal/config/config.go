package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/initials101/mpesa-gateway/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const ConfigTagName = "env"
const ConfigDefaultTagName = "default"

var config *Config

// Configuration This struct holds config envs and values
// which are used across the gateway. Only this struct must be used
// to hold any configuration values, no direct access to
// env, ini or any other config source should be made
type Config struct {
	AppEnv              string `env:"APP_ENV" default:"dev"`
	AppName             string `env:"APP_NAME" default:"mpesa_gateway"`
	AppDebug            bool   `env:"APP_DEBUG" default:"1"`
	AppDebugMetricsAddr string `env:"APP_DEBUG_METRIC_ADDR"`
	AppDebugMetricsURI  string `env:"APP_DEBUG_METRIC_URI"`
	AppBaseUrl          string `env:"APP_BASE_URL"`

	HttpListenAddr            string `env:"HTTP_LISTEN_ADDR" validation:"mustExists"`
	HttpServerReadTimeout     int    `env:"HTTP_SERVER_READ_TIMEOUT"`
	HttpServerWriteTimeout    int    `env:"HTTP_SERVER_WRITE_TIMEOUT"`
	HttpServerReadBufferSize  int    `env:"HTTP_SERVER_READ_BUFFER_SIZE"`
	HttpServerWriteBufferSize int    `env:"HTTP_SERVER_WRITE_BUFFER_SIZE"`

	// Transaction store backend: postgres | mongo | memory
	StoreDriver string `env:"STORE_DRIVER" default:"postgres"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DBNAME" default:"mpesa_gateway"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE"`

	LogLevel []string `env:"LOG_LEVEL"`

	CallbackQueueName      string        `env:"CALLBACK_QUEUE_NAME" default:"callbacks"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP" default:"reconcilers"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME" default:"reconciler"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES" default:"3"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" default:"30s"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL" default:"1s"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE" default:"10"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ" default:"1"`
	QueueConsumerCount     int           `env:"QUEUE_CONSUMER_COUNT" default:"4"`

	// Daraja credentials and endpoints
	DarajaBaseUrl          string        `env:"DARAJA_BASE_URL" default:"https://sandbox.safaricom.co.ke"`
	DarajaConsumerKey      string        `env:"DARAJA_CONSUMER_KEY"`
	DarajaConsumerSecret   string        `env:"DARAJA_CONSUMER_SECRET"`
	DarajaShortcode        string        `env:"DARAJA_SHORTCODE"`
	DarajaPasskey          string        `env:"DARAJA_PASSKEY"`
	DarajaInitiatorName    string        `env:"DARAJA_INITIATOR_NAME"`
	DarajaSecurityCred     string        `env:"DARAJA_SECURITY_CREDENTIAL"`
	DarajaCallbackBaseUrl  string        `env:"DARAJA_CALLBACK_BASE_URL"`
	DarajaRequestTimeout   time.Duration `env:"DARAJA_REQUEST_TIMEOUT" default:"20s"`
	DarajaTokenExpiryGrace time.Duration `env:"DARAJA_TOKEN_EXPIRY_GRACE" default:"60s"`

	// reconciliation lifecycle knobs, consumed by internal/reconcile
	ReconcileGraceDelay      time.Duration `env:"RECONCILE_GRACE_DELAY" default:"5s"`
	ReconcilePollInterval    time.Duration `env:"RECONCILE_POLL_INTERVAL" default:"5s"`
	ReconcilePollMaxAttempts int           `env:"RECONCILE_POLL_MAX_ATTEMPTS" default:"12"`
	ReconcileHardTimeout     time.Duration `env:"RECONCILE_HARD_TIMEOUT" default:"120s"`
	ReconcileSweepInterval   time.Duration `env:"RECONCILE_SWEEP_INTERVAL" default:"60s"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		err = godotenv.Load(path)
		if err != nil {
			return errors.New("failed to load configuration file " + path + " error: " + err.Error())
		}
	}

	_, err = env.UnmarshalFromEnviron(c)

	if err != nil {
		return errors.New("failed to map env variables to Configuration object " + " error: " + err.Error())
	}

	config = c
	return nil
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}
