// Package config provides the environment-backed configuration loader used
// by the service bootstrap (cmd/query-executor/main.go).
package config

import (
	"os"
	"strconv"
)

// All variables carry this prefix so the service can share an environment
// with the rest of the warehouse control plane.
const envPrefix = "DWH_QUERY_EXECUTOR_"

// Config holds the runtime config values used by main.go.
type Config struct {
	ListenAddr string // LISTEN_ADDR (default :8000)
	Debug      bool   // DEBUG

	DBConnString         string // DB_CONNECTION_STRING (operational DB)
	DBConnStringResults  string // DB_CONNECTION_STRING_RESULTS (results DB)
	ClickhouseConnString string // CLICKHOUSE_CONNECTION_STRING (analytics store)

	MQConnString        string // MQ_CONNECTION_STRING
	ExchangeExecute     string // EXCHANGE_EXECUTE
	PublishExchange     string // PUBLISH_EXCHANGE
	PublishRequestQueue string // PUBLISH_REQUEST_QUEUE
	PublishResultQueue  string // PUBLISH_RESULT_QUEUE

	// EncryptionKey is the 32-byte hex AEAD key protecting stored source
	// connection strings.
	EncryptionKey string // ENCRYPTION_KEY

	// ThreadPoolSize bounds the number of query executions running at once.
	ThreadPoolSize int // THREAD_POOL_SIZE

	S3Bucket string // S3_BUCKET (file destination; disabled when empty)
	S3Prefix string // S3_PREFIX

	JWTSecret string // JWT_SECRET
}

// LoadFromEnv reads config values from environment variables and returns a
// Config pointer with defaults filled in.
func LoadFromEnv() *Config {
	cfg := &Config{
		ListenAddr:           getenv("LISTEN_ADDR"),
		DBConnString:         getenv("DB_CONNECTION_STRING"),
		DBConnStringResults:  getenv("DB_CONNECTION_STRING_RESULTS"),
		ClickhouseConnString: getenv("CLICKHOUSE_CONNECTION_STRING"),
		MQConnString:         getenv("MQ_CONNECTION_STRING"),
		ExchangeExecute:      getenv("EXCHANGE_EXECUTE"),
		PublishExchange:      getenv("PUBLISH_EXCHANGE"),
		PublishRequestQueue:  getenv("PUBLISH_REQUEST_QUEUE"),
		PublishResultQueue:   getenv("PUBLISH_RESULT_QUEUE"),
		EncryptionKey:        getenv("ENCRYPTION_KEY"),
		S3Bucket:             getenv("S3_BUCKET"),
		S3Prefix:             getenv("S3_PREFIX"),
		JWTSecret:            getenv("JWT_SECRET"),
		ThreadPoolSize:       100,
	}

	// sensible defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8000"
	}
	if cfg.ExchangeExecute == "" {
		cfg.ExchangeExecute = "query_execute"
	}
	if cfg.PublishExchange == "" {
		cfg.PublishExchange = "publish_exchange"
	}
	if cfg.PublishRequestQueue == "" {
		cfg.PublishRequestQueue = "publish_requests"
	}
	if cfg.PublishResultQueue == "" {
		cfg.PublishResultQueue = "publish_results"
	}

	if v := getenv("THREAD_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ThreadPoolSize = n
		}
	}
	// booleans parsed permissively; default false
	if v := getenv("DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}

	return cfg
}

func getenv(name string) string {
	return os.Getenv(envPrefix + name)
}
