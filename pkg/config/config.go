package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	ServerHost string
	ServerPort string

	LogLevel  string
	LogFormat string

	// StoreDriver selects the room store: memory, postgres or mongo
	StoreDriver string

	DatabaseURL string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	MongoURI      string
	MongoDatabase string

	// RelayDriver selects cross-node fan-out: none, redis or nats
	RelayDriver   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NatsURL       string
	NodeID        string

	SendQueueSize   int
	MaxPendingOps   int
	MaxMessageBytes int64
	OplogRetention  int
	JoinTimeout     time.Duration
	PersistInterval time.Duration
	ExecTimeout     time.Duration
}

// Load reads configuration from an optional .env file and the environment
func Load() *Config {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	return &Config{
		ServerHost: getEnv("SERVER_HOST", ""),
		ServerPort: getEnv("SERVER_PORT", "8080"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		StoreDriver: getEnv("STORE_DRIVER", "memory"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBUser:      getEnv("DB_USER", "postgres"),
		DBPassword:  getEnv("DB_PASSWORD", "postgres"),
		DBName:      getEnv("DB_NAME", "collab_editor"),
		DBSSLMode:   getEnv("DB_SSLMODE", "disable"),

		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "collaborative_editor"),

		RelayDriver:   getEnv("RELAY_DRIVER", "none"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		NatsURL:       getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		NodeID:        getEnv("NODE_ID", uuid.New().String()),

		SendQueueSize:   getEnvInt("SEND_QUEUE_SIZE", 256),
		MaxPendingOps:   getEnvInt("MAX_PENDING_OPS", 4096),
		MaxMessageBytes: int64(getEnvInt("MAX_MESSAGE_BYTES", 64*1024)),
		OplogRetention:  getEnvInt("OPLOG_RETENTION", 0),
		JoinTimeout:     getEnvDuration("JOIN_TIMEOUT", 10*time.Second),
		PersistInterval: getEnvDuration("PERSIST_INTERVAL", 2*time.Second),
		ExecTimeout:     getEnvDuration("EXEC_TIMEOUT", 10*time.Second),
	}
}

// GetServerAddr returns the listen address
func (c *Config) GetServerAddr() string {
	return c.ServerHost + ":" + c.ServerPort
}

// GetDatabaseConnectionString returns the PostgreSQL connection string.
// DATABASE_URL takes precedence over the individual DB_* settings.
func (c *Config) GetDatabaseConnectionString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
