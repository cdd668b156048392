package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"pollsync/pkg/scheduler"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendEtcd     = "etcd"
	BackendPostgres = "postgres"
)

type Config struct {
	PeerID    string
	LogLevel  string
	LogFormat string

	// Polling
	URL             string
	FetchMethod     string
	FetchHeaders    map[string]string
	FetchBody       string
	FetchTimeout    time.Duration
	Cadence         string
	BreakerFailures int
	BreakerCooldown time.Duration

	// Election
	HeartbeatInterval     time.Duration
	LeaderTimeout         time.Duration
	CollisionWindow       time.Duration
	ResignedElectionDelay time.Duration
	ElectionJitter        time.Duration

	// Shared store
	StoreBackend string
	LeaderKey    string
	EnabledKey   string
	ResultKey    string
	CellPrefix   string
	CellTTL      time.Duration
	OpTimeout    time.Duration

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	BusEnabled    bool
	BusChannel    string

	EtcdEndpoints []string
	EtcdPrefix    string

	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string
	DBPollInterval time.Duration

	// Result archive
	ArchiveBackend string // "", "s3" or "local"
	ArchivePath    string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string

	// Control API
	APIPort      string
	JWTSecret    string
	APIKeys      []string
	RateLimitRPS float64
	RateBurst    int

	// Tracing
	OTLPEndpoint string
	TracingRate  float64
}

func LoadConfig() *Config {
	return &Config{
		PeerID:    getEnv("PEER_ID", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		URL:             getEnv("POLL_URL", ""),
		FetchMethod:     getEnv("POLL_METHOD", "GET"),
		FetchHeaders:    getEnvAsMap("POLL_HEADERS"),
		FetchBody:       getEnv("POLL_BODY", ""),
		FetchTimeout:    getEnvAsDuration("POLL_TIMEOUT", 10*time.Second),
		Cadence:         getEnv("POLL_CADENCE", "5s"),
		BreakerFailures: getEnvAsInt("POLL_BREAKER_FAILURES", 5),
		BreakerCooldown: getEnvAsDuration("POLL_BREAKER_COOLDOWN", 30*time.Second),

		HeartbeatInterval:     getEnvAsDuration("HEARTBEAT_INTERVAL", time.Second),
		LeaderTimeout:         getEnvAsDuration("LEADER_TIMEOUT", 3*time.Second),
		CollisionWindow:       getEnvAsDuration("COLLISION_WINDOW", time.Second),
		ResignedElectionDelay: getEnvAsDuration("RESIGNED_ELECTION_DELAY", 200*time.Millisecond),
		ElectionJitter:        getEnvAsDuration("ELECTION_JITTER", 100*time.Millisecond),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", BackendRedis)),
		LeaderKey:    getEnv("LEADER_KEY", "polling_leader"),
		EnabledKey:   getEnv("ENABLED_KEY", "polling_state"),
		ResultKey:    getEnv("RESULT_KEY", "polling_data"),
		CellPrefix:   getEnv("CELL_PREFIX", "broadcast_"),
		CellTTL:      getEnvAsDuration("CELL_TTL", 100*time.Millisecond),
		OpTimeout:    getEnvAsDuration("STORE_OP_TIMEOUT", 2*time.Second),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "pollsync:"),
		BusEnabled:    getEnvAsBool("BUS_ENABLED", true),
		BusChannel:    getEnv("BUS_CHANNEL", "pollsync:bus"),

		EtcdEndpoints: getEnvAsList("ETCD_ENDPOINTS", []string{"localhost:2379"}),
		EtcdPrefix:    getEnv("ETCD_PREFIX", "/pollsync/"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "pollsync"),
		DBPassword:     getEnv("DB_PASSWORD", "password"),
		DBName:         getEnv("DB_NAME", "pollsync"),
		DBPollInterval: getEnvAsDuration("DB_POLL_INTERVAL", 100*time.Millisecond),

		ArchiveBackend: strings.ToLower(getEnv("ARCHIVE_BACKEND", "")),
		ArchivePath:    getEnv("ARCHIVE_PATH", "./data/results"),
		S3Bucket:       getEnv("S3_BUCKET", ""),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3AccessKey:    getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("S3_SECRET_KEY", ""),

		APIPort:      getEnv("API_PORT", "8080"),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		APIKeys:      getEnvAsList("API_KEYS", nil),
		RateLimitRPS: getEnvAsFloat("RATE_LIMIT_RPS", 20),
		RateBurst:    getEnvAsInt("RATE_LIMIT_BURST", 40),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TracingRate:  getEnvAsFloat("TRACING_SAMPLE_RATE", 1.0),
	}
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendRedis, BackendEtcd, BackendPostgres:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if _, err := scheduler.ParseCadence(c.Cadence); err != nil {
		return fmt.Errorf("invalid POLL_CADENCE: %w", err)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.LeaderTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("LEADER_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.LeaderTimeout, c.HeartbeatInterval)
	}
	if c.LeaderKey == c.EnabledKey || c.LeaderKey == c.ResultKey || c.EnabledKey == c.ResultKey {
		return fmt.Errorf("LEADER_KEY, ENABLED_KEY and RESULT_KEY must be distinct")
	}
	if strings.HasPrefix(c.LeaderKey, c.CellPrefix) || strings.HasPrefix(c.EnabledKey, c.CellPrefix) ||
		strings.HasPrefix(c.ResultKey, c.CellPrefix) {
		return fmt.Errorf("record keys must not start with CELL_PREFIX %q", c.CellPrefix)
	}
	if c.BusEnabled && c.StoreBackend != BackendRedis {
		// the bus rides on the redis client
		c.BusEnabled = false
	}
	switch c.ArchiveBackend {
	case "", "local":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 archive")
		}
	default:
		return fmt.Errorf("unknown ARCHIVE_BACKEND %q", c.ArchiveBackend)
	}
	return nil
}

// RedisAddr returns host:port.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// PostgresDSN returns the gorm/pgx connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

// getEnvAsList splits a comma-separated value, dropping blanks.
func getEnvAsList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvAsMap parses "K1=v1,K2=v2".
func getEnvAsMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range getEnvAsList(key, nil) {
		k, v, ok := strings.Cut(pair, "=")
		if ok {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return out
}
