package config

import "time"

// StreamConfig selects and tunes the log stream backend shared by the ingestion
// consumer and the worker-side emitter.
type StreamConfig struct {
	Backend        string
	Name           string
	Partitions     int
	MaxLen         int64
	ConsumerGroup  string
	ConsumerName   string
	BatchSize      int
	BlockTimeout   time.Duration
	ClaimMinIdle   time.Duration
	HeartbeatEvery time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	KafkaBrokers   []string
	KafkaUsername  string
	KafkaPassword  string
	KafkaCAFile    string
}

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	LogFormat          string
	DatabaseURL        string
	MigrationsDir      string
	AutoMigrate        bool
	BuilderAuthToken   string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	Stream             StreamConfig
	IngestEnabled      bool
	LiveRelay          bool
	SubscriberBuffer   int
	SSEKeepAlive       time.Duration
	LogHistoryLimit    int
	Launcher           string
	BuilderImage       string
	BuilderNetwork     string
	BuilderCallbackURL string
	DockerHost         string
	KubeNamespace      string
	KubeJobTTL         time.Duration
	ReconcileInterval  time.Duration
	DeployStuckAfter   time.Duration
}

// LoadStreamConfig constructs a StreamConfig from environment variables.
func LoadStreamConfig() StreamConfig {
	return StreamConfig{
		Backend:        GetString("STREAM_BACKEND", "redis"),
		Name:           GetString("LOG_STREAM", "container-logs"),
		Partitions:     GetInt("LOG_STREAM_PARTITIONS", 4),
		MaxLen:         int64(GetInt("LOG_STREAM_MAXLEN", 100000)),
		ConsumerGroup:  GetString("CONSUMER_GROUP", "api-server-logs-consumer"),
		ConsumerName:   GetString("CONSUMER_NAME", hostnameOr("api-server")),
		BatchSize:      GetInt("INGEST_BATCH_SIZE", 100),
		BlockTimeout:   GetSeconds("INGEST_BLOCK_SECONDS", 5),
		ClaimMinIdle:   GetSeconds("INGEST_CLAIM_IDLE_SECONDS", 60),
		HeartbeatEvery: GetSeconds("INGEST_HEARTBEAT_SECONDS", 3),
		RedisAddr:      GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword:  GetString("REDIS_PASSWORD", ""),
		RedisDB:        GetInt("REDIS_DB", 0),
		KafkaBrokers:   GetStrings("KAFKA_BROKERS", []string{"kafka:9092"}),
		KafkaUsername:  GetString("KAFKA_USERNAME", ""),
		KafkaPassword:  GetString("KAFKA_PASSWORD", ""),
		KafkaCAFile:    GetString("KAFKA_CA_FILE", ""),
	}
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":9000"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		LogFormat:          GetString("LOG_FORMAT", "json"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://shipyard:shipyard@db:5432/shipyard?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		AutoMigrate:        GetBool("DB_AUTO_MIGRATE", true),
		BuilderAuthToken:   GetString("BUILDER_AUTH_TOKEN", ""),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		Stream:             LoadStreamConfig(),
		IngestEnabled:      GetBool("INGEST_ENABLED", true),
		LiveRelay:          GetBool("LIVE_RELAY", false),
		SubscriberBuffer:   GetInt("WS_SUBSCRIBER_BUFFER", 256),
		SSEKeepAlive:       GetSeconds("SSE_KEEPALIVE_SECONDS", 15),
		LogHistoryLimit:    GetInt("LOG_HISTORY_LIMIT", 5000),
		Launcher:           GetString("LAUNCHER", "docker"),
		BuilderImage:       GetString("BUILDER_IMAGE", "shipyard/builder:latest"),
		BuilderNetwork:     GetString("BUILDER_NETWORK", ""),
		BuilderCallbackURL: GetString("BUILDER_CALLBACK_URL", "http://api:9000"),
		DockerHost:         GetString("DOCKER_HOST", ""),
		KubeNamespace:      GetString("KUBE_NAMESPACE", "shipyard-builds"),
		KubeJobTTL:         GetSeconds("KUBE_JOB_TTL_SECONDS", 3600),
		ReconcileInterval:  GetSeconds("RECONCILE_SECONDS", 30),
		DeployStuckAfter:   GetSeconds("DEPLOY_STUCK_AFTER_SECONDS", 0),
	}
}
