package config

import "time"

// ControlPlaneConfig holds runtime configuration for the control-plane service.
type ControlPlaneConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WorkerTokenSecret string
	WorkerTokenTTL    time.Duration

	QueueVisibilityTimeout time.Duration
	QueueMaxAttempts       int
	QueueBackoffBase       time.Duration
	QueueBackoffMax        time.Duration

	DefaultBuildpack string
	DefaultRegion    string

	BlobBackend  string
	BlobLocalDir string
	S3Bucket     string
	S3Region     string
	S3Endpoint   string

	CacheRetention   time.Duration
	CacheMaxPerApp   int
	NodeOfflineAfter time.Duration
	NodeReapEvery    time.Duration

	LogStreamBuffer int
}

// LoadControlPlaneConfig constructs a ControlPlaneConfig from environment variables.
func LoadControlPlaneConfig() ControlPlaneConfig {
	return ControlPlaneConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("CONTROL_PLANE_ADDR", ":4000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://gantry:gantry@db:5432/gantry?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		RedisAddr:     GetString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),

		WorkerTokenSecret: GetString("WORKER_TOKEN_SECRET", "supersecuresecret"),
		WorkerTokenTTL:    GetDuration("WORKER_TOKEN_TTL", 720*time.Hour),

		QueueVisibilityTimeout: GetDuration("QUEUE_VISIBILITY_TIMEOUT", 10*time.Minute),
		QueueMaxAttempts:       GetInt("QUEUE_MAX_ATTEMPTS", 3),
		QueueBackoffBase:       GetDuration("QUEUE_BACKOFF_BASE", 5*time.Second),
		QueueBackoffMax:        GetDuration("QUEUE_BACKOFF_MAX", 5*time.Minute),

		DefaultBuildpack: GetString("DEFAULT_BUILDPACK", "static"),
		DefaultRegion:    GetString("DEFAULT_REGION", "us-east"),

		BlobBackend:  GetString("BLOB_BACKEND", "local"),
		BlobLocalDir: GetString("BLOB_LOCAL_DIR", "/var/lib/gantry/blobs"),
		S3Bucket:     GetString("S3_BUCKET", ""),
		S3Region:     GetString("S3_REGION", "us-east-1"),
		S3Endpoint:   GetString("S3_ENDPOINT", ""),

		CacheRetention:   GetDuration("BUILD_CACHE_RETENTION", 168*time.Hour),
		CacheMaxPerApp:   GetInt("BUILD_CACHE_MAX_PER_APP", 3),
		NodeOfflineAfter: GetDuration("NODE_OFFLINE_AFTER", 2*time.Minute),
		NodeReapEvery:    GetDuration("NODE_REAP_EVERY", 30*time.Second),

		LogStreamBuffer: GetInt("LOG_STREAM_BUFFER", 100),
	}
}
