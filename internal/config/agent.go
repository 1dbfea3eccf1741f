package config

import "time"

// AgentConfig holds runtime configuration for the worker agent.
type AgentConfig struct {
	Environment     string
	ControlPlaneURL string
	Region          string
	Hostname        string
	CredentialsPath string

	DockerHost  string
	RunnerImage string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	BlobBackend  string
	BlobLocalDir string
	S3Bucket     string
	S3Region     string
	S3Endpoint   string

	DefaultBuildpack string
	CacheRetention   time.Duration
	CacheMaxPerApp   int

	Workdir            string
	SlugDir            string
	GitTimeout         time.Duration
	BuildTimeout       time.Duration
	MaxConcurrentBuilds int

	HeartbeatInterval time.Duration
	BuildPollInterval time.Duration
	CleanupInterval   time.Duration
	WorkspaceRetention time.Duration

	StartupWait    time.Duration
	StartupBackoff time.Duration

	TotalCPUMillicores int64
	TotalMemoryMB      int64
	TotalDiskMB        int64
}

// LoadAgentConfig constructs an AgentConfig from environment variables.
func LoadAgentConfig() AgentConfig {
	return AgentConfig{
		Environment:     GetString("APP_ENV", "development"),
		ControlPlaneURL: GetString("CONTROL_PLANE_URL", "http://controlplane:4000"),
		Region:          GetString("AGENT_REGION", "us-east"),
		Hostname:        GetString("AGENT_HOSTNAME", ""),
		CredentialsPath: GetString("AGENT_CREDENTIALS_PATH", "/var/lib/gantry/agent.json"),

		DockerHost:  GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		RunnerImage: GetString("RUNNER_IMAGE", "debian:bookworm-slim"),

		DatabaseURL:   GetString("DATABASE_URL", "postgres://gantry:gantry@db:5432/gantry?sslmode=disable"),
		RedisAddr:     GetString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),

		BlobBackend:  GetString("BLOB_BACKEND", "local"),
		BlobLocalDir: GetString("BLOB_LOCAL_DIR", "/var/lib/gantry/blobs"),
		S3Bucket:     GetString("S3_BUCKET", ""),
		S3Region:     GetString("S3_REGION", "us-east-1"),
		S3Endpoint:   GetString("S3_ENDPOINT", ""),

		DefaultBuildpack: GetString("DEFAULT_BUILDPACK", "static"),
		CacheRetention:   GetDuration("BUILD_CACHE_RETENTION", 168*time.Hour),
		CacheMaxPerApp:   GetInt("BUILD_CACHE_MAX_PER_APP", 3),

		Workdir:             GetString("AGENT_WORKDIR", "/tmp/gantry"),
		SlugDir:             GetString("AGENT_SLUG_DIR", "/var/lib/gantry/slugs"),
		GitTimeout:          GetDuration("GIT_TIMEOUT", 60*time.Second),
		BuildTimeout:        GetDuration("BUILD_TIMEOUT", 10*time.Minute),
		MaxConcurrentBuilds: GetInt("MAX_CONCURRENT_BUILDS", 1),

		HeartbeatInterval:  GetDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		BuildPollInterval:  GetDuration("BUILD_POLL_INTERVAL", 10*time.Second),
		CleanupInterval:    GetDuration("CLEANUP_INTERVAL", 10*time.Minute),
		WorkspaceRetention: GetDuration("WORKSPACE_RETENTION", time.Hour),

		StartupWait:    GetDuration("STARTUP_WAIT", 2*time.Minute),
		StartupBackoff: GetDuration("STARTUP_BACKOFF", time.Second),

		TotalCPUMillicores: int64(GetInt("AGENT_CPU_MILLICORES", 4000)),
		TotalMemoryMB:      int64(GetInt("AGENT_MEMORY_MB", 8192)),
		TotalDiskMB:        int64(GetInt("AGENT_DISK_MB", 102400)),
	}
}
