package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the DubHub server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Pipeline PipelineConfig
	Storage  StorageConfig
	Queue    QueueConfig
	Notify   NotifyConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	PublicBaseURL      string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// ConnectTimeout bounds how long startup waits for the database.
	ConnectTimeout time.Duration
}

type RedisConfig struct {
	URL string
}

// PipelineConfig selects and configures the external media providers.
// Mode "simulated" forces every job through the simulated provider.
type PipelineConfig struct {
	Mode       string
	ElevenLabs ElevenLabsConfig
	SyncLabs   SyncLabsConfig
	Publisher  PublisherConfig
	Source     SourceConfig
	Simulation SimulationConfig
}

type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	Timeout      time.Duration
}

type SyncLabsConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	PollInterval time.Duration
	Timeout      time.Duration
}

type PublisherConfig struct {
	URL   string
	Token string
}

type SourceConfig struct {
	YtDlpPath   string
	URLTemplate string
}

type SimulationConfig struct {
	StepDelay time.Duration
}

type StorageConfig struct {
	Backend      string
	LocalDir     string
	PublicURLTTL time.Duration
	S3           S3Config
}

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

type QueueConfig struct {
	Backend           string
	RabbitMQURL       string
	Name              string
	MaxConcurrentJobs int
	StaleAfter        time.Duration
}

type NotifyConfig struct {
	Backlog    int
	RedisRelay bool
}

var validPipelineModes = map[string]bool{
	"live":      true,
	"simulated": true,
}

var validStorageBackends = map[string]bool{
	"local": true,
	"s3":    true,
}

var validQueueBackends = map[string]bool{
	"inprocess": true,
	"amqp":      true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	port := envInt("DUBHUB_PORT", 8080)
	cfg := &Config{
		Server: ServerConfig{
			Port:               port,
			Env:                envString("DUBHUB_ENV", "development"),
			PublicBaseURL:      strings.TrimRight(envString("DUBHUB_PUBLIC_BASE_URL", fmt.Sprintf("http://localhost:%d", port)), "/"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnectTimeout:  envDuration("DATABASE_CONNECT_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Pipeline: PipelineConfig{
			Mode: envString("PIPELINE_MODE", "live"),
			ElevenLabs: ElevenLabsConfig{
				APIKey:       os.Getenv("ELEVENLABS_API_KEY"),
				BaseURL:      envString("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io/v1"),
				PollInterval: envDuration("DUB_POLL_INTERVAL", 10*time.Second),
				Timeout:      envDurationSecs("DUB_TIMEOUT_SECS", 20*time.Minute),
			},
			SyncLabs: SyncLabsConfig{
				APIKey:       os.Getenv("SYNCLABS_API_KEY"),
				BaseURL:      envString("SYNCLABS_BASE_URL", "https://api.sync.so/v2"),
				Model:        envString("SYNCLABS_MODEL", "lipsync-2"),
				PollInterval: envDuration("LIPSYNC_POLL_INTERVAL", 10*time.Second),
				Timeout:      envDurationSecs("LIPSYNC_TIMEOUT_SECS", 30*time.Minute),
			},
			Publisher: PublisherConfig{
				URL:   os.Getenv("PUBLISHER_URL"),
				Token: os.Getenv("PUBLISHER_TOKEN"),
			},
			Source: SourceConfig{
				YtDlpPath:   envString("YTDLP_PATH", "yt-dlp"),
				URLTemplate: envString("SOURCE_URL_TEMPLATE", "https://www.youtube.com/watch?v=%s"),
			},
			Simulation: SimulationConfig{
				StepDelay: envDuration("SIMULATION_STEP_DELAY", 2*time.Second),
			},
		},
		Storage: StorageConfig{
			Backend:      envString("STORAGE_BACKEND", "local"),
			LocalDir:     envString("STORAGE_LOCAL_DIR", "./data/media"),
			PublicURLTTL: envDuration("STORAGE_PUBLIC_URL_TTL", time.Hour),
			S3: S3Config{
				Bucket:    os.Getenv("S3_BUCKET"),
				Region:    envString("S3_REGION", "us-east-1"),
				Endpoint:  os.Getenv("S3_ENDPOINT"),
				AccessKey: os.Getenv("S3_ACCESS_KEY"),
				SecretKey: os.Getenv("S3_SECRET_KEY"),
			},
		},
		Queue: QueueConfig{
			Backend:           envString("QUEUE_BACKEND", "inprocess"),
			RabbitMQURL:       os.Getenv("RABBITMQ_URL"),
			Name:              envString("QUEUE_NAME", "dubhub.jobs"),
			MaxConcurrentJobs: envInt("MAX_CONCURRENT_JOBS", 4),
			StaleAfter:        envDuration("JOB_STALE_AFTER", 2*time.Hour),
		},
		Notify: NotifyConfig{
			Backlog:    envInt("NOTIFY_BACKLOG", 256),
			RedisRelay: envBool("NOTIFY_REDIS_RELAY", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Simulated reports whether every job must run through the simulated provider.
func (c *Config) Simulated() bool {
	return c.Pipeline.Mode == "simulated"
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !strings.HasPrefix(c.Server.PublicBaseURL, "http://") && !strings.HasPrefix(c.Server.PublicBaseURL, "https://") {
		return fmt.Errorf("DUBHUB_PUBLIC_BASE_URL must start with http:// or https://, got %q", c.Server.PublicBaseURL)
	}

	if !validPipelineModes[c.Pipeline.Mode] {
		return fmt.Errorf("PIPELINE_MODE must be one of live, simulated; got %q", c.Pipeline.Mode)
	}
	if c.Pipeline.Mode == "live" {
		if c.Pipeline.ElevenLabs.APIKey == "" {
			return fmt.Errorf("ELEVENLABS_API_KEY is required when PIPELINE_MODE is live")
		}
		if c.Pipeline.SyncLabs.APIKey == "" {
			return fmt.Errorf("SYNCLABS_API_KEY is required when PIPELINE_MODE is live")
		}
		if c.Pipeline.Publisher.URL == "" {
			return fmt.Errorf("PUBLISHER_URL is required when PIPELINE_MODE is live")
		}
		if strings.Count(c.Pipeline.Source.URLTemplate, "%s") != 1 {
			return fmt.Errorf("SOURCE_URL_TEMPLATE must contain exactly one %%s, got %q", c.Pipeline.Source.URLTemplate)
		}
	}

	if !validStorageBackends[c.Storage.Backend] {
		return fmt.Errorf("STORAGE_BACKEND must be one of local, s3; got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND is s3")
	}

	if !validQueueBackends[c.Queue.Backend] {
		return fmt.Errorf("QUEUE_BACKEND must be one of inprocess, amqp; got %q", c.Queue.Backend)
	}
	if c.Queue.Backend == "amqp" && c.Queue.RabbitMQURL == "" {
		return fmt.Errorf("RABBITMQ_URL is required when QUEUE_BACKEND is amqp")
	}
	if c.Queue.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1, got %d", c.Queue.MaxConcurrentJobs)
	}

	if c.Notify.Backlog < 1 {
		return fmt.Errorf("NOTIFY_BACKLOG must be at least 1, got %d", c.Notify.Backlog)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
