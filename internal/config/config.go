// Package config loads the control-plane and gateway configuration from a
// YAML file, then overlays environment variables on top. Every tunable has a
// default so both binaries start with an empty file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Broker       BrokerConfig       `yaml:"broker"`
	Store        StoreConfig        `yaml:"store"`
	Auth         AuthConfig         `yaml:"auth"`
	Queue        QueueConfig        `yaml:"queue"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Model        ModelConfig        `yaml:"model"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	Billing      BillingConfig      `yaml:"billing"`
	Collab       CollabConfig       `yaml:"collab"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Events       EventsConfig       `yaml:"events"`
	Webhooks     WebhooksConfig     `yaml:"webhooks"`
	Blob         BlobConfig         `yaml:"blob"`
}

type ServerConfig struct {
	Port string `yaml:"port" env:"PORT"`
	Env  string `yaml:"env" env:"PLATFORM_ENV"`
}

type BrokerConfig struct {
	URL      string `yaml:"url" env:"BROKER_URL"`
	Password string `yaml:"password" env:"BROKER_PASSWORD"`
	DB       int    `yaml:"db" env:"BROKER_DB"`
}

type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	SupabaseURL string `yaml:"supabase_url" env:"SUPABASE_URL"`
	ServiceKey  string `yaml:"service_key" env:"SUPABASE_SERVICE_KEY"`
}

type AuthConfig struct {
	// TrustOrgHeader accepts X-Org-ID without a credential. Local development
	// and deployments behind an authenticating gateway only.
	TrustOrgHeader bool `yaml:"trust_org_header" env:"AUTH_TRUST_ORG_HEADER"`
}

type QueueConfig struct {
	MaxRetries        int           `yaml:"max_retries" env:"QUEUE_MAX_RETRIES"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay" env:"QUEUE_RETRY_BASE_DELAY"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay" env:"QUEUE_MAX_RETRY_DELAY"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" env:"QUEUE_RECONCILE_INTERVAL"`
	// TransientKeywords overrides the closed keyword set used to classify
	// failures as retryable. Leave empty for the defaults.
	TransientKeywords []string `yaml:"transient_keywords" env:"QUEUE_TRANSIENT_KEYWORDS" envSeparator:","`
}

type OrchestratorConfig struct {
	WorkerID         string        `yaml:"worker_id" env:"ORCHESTRATOR_WORKER_ID"`
	Concurrency      int           `yaml:"concurrency" env:"ORCHESTRATOR_CONCURRENCY"`
	FenceTTL         time.Duration `yaml:"fence_ttl" env:"ORCHESTRATOR_FENCE_TTL"`
	DequeueTimeout   time.Duration `yaml:"dequeue_timeout" env:"ORCHESTRATOR_DEQUEUE_TIMEOUT"`
	SubtaskPoll      time.Duration `yaml:"subtask_poll" env:"ORCHESTRATOR_SUBTASK_POLL"`
	StalledAfter     time.Duration `yaml:"stalled_after" env:"ORCHESTRATOR_STALLED_AFTER"`
	SweepInterval    time.Duration `yaml:"sweep_interval" env:"ORCHESTRATOR_SWEEP_INTERVAL"`
	BasePriority     int           `yaml:"base_priority" env:"ORCHESTRATOR_BASE_PRIORITY"`
	MaxPriority      int           `yaml:"max_priority" env:"ORCHESTRATOR_MAX_PRIORITY"`
	DefaultModel     string        `yaml:"default_model" env:"ORCHESTRATOR_DEFAULT_MODEL"`
	DefaultProvider  string        `yaml:"default_provider" env:"ORCHESTRATOR_DEFAULT_PROVIDER"`
	MaxOutputTokens  int           `yaml:"max_output_tokens" env:"ORCHESTRATOR_MAX_OUTPUT_TOKENS"`
	SubtaskWaitLimit time.Duration `yaml:"subtask_wait_limit" env:"ORCHESTRATOR_SUBTASK_WAIT_LIMIT"`
}

type ModelConfig struct {
	// ProxyURL points at an OpenAI-compatible chat completions endpoint,
	// version prefix included. Empty falls back to the scripted client.
	ProxyURL string `yaml:"proxy_url" env:"MODEL_PROXY_URL"`
	APIKey   string `yaml:"api_key" env:"MODEL_PROXY_API_KEY"`
}

type SandboxConfig struct {
	MinPoolSize    int           `yaml:"min_pool_size" env:"SANDBOX_MIN_POOL_SIZE"`
	MaxPoolSize    int           `yaml:"max_pool_size" env:"SANDBOX_MAX_POOL_SIZE"`
	MaxSandboxAge  time.Duration `yaml:"max_sandbox_age" env:"SANDBOX_MAX_AGE"`
	MaxIdleTime    time.Duration `yaml:"max_idle_time" env:"SANDBOX_MAX_IDLE"`
	WarmupInterval time.Duration `yaml:"warmup_interval" env:"SANDBOX_WARMUP_INTERVAL"`
	DefaultImage   string        `yaml:"default_image" env:"SANDBOX_DEFAULT_IMAGE"`
	Backend        string        `yaml:"backend" env:"SANDBOX_BACKEND"` // "local" or "docker"
	DockerRuntime  string        `yaml:"docker_runtime" env:"SANDBOX_DOCKER_RUNTIME"`
	HealthFailures int           `yaml:"health_failures" env:"SANDBOX_HEALTH_FAILURES"`
}

type BillingConfig struct {
	PricingCacheTTL  time.Duration `yaml:"pricing_cache_ttl" env:"PRICING_CACHE_TTL"`
	FailureThreshold int           `yaml:"failure_threshold" env:"BILLING_FAILURE_THRESHOLD"`
	RateLimitPerMin  int           `yaml:"rate_limit_per_minute" env:"BILLING_RATE_LIMIT_PER_MINUTE"`
}

type CollabConfig struct {
	PodName            string        `yaml:"pod_name" env:"POD_NAME"`
	CheckpointInterval int           `yaml:"checkpoint_interval" env:"COLLAB_CHECKPOINT_INTERVAL"`
	IdleTimeout        time.Duration `yaml:"idle_timeout" env:"COLLAB_IDLE_TIMEOUT"`
	StaleTimeout       time.Duration `yaml:"stale_timeout" env:"COLLAB_STALE_TIMEOUT"`
	// Per-message-type throttle limits, requests per minute.
	OperationPerMin int `yaml:"operation_per_minute" env:"COLLAB_OPERATION_PER_MINUTE"`
	CursorPerMin    int `yaml:"cursor_per_minute" env:"COLLAB_CURSOR_PER_MINUTE"`
	GeneralPerMin   int `yaml:"general_per_minute" env:"COLLAB_GENERAL_PER_MINUTE"`
}

type BackpressureConfig struct {
	MaxConnections        int           `yaml:"max_connections" env:"BP_MAX_CONNECTIONS"`
	MaxChannels           int           `yaml:"max_channels" env:"BP_MAX_CHANNELS"`
	MaxQueueDepth         int           `yaml:"max_queue_depth" env:"BP_MAX_QUEUE_DEPTH"`
	MaxMemoryBytes        int64         `yaml:"max_memory_bytes" env:"BP_MAX_MEMORY_BYTES"`
	ActivationThreshold   float64       `yaml:"activation_threshold" env:"BP_ACTIVATION_THRESHOLD"`
	DeactivationThreshold float64       `yaml:"deactivation_threshold" env:"BP_DEACTIVATION_THRESHOLD"`
	OpenDuration          time.Duration `yaml:"open_duration" env:"BP_OPEN_DURATION"`
	HalfOpenMaxRequests   int           `yaml:"half_open_max_requests" env:"BP_HALF_OPEN_MAX_REQUESTS"`
	AdaptationRate        float64       `yaml:"adaptation_rate" env:"BP_ADAPTATION_RATE"`
	SampleInterval        time.Duration `yaml:"sample_interval" env:"BP_SAMPLE_INTERVAL"`
}

type EventsConfig struct {
	PubSubProject string `yaml:"pubsub_project" env:"EVENTS_PUBSUB_PROJECT"`
	PubSubTopic   string `yaml:"pubsub_topic" env:"EVENTS_PUBSUB_TOPIC"`
}

type WebhooksConfig struct {
	CloudTasksProject  string `yaml:"cloudtasks_project" env:"WEBHOOKS_CLOUDTASKS_PROJECT"`
	CloudTasksLocation string `yaml:"cloudtasks_location" env:"WEBHOOKS_CLOUDTASKS_LOCATION"`
	CloudTasksQueue    string `yaml:"cloudtasks_queue" env:"WEBHOOKS_CLOUDTASKS_QUEUE"`
	Workers            int    `yaml:"workers" env:"WEBHOOKS_WORKERS"`
}

type BlobConfig struct {
	Dir string `yaml:"dir" env:"BLOB_DIR"`
}

// Load reads the YAML file at path (skipped when path is empty or missing),
// applies environment overrides, then fills remaining zero values with
// defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			decoder := yaml.NewDecoder(f)
			decodeErr := decoder.Decode(&cfg)
			f.Close()
			if decodeErr != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, decodeErr)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to open config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Broker.URL == "" {
		c.Broker.URL = "localhost:6379"
	}

	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.RetryBaseDelay == 0 {
		c.Queue.RetryBaseDelay = 30 * time.Second
	}
	if c.Queue.MaxRetryDelay == 0 {
		c.Queue.MaxRetryDelay = 10 * time.Minute
	}
	if c.Queue.ReconcileInterval == 0 {
		c.Queue.ReconcileInterval = time.Minute
	}

	if c.Orchestrator.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		c.Orchestrator.WorkerID = host
	}
	if c.Orchestrator.Concurrency == 0 {
		c.Orchestrator.Concurrency = 4
	}
	if c.Orchestrator.FenceTTL == 0 {
		c.Orchestrator.FenceTTL = 2 * time.Minute
	}
	if c.Orchestrator.DequeueTimeout == 0 {
		c.Orchestrator.DequeueTimeout = 5 * time.Second
	}
	if c.Orchestrator.SubtaskPoll == 0 {
		c.Orchestrator.SubtaskPoll = 500 * time.Millisecond
	}
	if c.Orchestrator.StalledAfter == 0 {
		c.Orchestrator.StalledAfter = 5 * time.Minute
	}
	if c.Orchestrator.SweepInterval == 0 {
		c.Orchestrator.SweepInterval = time.Minute
	}
	if c.Orchestrator.BasePriority == 0 {
		c.Orchestrator.BasePriority = 5
	}
	if c.Orchestrator.MaxPriority == 0 {
		c.Orchestrator.MaxPriority = 10
	}
	if c.Orchestrator.DefaultModel == "" {
		c.Orchestrator.DefaultModel = "gpt-4o"
	}
	if c.Orchestrator.DefaultProvider == "" {
		c.Orchestrator.DefaultProvider = "openai"
	}
	if c.Orchestrator.MaxOutputTokens == 0 {
		c.Orchestrator.MaxOutputTokens = 4096
	}
	if c.Orchestrator.SubtaskWaitLimit == 0 {
		c.Orchestrator.SubtaskWaitLimit = 30 * time.Minute
	}

	if c.Sandbox.MinPoolSize == 0 {
		c.Sandbox.MinPoolSize = 2
	}
	if c.Sandbox.MaxPoolSize == 0 {
		c.Sandbox.MaxPoolSize = 10
	}
	if c.Sandbox.MaxSandboxAge == 0 {
		c.Sandbox.MaxSandboxAge = time.Hour
	}
	if c.Sandbox.MaxIdleTime == 0 {
		c.Sandbox.MaxIdleTime = 5 * time.Minute
	}
	if c.Sandbox.WarmupInterval == 0 {
		c.Sandbox.WarmupInterval = 30 * time.Second
	}
	if c.Sandbox.DefaultImage == "" {
		c.Sandbox.DefaultImage = "platform-sandbox:latest"
	}
	if c.Sandbox.Backend == "" {
		c.Sandbox.Backend = "local"
	}
	if c.Sandbox.HealthFailures == 0 {
		c.Sandbox.HealthFailures = 3
	}

	if c.Billing.PricingCacheTTL == 0 {
		c.Billing.PricingCacheTTL = time.Hour
	}
	if c.Billing.FailureThreshold == 0 {
		c.Billing.FailureThreshold = 5
	}
	if c.Billing.RateLimitPerMin == 0 {
		c.Billing.RateLimitPerMin = 60
	}

	if c.Collab.PodName == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "gateway"
		}
		c.Collab.PodName = host
	}
	if c.Collab.CheckpointInterval == 0 {
		c.Collab.CheckpointInterval = 100
	}
	if c.Collab.IdleTimeout == 0 {
		c.Collab.IdleTimeout = 2 * time.Minute
	}
	if c.Collab.StaleTimeout == 0 {
		c.Collab.StaleTimeout = 10 * time.Minute
	}
	if c.Collab.OperationPerMin == 0 {
		c.Collab.OperationPerMin = 120
	}
	if c.Collab.CursorPerMin == 0 {
		c.Collab.CursorPerMin = 600
	}
	if c.Collab.GeneralPerMin == 0 {
		c.Collab.GeneralPerMin = 300
	}

	if c.Backpressure.MaxConnections == 0 {
		c.Backpressure.MaxConnections = 10000
	}
	if c.Backpressure.MaxChannels == 0 {
		c.Backpressure.MaxChannels = 5000
	}
	if c.Backpressure.MaxQueueDepth == 0 {
		c.Backpressure.MaxQueueDepth = 1000
	}
	if c.Backpressure.MaxMemoryBytes == 0 {
		c.Backpressure.MaxMemoryBytes = 2 << 30 // 2 GiB
	}
	if c.Backpressure.ActivationThreshold == 0 {
		c.Backpressure.ActivationThreshold = 0.95
	}
	if c.Backpressure.DeactivationThreshold == 0 {
		c.Backpressure.DeactivationThreshold = 0.85
	}
	if c.Backpressure.OpenDuration == 0 {
		c.Backpressure.OpenDuration = 30 * time.Second
	}
	if c.Backpressure.HalfOpenMaxRequests == 0 {
		c.Backpressure.HalfOpenMaxRequests = 3
	}
	if c.Backpressure.AdaptationRate == 0 {
		c.Backpressure.AdaptationRate = 0.05
	}
	if c.Backpressure.SampleInterval == 0 {
		c.Backpressure.SampleInterval = 5 * time.Second
	}

	if c.Webhooks.Workers == 0 {
		c.Webhooks.Workers = 4
	}
	if c.Blob.Dir == "" {
		c.Blob.Dir = "/var/lib/controlplane/blobs"
	}
}
