package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mangaforge/mangaforge/pkg/capability"
)

type StorageConfig struct {
	Backend        string `yaml:"backend"` // local | minio
	LocalDir       string `yaml:"localDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
}

type ComposeConfig struct {
	FFmpegPath string `yaml:"ffmpegPath"`
	WorkDir    string `yaml:"workDir"`
}

type RateLimitBucketConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

type RateLimitConfig struct {
	Submit RateLimitBucketConfig `yaml:"submit"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// CapabilityConfig declares the process-level provider defaults per
// capability kind, plus the named provider configs the registry can build.
type CapabilityConfig struct {
	Defaults  map[string]string                               `yaml:"defaults"`
	Providers map[string]map[string]capability.ProviderConfig `yaml:"providers"`
}

type Config struct {
	Port      int    `yaml:"port"`
	RedisAddr string `yaml:"redisAddr"`
	Timezone  string `yaml:"timezone"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
	Env       string `yaml:"env"`

	WorkerCount            int    `yaml:"workerCount"`
	TaskTimeoutSeconds     int    `yaml:"taskTimeoutSeconds"`
	DefaultLeaseSeconds    int    `yaml:"defaultLeaseSeconds"`
	RequeueInspectLimit    int    `yaml:"requeueInspectLimit"`
	MaxAttemptsDefault     int    `yaml:"maxAttemptsDefault"`
	BackoffPolicy          string `yaml:"backoffPolicy"`
	BackoffBaseSeconds     int    `yaml:"backoffBaseSeconds"`
	BackoffMaxSeconds      int    `yaml:"backoffMaxSeconds"`
	RetentionHours         int    `yaml:"retentionHours"`
	CompactIntervalSeconds int    `yaml:"compactIntervalSeconds"`

	RateLimit    RateLimitConfig  `yaml:"rateLimit"`
	Storage      StorageConfig    `yaml:"storage"`
	Compose      ComposeConfig    `yaml:"compose"`
	Tracing      TracingConfig    `yaml:"tracing"`
	Capabilities CapabilityConfig `yaml:"capabilities"`
}

func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	finalize(&c)
	return &c, nil
}

// LoadConfigOptional behaves like LoadConfig but tolerates an empty path,
// building the config from environment variables and defaults alone.
func LoadConfigOptional(filePath string) (*Config, error) {
	if filePath == "" {
		var c Config
		finalize(&c)
		return &c, nil
	}
	return LoadConfig(filePath)
}

func finalize(c *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerCount = n
		}
	}
	if v := os.Getenv("TASK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TaskTimeoutSeconds = n
		}
	}
	if v := os.Getenv("MAX_ATTEMPTS_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxAttemptsDefault = n
		}
	}
	if v := os.Getenv("BACKOFF_POLICY"); v != "" {
		c.BackoffPolicy = v
	}
	if v := os.Getenv("BACKOFF_BASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BackoffBaseSeconds = n
		}
	}
	if v := os.Getenv("BACKOFF_MAX_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BackoffMaxSeconds = n
		}
	}
	if v := os.Getenv("RETENTION_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RetentionHours = n
		}
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("STORAGE_LOCAL_DIR"); v != "" {
		c.Storage.LocalDir = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		c.Storage.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		c.Storage.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.Storage.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		c.Storage.MinioBucket = v
	}
	if v := os.Getenv("FFMPEG_PATH"); v != "" {
		c.Compose.FFmpegPath = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
		c.Tracing.Enabled = true
	}
	// Provider API keys come from the environment, never from the file.
	applyProviderKeyEnv(c)

	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Tokyo"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.TaskTimeoutSeconds <= 0 {
		c.TaskTimeoutSeconds = 3600
	}
	if c.DefaultLeaseSeconds <= 0 {
		c.DefaultLeaseSeconds = 300
	}
	if c.RequeueInspectLimit <= 0 {
		c.RequeueInspectLimit = 200
	}
	if c.MaxAttemptsDefault <= 0 {
		c.MaxAttemptsDefault = 3
	}
	if c.BackoffPolicy == "" {
		c.BackoffPolicy = "exp_full_jitter"
	}
	if c.BackoffBaseSeconds <= 0 {
		c.BackoffBaseSeconds = 5
	}
	if c.BackoffMaxSeconds <= 0 {
		c.BackoffMaxSeconds = 300
	}
	if c.RetentionHours <= 0 {
		c.RetentionHours = 72
	}
	if c.CompactIntervalSeconds <= 0 {
		c.CompactIntervalSeconds = 3600
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Storage.LocalDir == "" {
		c.Storage.LocalDir = "/tmp/mangaforge-artifacts"
	}
	if c.Storage.MinioBucket == "" {
		c.Storage.MinioBucket = "mangaforge"
	}
	if c.Compose.FFmpegPath == "" {
		c.Compose.FFmpegPath = "ffmpeg"
	}
	if c.Compose.WorkDir == "" {
		c.Compose.WorkDir = "/tmp/mangaforge-work"
	}
	if c.Capabilities.Defaults == nil {
		c.Capabilities.Defaults = map[string]string{}
	}
	for kind, name := range defaultProviders {
		if c.Capabilities.Defaults[kind] == "" {
			c.Capabilities.Defaults[kind] = name
		}
	}

	log.Printf("Forge Config: {Port:%d Redis:%s Workers:%d Timeout:%ds Storage:%s}\n",
		c.Port, c.RedisAddr, c.WorkerCount, c.TaskTimeoutSeconds, c.Storage.Backend)
}

var defaultProviders = map[string]string{
	string(capability.KindText):    "openai",
	string(capability.KindImage):   "comfyui",
	string(capability.KindVideo):   "kling",
	string(capability.KindSpeech):  "edge_tts",
	string(capability.KindLipsync): "sadtalker",
}

// keyEnvVars maps provider names to the environment variable carrying their
// credential.
var keyEnvVars = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"kling":     "KLING_API_KEY",
}

func applyProviderKeyEnv(c *Config) {
	for kindName, byName := range c.Capabilities.Providers {
		for name, pc := range byName {
			if envVar, ok := keyEnvVars[name]; ok {
				if v := os.Getenv(envVar); v != "" {
					pc.APIKey = v
					c.Capabilities.Providers[kindName][name] = pc
				}
			}
		}
	}
}

// CapabilityDefaults converts the file-level capability section into the
// registry's typed defaults.
func (c *Config) CapabilityDefaults() capability.Defaults {
	d := capability.Defaults{
		Provider: map[capability.Kind]string{},
		Configs:  map[capability.Kind]map[string]capability.ProviderConfig{},
	}
	for kindName, providerName := range c.Capabilities.Defaults {
		d.Provider[capability.Kind(kindName)] = providerName
	}
	for kindName, byName := range c.Capabilities.Providers {
		kind := capability.Kind(kindName)
		d.Configs[kind] = map[string]capability.ProviderConfig{}
		for name, pc := range byName {
			if pc.Provider == "" {
				pc.Provider = name
			}
			d.Configs[kind][name] = pc
		}
	}
	return d
}

func (c *Config) Validate() error {
	var errs []string
	env := strings.ToLower(strings.TrimSpace(c.Env))
	dev := env == "dev"

	switch c.Storage.Backend {
	case "local":
	case "minio":
		if c.Storage.MinioEndpoint == "" {
			errs = append(errs, "storage.minioEndpoint is required for the minio backend")
		}
		if (c.Storage.MinioAccessKey == "" || c.Storage.MinioSecretKey == "") && !dev {
			errs = append(errs, "storage minio credentials are required in non-dev")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be local or minio, got %q", c.Storage.Backend))
	}

	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			errs = append(errs, "tracing.endpoint is required when tracing is enabled")
		}
	}

	for kindName := range c.Capabilities.Defaults {
		if !validKind(kindName) {
			errs = append(errs, fmt.Sprintf("capabilities.defaults has unknown kind %q", kindName))
		}
	}
	for kindName, byName := range c.Capabilities.Providers {
		if !validKind(kindName) {
			errs = append(errs, fmt.Sprintf("capabilities.providers has unknown kind %q", kindName))
			continue
		}
		for name, pc := range byName {
			if pc.Endpoint != "" {
				u, err := url.Parse(pc.Endpoint)
				if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
					errs = append(errs, fmt.Sprintf("capabilities.providers.%s.%s endpoint must be a valid http(s) URL", kindName, name))
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validKind(name string) bool {
	for _, k := range capability.Kinds {
		if string(k) == name {
			return true
		}
	}
	return false
}
