package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	AI        AIConfig
	Store     StoreConfig
	EventLog  EventLogConfig
	Stream    StreamConfig
	Registry  RegistryConfig
	Tools     ToolsConfig
	Auth      AuthConfig
	Telemetry TelemetryConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	store, eventLog, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	stream, err := loadStreamConfig()
	if err != nil {
		return nil, err
	}

	registry, err := loadRegistryConfig()
	if err != nil {
		return nil, err
	}

	tools, err := loadToolsConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	telemetry, err := loadTelemetryConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		AI:        ai,
		Store:     store,
		EventLog:  eventLog,
		Stream:    stream,
		Registry:  registry,
		Tools:     tools,
		Auth:      auth,
		Telemetry: telemetry,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// Providers understood by AI_PROVIDER.
const (
	ProviderArk    = "ark"
	ProviderOpenAI = "openai"
)

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider    string
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int

	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	if c.Provider == ProviderOpenAI {
		return c.OpenAIKey != "" && c.OpenAIModel != ""
	}
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	provider := strings.ToLower(getEnvOrDefault("AI_PROVIDER", ProviderArk))
	if provider != ProviderArk && provider != ProviderOpenAI {
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q", provider)
	}

	return AIConfig{
		Provider:      provider,
		APIKey:        strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:     strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:     strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:         strings.TrimSpace(os.Getenv("Model")),
		BaseURL:       getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:        getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:   temperature,
		TopP:          topP,
		MaxTokens:     maxTokens,
		OpenAIKey:     strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL: getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:   getEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
	}, nil
}

// Storage drivers.
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig 描述聊天记录存储。
type StoreConfig struct {
	Driver string
	DSN    string
}

// EventLogConfig 描述可恢复流的事件日志存储。
type EventLogConfig struct {
	Driver    string
	DSN       string
	Retention time.Duration
}

// Enabled 表示事件日志是否启用。
func (c EventLogConfig) Enabled() bool {
	return c.Driver != DriverNone
}

func loadStorageConfig() (StoreConfig, EventLogConfig, error) {
	store := StoreConfig{
		Driver: strings.ToLower(getEnvOrDefault("STORE_DRIVER", DriverMemory)),
		DSN:    getEnvOrDefault("STORE_DSN", "data/relay.db"),
	}
	switch store.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		return StoreConfig{}, EventLogConfig{}, fmt.Errorf("invalid STORE_DRIVER value %q", store.Driver)
	}

	// 默认与聊天存储共用同一个后端
	defaultDriver := store.Driver
	eventLog := EventLogConfig{
		Driver: strings.ToLower(getEnvOrDefault("EVENTLOG_DRIVER", defaultDriver)),
		DSN:    getEnvOrDefault("EVENTLOG_DSN", store.DSN),
	}
	switch eventLog.Driver {
	case DriverNone, DriverMemory, DriverSQLite, DriverPostgres:
	default:
		return StoreConfig{}, EventLogConfig{}, fmt.Errorf("invalid EVENTLOG_DRIVER value %q", eventLog.Driver)
	}

	retention, err := parseDurationEnv("EVENTLOG_RETENTION", 24*time.Hour)
	if err != nil {
		return StoreConfig{}, EventLogConfig{}, err
	}
	eventLog.Retention = retention
	return store, eventLog, nil
}

// StreamConfig 描述单轮生成的策略。
type StreamConfig struct {
	StepBudget         int
	MaxRetries         int
	TurnTimeout        time.Duration
	RestoreWindow      time.Duration
	CancelOnDisconnect bool
	HistoryLimit       int
}

func loadStreamConfig() (StreamConfig, error) {
	cfg := StreamConfig{StepBudget: 20, MaxRetries: 2, HistoryLimit: 20}

	if v, err := parseOptionalIntEnv("STREAM_STEP_BUDGET"); err != nil {
		return StreamConfig{}, err
	} else if v != nil {
		if *v < 1 {
			return StreamConfig{}, fmt.Errorf("STREAM_STEP_BUDGET must be positive, got %d", *v)
		}
		cfg.StepBudget = *v
	}

	if v, err := parseOptionalIntEnv("STREAM_MAX_RETRIES"); err != nil {
		return StreamConfig{}, err
	} else if v != nil && *v >= 0 {
		cfg.MaxRetries = *v
	}

	if v, err := parseOptionalIntEnv("STREAM_HISTORY_LIMIT"); err != nil {
		return StreamConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.HistoryLimit = *v
	}

	var err error
	if cfg.TurnTimeout, err = parseDurationEnv("STREAM_TURN_TIMEOUT", 60*time.Second); err != nil {
		return StreamConfig{}, err
	}
	if cfg.RestoreWindow, err = parseDurationEnv("STREAM_RESTORE_WINDOW", 15*time.Second); err != nil {
		return StreamConfig{}, err
	}
	if cfg.CancelOnDisconnect, err = parseBoolEnv("STREAM_CANCEL_ON_DISCONNECT", false); err != nil {
		return StreamConfig{}, err
	}
	return cfg, nil
}

// RegistryConfig 描述取消句柄注册表的淘汰策略。
type RegistryConfig struct {
	MaxAge           time.Duration
	Capacity         int
	SweepProbability float64
	SweepSchedule    string
}

func loadRegistryConfig() (RegistryConfig, error) {
	cfg := RegistryConfig{Capacity: 1000, SweepProbability: 0.1}

	var err error
	if cfg.MaxAge, err = parseDurationEnv("REGISTRY_MAX_AGE", 30*time.Minute); err != nil {
		return RegistryConfig{}, err
	}
	if v, err := parseOptionalIntEnv("REGISTRY_CAPACITY"); err != nil {
		return RegistryConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.Capacity = *v
	}
	if v, err := parseOptionalFloatEnv("REGISTRY_SWEEP_PROBABILITY"); err != nil {
		return RegistryConfig{}, err
	} else if v != nil {
		if *v < 0 || *v > 1 {
			return RegistryConfig{}, fmt.Errorf("REGISTRY_SWEEP_PROBABILITY must be within [0,1], got %v", *v)
		}
		cfg.SweepProbability = *v
	}
	cfg.SweepSchedule = getEnvOrDefault("MAINTENANCE_SCHEDULE", "@every 1m")
	return cfg, nil
}

// ToolBackend 对应 TOOL_BACKENDS_FILE 中的一个远程工具服务。
type ToolBackend struct {
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	Transport string            `yaml:"transport"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`
}

// ToolsConfig 描述工具后端。
type ToolsConfig struct {
	Backends       []ToolBackend
	ConnectTimeout time.Duration
}

type toolBackendsFile struct {
	Backends []ToolBackend `yaml:"backends"`
}

func loadToolsConfig() (ToolsConfig, error) {
	timeout, err := parseDurationEnv("TOOL_CONNECT_TIMEOUT", 10*time.Second)
	if err != nil {
		return ToolsConfig{}, err
	}
	cfg := ToolsConfig{ConnectTimeout: timeout}

	path := strings.TrimSpace(os.Getenv("TOOL_BACKENDS_FILE"))
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ToolsConfig{}, fmt.Errorf("read TOOL_BACKENDS_FILE: %w", err)
	}
	backends, err := ParseToolBackends(raw)
	if err != nil {
		return ToolsConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Backends = backends
	return cfg, nil
}

// ParseToolBackends 解析 YAML 格式的远程工具列表，展开其中的环境变量。
func ParseToolBackends(raw []byte) ([]ToolBackend, error) {
	var file toolBackendsFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &file); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(file.Backends))
	for i, b := range file.Backends {
		if b.Name == "" || b.URL == "" {
			return nil, fmt.Errorf("backend #%d needs name and url", i)
		}
		if seen[b.Name] {
			return nil, fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
	}
	return file.Backends, nil
}

// AuthConfig 描述 JWT 鉴权。
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// Enabled 未配置密钥时所有请求都以 anonymous 身份处理。
func (c AuthConfig) Enabled() bool {
	return c.JWTSecret != ""
}

func loadAuthConfig() (AuthConfig, error) {
	ttl, err := parseDurationEnv("AUTH_TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return AuthConfig{}, err
	}
	return AuthConfig{
		JWTSecret: strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET")),
		TokenTTL:  ttl,
	}, nil
}

// TelemetryConfig 描述链路追踪导出。
type TelemetryConfig struct {
	ServiceName  string
	OTLPEndpoint string
	Insecure     bool
}

func loadTelemetryConfig() (TelemetryConfig, error) {
	insecure, err := parseBoolEnv("OTEL_INSECURE", true)
	if err != nil {
		return TelemetryConfig{}, err
	}
	return TelemetryConfig{
		ServiceName:  getEnvOrDefault("OTEL_SERVICE_NAME", "z-relay"),
		OTLPEndpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:     insecure,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv 支持 "90s" 这类写法，纯数字按秒处理。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: negative duration", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
