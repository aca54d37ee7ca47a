package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	AI         AIConfig
	Bot        BotConfig
	Agent      AgentConfig
	Storage    StorageConfig
	Session    SessionConfig
	Vocabulary Vocabulary
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

	bot, err := loadBotConfig()
	if err != nil {
		return nil, err
	}

	agent := loadAgentConfig()

	storage, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	vocabulary, err := LoadVocabulary(strings.TrimSpace(os.Getenv("HANDOVER_VOCABULARY_FILE")))
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		AI:         ai,
		Bot:        bot,
		Agent:      agent,
		Storage:    storage,
		Session:    session,
		Vocabulary: vocabulary,
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

// AIConfig 描述大模型相关配置，只用于生成转人工摘要。
type AIConfig struct {
	APIKey              string
	AccessKey           string
	SecretKey           string
	Model               string
	BaseURL             string
	Region              string
	Temperature         *float64
	TopP                *float64
	MaxTokens           *int
	SummaryLLMEnabled   bool
	SummaryHistoryLimit int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
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

	summaryEnabled, err := parseBoolEnv("SUMMARY_LLM_ENABLED", false)
	if err != nil {
		return AIConfig{}, err
	}

	summaryHistory := 20
	if historyOverride, err := parseOptionalIntEnv("SUMMARY_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if historyOverride != nil {
		if *historyOverride < 1 {
			summaryHistory = 1
		} else {
			summaryHistory = *historyOverride
		}
	}

	return AIConfig{
		APIKey:              strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:           strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:           strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:               strings.TrimSpace(os.Getenv("Model")),
		BaseURL:             getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:              getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:         temperature,
		TopP:                topP,
		MaxTokens:           maxTokens,
		SummaryLLMEnabled:   summaryEnabled,
		SummaryHistoryLimit: summaryHistory,
	}, nil
}

// BotConfig 描述机器人渠道（实时 socket 服务）。
type BotConfig struct {
	EndpointURL string
	URLToken    string
	Channel     string
}

// Enabled 表示机器人地址已配置。
func (c BotConfig) Enabled() bool {
	return c.EndpointURL != ""
}

func loadBotConfig() (BotConfig, error) {
	endpoint := strings.TrimSpace(os.Getenv("BOT_ENDPOINT_URL"))
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		return BotConfig{}, fmt.Errorf("invalid BOT_ENDPOINT_URL value: %q", endpoint)
	}
	return BotConfig{
		EndpointURL: endpoint,
		URLToken:    strings.TrimSpace(os.Getenv("BOT_URL_TOKEN")),
		Channel:     getEnvOrDefault("BOT_CHANNEL", "webchat-clone"),
	}, nil
}

// AgentConfig 描述人工坐席渠道：凭证接口和参与者 websocket。
type AgentConfig struct {
	StartChatURL string
	WebsocketURL string
	Region       string
}

// Enabled 表示转人工所需的地址都已配置。
func (c AgentConfig) Enabled() bool {
	return c.StartChatURL != "" && c.WebsocketURL != ""
}

func loadAgentConfig() AgentConfig {
	return AgentConfig{
		StartChatURL: strings.TrimSpace(os.Getenv("AGENT_START_CHAT_URL")),
		WebsocketURL: strings.TrimSpace(os.Getenv("AGENT_WEBSOCKET_URL")),
		Region:       getEnvOrDefault("AGENT_REGION", "ap-southeast-1"),
	}
}

// StorageConfig 选择会话数据的持久化方式。
type StorageConfig struct {
	Driver string
	Dir    string
	DSN    string
}

func loadStorageConfig() (StorageConfig, error) {
	cfg := StorageConfig{
		Driver: strings.ToLower(getEnvOrDefault("STORAGE_DRIVER", "memory")),
		Dir:    getEnvOrDefault("STORAGE_DIR", "./data"),
		DSN:    strings.TrimSpace(os.Getenv("STORAGE_DSN")),
	}
	switch cfg.Driver {
	case "memory", "file":
	case "mysql":
		if cfg.DSN == "" {
			return StorageConfig{}, fmt.Errorf("STORAGE_DSN is required for the mysql driver")
		}
	default:
		return StorageConfig{}, fmt.Errorf("invalid STORAGE_DRIVER value: %q", cfg.Driver)
	}
	return cfg, nil
}

// SessionConfig 控制单个会话的去重、超时和空闲回收。
type SessionConfig struct {
	DedupWindow     time.Duration
	DedupMaxEntries int
	SendTimeout     time.Duration
	IdleTimeout     time.Duration
	ReapSchedule    string
}

func loadSessionConfig() (SessionConfig, error) {
	window, err := parseDurationEnv("DEDUP_WINDOW", 30*time.Second)
	if err != nil {
		return SessionConfig{}, err
	}

	maxEntries := 100
	if override, err := parseOptionalIntEnv("DEDUP_MAX_ENTRIES"); err != nil {
		return SessionConfig{}, err
	} else if override != nil && *override > 0 {
		maxEntries = *override
	}

	sendTimeout, err := parseDurationEnv("SEND_TIMEOUT", 10*time.Second)
	if err != nil {
		return SessionConfig{}, err
	}

	idle, err := parseDurationEnv("SESSION_IDLE_TIMEOUT", 30*time.Minute)
	if err != nil {
		return SessionConfig{}, err
	}

	return SessionConfig{
		DedupWindow:     window,
		DedupMaxEntries: maxEntries,
		SendTimeout:     sendTimeout,
		IdleTimeout:     idle,
		ReapSchedule:    getEnvOrDefault("SESSION_REAP_SCHEDULE", "@every 1m"),
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

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
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
