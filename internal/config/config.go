// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	WebSearch     WebSearchConfig     `mapstructure:"websearch"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Chat          ChatConfig          `mapstructure:"chat"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses     string `mapstructure:"addresses"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	IndexName     string `mapstructure:"index_name"`
	ExchangeIndex string `mapstructure:"exchange_index"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	TitleModel string              `mapstructure:"title_model"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示（可选，为空时使用内置提示）。
type LLMPromptConfig struct {
	Rules string `mapstructure:"rules"`
}

// WebSearchConfig 存储网页抓取代理（reader）的配置。
type WebSearchConfig struct {
	ReaderURL      string `mapstructure:"reader_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RateLimitConfig 存储每用户固定窗口限流的配置。
type RateLimitConfig struct {
	MaxPrompts     int `mapstructure:"max_prompts"`
	WindowSeconds  int `mapstructure:"window_seconds"`
	MaxRetries     int `mapstructure:"max_retries"`
	RetryBackoffMS int `mapstructure:"retry_backoff_ms"`
}

// Window 返回限流窗口时长。
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// RetryBackoff 返回事务冲突后的固定退避时长。
func (c RateLimitConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// ChatConfig 存储聊天会话相关的配置。
type ChatConfig struct {
	HistoryWindow         int `mapstructure:"history_window"`
	RetrievalTopK         int `mapstructure:"retrieval_top_k"`
	PersistTimeoutSeconds int `mapstructure:"persist_timeout_seconds"`
	TitleTimeoutSeconds   int `mapstructure:"title_timeout_seconds"`
}

// Defaults 返回所有可选项的默认值，配置文件中缺失的键会回落到这里。
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.port":                  "8080",
		"server.mode":                  "release",
		"log.level":                    "info",
		"log.format":                   "json",
		"kafka.topic":                  "chat-exchanges",
		"kafka.group_id":               "manthrabin-exchange-indexer",
		"elasticsearch.index_name":     "manthrabin",
		"elasticsearch.exchange_index": "manthrabin_exchanges",
		"llm.title_model":              "gpt-4o-mini",
		"websearch.reader_url":         "https://r.jina.ai",
		"websearch.timeout_seconds":    10,
		"rate_limit.max_prompts":       20,
		"rate_limit.window_seconds":    3600,
		"rate_limit.max_retries":       5,
		"rate_limit.retry_backoff_ms":  10,
		"chat.history_window":          10,
		"chat.retrieval_top_k":         10,
		"chat.persist_timeout_seconds": 10,
		"chat.title_timeout_seconds":   15,
	}
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
// 环境变量（以及 .env 文件中的变量）可以覆盖文件中的值，例如 RATE_LIMIT_MAX_PROMPTS。
func Init(configPath string) {
	// .env 不存在时忽略即可
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range Defaults() {
		v.SetDefault(k, val)
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := v.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}
