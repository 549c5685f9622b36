// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

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
	MinIO         MinIOConfig         `mapstructure:"minio"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Research      ResearchConfig      `mapstructure:"research"`
	Workflow      WorkflowConfig      `mapstructure:"workflow"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	// Driver 取值 mysql | postgres | sqlite
	Driver string      `mapstructure:"driver"`
	DSN    string      `mapstructure:"dsn"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储外部身份提供方签发 token 的校验密钥。
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers     string `mapstructure:"brokers"`
	Topic       string `mapstructure:"topic"`
	GroupID     string `mapstructure:"group_id"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置，用于归档已完成的研究会话快照。
type MinIOConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey       string              `mapstructure:"api_key"`
	BaseURL      string              `mapstructure:"base_url"`
	Model        string              `mapstructure:"model"`
	SystemPrompt string              `mapstructure:"system_prompt"`
	Timeout      time.Duration       `mapstructure:"timeout"`
	Generation   LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// ResearchConfig 定义提交研究请求时的默认值与上限。
type ResearchConfig struct {
	DefaultInterviews int `mapstructure:"default_interviews"`
	DefaultQuestions  int `mapstructure:"default_questions"`
	MaxInterviews     int `mapstructure:"max_interviews"`
	MaxQuestions      int `mapstructure:"max_questions"`
	ListLimit         int `mapstructure:"list_limit"`
}

// WorkflowConfig 控制研究流水线的执行策略。
type WorkflowConfig struct {
	// Dispatcher 取值 local | kafka
	Dispatcher           string        `mapstructure:"dispatcher"`
	Workers              int           `mapstructure:"workers"`
	QueueSize            int           `mapstructure:"queue_size"`
	RunTimeout           time.Duration `mapstructure:"run_timeout"`
	QuestionRetries      int           `mapstructure:"question_retries"`
	PersonaRetries       int           `mapstructure:"persona_retries"`
	AnswerRetries        int           `mapstructure:"answer_retries"`
	SynthesisRetries     int           `mapstructure:"synthesis_retries"`
	RetryBackoff         time.Duration `mapstructure:"retry_backoff"`
	InterviewConcurrency int           `mapstructure:"interview_concurrency"`
	// ProgressStore 取值 memory | redis
	ProgressStore     string        `mapstructure:"progress_store"`
	ProgressRetention time.Duration `mapstructure:"progress_retention"`
	ReaperInterval    time.Duration `mapstructure:"reaper_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// SetDefaults 为所有可选配置项注册默认值。
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:research_history.db?_pragma=busy_timeout(5000)")
	v.SetDefault("kafka.topic", "research-tasks")
	v.SetDefault("kafka.group_id", "persona-research-consumer")
	v.SetDefault("kafka.max_attempts", 3)
	v.SetDefault("elasticsearch.index_name", "research_sessions")
	v.SetDefault("minio.bucket_name", "research-archive")
	// 以下键没有实际默认值，注册空值只是为了让 AutomaticEnv 在 Unmarshal 时能覆盖它们
	v.SetDefault("llm.api_key", "")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("database.redis.addr", "")
	v.SetDefault("database.redis.password", "")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("llm.base_url", "https://api.cerebras.ai/v1")
	v.SetDefault("llm.model", "llama3.3-70b")
	v.SetDefault("llm.system_prompt", "You are a helpful assistant. Provide direct, clear responses without showing your reasoning.")
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.generation.temperature", 0.7)
	v.SetDefault("llm.generation.max_tokens", 800)
	v.SetDefault("research.default_interviews", 3)
	v.SetDefault("research.default_questions", 5)
	v.SetDefault("research.max_interviews", 10)
	v.SetDefault("research.max_questions", 10)
	v.SetDefault("research.list_limit", 50)
	v.SetDefault("workflow.dispatcher", "local")
	v.SetDefault("workflow.workers", 4)
	v.SetDefault("workflow.queue_size", 64)
	v.SetDefault("workflow.run_timeout", 15*time.Minute)
	v.SetDefault("workflow.question_retries", 2)
	v.SetDefault("workflow.persona_retries", 2)
	v.SetDefault("workflow.answer_retries", 1)
	v.SetDefault("workflow.synthesis_retries", 2)
	v.SetDefault("workflow.retry_backoff", 500*time.Millisecond)
	v.SetDefault("workflow.interview_concurrency", 3)
	v.SetDefault("workflow.progress_store", "memory")
	v.SetDefault("workflow.progress_retention", time.Hour)
	v.SetDefault("workflow.reaper_interval", time.Minute)
	v.SetDefault("workflow.poll_interval", 2*time.Second)
}

// Load 从指定路径读取 YAML 配置；路径为空时仅使用默认值与环境变量。
// 环境变量以 RESEARCH_ 为前缀，层级用下划线连接，例如 RESEARCH_LLM_API_KEY。
func Load(configPath string) (Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("research")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Init 加载配置并写入全局 Conf，失败时直接 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
