package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"Fortune-Oracle/internal/web3"
)

// EnvPrefix 是所有环境变量覆盖项的前缀。
const EnvPrefix = "ORACLE_"

// Config 描述了预言机智能体在启动阶段需要加载的核心配置。
type Config struct {
	Agent     AgentConfig     `yaml:"agent" envPrefix:"AGENT_"`
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Transport TransportConfig `yaml:"transport" envPrefix:"TRANSPORT_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Chain     ChainConfig     `yaml:"chain" envPrefix:"CHAIN_"`
	LLM       LLMConfig       `yaml:"llm" envPrefix:"LLM_"`
	Payment   PaymentConfig   `yaml:"payment" envPrefix:"PAYMENT_"`
	Commerce  CommerceConfig  `yaml:"commerce" envPrefix:"COMMERCE_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Runtime   RuntimeConfig   `yaml:"runtime" envPrefix:"RUNTIME_"`
}

// AgentConfig 描述智能体身份与对外公布的信息。
type AgentConfig struct {
	Name              string `yaml:"name" env:"NAME"`
	Seed              string `yaml:"seed" env:"SEED"`
	Port              int    `yaml:"port" env:"PORT"`
	Endpoint          string `yaml:"endpoint" env:"ENDPOINT"`
	Price             string `yaml:"price" env:"PRICE"`
	RequireSignatures bool   `yaml:"require_signatures" env:"REQUIRE_SIGNATURES"`
}

// ServerConfig 控制 HTTP 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address" env:"ADDRESS"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// SkillPath 是 /api/skill 返回的 Markdown 文件。
	SkillPath string `yaml:"skill_path" env:"SKILL_PATH"`
}

// TransportConfig 选择消息邮箱的实现。
type TransportConfig struct {
	Driver       string         `yaml:"driver" env:"DRIVER"`
	Workers      int            `yaml:"workers" env:"WORKERS"`
	Buffer       int            `yaml:"buffer" env:"BUFFER"`
	MaxMailboxes int            `yaml:"max_mailboxes" env:"MAX_MAILBOXES"`
	Redis        RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	RabbitMQ     RabbitMQConfig `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
}

// RedisConfig 描述 Redis 邮箱的连接参数。
type RedisConfig struct {
	Address   string        `yaml:"address" env:"ADDRESS"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	Prefix    string        `yaml:"prefix" env:"PREFIX"`
	BlockWait time.Duration `yaml:"block_wait" env:"BLOCK_WAIT"`
	MaxLength int64         `yaml:"max_length" env:"MAX_LENGTH"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
}

// RabbitMQConfig 描述 RabbitMQ 邮箱的连接参数。
type RabbitMQConfig struct {
	URL       string        `yaml:"url" env:"URL"`
	Prefix    string        `yaml:"prefix" env:"PREFIX"`
	Prefetch  int           `yaml:"prefetch" env:"PREFETCH"`
	MaxLength int           `yaml:"max_length" env:"MAX_LENGTH"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
}

// StorageConfig 描述解签历史的存储后端。
type StorageConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"dsn" env:"DSN"`
	Path            string        `yaml:"path" env:"PATH"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// ChainConfig 包含访问区块链节点所需的 RPC 地址。
type ChainConfig struct {
	Name          string `yaml:"name" env:"NAME"`
	RPCURL        string `yaml:"rpc_url" env:"RPC_URL"`
	MinBalanceWei string `yaml:"min_balance_wei" env:"MIN_BALANCE_WEI"`
}

// LLMConfig 用于配置三签解读的大模型调用方式。
type LLMConfig struct {
	Provider   string        `yaml:"provider" env:"PROVIDER"`
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	Model      string        `yaml:"model" env:"MODEL"`
	APIKey     string        `yaml:"api_key" env:"API_KEY"`
	APIKeyEnv  string        `yaml:"api_key_env" env:"API_KEY_ENV"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
}

// PaymentConfig 描述付费解签接口的收款要求。
type PaymentConfig struct {
	Enabled     bool   `yaml:"enabled" env:"ENABLED"`
	Network     string `yaml:"network" env:"NETWORK"`
	PayTo       string `yaml:"pay_to" env:"PAY_TO"`
	Price       string `yaml:"price" env:"PRICE"`
	Description string `yaml:"description" env:"DESCRIPTION"`
}

// CommerceConfig 描述 Coinbase Commerce 收银台支付，未配置 API Key 时相关接口返回 503。
type CommerceConfig struct {
	APIKey    string        `yaml:"api_key" env:"API_KEY"`
	APIKeyEnv string        `yaml:"api_key_env" env:"API_KEY_ENV"`
	BaseURL   string        `yaml:"base_url" env:"BASE_URL"`
	Version   string        `yaml:"version" env:"VERSION"`
	Amount    string        `yaml:"amount" env:"AMOUNT"`
	Currency  string        `yaml:"currency" env:"CURRENCY"`
	Name      string        `yaml:"name" env:"NAME"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level   string      `yaml:"level" env:"LEVEL"`
	Format  string      `yaml:"format" env:"FORMAT"`
	Outputs []string    `yaml:"outputs" env:"OUTPUTS"`
	Audit   AuditConfig `yaml:"audit" envPrefix:"AUDIT_"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled" env:"ENABLED"`
	Path       string `yaml:"path" env:"PATH"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" env:"COMPRESS"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`
}

// Load 解析指定路径的 YAML 或 JSON 配置文件并应用环境变量覆盖。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()
	baseDir := "."

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("打开配置文件失败: %w", err)
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := decode(content, cfg); err != nil {
			return nil, err
		}
		baseDir = filepath.Dir(path)
	}

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(content []byte, cfg *Config) error {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("解析配置失败: %w", err)
	}
	return nil
}

// Default 返回预言机智能体的默认配置。
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:     "oracle_agent",
			Seed:     "oracle_fortune_teller_seed_123",
			Port:     8000,
			Endpoint: "http://127.0.0.1:8000/submit",
			Price:    "0.01 USDC",
		},
		Server: ServerConfig{
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Transport: TransportConfig{Driver: "memory", Workers: 4, Buffer: 256, MaxMailboxes: 1024},
		Storage:   StorageConfig{Driver: "memory"},
		LLM: LLMConfig{
			Provider:   "none",
			BaseURL:    "https://api.deepseek.com",
			Model:      "deepseek-chat",
			APIKeyEnv:  "AI_API_KEY",
			Timeout:    60 * time.Second,
			MaxRetries: 1,
		},
		Payment: PaymentConfig{
			Network:     "eip155:8453",
			Price:       "$0.01",
			Description: "AI Fortune Interpretation - Draw 3 sticks and get your Lunar New Year fortune",
		},
		Commerce: CommerceConfig{
			APIKeyEnv: "COMMERCE_API_KEY",
			BaseURL:   "https://api.commerce.coinbase.com",
			Version:   "2018-03-22",
			Amount:    "0.10",
			Currency:  "USD",
			Name:      "AI Fortune Oracle",
			Timeout:   15 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = fmt.Sprintf(":%d", c.Agent.Port)
	}
	if c.Agent.Endpoint == "" {
		c.Agent.Endpoint = fmt.Sprintf("http://127.0.0.1:%d/submit", c.Agent.Port)
	}
	if c.Server.SkillPath == "" {
		c.Server.SkillPath = filepath.Join("public", "skill.md")
	} else if !filepath.IsAbs(c.Server.SkillPath) {
		c.Server.SkillPath = filepath.Join(baseDir, c.Server.SkillPath)
	}

	c.Transport.Driver = strings.ToLower(strings.TrimSpace(c.Transport.Driver))
	if c.Transport.Driver == "" {
		c.Transport.Driver = "memory"
	}
	if c.Transport.Workers <= 0 {
		c.Transport.Workers = 1
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Storage.Driver == "sqlite" {
		if c.Storage.Path == "" {
			c.Storage.Path = filepath.Join(c.Runtime.DataDir, "oracle.db")
		} else if !filepath.IsAbs(c.Storage.Path) {
			c.Storage.Path = filepath.Join(baseDir, c.Storage.Path)
		}
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = "none"
	}
	if c.LLM.APIKey == "" && c.LLM.APIKeyEnv != "" {
		c.LLM.APIKey = os.Getenv(c.LLM.APIKeyEnv)
	}
	if c.Commerce.APIKey == "" && c.Commerce.APIKeyEnv != "" {
		c.Commerce.APIKey = os.Getenv(c.Commerce.APIKeyEnv)
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate 检查配置的取值是否合法。
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Agent.Seed) == "" {
		errs = append(errs, errors.New("agent.seed 不能为空"))
	}
	if c.Agent.Port <= 0 || c.Agent.Port > 65535 {
		errs = append(errs, fmt.Errorf("agent.port 超出范围: %d", c.Agent.Port))
	}
	switch c.Transport.Driver {
	case "memory":
	case "redis":
		if c.Transport.Redis.Address == "" {
			errs = append(errs, errors.New("transport.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Transport.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("transport.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 transport.driver: %s", c.Transport.Driver))
	}
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "mysql":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 storage.driver: %s", c.Storage.Driver))
	}
	switch c.LLM.Provider {
	case "none", "openai":
	default:
		errs = append(errs, fmt.Errorf("不支持的 llm.provider: %s", c.LLM.Provider))
	}
	if c.Payment.Enabled && !web3.IsAddress(c.Payment.PayTo) {
		errs = append(errs, fmt.Errorf("payment.pay_to 不是合法地址: %q", c.Payment.PayTo))
	}
	if c.Chain.MinBalanceWei != "" {
		if _, err := web3.ParseWei(c.Chain.MinBalanceWei); err != nil {
			errs = append(errs, fmt.Errorf("chain.min_balance_wei 不是合法数值: %q", c.Chain.MinBalanceWei))
		}
	}
	return errors.Join(errs...)
}
