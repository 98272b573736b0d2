package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Business  BusinessConfig  `mapstructure:"business"`
	Payment   PaymentConfig   `mapstructure:"payment"`
	Cryptomus CryptomusConfig `mapstructure:"cryptomus"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PayResult        string `mapstructure:"pay_result"`
	RechargeCredited string `mapstructure:"recharge_credited"`
}

type BusinessConfig struct {
	MaxRetryCount int `mapstructure:"max_retry_count"`
}

// PaymentConfig 充值/支付确认相关配置
type PaymentConfig struct {
	CallbackURL     string                   `mapstructure:"callback_url"`
	CallbackToken   string                   `mapstructure:"callback_token"`
	Currency        string                   `mapstructure:"currency"`
	LifetimeSeconds int                      `mapstructure:"lifetime_seconds"`
	SessionTTL      time.Duration            `mapstructure:"session_ttl"`
	PollTimeout     time.Duration            `mapstructure:"poll_timeout"`
	Networks        map[string]NetworkConfig `mapstructure:"networks"`
}

// NetworkConfig 单个币种的链网络及所需确认数
type NetworkConfig struct {
	Name          string `mapstructure:"name"`
	Network       string `mapstructure:"network"`
	Confirmations int    `mapstructure:"confirmations"`
}

type CryptomusConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	MerchantUUID string        `mapstructure:"merchant_uuid"`
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// LoadConfig 加载配置文件，环境变量可覆盖同名配置（如 CRYPTOMUS_API_KEY）
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("payment.currency", "USD")
	v.SetDefault("payment.lifetime_seconds", 1800)
	v.SetDefault("payment.session_ttl", 2*time.Hour)
	v.SetDefault("payment.poll_timeout", 5*time.Second)
	v.SetDefault("cryptomus.base_url", "https://api.cryptomus.com/v1")
	v.SetDefault("cryptomus.timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("rate_limit.requests", 60)
	v.SetDefault("rate_limit.window", time.Minute)
}

// Network 根据币种查找网络配置，key 不区分大小写
func (c *PaymentConfig) Network(currency string) (NetworkConfig, bool) {
	n, ok := c.Networks[strings.ToLower(currency)]
	return n, ok
}
