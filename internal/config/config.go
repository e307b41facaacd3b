package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	HomeAssistant HomeAssistantConfig `mapstructure:"home_assistant"`
	Sessions      SessionsConfig      `mapstructure:"sessions"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	OCPPServices  []ServiceConfig     `mapstructure:"ocpp_services" validate:"dive"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// 管理接口限流（每秒请求数与突发量）
	AdminRateLimit float64 `mapstructure:"admin_rate_limit"`
	AdminRateBurst int     `mapstructure:"admin_rate_burst"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	Async  bool   `mapstructure:"async"`
}

// PolicyConfig 控制权仲裁策略配置
type PolicyConfig struct {
	AllowSharedCharging bool          `mapstructure:"allow_shared_charging"`
	PreferredProvider   string        `mapstructure:"preferred_provider"`
	AllowedProviders    []string      `mapstructure:"allowed_providers"`
	BlockedProviders    []string      `mapstructure:"blocked_providers"`
	RateLimitInterval   time.Duration `mapstructure:"rate_limit_interval" validate:"min=0"`
	AutoReleaseTimeout  time.Duration `mapstructure:"auto_release_timeout" validate:"min=0"`
}

// HomeAssistantConfig Home Assistant网关配置
type HomeAssistantConfig struct {
	URL                  string `mapstructure:"url" validate:"omitempty,url"`
	Token                string `mapstructure:"token"`
	PresenceSensor       string `mapstructure:"presence_sensor"`
	OverrideInputBoolean string `mapstructure:"override_input_boolean"`
}

// SessionsConfig 会话日志配置
type SessionsConfig struct {
	DBPath string `mapstructure:"db_path" validate:"required"`
}

// KafkaConfig Kafka事件外发配置
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `mapstructure:"topic" validate:"required_if=Enabled true"`
}

// ServiceConfig 外部OCPP服务连接配置
type ServiceConfig struct {
	ID       string `mapstructure:"id" validate:"required"`
	URL      string `mapstructure:"url" validate:"required,url"`
	Enabled  bool   `mapstructure:"enabled"`
	Version  string `mapstructure:"version" validate:"omitempty,oneof=1.6"`
	AuthType string `mapstructure:"auth_type" validate:"omitempty,oneof=basic token"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.admin_rate_limit", 10.0)
	v.SetDefault("server.admin_rate_burst", 20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.async", false)

	v.SetDefault("policy.allow_shared_charging", false)
	v.SetDefault("policy.preferred_provider", "")
	v.SetDefault("policy.rate_limit_interval", 10*time.Second)
	v.SetDefault("policy.auto_release_timeout", 60*time.Second)

	v.SetDefault("sessions.db_path", "usage_log.db")

	v.SetDefault("kafka.enabled", false)
}

// Load 加载配置
// path为空时仅使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// HasHomeAssistant 判断是否配置了Home Assistant网关
func (c *Config) HasHomeAssistant() bool {
	return c.HomeAssistant.URL != "" && c.HomeAssistant.Token != ""
}
