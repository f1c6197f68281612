package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Upgrade   UpgradeConfig   `mapstructure:"upgrade"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type RedisConfig struct {
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
	Channel string `mapstructure:"channel"`
}

type ArtifactsConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	AccessKeyID string `mapstructure:"access_key_id"`
	SecretKey   string `mapstructure:"secret_key"`
	Bucket      string `mapstructure:"bucket"`
	UseSSL      bool   `mapstructure:"use_ssl"`
}

// UpgradeConfig bounds the long-running remote waits. Download, install and
// reboot each poll at PollInterval up to PollAttempts times.
type UpgradeConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	PollAttempts       int           `mapstructure:"poll_attempts"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

type MonitorConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	APITokenEnv string `mapstructure:"api_token_env"`
}

type AuthConfig struct {
	JWTSecretEnv string `mapstructure:"jwt_secret_env"`
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.shutdown_timeout", "30s")
	viper.SetDefault("database.max_connections", 10)
	viper.SetDefault("redis.channel", "fwupgrade:snapshots")
	viper.SetDefault("artifacts.bucket", "fw-backups")
	viper.SetDefault("upgrade.poll_interval", "60s")
	viper.SetDefault("upgrade.poll_attempts", 15)
	viper.SetDefault("upgrade.insecure_skip_verify", true)
	viper.SetDefault("monitor.api_token_env", "MONITOR_API_TOKEN")
	viper.SetDefault("auth.jwt_secret_env", "JWT_SECRET")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("FWU")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

func (m *MonitorConfig) GetAPIToken() string {
	envVar := m.APITokenEnv
	if envVar == "" {
		envVar = "MONITOR_API_TOKEN"
	}
	return os.Getenv(envVar)
}

func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return "dev-secret-change-in-production-min-32-chars"
	}
	return secret
}
