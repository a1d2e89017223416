package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/lsst-ts/mtreflector/internal/reflector"
)

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

type Config struct {
	Server        ServerConfig  `mapstructure:"server"`
	SiteConfigDir string        `mapstructure:"site_config_dir"`
	Labjack       LabjackConfig `mapstructure:"labjack"`
	Auth          AuthConfig    `mapstructure:"auth"`
	Journal       JournalConfig `mapstructure:"journal"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LabjackConfig struct {
	CommunicationTimeout time.Duration `mapstructure:"communication_timeout"`
	ReconnectWait        time.Duration `mapstructure:"reconnect_wait"`
}

type AuthConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	JWTSecretEnv    string         `mapstructure:"jwt_secret_env"`
	AccessTokenTTL  time.Duration  `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration  `mapstructure:"refresh_token_ttl"`
	Operators       []Operator     `mapstructure:"operators"`
	ServiceTokens   []ServiceToken `mapstructure:"service_tokens"`
}

// Operator is a human account declared in the server config.
type Operator struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// ServiceToken is a non-interactive credential for scripted control.
// The config stores only the sha256 hash of the token.
type ServiceToken struct {
	Name      string `mapstructure:"name"`
	TokenHash string `mapstructure:"token_hash"`
	Role      string `mapstructure:"role"`
}

type JournalConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("site_config_dir", "configs/site")
	v.SetDefault("labjack.communication_timeout", reflector.CommunicationTimeout.String())
	v.SetDefault("labjack.reconnect_wait", reflector.ReconnectWait.String())

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.refresh_token_ttl", "168h")

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.host", "localhost")
	v.SetDefault("journal.port", 5432)
	v.SetDefault("journal.database", "mtreflector")
	v.SetDefault("journal.user", "mtreflector")
	v.SetDefault("journal.max_connections", 4)

	v.AutomaticEnv()
	v.SetEnvPrefix("MTR")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func (j *JournalConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		j.User, j.Password, j.Host, j.Port, j.Database)
}

// GetJWTSecret loads the signing secret from the configured environment
// variable, with a development fallback.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devJWTSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}
