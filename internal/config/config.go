// Package config loads the gateway configuration from defaults, an optional
// file and GATEWAY_* environment variables, then validates it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// GATEWAY_AUTH_SIGNING_SECRET.
const EnvPrefix = "GATEWAY"

// ===============================================================================
// HTTP

// ServerConfig defines the HTTP server parameters
type ServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0"`
	// ReadTimeout is the maximum duration for reading a request in seconds
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration for writing a response in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the keep-alive idle limit in seconds
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
	// ShutdownTimeout bounds graceful shutdown in seconds
	ShutdownTimeout int `mapstructure:"shutdown_timeout_sec" json:"shutdown_timeout_sec" validate:"gte=1"`
}

// Addr returns the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenOn, c.Port)
}

// CORSConfig defines the cross-origin policy
type CORSConfig struct {
	// AllowedOrigins are the caller origins permitted to use the API
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins" validate:"dive,url"`
	// MaxAge is how long preflight results may be cached, in seconds
	MaxAge int `mapstructure:"max_age_sec" json:"max_age_sec" validate:"gte=0"`
}

// ===============================================================================
// Auth

// PrincipalConfig is one principal seeded into the principal store at startup
type PrincipalConfig struct {
	Username string `mapstructure:"username" json:"username" validate:"required"`
	Password string `mapstructure:"password" json:"-" validate:"required"`
	Role     string `mapstructure:"role" json:"role" validate:"required,oneof=admin viewer"`
}

// AuthConfig defines credential issuance parameters
type AuthConfig struct {
	// SigningSecret is the HS256 key. It has no default.
	SigningSecret string `mapstructure:"signing_secret" json:"-" validate:"required,min=32"`
	// TokenTTL is the credential lifetime in minutes
	TokenTTL int `mapstructure:"token_ttl_min" json:"token_ttl_min" validate:"gte=1"`
	// HashCost is the bcrypt cost for stored secrets
	HashCost int `mapstructure:"hash_cost" json:"hash_cost" validate:"min=4,max=31"`
	// StorePath is the bbolt file holding principals
	StorePath string `mapstructure:"store_path" json:"store_path" validate:"required"`
	// Principals are upserted into the store at startup
	Principals []PrincipalConfig `mapstructure:"principals" json:"principals" validate:"dive"`
	// LoginRate is the sustained issue-credential rate per client IP, per second
	LoginRate float64 `mapstructure:"login_rate_per_sec" json:"login_rate_per_sec" validate:"gt=0"`
	// LoginBurst is the issue-credential burst per client IP
	LoginBurst int `mapstructure:"login_burst" json:"login_burst" validate:"gte=1"`
}

// ===============================================================================
// Forecast

// ForecastConfig defines the external model service
type ForecastConfig struct {
	// Endpoint is the model service predict URL
	Endpoint string `mapstructure:"endpoint" json:"endpoint" validate:"required,url"`
	// Timeout bounds one forecast call in seconds
	Timeout int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Sessions

// SessionConfig defines WebSocket session parameters
type SessionConfig struct {
	// SendBuffer is the per-session broadcast queue length
	SendBuffer int `mapstructure:"send_buffer" json:"send_buffer" validate:"gte=1"`
	// PingInterval is the server heartbeat period in seconds; 0 disables it
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=0"`
	// IdleTimeout closes sessions silent for this many seconds; 0 disables it
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
	// WriteTimeout bounds one frame write in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// ReadLimit caps inbound frame size in bytes
	ReadLimit int64 `mapstructure:"read_limit_bytes" json:"read_limit_bytes" validate:"gte=0"`
}

// ===============================================================================

// Config is the complete gateway configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server" json:"server" validate:"required"`
	CORS     CORSConfig     `mapstructure:"cors" json:"cors"`
	Auth     AuthConfig     `mapstructure:"auth" json:"auth" validate:"required"`
	Forecast ForecastConfig `mapstructure:"forecast" json:"forecast" validate:"required"`
	Session  SessionConfig  `mapstructure:"session" json:"session" validate:"required"`
}

// Seconds converts a whole-second config value to a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// InstallDefaults installs default config parameters in v
func InstallDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_on", "127.0.0.1")
	v.SetDefault("server.listen_port", 8088)
	v.SetDefault("server.read_timeout_sec", 60)
	v.SetDefault("server.write_timeout_sec", 60)
	v.SetDefault("server.idle_timeout_sec", 600)
	v.SetDefault("server.shutdown_timeout_sec", 10)

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000", "http://localhost:3001"})
	v.SetDefault("cors.max_age_sec", 3600)

	v.SetDefault("auth.token_ttl_min", 60)
	v.SetDefault("auth.hash_cost", 10)
	v.SetDefault("auth.store_path", "gateway.db")
	v.SetDefault("auth.login_rate_per_sec", 1.0)
	v.SetDefault("auth.login_burst", 5)

	v.SetDefault("forecast.endpoint", "http://127.0.0.1:8000/predict")
	v.SetDefault("forecast.timeout_sec", 30)

	v.SetDefault("session.send_buffer", 64)
	v.SetDefault("session.ping_interval_sec", 30)
	v.SetDefault("session.idle_timeout_sec", 90)
	v.SetDefault("session.write_timeout_sec", 10)
	v.SetDefault("session.read_limit_bytes", 32<<10)
}

// NewViper returns a viper instance with defaults installed and environment
// overrides enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	InstallDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys without a default are invisible to AutomaticEnv.
	_ = v.BindEnv("auth.signing_secret")
	return v
}

// Load reads configFile (if non-empty) on top of the defaults, applies
// environment overrides, and validates the result.
func Load(configFile string) (*Config, error) {
	v := NewViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}
	return Decode(v)
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
