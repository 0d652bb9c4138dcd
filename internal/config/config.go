package config

import (
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/watoto/collab/internal/slogging"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Session   SessionConfig   `yaml:"session"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port" env:"SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
}

// WebSocketConfig holds connection-level WebSocket tuning
type WebSocketConfig struct {
	// ReadLimitBytes bounds a single inbound frame; oversized diagram
	// payloads close the connection rather than stalling the session.
	ReadLimitBytes int64         `yaml:"read_limit_bytes" env:"WEBSOCKET_READ_LIMIT_BYTES"`
	PongWait       time.Duration `yaml:"pong_wait" env:"WEBSOCKET_PONG_WAIT"`
	PingInterval   time.Duration `yaml:"ping_interval" env:"WEBSOCKET_PING_INTERVAL"`
	WriteWait      time.Duration `yaml:"write_wait" env:"WEBSOCKET_WRITE_WAIT"`
	SendBufferSize int           `yaml:"send_buffer_size" env:"WEBSOCKET_SEND_BUFFER_SIZE"`
}

// SessionConfig holds session registry policy
type SessionConfig struct {
	// EmptyGrace is how long an empty session survives before eviction,
	// allowing brief reconnect windows.
	EmptyGrace        time.Duration `yaml:"empty_grace" env:"SESSION_EMPTY_GRACE"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" env:"SESSION_INACTIVITY_TIMEOUT"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" env:"SESSION_CLEANUP_INTERVAL"`
	ChatHistoryLimit  int           `yaml:"chat_history_limit" env:"SESSION_CHAT_HISTORY_LIMIT"`
}

// AuthConfig holds the boundary auth-gate configuration
type AuthConfig struct {
	// JWTSecret enables the bearer-token gate when non-empty. An empty
	// secret leaves the gate open (development mode).
	JWTSecret string `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOGGING_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"LOGGING_IS_DEV"`
	LogDir           string `yaml:"log_dir" env:"LOGGING_LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"LOGGING_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"LOGGING_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"LOGGING_ALSO_LOG_TO_CONSOLE"`
}

// Load loads configuration from a YAML file with environment variable overrides
func Load(configFile string) (*Config, error) {
	config := Default()

	if configFile != "" {
		if err := loadFromYAML(config, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config from YAML: %w", err)
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, fmt.Errorf("failed to override with environment variables: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Interface:    "0.0.0.0",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		WebSocket: WebSocketConfig{
			ReadLimitBytes: 256 * 1024,
			PongWait:       60 * time.Second,
			PingInterval:   30 * time.Second,
			WriteWait:      10 * time.Second,
			SendBufferSize: 256,
		},
		Session: SessionConfig{
			EmptyGrace:        60 * time.Second,
			InactivityTimeout: 15 * time.Minute,
			CleanupInterval:   30 * time.Second,
			ChatHistoryLimit:  200,
		},
		Auth: AuthConfig{
			JWTSecret: "",
		},
		Logging: LoggingConfig{
			Level:            "info",
			IsDev:            true,
			LogDir:           "logs",
			MaxAgeDays:       7,
			MaxSizeMB:        100,
			MaxBackups:       10,
			AlsoLogToConsole: true,
		},
	}
}

func loadFromYAML(config *Config, configFile string) error {
	data, err := os.ReadFile(configFile) // #nosec G304 - path comes from the operator
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}
	return nil
}

// overrideWithEnv walks the config struct and applies values from the
// environment variables named in `env` struct tags.
func overrideWithEnv(config *Config) error {
	return overrideStructWithEnv(reflect.ValueOf(config).Elem())
}

func overrideStructWithEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := overrideStructWithEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}
	return nil
}

func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool value: %s", value)
		}
		field.SetBool(boolVal)
	case reflect.Int:
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid int value: %s", value)
		}
		field.SetInt(int64(intVal))
	case reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration value: %s", value)
			}
			field.SetInt(int64(duration))
			return nil
		}
		intVal, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid int64 value: %s", value)
		}
		field.SetInt(intVal)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.WebSocket.ReadLimitBytes < 1024 {
		return fmt.Errorf("websocket read limit must be at least 1024 bytes")
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return fmt.Errorf("websocket pong wait must exceed the ping interval")
	}
	if c.WebSocket.SendBufferSize <= 0 {
		return fmt.Errorf("websocket send buffer size must be positive")
	}
	if c.Session.EmptyGrace < 0 {
		return fmt.Errorf("session empty grace must not be negative")
	}
	if c.Session.InactivityTimeout < 15*time.Second {
		return fmt.Errorf("session inactivity timeout must be at least 15 seconds")
	}
	if c.Session.CleanupInterval <= 0 {
		return fmt.Errorf("session cleanup interval must be positive")
	}
	if c.Session.ChatHistoryLimit <= 0 {
		return fmt.Errorf("session chat history limit must be positive")
	}
	return nil
}

// GetLogLevel returns the parsed log level
func (c *Config) GetLogLevel() slogging.LogLevel {
	return slogging.ParseLogLevel(c.Logging.Level)
}

// IsTestMode detects if we're running under 'go test'
func (c *Config) IsTestMode() bool {
	return flag.Lookup("test.v") != nil
}

// ParseFlags parses command line flags and returns the config file path
func ParseFlags() (configFile string, err error) {
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}

	return configFile, nil
}
