package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig
	CORS     CORSConfig
	Upload   UploadConfig
	Detector DetectorConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Auth     AuthConfig
	Logger   LoggerConfig
}

// ServerConfig holds listener and shutdown settings.
type ServerConfig struct {
	Port            int
	GRPCHealthAddr  string
	ShutdownTimeout time.Duration
}

// Addr is the HTTP listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// CORSConfig lists origins allowed to call the API from a browser. "*" allows any.
type CORSConfig struct {
	AllowedOrigins []string
}

// UploadConfig locates stored artifacts on disk and in URLs.
type UploadConfig struct {
	Dir       string
	URLPrefix string
}

// DetectorConfig describes the detector command and its admission limits.
type DetectorConfig struct {
	Command       string
	Args          []string
	MaxConcurrent int
	QueueTimeout  time.Duration
	RunTimeout    time.Duration
}

// DatabaseConfig selects the record store driver.
type DatabaseConfig struct {
	Driver string
	DSN    string
}

// CacheConfig enables the optional Redis record cache.
type CacheConfig struct {
	RedisAddr string
	TTL       time.Duration
}

// AuthConfig enables bearer token auth when JWTSecret is set.
type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
}

// LoggerConfig sets the zap level.
type LoggerConfig struct {
	Level string
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("PORT", 5000)
	v.SetDefault("GRPC_HEALTH_ADDR", "")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("UPLOAD_DIR", "uploads")
	v.SetDefault("UPLOAD_URL_PREFIX", "uploads")
	v.SetDefault("DETECTOR_COMMAND", "python")
	v.SetDefault("DETECTOR_ARGS", "scripts/yolo_detect.py")
	v.SetDefault("DETECTOR_MAX_CONCURRENT", 4)
	v.SetDefault("DETECTOR_QUEUE_TIMEOUT", "30s")
	v.SetDefault("DETECTOR_TIMEOUT", "2m")
	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=yolo_explorer port=5432 sslmode=disable")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("CACHE_TTL", "5m")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_AUDIENCE", "")
	v.SetDefault("LOG_LEVEL", "info")

	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetInt("PORT"),
			GRPCHealthAddr:  strings.TrimSpace(v.GetString("GRPC_HEALTH_ADDR")),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
		Upload: UploadConfig{
			Dir:       v.GetString("UPLOAD_DIR"),
			URLPrefix: strings.Trim(v.GetString("UPLOAD_URL_PREFIX"), "/"),
		},
		Detector: DetectorConfig{
			Command:       v.GetString("DETECTOR_COMMAND"),
			Args:          strings.Fields(v.GetString("DETECTOR_ARGS")),
			MaxConcurrent: v.GetInt("DETECTOR_MAX_CONCURRENT"),
			QueueTimeout:  v.GetDuration("DETECTOR_QUEUE_TIMEOUT"),
			RunTimeout:    v.GetDuration("DETECTOR_TIMEOUT"),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("DATABASE_DRIVER")),
			DSN:    v.GetString("DATABASE_DSN"),
		},
		Cache: CacheConfig{
			RedisAddr: strings.TrimSpace(v.GetString("REDIS_ADDR")),
			TTL:       v.GetDuration("CACHE_TTL"),
		},
		Auth: AuthConfig{
			JWTSecret:   strings.TrimSpace(v.GetString("JWT_SECRET")),
			JWTAudience: strings.TrimSpace(v.GetString("JWT_AUDIENCE")),
		},
		Logger: LoggerConfig{
			Level: v.GetString("LOG_LEVEL"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Server.Port)
	}
	if c.Upload.Dir == "" {
		return fmt.Errorf("UPLOAD_DIR is required")
	}
	if c.Upload.URLPrefix == "" {
		return fmt.Errorf("UPLOAD_URL_PREFIX is required")
	}
	if c.Detector.Command == "" {
		return fmt.Errorf("DETECTOR_COMMAND is required")
	}
	if c.Detector.MaxConcurrent <= 0 {
		return fmt.Errorf("DETECTOR_MAX_CONCURRENT must be positive, got %d", c.Detector.MaxConcurrent)
	}
	durations := []struct {
		key   string
		value time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout},
		{"DETECTOR_QUEUE_TIMEOUT", c.Detector.QueueTimeout},
		{"DETECTOR_TIMEOUT", c.Detector.RunTimeout},
		{"CACHE_TTL", c.Cache.TTL},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be a positive duration", d.key)
		}
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		return fmt.Errorf("CORS_ALLOWED_ORIGINS is required")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("DATABASE_DSN is required")
	}
	return nil
}

// splitList accepts comma and/or space separated values.
func splitList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' '
	})
}
