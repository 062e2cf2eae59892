package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName                  string
	AppEnv                   string
	AppPort                  string
	LogLevel                 string
	DatabaseURL              string
	DBMaxOpenConns           int
	DBMaxIdleConns           int
	DBConnMaxLifetime        time.Duration
	DBSlowQuery              time.Duration
	RedisURL                 string
	NATSURL                  string
	EventChannel             string
	JWTSecret                string
	CloudinaryCloudName      string
	CloudinaryAPIKey         string
	CloudinaryAPISecret      string
	CloudinaryUploadFolder   string
	FileMaxSizeMB            int
	SignedURLTTL             time.Duration
	EnrollmentCacheTTL       time.Duration
	TimerTickInterval        time.Duration
	AutoSubmitTimeout        time.Duration
	RequireModeratorApproval bool
	SubmitRateLimit          int
	SubmitRateWindow         time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ASSESS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Assessment API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.slow_query", "200ms")
	v.SetDefault("events.channel", "assessment:attempts")
	v.SetDefault("cloudinary.folder", "gema/assessments")
	v.SetDefault("files.max_size_mb", 20)
	v.SetDefault("files.url_ttl", "15m")
	v.SetDefault("enrollment.cache_ttl", "10m")
	v.SetDefault("timer.tick", "1s")
	v.SetDefault("timer.auto_submit_timeout", "10s")
	v.SetDefault("workflow.require_moderator_approval", false)
	v.SetDefault("rate_limit.submit_max", 10)
	v.SetDefault("rate_limit.submit_window", "1m")

	connLifetime, err := positiveDuration(v, "database.conn_max_lifetime")
	if err != nil {
		return Config{}, err
	}
	slowQuery, err := positiveDuration(v, "database.slow_query")
	if err != nil {
		return Config{}, err
	}
	urlTTL, err := positiveDuration(v, "files.url_ttl")
	if err != nil {
		return Config{}, err
	}
	cacheTTL, err := positiveDuration(v, "enrollment.cache_ttl")
	if err != nil {
		return Config{}, err
	}
	tick, err := positiveDuration(v, "timer.tick")
	if err != nil {
		return Config{}, err
	}
	autoSubmit, err := positiveDuration(v, "timer.auto_submit_timeout")
	if err != nil {
		return Config{}, err
	}
	window, err := positiveDuration(v, "rate_limit.submit_window")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                  v.GetString("app.name"),
		AppEnv:                   v.GetString("app.env"),
		AppPort:                  v.GetString("app.port"),
		LogLevel:                 strings.ToLower(v.GetString("log.level")),
		DatabaseURL:              v.GetString("database.url"),
		DBMaxOpenConns:           v.GetInt("database.max_open_conns"),
		DBMaxIdleConns:           v.GetInt("database.max_idle_conns"),
		DBConnMaxLifetime:        connLifetime,
		DBSlowQuery:              slowQuery,
		RedisURL:                 v.GetString("redis.url"),
		NATSURL:                  v.GetString("nats.url"),
		EventChannel:             v.GetString("events.channel"),
		JWTSecret:                v.GetString("jwt.secret"),
		CloudinaryCloudName:      v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:         v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:      v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder:   v.GetString("cloudinary.folder"),
		FileMaxSizeMB:            v.GetInt("files.max_size_mb"),
		SignedURLTTL:             urlTTL,
		EnrollmentCacheTTL:       cacheTTL,
		TimerTickInterval:        tick,
		AutoSubmitTimeout:        autoSubmit,
		RequireModeratorApproval: v.GetBool("workflow.require_moderator_approval"),
		SubmitRateLimit:          v.GetInt("rate_limit.submit_max"),
		SubmitRateWindow:         window,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.FileMaxSizeMB <= 0 {
		cfg.FileMaxSizeMB = 20
	}

	return cfg, nil
}

func positiveDuration(v *viper.Viper, key string) (time.Duration, error) {
	parsed, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return parsed, nil
}
