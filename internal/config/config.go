package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values come from defaults, then an optional YAML file (CONFIG_FILE), then
// .env, then the process environment, so the binary runs locally with no setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisGeoPrefix string `yaml:"redis_geo_prefix"`

	KafkaBrokers       []string `yaml:"kafka_brokers"`
	KafkaLocationTopic string   `yaml:"kafka_location_topic"`
	KafkaEventTopic    string   `yaml:"kafka_event_topic"`
	KafkaGroup         string   `yaml:"kafka_group"`

	PGDSN string `yaml:"pg_dsn"`

	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`

	RadiusMeters   float64       `yaml:"radius_meters"`
	CandidateLimit int           `yaml:"candidate_limit"`
	OpTimeout      time.Duration `yaml:"op_timeout"`

	AuthJWTSecret string `yaml:"auth_jwt_secret"`
	AuthIssuer    string `yaml:"auth_issuer"`

	WebhookURL         string        `yaml:"webhook_url"`
	RateLimit          string        `yaml:"rate_limit"`
	EscalationSchedule string        `yaml:"escalation_schedule"`
	EscalationAfter    time.Duration `yaml:"escalation_after"`
	ProfileCacheTTL    time.Duration `yaml:"profile_cache_ttl"`

	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`

	RunMigrations bool `yaml:"run_migrations"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoPrefix:     "geo",
		KafkaLocationTopic: "responder-locations",
		KafkaEventTopic:    "emergency-events",
		KafkaGroup:         "emergency-dispatch",
		MongoDatabase:      "medirescue",
		RadiusMeters:       5000,
		CandidateLimit:     10,
		OpTimeout:          3 * time.Second,
		RateLimit:          "30-M",
		EscalationSchedule: "@every 1m",
		EscalationAfter:    2 * time.Minute,
		ProfileCacheTTL:    time.Minute,
		LogLevel:           "info",
		LogMaxSizeMB:       100,
		LogMaxBackups:      5,
		LogMaxAgeDays:      14,
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			errs = append(errs, err)
		}
	}
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoPrefix, "REDIS_GEO_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setStringFromEnv(&cfg.MongoURI, "MONGO_URI")
	setStringFromEnv(&cfg.MongoDatabase, "MONGO_DATABASE")

	setFloatFromEnv(&cfg.RadiusMeters, "DISPATCH_RADIUS_METERS", &errs)
	setIntFromEnv(&cfg.CandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)
	setDurationFromEnv(&cfg.OpTimeout, "DISPATCH_OP_TIMEOUT", &errs)

	setStringFromEnv(&cfg.AuthJWTSecret, "AUTH_JWT_SECRET")
	setStringFromEnv(&cfg.AuthIssuer, "AUTH_ISSUER")

	setStringFromEnv(&cfg.WebhookURL, "WEBHOOK_URL")
	setStringFromEnv(&cfg.RateLimit, "RATE_LIMIT")
	setStringFromEnv(&cfg.EscalationSchedule, "ESCALATION_SCHEDULE")
	setDurationFromEnv(&cfg.EscalationAfter, "ESCALATION_AFTER", &errs)
	setDurationFromEnv(&cfg.ProfileCacheTTL, "PROFILE_CACHE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFile, "LOG_FILE")
	setIntFromEnv(&cfg.LogMaxSizeMB, "LOG_MAX_SIZE_MB", &errs)
	setIntFromEnv(&cfg.LogMaxBackups, "LOG_MAX_BACKUPS", &errs)
	setIntFromEnv(&cfg.LogMaxAgeDays, "LOG_MAX_AGE_DAYS", &errs)

	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	if cfg.RadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_METERS must be > 0"))
	}
	if cfg.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.OpTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OP_TIMEOUT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func loadYAML(path string, cfg *ServerConfig) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
