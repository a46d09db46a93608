package config

import (
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MQConfig struct {
	URL string `yaml:"url"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type ClassifierConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// TokenKey is the hex-encoded 32-byte key used to encrypt OAuth tokens at rest.
	TokenKey string `yaml:"token_key"`
}

type JobsConfig struct {
	FetchMax          int64   `yaml:"fetch_max"`
	BatchSize         int     `yaml:"batch_size"`
	Concurrency       int     `yaml:"concurrency"`
	LabelThreshold    float64 `yaml:"label_threshold"`
	StaleAfterMinutes int     `yaml:"stale_after_minutes"`
	RunTimeoutMinutes int     `yaml:"run_timeout_minutes"`
}

type CronConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
}

// RouteBudget is a fixed-window budget for one route class.
type RouteBudget struct {
	Limit         int `yaml:"limit"`
	WindowSeconds int `yaml:"window_seconds"`
}

type RateLimitConfig struct {
	Auth    RouteBudget `yaml:"auth"`
	Trigger RouteBudget `yaml:"trigger"`
	Read    RouteBudget `yaml:"read"`
}

type Config struct {
	DB         DBConfig         `yaml:"db"`
	Redis      RedisConfig      `yaml:"redis"`
	MQ         MQConfig         `yaml:"mq"`
	JWT        JWTConfig        `yaml:"jwt"`
	Server     ServerConfig     `yaml:"server"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Google     GoogleConfig     `yaml:"google"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Cron       CronConfig       `yaml:"cron"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

func Load() *Config {
	f, err := os.Open("config.yaml")
	if err != nil {
		log.Fatalf("failed to open config.yaml: %v", err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config.yaml: %v", err)
	}

	// 环境变量覆盖（生产环境使用）
	overrideFromEnv(&cfg)
	applyDefaults(&cfg)

	return &cfg
}

func overrideFromEnv(cfg *Config) {
	// DB配置
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DB.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.DB.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DB.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DB.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DB.Name = name
	}

	// Redis配置
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	// MQ配置
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.MQ.URL = url
	}

	// JWT配置
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWT.Secret = secret
	}

	// Server配置
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}

	// 分类器配置
	if url := os.Getenv("CLASSIFIER_BASE_URL"); url != "" {
		cfg.Classifier.BaseURL = url
	}
	if key := os.Getenv("CLASSIFIER_API_KEY"); key != "" {
		cfg.Classifier.APIKey = key
	}
	if m := os.Getenv("CLASSIFIER_MODEL"); m != "" {
		cfg.Classifier.Model = m
	}

	// Google OAuth配置
	if id := os.Getenv("GOOGLE_CLIENT_ID"); id != "" {
		cfg.Google.ClientID = id
	}
	if secret := os.Getenv("GOOGLE_CLIENT_SECRET"); secret != "" {
		cfg.Google.ClientSecret = secret
	}
	if key := os.Getenv("TOKEN_KEY"); key != "" {
		cfg.Google.TokenKey = key
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Classifier.Model == "" {
		cfg.Classifier.Model = "gpt-4o-mini"
	}
	if cfg.Classifier.TimeoutSeconds == 0 {
		cfg.Classifier.TimeoutSeconds = 15
	}
	if cfg.Jobs.FetchMax == 0 {
		cfg.Jobs.FetchMax = 500
	}
	if cfg.Jobs.BatchSize == 0 {
		cfg.Jobs.BatchSize = 20
	}
	if cfg.Jobs.Concurrency == 0 {
		cfg.Jobs.Concurrency = 5
	}
	if cfg.Jobs.LabelThreshold == 0 {
		cfg.Jobs.LabelThreshold = 0.6
	}
	if cfg.Jobs.StaleAfterMinutes == 0 {
		cfg.Jobs.StaleAfterMinutes = 30
	}
	if cfg.Jobs.RunTimeoutMinutes == 0 {
		cfg.Jobs.RunTimeoutMinutes = 25
	}
	if cfg.Cron.IntervalMinutes == 0 {
		cfg.Cron.IntervalMinutes = 15
	}
	if cfg.RateLimit.Auth.Limit == 0 {
		cfg.RateLimit.Auth = RouteBudget{Limit: 10, WindowSeconds: 60}
	}
	if cfg.RateLimit.Trigger.Limit == 0 {
		cfg.RateLimit.Trigger = RouteBudget{Limit: 3, WindowSeconds: 60}
	}
	if cfg.RateLimit.Read.Limit == 0 {
		cfg.RateLimit.Read = RouteBudget{Limit: 60, WindowSeconds: 60}
	}
}
