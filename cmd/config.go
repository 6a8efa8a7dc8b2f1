package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"image-gateway/core"
	"image-gateway/core/adapter"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config 网关运行配置，全部来自环境变量 (可由 .env 提供)
type Config struct {
	Port int

	Credentials   []string
	ImageModel    string
	TextModel     string
	GeminiBaseURL string
	KeyStrategy   string
	SecretKey     string

	DBPath    string
	LogRetain int
	LogFile   string
	LogMaxMB  int
	LogLevel  logrus.Level

	UpstreamTimeout    time.Duration
	Cooldown           time.Duration
	MaxBodyBytes       int64
	MaxAttachmentBytes int64
	RateLimitRPS       float64
	RateLimitBurst     int
}

// LoadConfig 读取 .env (不存在时忽略) 和环境变量
func LoadConfig(log *logrus.Logger) *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to load .env: %v", err)
	}

	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		log.Warnf("Invalid LOG_LEVEL, using info: %v", err)
		level = logrus.InfoLevel
	}

	return &Config{
		Port: getEnvInt("PORT", 8000),

		Credentials:   core.ParseCredentials(os.Getenv("GEMINI_API_KEYS"), os.Getenv("GEMINI_API_KEY")),
		ImageModel:    getEnv("GEMINI_IMAGE_MODEL", "gemini-2.0-flash-preview-image-generation"),
		TextModel:     getEnv("GEMINI_TEXT_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL: getEnv("GEMINI_BASE_URL", adapter.DefaultBaseURL),
		KeyStrategy:   getEnv("GATEWAY_KEY_STRATEGY", core.StrategyRoundRobin),
		SecretKey:     os.Getenv("GATEWAY_SECRET_KEY"),

		DBPath:    getEnv("GATEWAY_DB_PATH", "gateway.db"),
		LogRetain: getEnvInt("GATEWAY_LOG_RETAIN", 100),
		LogFile:   os.Getenv("GATEWAY_LOG_FILE"),
		LogMaxMB:  getEnvInt("GATEWAY_LOG_MAX_MB", 50),
		LogLevel:  level,

		UpstreamTimeout:    getEnvDuration("GATEWAY_UPSTREAM_TIMEOUT", 120*time.Second),
		Cooldown:           getEnvDuration("GATEWAY_COOLDOWN", 60*time.Second),
		MaxBodyBytes:       int64(getEnvInt("GATEWAY_MAX_BODY_MB", 20)) << 20,
		MaxAttachmentBytes: int64(getEnvInt("GATEWAY_MAX_ATTACHMENT_MB", 10)) << 20,
		RateLimitRPS:       getEnvFloat("GATEWAY_RATE_LIMIT_RPS", 10),
		RateLimitBurst:     getEnvInt("GATEWAY_RATE_LIMIT_BURST", 20),
	}
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(k string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// getEnvDuration 支持 "90s" 形式，也接受纯数字秒数
func getEnvDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
