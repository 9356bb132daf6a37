package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	AgentID                string
	AuthSecret             string
	AccessTokenTTLMinutes  int
	SummaryCacheTTLSeconds int
	VIPThresholdCents      int64
	InactiveDays           int
	RegularMinOrders       int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	summaryTTL, err := strconv.Atoi(getEnv("SUMMARY_CACHE_TTL_SECONDS", "30"))
	if err != nil || summaryTTL < 1 {
		summaryTTL = 30
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	vipThreshold, err := strconv.ParseInt(getEnv("VIP_THRESHOLD_CENTS", "1000000"), 10, 64)
	if err != nil || vipThreshold < 1 {
		vipThreshold = 1000000
	}
	inactiveDays, err := strconv.Atoi(getEnv("INACTIVE_DAYS", "90"))
	if err != nil || inactiveDays < 1 {
		inactiveDays = 90
	}
	regularMinOrders, err := strconv.Atoi(getEnv("REGULAR_MIN_ORDERS", "3"))
	if err != nil || regularMinOrders < 1 {
		regularMinOrders = 3
	}

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		AgentID:                getEnv("DEFAULT_AGENT_ID", "agent-demo"),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  tokenTTL,
		SummaryCacheTTLSeconds: summaryTTL,
		VIPThresholdCents:      vipThreshold,
		InactiveDays:           inactiveDays,
		RegularMinOrders:       regularMinOrders,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
