package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"kitchenstock/backend/internal/domain"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	InventoryCacheTTLSeconds int
	AuthSecret               string
	AccessTokenTTLMinutes    int
	ManagerPIN               string
	CentralHolderID          string
	AssignmentPolicy         domain.AssignmentPolicy
	KafkaBrokers             string
	KafkaTopic               string
	OTELEndpoint             string
	OTELAuthHeader           string
	LogLevel                 string
	AppEnv                   string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	ttl, err := strconv.Atoi(getEnv("INVENTORY_CACHE_TTL_SECONDS", "60"))
	if err != nil || ttl < 1 {
		ttl = 60
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	// Anything other than "strict" keeps assignment advisory.
	policy := domain.AssignmentAdvisory
	if strings.EqualFold(strings.TrimSpace(os.Getenv("ASSIGNMENT_POLICY")), string(domain.AssignmentStrict)) {
		policy = domain.AssignmentStrict
	}

	cfg := Config{
		Port:                     getEnv("PORT", "8080"),
		AllowedOrigin:            getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  redisDB,
		InventoryCacheTTLSeconds: ttl,
		AuthSecret:               strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:    tokenTTL,
		ManagerPIN:               strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		CentralHolderID:          strings.TrimSpace(getEnv("CENTRAL_HOLDER_ID", "central")),
		AssignmentPolicy:         policy,
		KafkaBrokers:             strings.TrimSpace(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:               getEnv("KAFKA_TOPIC", "kitchen-stock-events"),
		OTELEndpoint:             strings.TrimSpace(os.Getenv("OTEL_ENDPOINT")),
		OTELAuthHeader:           os.Getenv("OTEL_AUTH_HEADER"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		AppEnv:                   getEnv("APP_ENV", "development"),
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
