package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AvailabilityTTLSecs   int
	AuthSecret            string
	AccessTokenTTLMinutes int
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("VENTAPOS_REDIS_DB", "0"))
	ttl, err := strconv.Atoi(getEnv("VENTAPOS_AVAILABILITY_TTL_SECONDS", "30"))
	if err != nil || ttl < 1 {
		ttl = 30
	}
	tokenTTL, err := strconv.Atoi(getEnv("VENTAPOS_ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	cfg := Config{
		Port:                  getEnv("VENTAPOS_PORT", "8080"),
		AllowedOrigin:         getEnv("VENTAPOS_ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("VENTAPOS_DATABASE_URL"),
		RedisAddr:             os.Getenv("VENTAPOS_REDIS_ADDR"),
		RedisPassword:         os.Getenv("VENTAPOS_REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AvailabilityTTLSecs:   ttl,
		AuthSecret:            strings.TrimSpace(os.Getenv("VENTAPOS_AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
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
