package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// ApplyEnv loads the given .env files (missing files are ignored) and then
// overrides configuration values from EXAMGUARD_* environment variables.
// Secrets such as the role secret and database DSN are expected to arrive
// this way rather than through the YAML file.
func (c *Config) ApplyEnv(envFiles ...string) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}

	c.Recognition.ModelPath = getEnv("EXAMGUARD_MODEL_PATH", c.Recognition.ModelPath)
	c.Recognition.MatchThreshold = getEnvAsFloat("EXAMGUARD_MATCH_THRESHOLD", c.Recognition.MatchThreshold)

	c.Supervision.IntervalMs = getEnvAsInt("EXAMGUARD_INTERVAL_MS", c.Supervision.IntervalMs)
	c.Supervision.ConsecutiveFailureLimit = getEnvAsInt("EXAMGUARD_CONSECUTIVE_FAILURE_LIMIT", c.Supervision.ConsecutiveFailureLimit)
	c.Supervision.AttemptTimeout = getEnvAsInt("EXAMGUARD_ATTEMPT_TIMEOUT", c.Supervision.AttemptTimeout)
	c.Supervision.MaxIdle = getEnvAsInt("EXAMGUARD_MAX_IDLE", c.Supervision.MaxIdle)

	c.Directory.Backend = getEnv("EXAMGUARD_DIRECTORY_BACKEND", c.Directory.Backend)
	c.Directory.DataDir = getEnv("EXAMGUARD_DATA_DIR", c.Directory.DataDir)
	c.Directory.PostgresDSN = getEnv("EXAMGUARD_POSTGRES_DSN", c.Directory.PostgresDSN)
	c.Directory.RunMigrations = getEnvAsBool("EXAMGUARD_POSTGRES_RUN_MIGRATIONS", c.Directory.RunMigrations)

	c.Access.RoleSecret = getEnv("EXAMGUARD_ROLE_SECRET", c.Access.RoleSecret)
	c.Access.JWTSecret = getEnv("EXAMGUARD_JWT_SECRET", c.Access.JWTSecret)

	c.Reporting.RedisAddr = getEnv("EXAMGUARD_REDIS_ADDR", c.Reporting.RedisAddr)
	c.Reporting.RedisPassword = getEnv("EXAMGUARD_REDIS_PASSWORD", c.Reporting.RedisPassword)
	c.Reporting.RedisDB = getEnvAsInt("EXAMGUARD_REDIS_DB", c.Reporting.RedisDB)

	c.Evidence.Enabled = getEnvAsBool("EXAMGUARD_EVIDENCE_ENABLED", c.Evidence.Enabled)
	c.Evidence.Bucket = getEnv("EXAMGUARD_EVIDENCE_BUCKET", c.Evidence.Bucket)
	c.Evidence.Endpoint = getEnv("EXAMGUARD_EVIDENCE_ENDPOINT", c.Evidence.Endpoint)
	c.Evidence.AccessKey = getEnv("EXAMGUARD_EVIDENCE_ACCESS_KEY", c.Evidence.AccessKey)
	c.Evidence.SecretKey = getEnv("EXAMGUARD_EVIDENCE_SECRET_KEY", c.Evidence.SecretKey)

	c.Server.Host = getEnv("EXAMGUARD_HOST", c.Server.Host)
	c.Server.Port = getEnv("EXAMGUARD_PORT", c.Server.Port)

	c.Logging.Level = getEnv("EXAMGUARD_LOG_LEVEL", c.Logging.Level)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
