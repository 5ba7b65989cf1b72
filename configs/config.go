package config

import (
	"os"
	"strconv"
)

type Config struct {
	// Home is the server state directory: job scripts live under
	// <Home>/jobs, per-build workspaces under <Home>/run, finished
	// logs under <Home>/logs.
	Home string

	BindAddr string

	NodeName      string
	NodeExecutors int

	RedisHost string
	RedisPort string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	ArchiveDB  bool

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	JWTSecret string

	// TimeoutCheckSeconds is how often the scheduler sweeps active runs
	// for expired timeouts.
	TimeoutCheckSeconds int

	TracingEndpoint string
	TracingEnabled  bool
}

func LoadConfig() *Config {
	return &Config{
		Home:                getEnv("EMBER_HOME", "/var/lib/emberci"),
		BindAddr:            getEnv("EMBER_BIND", ":8090"),
		NodeName:            getEnv("EMBER_NODE_NAME", "local"),
		NodeExecutors:       getEnvAsInt("EMBER_NODE_EXECUTORS", 0),
		RedisHost:           getEnv("REDIS_HOST", "localhost"),
		RedisPort:           getEnv("REDIS_PORT", "6379"),
		DBHost:              getEnv("DB_HOST", "localhost"),
		DBPort:              getEnv("DB_PORT", "5432"),
		DBUser:              getEnv("DB_USER", "emberci"),
		DBPassword:          getEnv("DB_PASSWORD", "password"),
		DBName:              getEnv("DB_NAME", "emberci"),
		ArchiveDB:           getEnvAsBool("EMBER_ARCHIVE_DB", true),
		S3Bucket:            getEnv("S3_BUCKET", ""),
		S3Region:            getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:          getEnv("S3_ENDPOINT", ""),
		S3AccessKey:         getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:         getEnv("S3_SECRET_KEY", ""),
		JWTSecret:           getEnv("EMBER_JWT_SECRET", ""),
		TimeoutCheckSeconds: getEnvAsInt("EMBER_TIMEOUT_CHECK_SECONDS", 5),
		TracingEndpoint:     getEnv("OTLP_ENDPOINT", "localhost:4318"),
		TracingEnabled:      getEnvAsBool("TRACING_ENABLED", false),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}
