package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment     string
	Addr            string
	LogLevel        string
	DatabaseURL     string
	MigrationsDir   string
	JWTSecret       string
	AccessTokenTTL  time.Duration
	InternalToken   string

	EngineHostTemplate      string
	EnginePort              int
	EngineQueryTimeout      time.Duration
	EngineConfigDir         string
	EngineContainerTemplate string

	PreviewIngestURL      string
	PreviewBufferCapacity int
	CollectBufferCapacity int
	PreviewRedisAddr      string
	PreviewRedisPass      string
	PreviewRedisDB        int
	PreviewRedisPrefix    string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int

	LogDir         string
	LogFiles       []string
	LogUndatedLast bool
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:    GetString("APP_ENV", "development"),
		Addr:           GetString("API_ADDR", ":4000"),
		LogLevel:       GetString("LOG_LEVEL", "info"),
		DatabaseURL:    GetString("DATABASE_URL", "postgres://pipectl:pipectl@db:5432/pipectl?sslmode=disable"),
		MigrationsDir:  GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:      GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL: time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 15)) * time.Minute,
		InternalToken:  GetString("INTERNAL_COLLECT_TOKEN", ""),

		EngineHostTemplate:      GetString("ENGINE_HOST_TEMPLATE", "vector-%s"),
		EnginePort:              GetInt("ENGINE_PORT", 8686),
		EngineQueryTimeout:      GetSeconds("ENGINE_QUERY_TIMEOUT_SECONDS", 5*time.Second),
		EngineConfigDir:         GetString("ENGINE_CONFIG_DIR", "/var/lib/pipectl/engines"),
		EngineContainerTemplate: GetString("ENGINE_CONTAINER_TEMPLATE", "vector-%s"),

		PreviewIngestURL:      GetString("PREVIEW_INGEST_URL", "http://pipectl:4000/preview/ingest"),
		PreviewBufferCapacity: GetInt("PREVIEW_BUFFER_CAPACITY", 1000),
		CollectBufferCapacity: GetInt("COLLECT_BUFFER_CAPACITY", 100),
		PreviewRedisAddr:      GetString("PREVIEW_REDIS_ADDR", ""),
		PreviewRedisPass:      GetString("PREVIEW_REDIS_PASSWORD", ""),
		PreviewRedisDB:        GetInt("PREVIEW_REDIS_DB", 0),
		PreviewRedisPrefix:    GetString("PREVIEW_REDIS_PREFIX", "pipectl:"),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),

		LogDir:         GetString("LOG_DIR", "/var/log/pipectl"),
		LogFiles:       GetList("LOG_FILES", []string{"raw_logs.log", "processed_logs.log"}),
		LogUndatedLast: GetBool("LOG_UNDATED_LAST", false),
	}
}
