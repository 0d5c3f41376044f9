package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Auth      AuthConfig      `json:"auth"`
	Embedder  EmbedderConfig  `json:"embedder"`
	Generator GeneratorConfig `json:"generator"`
	Retrieval RetrievalConfig `json:"retrieval"`
	Ingestion IngestionConfig `json:"ingestion"`
}

type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"read_timeout"`
	WriteTimeout int    `json:"write_timeout"`
	IdleTimeout  int    `json:"idle_timeout"`
}

type DatabaseConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Password     string `json:"password"`
	Name         string `json:"name"`
	SSLMode      string `json:"ssl_mode"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
	MaxLifetime  int    `json:"max_lifetime"`
}

// RedisConfig covers both the search-result cache and the ingestion queue.
type RedisConfig struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Password          string `json:"password"`
	DB                int    `json:"db"`
	SearchCacheTTL    int    `json:"search_cache_ttl"` // seconds
	EnableSearchCache bool   `json:"enable_search_cache"`
}

type AuthConfig struct {
	JWTSecret      string   `json:"jwt_secret"`
	JWKSURL        string   `json:"jwks_url"`
	AllowedIssuers []string `json:"allowed_issuers"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// EmbedderConfig holds configuration for the sentence-transformer service.
type EmbedderConfig struct {
	BaseURL       string `json:"base_url"`
	Model         string `json:"model"`
	Dimension     int    `json:"dimension"`
	BatchSize     int    `json:"batch_size"`
	Timeout       int    `json:"timeout"`
	MaxRetries    int    `json:"max_retries"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// GeneratorConfig holds configuration for the local LLM service.
type GeneratorConfig struct {
	BaseURL       string `json:"base_url"`
	Model         string `json:"model"`
	Timeout       int    `json:"timeout"`
	MaxRetries    int    `json:"max_retries"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// RetrievalConfig exposes the tunable retrieval knobs; fusion constants
// (rrf k, tier weight, boost table) are fixed in the models package.
type RetrievalConfig struct {
	Tier1Limit             int  `json:"tier1_limit"`
	Tier2Limit             int  `json:"tier2_limit"`
	RerankTopN             int  `json:"rerank_top_n"`
	FinalK                 int  `json:"final_k"`
	ControlPrefixExpansion bool `json:"control_prefix_expansion"`
}

type IngestionConfig struct {
	Workers      int    `json:"workers"`
	JobTimeout   int    `json:"job_timeout"` // seconds
	MaxAttempts  int    `json:"max_attempts"`
	QueueKey     string `json:"queue_key"`
	StorageDir   string `json:"storage_dir"`
	MaxChunkSize int    `json:"max_chunk_size"`
	MinChunkSize int    `json:"min_chunk_size"`
}

func LoadConfig() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 30),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 30),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "zksuser"),
			Password:     getEnv("DB_PASSWORD", "zkspassword"),
			Name:         getEnv("DB_NAME", "zks_assess"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
		},
		Redis: RedisConfig{
			Host:              getEnv("REDIS_HOST", "localhost"),
			Port:              getEnvAsInt("REDIS_PORT", 6379),
			Password:          getEnv("REDIS_PASSWORD", ""),
			DB:                getEnvAsInt("REDIS_DB", 0),
			SearchCacheTTL:    getEnvAsInt("REDIS_SEARCH_CACHE_TTL", 120),
			EnableSearchCache: getEnvAsBool("REDIS_ENABLE_SEARCH_CACHE", true),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			JWKSURL:        getEnv("JWT_JWKS_URL", ""),
			AllowedIssuers: getEnvAsSlice("JWT_ALLOWED_ISSUERS", []string{}),
			AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Embedder: EmbedderConfig{
			BaseURL:       getEnv("EMBEDDER_BASE_URL", "http://localhost:8090"),
			Model:         getEnv("EMBEDDER_MODEL", "paraphrase-multilingual-mpnet-base-v2"),
			Dimension:     getEnvAsInt("EMBEDDER_DIMENSION", 768),
			BatchSize:     getEnvAsInt("EMBEDDER_BATCH_SIZE", 32),
			Timeout:       getEnvAsInt("EMBEDDER_TIMEOUT", 60),
			MaxRetries:    getEnvAsInt("EMBEDDER_MAX_RETRIES", 3),
			MaxConcurrent: getEnvAsInt("EMBEDDER_MAX_CONCURRENT", 4),
		},
		Generator: GeneratorConfig{
			BaseURL:       getEnv("GENERATOR_BASE_URL", "http://localhost:11434"),
			Model:         getEnv("GENERATOR_MODEL", "qwen2.5:14b"),
			Timeout:       getEnvAsInt("GENERATOR_TIMEOUT", 120),
			MaxRetries:    getEnvAsInt("GENERATOR_MAX_RETRIES", 3),
			MaxConcurrent: getEnvAsInt("GENERATOR_MAX_CONCURRENT", 2),
		},
		Retrieval: RetrievalConfig{
			Tier1Limit:             getEnvAsInt("RETRIEVAL_TIER1_LIMIT", 20),
			Tier2Limit:             getEnvAsInt("RETRIEVAL_TIER2_LIMIT", 30),
			RerankTopN:             getEnvAsInt("RETRIEVAL_RERANK_TOP_N", 30),
			FinalK:                 getEnvAsInt("RETRIEVAL_FINAL_K", 8),
			ControlPrefixExpansion: getEnvAsBool("RETRIEVAL_CONTROL_PREFIX_EXPANSION", false),
		},
		Ingestion: IngestionConfig{
			Workers:      getEnvAsInt("INGESTION_WORKERS", 2),
			JobTimeout:   getEnvAsInt("INGESTION_JOB_TIMEOUT", 600),
			MaxAttempts:  getEnvAsInt("INGESTION_MAX_ATTEMPTS", 3),
			QueueKey:     getEnv("INGESTION_QUEUE_KEY", "ingest:jobs"),
			StorageDir:   getEnv("INGESTION_STORAGE_DIR", "./data/documents"),
			MaxChunkSize: getEnvAsInt("INGESTION_MAX_CHUNK_SIZE", 1200),
			MinChunkSize: getEnvAsInt("INGESTION_MIN_CHUNK_SIZE", 200),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) GetRedisAddress() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func validateConfig(config *Config) error {
	if config.Database.Password == "" {
		return fmt.Errorf("database password is required (DB_PASSWORD)")
	}

	if config.Auth.JWTSecret == "your-secret-key-change-in-production" {
		return fmt.Errorf("JWT secret must be changed from default value (JWT_SECRET)")
	}

	if config.Embedder.BaseURL == "" {
		return fmt.Errorf("embedder base URL is required (EMBEDDER_BASE_URL)")
	}

	if config.Embedder.Dimension <= 0 {
		return fmt.Errorf("embedder dimension must be positive (EMBEDDER_DIMENSION)")
	}

	if config.Ingestion.MinChunkSize <= 0 || config.Ingestion.MaxChunkSize <= config.Ingestion.MinChunkSize {
		return fmt.Errorf("chunk size bounds invalid: min=%d max=%d", config.Ingestion.MinChunkSize, config.Ingestion.MaxChunkSize)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
