package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL string

	// Backing key-value store (queues + sightings cache)
	RedisHost    string
	RedisPort    string
	RedisDB      int
	RedisTimeout time.Duration

	// Twitch application credentials
	TwitchClientID     string
	TwitchClientSecret string
	TwitchBotNick      string

	// Platform join rate limit: at most JoinLimitCount chat joins per
	// JoinLimitWindow. Docs say 20 joins per 10s for unverified bots.
	JoinLimitCount  int
	JoinLimitWindow time.Duration

	// Twitch endpoints
	HelixBaseURL string
	OAuthBaseURL string
	IRCURL       string

	// Per-channel listener deadline and outbound HTTP timeout
	ListenerChannelTimeout time.Duration
	HTTPTimeout            time.Duration

	// Worker
	FetcherPoolSize      int
	WorkerDequeueTimeout time.Duration
	WorkerIdleTick       time.Duration
	WorkerWriteRetries   int

	// Async sighting writer pool
	SightingWriterPoolSize int
	SightingWriterBuffer   int
	SightingWriteTimeout   time.Duration

	// Sightings cache
	CacheShardCount int

	// Batch jobs
	EnrichBatchSize   int
	EnrichCronSpec    string
	AggregateCronSpec string

	// Server
	ServerShutdownTimeoutSeconds int

	// Logging
	LogLevel  string
	LogFormat string

	LocalTimezone string

	// Scan profile (filters applied to stream enumeration)
	ScanProfile *ScanProfile `yaml:"scan_profile"`
}

// ScanProfile narrows which live streams a scan enumerates.
type ScanProfile struct {
	GameIDs   []string `yaml:"game_ids"`
	Languages []string `yaml:"languages"`
	PageSize  int      `yaml:"page_size"`
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost/lurkerhound?sslmode=disable"),

		RedisHost:    getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:    getEnvOrDefault("REDIS_PORT", "6379"),
		RedisDB:      getEnvAsInt("REDIS_DB", 0),
		RedisTimeout: getEnvAsDuration("REDIS_TIMEOUT", 5*time.Second),

		TwitchClientID:     getEnvOrDefault("TWITCH_CLIENT_ID", ""),
		TwitchClientSecret: loadClientSecret(),
		TwitchBotNick:      getEnvOrDefault("TWITCH_BOT_NICK", "lurkerhound"),

		JoinLimitCount:  getEnvAsInt("TWITCH_CHANNEL_JOIN_LIMIT_COUNT", 20),
		JoinLimitWindow: time.Duration(getEnvAsInt("TWITCH_CHANNEL_JOIN_LIMIT_PER_SECONDS", 10)) * time.Second,

		HelixBaseURL: getEnvOrDefault("TWITCH_HELIX_BASE_URL", "https://api.twitch.tv/helix"),
		OAuthBaseURL: getEnvOrDefault("TWITCH_OAUTH_BASE_URL", "https://id.twitch.tv"),
		IRCURL:       getEnvOrDefault("TWITCH_IRC_URL", "wss://irc-ws.chat.twitch.tv:443"),

		ListenerChannelTimeout: getEnvAsDuration("LISTENER_CHANNEL_TIMEOUT", 10*time.Second),
		HTTPTimeout:            getEnvAsDuration("HTTP_TIMEOUT", 5*time.Second),

		FetcherPoolSize:      getEnvAsInt("FETCHER_POOL_SIZE", 2),
		WorkerDequeueTimeout: getEnvAsDuration("WORKER_DEQUEUE_TIMEOUT", 2*time.Second),
		WorkerIdleTick:       getEnvAsDuration("WORKER_IDLE_TICK", time.Second),
		WorkerWriteRetries:   getEnvAsInt("WORKER_WRITE_RETRIES", 3),

		SightingWriterPoolSize: getEnvAsInt("SIGHTING_WRITER_POOL_SIZE", 4),
		SightingWriterBuffer:   getEnvAsInt("SIGHTING_WRITER_BUFFER", 2000),
		SightingWriteTimeout:   getEnvAsDuration("SIGHTING_WRITE_TIMEOUT", 30*time.Second),

		CacheShardCount: getEnvAsInt("SIGHTINGS_CACHE_SHARDS", 4),

		EnrichBatchSize:   getEnvAsInt("ENRICH_BATCH_SIZE", 100),
		EnrichCronSpec:    getEnvOrDefault("ENRICH_CRON_SPEC", "@every 5m"),
		AggregateCronSpec: getEnvOrDefault("AGGREGATE_CRON_SPEC", "@every 10m"),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),

		LocalTimezone: getEnvOrDefault("LOCAL_TIMEZONE", "UTC"),
	}

	// Scan profile file is optional; env-driven defaults apply without it.
	profilePath := getEnvOrDefault("SCAN_PROFILE_FILE", "")
	if profilePath != "" {
		f, err := os.Open(profilePath)
		if err != nil {
			log.Fatalf("Failed to open scan profile file: %v", err)
		}
		defer f.Close()
		if err := LoadConfigFile(f, AppConfig); err != nil {
			log.Fatalf("Failed to load scan profile file: %v", err)
		}
	}

	if AppConfig.TwitchClientID == "" || AppConfig.TwitchClientSecret == "" {
		log.Println("Warning: Twitch client credentials are missing. Set TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET (or TWITCH_CLIENT_SECRET_FILE).")
	}
}

// RedisAddr returns the host:port pair for the backing store.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// loadClientSecret prefers a secret file over the bare env var so the secret
// can be mounted rather than exported.
func loadClientSecret() string {
	if path := os.Getenv("TWITCH_CLIENT_SECRET_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Warning: failed to read TWITCH_CLIENT_SECRET_FILE %s: %v", path, err)
			return ""
		}
		return strings.TrimSpace(string(data))
	}
	return getEnvOrDefault("TWITCH_CLIENT_SECRET", "")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
