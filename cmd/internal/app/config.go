package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisAddr enables the cross-instance event relay when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// Identity policy: tokens are HMAC-signed by the identity provider using
	// SNIPPIX_TOKEN_HMAC_KEY. AllowInsecureAuth accepts bare user ids as
	// tokens for local development.
	TokenHMACKey      string
	AllowInsecureAuth bool

	// Websocket gateway knobs.
	WSOriginRequired  bool
	WSAllowedOrigins  []string
	WSDevInsecure     bool
	WSWriteTimeout    time.Duration
	WSReadIdleTimeout time.Duration
	WSSendQueue       int
	WSSubscriberQueue int
	WSHeartbeatEvery  time.Duration
	WSHeartbeatGrace  time.Duration
	WSRateEvents      int
	WSRateWindow      time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("SNIPPIX_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("SNIPPIX_LOG_LEVEL", "info"),
		LogFormat: EnvString("SNIPPIX_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("SNIPPIX_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SNIPPIX_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SNIPPIX_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SNIPPIX_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("SNIPPIX_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("SNIPPIX_DATABASE_URL", ""),
		DBSchema:    EnvString("SNIPPIX_DB_SCHEMA", "snippix"),
		DBMaxConns:  EnvInt32("SNIPPIX_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("SNIPPIX_DB_MIN_CONNS", 0),

		RedisAddr:     EnvString("SNIPPIX_REDIS_ADDR", ""),
		RedisPassword: EnvString("SNIPPIX_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("SNIPPIX_REDIS_DB", 0),

		ReadinessRequireDB: EnvBool("SNIPPIX_READINESS_REQUIRE_DB", false),

		TokenHMACKey:      EnvString("SNIPPIX_TOKEN_HMAC_KEY", ""),
		AllowInsecureAuth: EnvBool("SNIPPIX_ALLOW_INSECURE_AUTH", false),

		WSOriginRequired:  EnvBool("SNIPPIX_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins:  EnvCSV("SNIPPIX_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),
		WSDevInsecure:     EnvBool("SNIPPIX_WS_DEV_INSECURE", false),
		WSWriteTimeout:    EnvDuration("SNIPPIX_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout: EnvDuration("SNIPPIX_WS_READ_IDLE_TIMEOUT", 2*time.Minute),
		WSSendQueue:       EnvInt("SNIPPIX_WS_SEND_QUEUE", 256),
		WSSubscriberQueue: EnvInt("SNIPPIX_WS_SUBSCRIBER_QUEUE", 256),
		WSHeartbeatEvery:  EnvDuration("SNIPPIX_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSHeartbeatGrace:  EnvDuration("SNIPPIX_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSRateEvents:      EnvInt("SNIPPIX_WS_RATE_EVENTS", 120),
		WSRateWindow:      EnvDuration("SNIPPIX_WS_RATE_WINDOW", 10*time.Second),
	}
}
