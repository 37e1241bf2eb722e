package app

import (
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment
// variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Storage selection: Postgres when DatabaseURL is set, else SQLite when
	// SQLitePath is set, else in-memory.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	SQLitePath  string

	// Limiter backend: shared Redis state when RedisAddr is set, else the
	// in-process service.
	RedisAddr string
	RedisDB   int

	// If true, /readyz returns 503 unless a database is configured and
	// reachable.
	ReadinessRequireDB bool

	// Room tuning.
	HistoryLimit int
	SendQueue    int
	WriteTimeout time.Duration
	SweepEvery   time.Duration
	StaleAfter   time.Duration

	// Limiter tuning.
	WritePenalty    time.Duration
	Grace           time.Duration
	CooldownCap     time.Duration
	MaxFailures     int
	RetryDelay      time.Duration
	LimiterIdle     time.Duration

	// Gateway tuning.
	InsecureOrigins bool
	AllowedOrigins  []string
	ReadLimit       int
	FrameRate       int
	FrameBurst      int
}

// LoadConfig loads Config from environment variables with defaults.
// The limiter and sweep literals match the original production tuning; they
// are deployment choices, not protocol requirements.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("PARLOR_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("PARLOR_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("PARLOR_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("PARLOR_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("PARLOR_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PARLOR_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("PARLOR_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PARLOR_DB_MIN_CONNS", 0),
		SQLitePath:  EnvString("PARLOR_SQLITE_PATH", ""),

		RedisAddr: EnvString("PARLOR_REDIS_ADDR", ""),
		RedisDB:   EnvInt("PARLOR_REDIS_DB", 0),

		ReadinessRequireDB: EnvBool("PARLOR_READINESS_REQUIRE_DB", false),

		HistoryLimit: EnvInt("PARLOR_ROOM_HISTORY_LIMIT", 100),
		SendQueue:    EnvInt("PARLOR_ROOM_SEND_QUEUE", 256),
		WriteTimeout: EnvDuration("PARLOR_ROOM_WRITE_TIMEOUT", 5*time.Second),
		SweepEvery:   EnvDuration("PARLOR_ROOM_SWEEP_INTERVAL", 30*time.Second),
		StaleAfter:   EnvDuration("PARLOR_ROOM_STALE_AFTER", 5*time.Minute),

		WritePenalty: EnvDuration("PARLOR_LIMITER_WRITE_PENALTY", 5*time.Second),
		Grace:        EnvDuration("PARLOR_LIMITER_GRACE", 20*time.Second),
		CooldownCap:  EnvDuration("PARLOR_LIMITER_COOLDOWN_CAP", 10*time.Second),
		MaxFailures:  EnvInt("PARLOR_LIMITER_MAX_FAILURES", 3),
		RetryDelay:   EnvDuration("PARLOR_LIMITER_RETRY_DELAY", time.Second),
		LimiterIdle:  EnvDuration("PARLOR_LIMITER_IDLE_AFTER", 15*time.Minute),

		InsecureOrigins: EnvBool("PARLOR_WS_INSECURE_ORIGINS", false),
		AllowedOrigins:  envCSV("PARLOR_WS_ALLOWED_ORIGINS", ""),
		ReadLimit:       EnvInt("PARLOR_WS_READ_LIMIT", 32<<10),
		FrameRate:       EnvInt("PARLOR_WS_FRAME_RATE", 20),
		FrameBurst:      EnvInt("PARLOR_WS_FRAME_BURST", 40),
	}
}

func envCSV(key, def string) []string {
	raw := EnvString(key, def)
	if raw == "" {
		return nil
	}
	parts := make([]string, 0, 4)
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
