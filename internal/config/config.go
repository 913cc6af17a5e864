package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Pools    PoolsConfig
	Pairing  PairingConfig
	Health   HealthConfig
	Dispatch DispatchConfig
	Driver   DriverConfig
	Sink     SinkConfig
	Media    MediaConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// PoolsConfig sizes the queue worker pools. Send workers each drive a
// real browser session, so the default stays small. Control jobs
// (connect/disconnect/sync) get their own pool so pairing is never
// starved by a send backlog.
type PoolsConfig struct {
	SendWorkers    int
	ControlWorkers int
}

type PairingConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

type HealthConfig struct {
	AuditInterval      time.Duration
	StalenessThreshold time.Duration
}

type DispatchConfig struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	PacingMin     time.Duration
	PacingMax     time.Duration
	PacingPerSec  float64
	StrictConfirm bool
}

type DriverConfig struct {
	Headless    bool
	BrowserBin  string
	UserDataDir string
	ClientURL   string
	NavTimeout  time.Duration
}

type SinkConfig struct {
	URL   string
	Token string
}

type MediaConfig struct {
	ScratchDir   string
	EvidenceDir  string
	MaxBytes     int64
	FetchTimeout time.Duration
}

func LoadAll() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: mustEnv("POSTGRES_URL"),
		},
		Redis: RedisConfig{
			Address:  mustEnv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Pools: PoolsConfig{
			SendWorkers:    getEnvInt("SEND_WORKERS", 2),
			ControlWorkers: getEnvInt("CONTROL_WORKERS", 2),
		},
		Pairing: PairingConfig{
			PollInterval: time.Duration(getEnvInt("PAIRING_POLL_SECONDS", 3)) * time.Second,
			Timeout:      time.Duration(getEnvInt("PAIRING_TIMEOUT_SECONDS", 120)) * time.Second,
		},
		Health: HealthConfig{
			AuditInterval:      time.Duration(getEnvInt("HEALTH_INTERVAL_SECONDS", 300)) * time.Second,
			StalenessThreshold: time.Duration(getEnvInt("HEALTH_STALE_SECONDS", 600)) * time.Second,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:   getEnvInt("SEND_MAX_ATTEMPTS", 3),
			BackoffBase:   time.Duration(getEnvInt("SEND_BACKOFF_BASE_SECONDS", 30)) * time.Second,
			PacingMin:     time.Duration(getEnvInt("SEND_PACING_MIN_MS", 1500)) * time.Millisecond,
			PacingMax:     time.Duration(getEnvInt("SEND_PACING_MAX_MS", 4000)) * time.Millisecond,
			PacingPerSec:  getEnvFloat("SEND_PACING_PER_SEC", 0.5),
			StrictConfirm: getEnvBool("SEND_CONFIRM_STRICT", false),
		},
		Driver: DriverConfig{
			Headless:    getEnvBool("DRIVER_HEADLESS", true),
			BrowserBin:  os.Getenv("DRIVER_BROWSER_BIN"),
			UserDataDir: getEnv("DRIVER_USER_DATA_DIR", "/var/lib/herald/profiles"),
			ClientURL:   getEnv("DRIVER_CLIENT_URL", "https://web.whatsapp.com"),
			NavTimeout:  time.Duration(getEnvInt("DRIVER_NAV_TIMEOUT_SECONDS", 45)) * time.Second,
		},
		Sink: SinkConfig{
			URL:   mustEnv("STATUS_SINK_URL"),
			Token: mustEnv("STATUS_SINK_TOKEN"),
		},
		Media: MediaConfig{
			ScratchDir:   getEnv("MEDIA_SCRATCH_DIR", os.TempDir()),
			EvidenceDir:  getEnv("MEDIA_EVIDENCE_DIR", "/var/lib/herald/evidence"),
			MaxBytes:     int64(getEnvInt("MEDIA_MAX_BYTES", 10<<20)),
			FetchTimeout: time.Duration(getEnvInt("MEDIA_FETCH_TIMEOUT_SECONDS", 20)) * time.Second,
		},
	}

	validate(cfg)
	return cfg, nil
}

func validate(cfg *Config) {
	if cfg.Pools.SendWorkers <= 0 {
		panic("SEND_WORKERS must be > 0")
	}
	if cfg.Pools.ControlWorkers <= 0 {
		panic("CONTROL_WORKERS must be > 0")
	}
	if cfg.Pairing.PollInterval <= 0 || cfg.Pairing.Timeout <= 0 {
		panic("pairing poll interval and timeout must be > 0")
	}
	if cfg.Pairing.PollInterval >= cfg.Pairing.Timeout {
		panic("PAIRING_POLL_SECONDS must be < PAIRING_TIMEOUT_SECONDS")
	}
	if cfg.Health.AuditInterval <= 0 || cfg.Health.StalenessThreshold <= 0 {
		panic("health interval and staleness threshold must be > 0")
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		panic("SEND_MAX_ATTEMPTS must be > 0")
	}
	if cfg.Dispatch.BackoffBase <= 0 {
		panic("SEND_BACKOFF_BASE_SECONDS must be > 0")
	}
	if cfg.Dispatch.PacingMin < 0 || cfg.Dispatch.PacingMax < cfg.Dispatch.PacingMin {
		panic("send pacing bounds must satisfy 0 <= min <= max")
	}
	if cfg.Media.MaxBytes <= 0 {
		panic("MEDIA_MAX_BYTES must be > 0")
	}
}

func mustEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("missing required env var: %s", key))
	}
	return val
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("invalid int for env %s: %s", key, v))
	}
	return i
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid float for env %s: %s", key, v))
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		panic(fmt.Sprintf("invalid bool for env %s: %s", key, v))
	}
	return b
}
