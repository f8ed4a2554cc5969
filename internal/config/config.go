// Package config loads server settings from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"codepair/internal/sandbox"
)

type Config struct {
	HTTP    HTTP
	Relay   Relay
	Store   Store
	Redis   Redis
	Sandbox Sandbox
}

type HTTP struct {
	Port            int
	ShutdownTimeout time.Duration
	// StaticDir serves the frontend bundle when set.
	StaticDir string
}

type Relay struct {
	// GracePeriod keeps an empty room in memory before teardown.
	GracePeriod time.Duration
}

type Store struct {
	// DSN is a SQLite path or a postgres:// URL.
	DSN  string
	Seed bool
}

// Redis is optional; an empty Addr disables cross-node fan-out.
type Redis struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Sandbox struct {
	Order     []sandbox.Kind
	ChainFile string
	Hosted    bool
	Timeout   time.Duration
	Container Container
	MicroVM   MicroVM
	Judge     Judge
	Pool      Pool
}

type Container struct {
	Binary    string
	CPUs      string
	Memory    string
	PidsLimit int
	JobDir    string
}

type MicroVM struct {
	URL        string
	Token      string
	Runtime    string
	SnapshotID string
	WorkDir    string
}

type Judge struct {
	URL string
}

type Pool struct {
	IdleTimeout time.Duration
	MaxLifetime time.Duration
}

func FromEnv() (Config, error) {
	http := HTTP{
		Port:            getInt("PORT", 8420),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		StaticDir:       getEnv("STATIC_DIR", ""),
	}
	if http.Port <= 0 || http.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port: %d", http.Port)
	}

	order, err := sandbox.ParseOrder(getEnv("SANDBOX_ORDER", ""))
	if err != nil {
		return Config{}, fmt.Errorf("SANDBOX_ORDER: %w", err)
	}

	sb := Sandbox{
		Order:     order,
		ChainFile: getEnv("SANDBOX_CHAIN_FILE", ""),
		Hosted:    getBool("HOSTED", false),
		Timeout:   getDuration("EXECUTION_TIMEOUT", sandbox.DefaultTimeout),
		Container: Container{
			Binary:    getEnv("DOCKER_BIN", "docker"),
			CPUs:      getEnv("SANDBOX_CPUS", "0.5"),
			Memory:    getEnv("SANDBOX_MEMORY", "256m"),
			PidsLimit: getInt("SANDBOX_PIDS_LIMIT", 64),
			JobDir:    getEnv("SANDBOX_JOB_DIR", ""),
		},
		MicroVM: MicroVM{
			URL:        getEnv("MICROVM_API_URL", ""),
			Token:      getEnv("MICROVM_API_TOKEN", ""),
			Runtime:    getEnv("MICROVM_RUNTIME", "python3.13"),
			SnapshotID: getEnv("MICROVM_SNAPSHOT_ID", ""),
			WorkDir:    getEnv("MICROVM_WORKDIR", "/tmp/codepair"),
		},
		Judge: Judge{
			URL: getEnv("JUDGE_URL", "https://emkc.org/api/v2/piston/execute"),
		},
		Pool: Pool{
			IdleTimeout: getDuration("POOL_IDLE_TIMEOUT", 20*time.Minute),
			MaxLifetime: getDuration("POOL_MAX_LIFETIME", 25*time.Minute),
		},
	}
	if sb.Timeout <= 0 {
		sb.Timeout = sandbox.DefaultTimeout
	}

	return Config{
		HTTP: http,
		Relay: Relay{
			GracePeriod: getDuration("ROOM_GRACE_PERIOD", 60*time.Second),
		},
		Store: Store{
			DSN:  getEnv("DATABASE_URL", "./data/codepair.db"),
			Seed: getBool("SEED_QUESTIONS", true),
		},
		Redis: Redis{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "codepair:room:"),
		},
		Sandbox: sb,
	}, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func getBool(key string, fallback bool) bool {
	switch strings.ToLower(getEnv(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
