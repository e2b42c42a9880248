package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every runtime setting for the service. It is built once in
// main and passed into services and workers; nothing mutates it afterwards.
type Config struct {
	ListenAddr     string
	DatabaseURL    string
	ServiceToken   string
	AllowedOrigins string

	// Duel rules
	TurnTTL       time.Duration // how long a player has to act on their turn
	FreeDuelLimit int           // max concurrent non-terminal random_free duels per user

	// Turn expiry sweeper
	SweepInterval   time.Duration
	SweepBatchLimit int

	// Notification dispatch
	NotificationSinkURL string
	DispatchInterval    time.Duration

	// Player snapshot sync (identity provider → player_users)
	IdentitySyncURL    string
	PlayerSyncInterval time.Duration
}

// Load reads configuration from environment variables and applies defaults.
// DATABASE_URL and DUEL_SERVICE_TOKEN are required.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:          ":" + getEnv("PORT", "5300"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		ServiceToken:        os.Getenv("DUEL_SERVICE_TOKEN"),
		AllowedOrigins:      getEnv("ALLOWED_ORIGINS", "http://localhost:3000"),
		TurnTTL:             getDuration("TURN_TTL", 24*time.Hour),
		FreeDuelLimit:       getInt("FREE_DUEL_LIMIT", 3),
		SweepInterval:       getDuration("SWEEP_INTERVAL", time.Minute),
		SweepBatchLimit:     getInt("SWEEP_BATCH_LIMIT", 50),
		NotificationSinkURL: os.Getenv("NOTIFICATION_SINK_URL"),
		DispatchInterval:    getDuration("DISPATCH_INTERVAL", 15*time.Second),
		IdentitySyncURL:     os.Getenv("IDENTITY_SYNC_URL"),
		PlayerSyncInterval:  getDuration("PLAYER_SYNC_INTERVAL", time.Minute),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable not set")
	}
	if cfg.ServiceToken == "" {
		return nil, fmt.Errorf("DUEL_SERVICE_TOKEN environment variable not set")
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return defaultVal
}
