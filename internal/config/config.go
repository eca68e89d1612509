// Package config loads the control plane's configuration: secrets from
// the environment, tunables from an optional YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the process-wide configuration. Immutable after startup;
// cmd/server builds one and threads it to every component.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Rooms  RoomsConfig  `yaml:"rooms"`
	Sweep  SweepConfig  `yaml:"sweep"`

	Secrets Secrets `yaml:"-"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// RoomsConfig carries the timing constants of the room state machine.
type RoomsConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	ShortTokenTTLSeconds     int `yaml:"short_token_ttl_seconds"`
	BookedTokenTTLSeconds    int `yaml:"booked_token_ttl_seconds"`
	RenewAfterSeconds        int `yaml:"renew_after_seconds"`
	RenewMinSeconds          int `yaml:"renew_min_seconds"`
	CreditsLowThreshold      int `yaml:"credits_low_threshold"`
	DefaultCapacity          int `yaml:"default_capacity"`
	AccessWindowMinutes      int `yaml:"access_window_minutes"`
}

type SweepConfig struct {
	Schedule string `yaml:"schedule"` // cron spec, e.g. "@every 2m"
}

// Secrets are environment-only; never written to the YAML file.
type Secrets struct {
	JWTSecret           string
	AgoraAppID          string
	AgoraAppCertificate string
	OraclePrivateKey    string // hex; empty disables the attestation sweeper
	SongRegistryAdmin   string
	DatabaseURL         string
	RedisAddr           string
	SupabaseURL         string
	SupabaseServiceKey  string
	SettlementURL       string
	AgentOrchestrator   string
	PubSubProject       string

	// Passed through to the external image/watermark worker only.
	OpenRouterAPIKey string
	FalAPIKey        string
	FilebaseAPIKey   string
	WatermarkSecret  string
}

// Load reads the optional YAML file at path (empty path or a missing
// file yields defaults) and overlays environment secrets.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Rooms: RoomsConfig{
			HeartbeatIntervalSeconds: 30,
			ShortTokenTTLSeconds:     90,
			BookedTokenTTLSeconds:    3600,
			RenewAfterSeconds:        75,
			RenewMinSeconds:          10,
			CreditsLowThreshold:      60,
			DefaultCapacity:          8,
			AccessWindowMinutes:      240,
		},
		Sweep: SweepConfig{Schedule: "@every 2m"},
	}

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}

	if p := os.Getenv("PORT"); p != "" {
		cfg.Server.Port = p
	}

	cfg.Secrets = Secrets{
		JWTSecret:           os.Getenv("JWT_SECRET"),
		AgoraAppID:          os.Getenv("AGORA_APP_ID"),
		AgoraAppCertificate: os.Getenv("AGORA_APP_CERTIFICATE"),
		OraclePrivateKey:    os.Getenv("ORACLE_PRIVATE_KEY"),
		SongRegistryAdmin:   os.Getenv("SONG_REGISTRY_ADMIN_TOKEN"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		SupabaseURL:         os.Getenv("SUPABASE_URL"),
		SupabaseServiceKey:  os.Getenv("SUPABASE_SERVICE_KEY"),
		SettlementURL:       os.Getenv("SETTLEMENT_URL"),
		AgentOrchestrator:   os.Getenv("AGENT_ORCHESTRATOR_URL"),
		PubSubProject:       os.Getenv("PUBSUB_PROJECT"),
		OpenRouterAPIKey:    os.Getenv("OPENROUTER_API_KEY"),
		FalAPIKey:           os.Getenv("FAL_API_KEY"),
		FilebaseAPIKey:      os.Getenv("FILEBASE_API_KEY"),
		WatermarkSecret:     os.Getenv("WATERMARK_SECRET"),
	}

	if cfg.Secrets.JWTSecret == "" {
		// Development fallback, matching the dummy Agora placeholder.
		cfg.Secrets.JWTSecret = "voiceplane-dev-jwt-secret-change-in-production"
	}

	return cfg, nil
}
