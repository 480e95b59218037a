// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the portal configuration.
//
// Values come from three places, later ones winning: DefaultConfig, an
// optional YAML file, and PORTAL_* environment variables (a .env file in the
// working directory is loaded into the environment first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StorageBadger   = "badger"
	StoragePostgres = "postgres"

	ContentLocal = "local"
	ContentGCS   = "gcs"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Files         FilesConfig         `yaml:"files"`
	Content       ContentConfig       `yaml:"content"`
	Auth          AuthConfig          `yaml:"auth"`
	Logging       LoggingConfig       `yaml:"logging"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Submissions   SubmissionsConfig   `yaml:"submissions"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// CallbackRate is requests per second per worker IP on the status
	// endpoints. Zero disables the limiter.
	CallbackRate  float64       `yaml:"callback_rate"`
	CallbackBurst int           `yaml:"callback_burst"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"` // badger | postgres
	BadgerPath string `yaml:"badger_path"`
	// PostgresDSN is only read when Backend is postgres.
	PostgresDSN string `yaml:"postgres_dsn"`
}

type FilesConfig struct {
	Root       string `yaml:"root"`
	LegacyRoot string `yaml:"legacy_root,omitempty"`
}

type ContentConfig struct {
	Backend         string `yaml:"backend"` // local | gcs
	Bucket          string `yaml:"bucket,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	// Endpoint points the client at an emulator; requests are unauthenticated.
	Endpoint        string `yaml:"endpoint,omitempty"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

type TelemetryConfig struct {
	// TraceExporter is otlp, stdout or none.
	TraceExporter string `yaml:"trace_exporter"`
	// OTLPEndpoint is a host:port for the gRPC trace exporter. Empty keeps
	// the no-op tracer.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	ServiceName  string `yaml:"service_name"`
}

type NotificationsConfig struct {
	FanOut     int           `yaml:"fan_out"`
	Timeout    time.Duration `yaml:"timeout"`
	MailPerSec float64       `yaml:"mail_per_second"`
	MailBurst  int           `yaml:"mail_burst"`
}

type SubmissionsConfig struct {
	// OwnerAutoApprove starts submissions by a data node owner in
	// IN_PROGRESS instead of PENDING.
	OwnerAutoApprove bool `yaml:"owner_auto_approve"`
	// RequireExecutable rejects analyses without an executable file.
	RequireExecutable bool  `yaml:"require_executable"`
	ChunkSize         int64 `yaml:"chunk_size"`
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:          8080,
			CallbackRate:  20,
			CallbackBurst: 40,
			ShutdownGrace: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend:    StorageBadger,
			BadgerPath: "./data/badger",
		},
		Files: FilesConfig{
			Root: "./data/files",
		},
		Content: ContentConfig{
			Backend: ContentLocal,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			TraceExporter: "otlp",
			ServiceName:   "submission-portal",
		},
		Notifications: NotificationsConfig{
			FanOut:     8,
			Timeout:    30 * time.Second,
			MailPerSec: 5,
			MailBurst:  10,
		},
		Submissions: SubmissionsConfig{
			RequireExecutable: true,
			ChunkSize:         10 << 20,
		},
	}
}

// Load reads path (may be empty) into a copy of DefaultConfig, applies the
// environment and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read the config file %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PORTAL_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	str("PORTAL_STORAGE_BACKEND", &c.Storage.Backend)
	str("PORTAL_BADGER_PATH", &c.Storage.BadgerPath)
	str("PORTAL_POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("PORTAL_FILES_ROOT", &c.Files.Root)
	str("PORTAL_FILES_LEGACY_ROOT", &c.Files.LegacyRoot)
	str("PORTAL_CONTENT_BACKEND", &c.Content.Backend)
	str("PORTAL_GCS_BUCKET", &c.Content.Bucket)
	str("PORTAL_GCS_PREFIX", &c.Content.Prefix)
	str("PORTAL_GCS_CREDENTIALS", &c.Content.CredentialsFile)
	str("PORTAL_GCS_ENDPOINT", &c.Content.Endpoint)
	str("PORTAL_JWT_SECRET", &c.Auth.JWTSecret)
	str("PORTAL_JWT_ISSUER", &c.Auth.Issuer)
	str("PORTAL_LOG_LEVEL", &c.Logging.Level)
	str("PORTAL_LOG_DIR", &c.Logging.Dir)
	str("PORTAL_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("PORTAL_TRACE_EXPORTER", &c.Telemetry.TraceExporter)

	if v, ok := lookup("PORTAL_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORTAL_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("PORTAL_LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PORTAL_LOG_JSON: %w", err)
		}
		c.Logging.JSON = b
	}
	return nil
}

func (c Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	switch c.Storage.Backend {
	case StorageBadger:
		if c.Storage.BadgerPath == "" {
			problems = append(problems, "storage.badger_path is required for the badger backend")
		}
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			problems = append(problems, "storage.postgres_dsn is required for the postgres backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage.backend %q", c.Storage.Backend))
	}
	if c.Files.Root == "" {
		problems = append(problems, "files.root is required")
	}
	switch c.Content.Backend {
	case ContentLocal:
	case ContentGCS:
		if c.Content.Bucket == "" {
			problems = append(problems, "content.bucket is required for the gcs backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown content.backend %q", c.Content.Backend))
	}
	switch c.Telemetry.TraceExporter {
	case "", "otlp", "stdout", "none":
	default:
		problems = append(problems, fmt.Sprintf("unknown telemetry.trace_exporter %q", c.Telemetry.TraceExporter))
	}
	if c.Auth.JWTSecret == "" {
		problems = append(problems, "auth.jwt_secret is required")
	}
	if c.Notifications.FanOut < 1 {
		problems = append(problems, "notifications.fan_out must be at least 1")
	}
	if c.Submissions.ChunkSize <= 0 {
		problems = append(problems, "submissions.chunk_size must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
