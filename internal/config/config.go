// Package config loads electric-server's runtime settings from the
// environment in a getenv-with-fallback style (no viper binding here -
// cmd/electric-server layers cobra/viper flag resolution on top of
// this, keeping a split between process flags and internal/config).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds runtime settings for the electric-server process.
type Config struct {
	Environment string            `yaml:"environment"`
	Listen      ListenConfig      `yaml:"listen"`
	Postgres    PostgresConfig    `yaml:"postgres" validate:"required"`
	Glue        GlueConfig        `yaml:"glue"`
	Replication ReplicationConfig `yaml:"replication"`
	Auth        AuthConfig        `yaml:"auth" validate:"required"`
	Cursors     CursorConfig      `yaml:"cursors"`
	DDLGate     DDLGateConfig     `yaml:"ddl_gate"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Profiling   ProfilingConfig   `yaml:"profiling"`
}

// ListenConfig is the Satellite-facing transport's bind address.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

type PostgresConfig struct {
	DSN             string            `yaml:"dsn" validate:"required"`
	ExtensionSchema string            `yaml:"extension_schema"`
	IAM             PostgresIAMConfig `yaml:"iam"`
}

// PostgresIAMConfig enables internal/pgiam's AWS RDS IAM token auth in
// place of a static password in PostgresConfig.DSN.
type PostgresIAMConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Profile         string `yaml:"profile"`
	RoleARN         string `yaml:"role_arn"`
	RoleSessionName string `yaml:"role_session_name"`
	RoleExternalID  string `yaml:"role_external_id"`
	Endpoint        string `yaml:"endpoint"`
}

// GlueConfig enables publishing each snapshotted schema version to AWS
// Glue Schema Registry alongside Postgres-local persistence.
type GlueConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Region   string `yaml:"region"`
	Profile  string `yaml:"profile"`
	RoleARN  string `yaml:"role_arn"`
	Endpoint string `yaml:"endpoint"`
	Registry string `yaml:"registry"`
}

// ReplicationConfig names the logical replication slot/publication the
// WAL source consumes (spec.md §6.1).
type ReplicationConfig struct {
	Slot           string        `yaml:"slot"`
	Publication    string        `yaml:"publication"`
	StatusInterval time.Duration `yaml:"status_interval"`
	Origin         string        `yaml:"origin"`
}

// AuthConfig configures internal/auth's JWT verifier.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" validate:"required"`
}

// CursorConfig selects internal/cursorstore's backend.
type CursorConfig struct {
	Backend string `yaml:"backend"` // "postgres" or "sqlite"
	DSN     string `yaml:"dsn"`
	Path    string `yaml:"path"`
}

// DDLGateConfig configures internal/migrategate's approval gate in
// front of the migration translator.
type DDLGateConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`
	AutoApprove bool   `yaml:"auto_approve"`
}

// SnapshotConfig configures internal/snapshotsource's delivery of
// initial-snapshot rows.
type SnapshotConfig struct {
	BatchRows int `yaml:"batch_rows"`
}

type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

type ProfilingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load builds Config from the environment, then overlays configPath's
// YAML document on top (file values win over env defaults for the
// fields it sets; an absent file is not an error). The merged result
// is checked against each field's validate tag before being returned.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		Environment: getenv("ELECTRIC_ENV", "dev"),
		Listen: ListenConfig{
			Addr: getenv("ELECTRIC_LISTEN", ":5133"),
		},
		Postgres: PostgresConfig{
			DSN:             getenv("ELECTRIC_POSTGRES_DSN", ""),
			ExtensionSchema: getenv("ELECTRIC_EXTENSION_SCHEMA", "electric"),
			IAM: PostgresIAMConfig{
				Enabled:         getenvBool("ELECTRIC_POSTGRES_IAM_ENABLED", false),
				Region:          getenv("ELECTRIC_POSTGRES_IAM_REGION", ""),
				Profile:         getenv("ELECTRIC_POSTGRES_IAM_PROFILE", ""),
				RoleARN:         getenv("ELECTRIC_POSTGRES_IAM_ROLE_ARN", ""),
				RoleSessionName: getenv("ELECTRIC_POSTGRES_IAM_ROLE_SESSION_NAME", ""),
				RoleExternalID:  getenv("ELECTRIC_POSTGRES_IAM_ROLE_EXTERNAL_ID", ""),
				Endpoint:        getenv("ELECTRIC_POSTGRES_IAM_ENDPOINT", ""),
			},
		},
		Glue: GlueConfig{
			Enabled:  getenvBool("ELECTRIC_GLUE_ENABLED", false),
			Region:   getenv("ELECTRIC_GLUE_REGION", ""),
			Profile:  getenv("ELECTRIC_GLUE_PROFILE", ""),
			RoleARN:  getenv("ELECTRIC_GLUE_ROLE_ARN", ""),
			Endpoint: getenv("ELECTRIC_GLUE_ENDPOINT", ""),
			Registry: getenv("ELECTRIC_GLUE_REGISTRY", "electric"),
		},
		Replication: ReplicationConfig{
			Slot:           getenv("ELECTRIC_REPLICATION_SLOT", "electric_slot"),
			Publication:    getenv("ELECTRIC_PUBLICATION", "electric_publication"),
			StatusInterval: getenvDuration("ELECTRIC_STATUS_INTERVAL", 10*time.Second),
			Origin:         getenv("ELECTRIC_ORIGIN", "pg"),
		},
		Auth: AuthConfig{
			JWTSecret: getenv("ELECTRIC_JWT_SECRET", ""),
		},
		Cursors: CursorConfig{
			Backend: getenv("ELECTRIC_CURSOR_BACKEND", "postgres"),
			DSN:     getenv("ELECTRIC_CURSOR_DSN", ""),
			Path:    getenv("ELECTRIC_CURSOR_PATH", "electric-cursors.db"),
		},
		DDLGate: DDLGateConfig{
			Enabled:     getenvBool("ELECTRIC_DDL_GATE_ENABLED", false),
			DSN:         getenv("ELECTRIC_DDL_GATE_DSN", ""),
			AutoApprove: getenvBool("ELECTRIC_DDL_GATE_AUTO_APPROVE", false),
		},
		Snapshot: SnapshotConfig{
			BatchRows: getenvInt("ELECTRIC_SNAPSHOT_BATCH_ROWS", 1000),
		},
		Telemetry: TelemetryConfig{
			ServiceName: getenv("ELECTRIC_OTEL_SERVICE", "electric-server"),
		},
		Profiling: ProfilingConfig{
			Enabled: getenvBool("ELECTRIC_PPROF_ENABLED", false),
			Listen:  getenv("ELECTRIC_PPROF_LISTEN", "localhost:6060"),
		},
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		switch value {
		case "1", "true", "TRUE", "yes", "YES":
			return true
		case "0", "false", "FALSE", "no", "NO":
			return false
		default:
			return fallback
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

