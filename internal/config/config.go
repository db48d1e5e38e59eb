package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const (
	AIProviderGemini = "gemini"
	AIProviderOpenAI = "openai"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Dataset       DatasetConfig
	Relational    RelationalConfig
	Tabular       TabularConfig
	ObjectStore   ObjectStoreConfig
	AI            AIConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatasetConfig points at the CSV form of the dataset. A path starting with
// s3:// is resolved against the configured object store bucket.
type DatasetConfig struct {
	Path string
}

type RelationalConfig struct {
	Driver          string
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
	// ReadOnly opens the store so the engine itself refuses writes. The
	// seeder and snapshot restore need it off.
	ReadOnly bool
	// Snapshot is an object store key of a parquet snapshot the API restores
	// into Table at startup. DuckDB only.
	Snapshot string
}

type TabularConfig struct {
	Handle  string
	Timeout time.Duration
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type AIConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are ignored; variables already set win over file values.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("CALLDATA_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid CALLDATA_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	steps := []func() error{
		func() error { return applyString(lookup, "CALLDATA_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "CALLDATA_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "CALLDATA_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "CALLDATA_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "CALLDATA_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },
		func() error { return applyString(lookup, "CALLDATA_DATASET_PATH", &cfg.Dataset.Path) },
		func() error { return applyString(lookup, "CALLDATA_RELATIONAL_DRIVER", &cfg.Relational.Driver) },
		func() error { return applyString(lookup, "CALLDATA_RELATIONAL_DSN", &cfg.Relational.DSN) },
		func() error { return applyString(lookup, "CALLDATA_RELATIONAL_TABLE", &cfg.Relational.Table) },
		func() error { return applyInt(lookup, "CALLDATA_RELATIONAL_MAX_OPEN_CONNS", &cfg.Relational.MaxOpenConns) },
		func() error { return applyInt(lookup, "CALLDATA_RELATIONAL_MAX_IDLE_CONNS", &cfg.Relational.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "CALLDATA_RELATIONAL_CONN_MAX_IDLE_TIME", &cfg.Relational.ConnMaxIdleTime)
		},
		func() error {
			return applyDuration(lookup, "CALLDATA_RELATIONAL_CONN_MAX_LIFETIME", &cfg.Relational.ConnMaxLifetime)
		},
		func() error { return applyDuration(lookup, "CALLDATA_RELATIONAL_QUERY_TIMEOUT", &cfg.Relational.QueryTimeout) },
		func() error { return applyBool(lookup, "CALLDATA_RELATIONAL_READ_ONLY", &cfg.Relational.ReadOnly) },
		func() error { return applyString(lookup, "CALLDATA_RELATIONAL_SNAPSHOT", &cfg.Relational.Snapshot) },
		func() error { return applyString(lookup, "CALLDATA_TABULAR_HANDLE", &cfg.Tabular.Handle) },
		func() error { return applyDuration(lookup, "CALLDATA_TABULAR_TIMEOUT", &cfg.Tabular.Timeout) },
		func() error { return applyString(lookup, "CALLDATA_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "CALLDATA_OBJECTSTORE_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "CALLDATA_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket) },
		func() error { return applyString(lookup, "CALLDATA_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID) },
		func() error {
			return applyString(lookup, "CALLDATA_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey)
		},
		func() error { return applyBool(lookup, "CALLDATA_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error { return applyString(lookup, "CALLDATA_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix) },
		func() error {
			return applyBool(lookup, "CALLDATA_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket)
		},
		func() error { return applyString(lookup, "CALLDATA_AI_PROVIDER", &cfg.AI.Provider) },
		func() error { return applyString(lookup, "CALLDATA_AI_BASE_URL", &cfg.AI.BaseURL) },
		func() error { return applyString(lookup, "GOOGLE_API_KEY", &cfg.AI.APIKey) },
		func() error { return applyString(lookup, "CALLDATA_AI_API_KEY", &cfg.AI.APIKey) },
		func() error { return applyString(lookup, "CALLDATA_AI_MODEL", &cfg.AI.Model) },
		func() error { return applyFloat(lookup, "CALLDATA_AI_TEMPERATURE", &cfg.AI.Temperature) },
		func() error { return applyDuration(lookup, "CALLDATA_AI_TIMEOUT", &cfg.AI.Timeout) },
		func() error { return applyBool(lookup, "CALLDATA_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "CALLDATA_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyBool(lookup, "CALLDATA_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "CALLDATA_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return Config{}, err
		}
	}

	cfg.AI.Provider = strings.ToLower(cfg.AI.Provider)
	cfg.Relational.Driver = strings.ToLower(cfg.Relational.Driver)

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.Dataset.Path == "" {
		return Config{}, fmt.Errorf("dataset path is required")
	}
	if cfg.Relational.Table == "" {
		return Config{}, fmt.Errorf("relational table is required")
	}
	if cfg.Tabular.Handle == "" {
		return Config{}, fmt.Errorf("tabular handle is required")
	}
	switch cfg.AI.Provider {
	case AIProviderGemini, AIProviderOpenAI:
	default:
		return Config{}, fmt.Errorf("invalid CALLDATA_AI_PROVIDER: %q", cfg.AI.Provider)
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "calldata-api"},
		HTTP: HTTPConfig{
			Address:      ":8000",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Dataset: DatasetConfig{
			Path: "wandsworth_callcenter_sampled.csv",
		},
		Relational: RelationalConfig{
			Driver:          "duckdb",
			DSN:             "wandsworth_callcenter_sampled.duckdb",
			Table:           "CALLCENTER_REQUESTS",
			MaxOpenConns:    8,
			MaxIdleConns:    8,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    15 * time.Second,
			ReadOnly:        true,
		},
		Tabular: TabularConfig{
			Handle:  "df",
			Timeout: 15 * time.Second,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "calldata",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		AI: AIConfig{
			Provider:    AIProviderGemini,
			Model:       "",
			Temperature: 0.1,
			Timeout:     30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18000"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	if value := strings.TrimSpace(raw); value != "" {
		*dst = value
	}
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
