package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/ghodss/yaml"
	"github.com/joho/godotenv"
)

// Config is the agent configuration. Values come from defaults, then the
// YAML file named by CONFIG_FILE, then environment variables.
type Config struct {
	Port      string `json:"port"`
	HostRoot  string `json:"hostRoot"`
	DataDir   string `json:"dataDir"`
	ProcRoot  string `json:"procRoot"`
	JwtSecret string `json:"jwtSecret"`
	HostUUID  string `json:"hostUuid"`

	VGMetadataSize     string `json:"vgMetadataSize"`
	SanlockLVSize      string `json:"sanlockLvSize"`
	CommandTimeout     string `json:"commandTimeout"`
	DiscoveryAttempts  int    `json:"discoveryAttempts"`
	DeactivateAttempts int    `json:"deactivateAttempts"`

	OtelEnabled     bool   `json:"otelEnabled"`
	OtelEndpoint    string `json:"otelEndpoint"`
	OtelServiceName string `json:"otelServiceName"`
	OtelInsecure    bool   `json:"otelInsecure"`
	Version         string `json:"version"`
	Env             string `json:"env"`
}

func defaults() *Config {
	return &Config{
		Port:               "7070",
		HostRoot:           "/",
		DataDir:            "/var/lib/sharedblock",
		ProcRoot:           "/proc",
		VGMetadataSize:     "2GB",
		SanlockLVSize:      "1024MB",
		CommandTimeout:     "1h",
		DiscoveryAttempts:  5,
		DeactivateAttempts: 3,
		OtelEndpoint:       "127.0.0.1:4317",
		OtelServiceName:    "sharedblock",
		OtelInsecure:       true,
		Version:            "dev",
		Env:                "unset",
	}
}

// Load reads the configuration. A .env file in the working directory is
// loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if file := os.Getenv("CONFIG_FILE"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", file, err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.HostRoot = getEnv("HOST_ROOT", cfg.HostRoot)
	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.ProcRoot = getEnv("PROC_ROOT", cfg.ProcRoot)
	cfg.JwtSecret = getEnv("JWT_SECRET", cfg.JwtSecret)
	cfg.HostUUID = getEnv("HOST_UUID", cfg.HostUUID)
	cfg.VGMetadataSize = getEnv("VG_METADATA_SIZE", cfg.VGMetadataSize)
	cfg.SanlockLVSize = getEnv("SANLOCK_LV_SIZE", cfg.SanlockLVSize)
	cfg.CommandTimeout = getEnv("COMMAND_TIMEOUT", cfg.CommandTimeout)
	cfg.DiscoveryAttempts = getEnvInt("DISCOVERY_ATTEMPTS", cfg.DiscoveryAttempts)
	cfg.DeactivateAttempts = getEnvInt("DEACTIVATE_ATTEMPTS", cfg.DeactivateAttempts)
	cfg.OtelEnabled = getEnvBool("OTEL_ENABLED", cfg.OtelEnabled)
	cfg.OtelEndpoint = getEnv("OTEL_ENDPOINT", cfg.OtelEndpoint)
	cfg.OtelServiceName = getEnv("OTEL_SERVICE_NAME", cfg.OtelServiceName)
	cfg.OtelInsecure = getEnvBool("OTEL_INSECURE", cfg.OtelInsecure)
	cfg.Version = getEnv("VERSION", cfg.Version)
	cfg.Env = getEnv("ENV", cfg.Env)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every size and duration parses.
func (c *Config) Validate() error {
	if _, err := c.MetadataSize(); err != nil {
		return err
	}
	if _, err := c.SanlockSize(); err != nil {
		return err
	}
	if _, err := c.Timeout(); err != nil {
		return err
	}
	if c.DiscoveryAttempts < 1 || c.DeactivateAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	return nil
}

// MetadataSize is the PV metadata size for new members.
func (c *Config) MetadataSize() (int64, error) {
	return parseSize("VG_METADATA_SIZE", c.VGMetadataSize)
}

// SanlockSize is the size of the sanlock internal LV.
func (c *Config) SanlockSize() (int64, error) {
	return parseSize("SANLOCK_LV_SIZE", c.SanlockLVSize)
}

// Timeout bounds every agent command.
func (c *Config) Timeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.CommandTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid COMMAND_TIMEOUT %q: %w", c.CommandTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid COMMAND_TIMEOUT %q: must be positive", c.CommandTimeout)
	}
	return d, nil
}

func parseSize(key, value string) (int64, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(value)); err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return int64(size.Bytes()), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
