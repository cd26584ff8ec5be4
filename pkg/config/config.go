// Package config provides configuration management for examguard.
// It loads configuration from YAML files with sensible defaults and
// lets environment variables (optionally from a .env file) override them.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all examguard configuration.
type Config struct {
	Camera      CameraConfig      `yaml:"camera"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Enrollment  EnrollmentConfig  `yaml:"enrollment"`
	Supervision SupervisionConfig `yaml:"supervision"`
	Directory   DirectoryConfig   `yaml:"directory"`
	Access      AccessConfig      `yaml:"access"`
	Reporting   ReportingConfig   `yaml:"reporting"`
	Evidence    EvidenceConfig    `yaml:"evidence"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CameraConfig holds frame source settings.
type CameraConfig struct {
	FrameDir    string `yaml:"frame_dir"`
	MaxFrameAge int    `yaml:"max_frame_age"` // seconds, 0 disables the staleness check
}

// RecognitionConfig holds face recognition settings.
type RecognitionConfig struct {
	ModelPath      string  `yaml:"model_path"`
	MatchThreshold float64 `yaml:"match_threshold"`
}

// EnrollmentConfig holds enrollment settings.
type EnrollmentConfig struct {
	MinFrames int `yaml:"min_frames"`
}

// SupervisionConfig holds periodic re-verification settings.
type SupervisionConfig struct {
	IntervalMs              int `yaml:"interval_ms"`
	ConsecutiveFailureLimit int `yaml:"consecutive_failure_limit"`
	AttemptTimeout          int `yaml:"attempt_timeout"` // seconds
	MaxIdle                 int `yaml:"max_idle"`        // seconds without a usable frame; 0 disables
}

// DirectoryConfig selects and configures the profile store.
type DirectoryConfig struct {
	Backend           string `yaml:"backend"` // "file", "postgres" or "memory"
	DataDir           string `yaml:"data_dir"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
	PostgresDSN       string `yaml:"postgres_dsn"`
	MaxConns          int32  `yaml:"max_conns"`
	RunMigrations     bool   `yaml:"run_migrations"`
}

// AccessConfig holds access gate and session token settings.
type AccessConfig struct {
	RoleSecret      string `yaml:"role_secret"`
	RoleCacheFile   string `yaml:"role_cache_file"`
	RoleCookie      string `yaml:"role_cookie"`
	JWTSecret       string `yaml:"jwt_secret"`
	TokenTTLMinutes int    `yaml:"token_ttl_minutes"`
}

// ReportingConfig holds verdict stream settings.
type ReportingConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	ChannelPrefix string `yaml:"channel_prefix"`
	SnapshotTTL   int    `yaml:"snapshot_ttl"` // seconds
}

// EvidenceConfig holds settings for archiving frames of failed attempts.
type EvidenceConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           string `yaml:"port"`
	RequestTimeout int    `yaml:"request_timeout"` // seconds
	BodyLimitMB    int    `yaml:"body_limit_mb"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// Built-in secrets. They let a development setup start but must be
// replaced before the daemon serves real sessions.
const (
	DefaultRoleSecret = "change-me"
	DefaultJWTSecret  = "dev-secret"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Camera: CameraConfig{
			FrameDir:    "",
			MaxFrameAge: 10,
		},
		Recognition: RecognitionConfig{
			ModelPath:      filepath.Join(homeDir, ".local/share/examguard/models"),
			MatchThreshold: 0.6,
		},
		Enrollment: EnrollmentConfig{
			MinFrames: 1,
		},
		Supervision: SupervisionConfig{
			IntervalMs:              30000,
			ConsecutiveFailureLimit: 3,
			AttemptTimeout:          15,
			MaxIdle:                 120,
		},
		Directory: DirectoryConfig{
			Backend:           "file",
			DataDir:           filepath.Join(homeDir, ".local/share/examguard"),
			EncryptionEnabled: true,
			MaxConns:          10,
			RunMigrations:     true,
		},
		Access: AccessConfig{
			RoleSecret:      DefaultRoleSecret,
			RoleCacheFile:   filepath.Join(homeDir, ".cache/examguard/role"),
			RoleCookie:      "eg_role",
			JWTSecret:       DefaultJWTSecret,
			TokenTTLMinutes: 120,
		},
		Reporting: ReportingConfig{
			RedisAddr:     "",
			ChannelPrefix: "examguard:supervision",
			SnapshotTTL:   86400,
		},
		Evidence: EvidenceConfig{
			Enabled: false,
			Region:  "us-east-1",
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           "8080",
			RequestTimeout: 30,
			BodyLimitMB:    8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   "",
			Format: "text",
		},
	}
}

// Load loads configuration from the specified file.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, err
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	// Try system config first
	if _, err := os.Stat("/etc/examguard/examguard.yaml"); err == nil {
		return Load("/etc/examguard/examguard.yaml")
	}

	// Try user config
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/examguard/examguard.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Recognition.MatchThreshold <= 0 || c.Recognition.MatchThreshold > 1 {
		return fmt.Errorf("match_threshold must be in (0, 1], got %f", c.Recognition.MatchThreshold)
	}
	if c.Recognition.ModelPath == "" {
		return fmt.Errorf("model_path must be set")
	}

	if c.Enrollment.MinFrames <= 0 {
		return fmt.Errorf("min_frames must be positive, got %d", c.Enrollment.MinFrames)
	}

	if c.Supervision.IntervalMs <= 0 {
		return fmt.Errorf("interval_ms must be positive, got %d", c.Supervision.IntervalMs)
	}
	if c.Supervision.ConsecutiveFailureLimit <= 0 {
		return fmt.Errorf("consecutive_failure_limit must be positive, got %d", c.Supervision.ConsecutiveFailureLimit)
	}
	if c.Supervision.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt_timeout must be positive, got %d", c.Supervision.AttemptTimeout)
	}
	if c.Supervision.MaxIdle < 0 {
		return fmt.Errorf("max_idle must not be negative, got %d", c.Supervision.MaxIdle)
	}

	switch c.Directory.Backend {
	case "file":
		if c.Directory.DataDir == "" {
			return fmt.Errorf("data_dir must be set for the file directory backend")
		}
	case "postgres":
		if c.Directory.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn must be set for the postgres directory backend")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid directory backend: %s (must be file, postgres or memory)", c.Directory.Backend)
	}

	if c.Access.RoleSecret == "" {
		return fmt.Errorf("role_secret must be set")
	}
	if c.Access.JWTSecret == "" {
		return fmt.Errorf("jwt_secret must be set")
	}

	if c.Evidence.Enabled && c.Evidence.Bucket == "" {
		return fmt.Errorf("evidence bucket must be set when evidence archiving is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// InsecureSecrets lists the secret settings still holding their built-in values.
func (c *Config) InsecureSecrets() []string {
	var names []string
	if c.Access.RoleSecret == DefaultRoleSecret {
		names = append(names, "role_secret")
	}
	if c.Access.JWTSecret == DefaultJWTSecret {
		names = append(names, "jwt_secret")
	}
	return names
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Camera.FrameDir = ExpandPath(c.Camera.FrameDir)
	c.Recognition.ModelPath = ExpandPath(c.Recognition.ModelPath)
	c.Directory.DataDir = ExpandPath(c.Directory.DataDir)
	c.Access.RoleCacheFile = ExpandPath(c.Access.RoleCacheFile)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates necessary directories for storage, models and logging.
func (c *Config) EnsureDirectories() error {
	if c.Directory.Backend == "file" {
		if err := os.MkdirAll(filepath.Join(c.Directory.DataDir, "profiles"), 0700); err != nil {
			return fmt.Errorf("failed to create profiles directory: %w", err)
		}
	}

	if err := os.MkdirAll(c.Recognition.ModelPath, 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}

	if c.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}

// Interval returns the supervision tick interval.
func (s SupervisionConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// AttemptTimeoutDuration returns the per-attempt deadline.
func (s SupervisionConfig) AttemptTimeoutDuration() time.Duration {
	return time.Duration(s.AttemptTimeout) * time.Second
}

// MaxIdleDuration returns how long a session may go without a usable frame.
func (s SupervisionConfig) MaxIdleDuration() time.Duration {
	return time.Duration(s.MaxIdle) * time.Second
}

// MaxFrameAgeDuration returns how old a pushed frame may be before it is rejected.
func (c CameraConfig) MaxFrameAgeDuration() time.Duration {
	return time.Duration(c.MaxFrameAge) * time.Second
}

// TokenTTL returns the session token lifetime.
func (a AccessConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLMinutes) * time.Minute
}

// SnapshotTTLDuration returns how long the last results snapshot is kept.
func (r ReportingConfig) SnapshotTTLDuration() time.Duration {
	return time.Duration(r.SnapshotTTL) * time.Second
}

// Addr returns the HTTP bind address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

// RequestTimeoutDuration returns the configured request timeout.
func (s ServerConfig) RequestTimeoutDuration() time.Duration {
	if s.RequestTimeout <= 0 {
		return 0
	}
	return time.Duration(s.RequestTimeout) * time.Second
}

// BodyLimit returns the maximum request body size in bytes.
func (s ServerConfig) BodyLimit() int {
	if s.BodyLimitMB <= 0 {
		return 4 * 1024 * 1024
	}
	return s.BodyLimitMB * 1024 * 1024
}
