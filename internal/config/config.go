// Package config loads and hot-reloads bookherd configuration via viper.
// Workers read their section once at startup; the supervisor watches the
// file so thresholds can be tuned without a restart.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// TargetConfig points at the ingestion service.
type TargetConfig struct {
	APIURL   string `mapstructure:"api_url" yaml:"api_url"`
	WSURL    string `mapstructure:"ws_url" yaml:"ws_url"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`

	// Container names the service's docker container for the startup
	// verification; empty skips the check.
	Container string `mapstructure:"container" yaml:"container"`

	// LibraryMount is the in-container path of the source library
	// (symlink mode).
	LibraryMount string `mapstructure:"library_mount" yaml:"library_mount"`

	MaxUploadSizeMB int `mapstructure:"max_upload_size_mb" yaml:"max_upload_size_mb"`

	// DuplicateExitCode records the target version's "already exists" code.
	// Upload classification uses target.DuplicateExitCode and does not read
	// this value.
	DuplicateExitCode int `mapstructure:"duplicate_exit_code" yaml:"duplicate_exit_code"`
}

// WorkerConfig tunes the migration workers.
type WorkerConfig struct {
	BatchSize       int    `mapstructure:"batch_size" yaml:"batch_size"`
	ParallelUploads int    `mapstructure:"parallel_uploads" yaml:"parallel_uploads"`
	SkipAheadStride int64  `mapstructure:"skip_ahead_stride" yaml:"skip_ahead_stride"`
	UseSymlinks     bool   `mapstructure:"use_symlinks" yaml:"use_symlinks"`
	EbookMetaPath   string `mapstructure:"ebook_meta_path" yaml:"ebook_meta_path"`
	DefaultLanguage string `mapstructure:"default_language" yaml:"default_language"`

	DedupRefreshCount    int           `mapstructure:"dedup_refresh_count" yaml:"dedup_refresh_count"`
	DedupRefreshInterval time.Duration `mapstructure:"dedup_refresh_interval" yaml:"dedup_refresh_interval"`

	PrecheckExists bool `mapstructure:"precheck_exists" yaml:"precheck_exists"`
}

// SupervisorConfig tunes the monitor process.
type SupervisorConfig struct {
	CheckInterval  time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	StuckThreshold time.Duration `mapstructure:"stuck_threshold" yaml:"stuck_threshold"`
	Cooldown       time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	MaxFixAttempts int           `mapstructure:"max_fix_attempts" yaml:"max_fix_attempts"`

	MinWorkers    int    `mapstructure:"min_workers" yaml:"min_workers"`
	TargetWorkers int    `mapstructure:"target_workers" yaml:"target_workers"`
	MaxWorkers    int    `mapstructure:"max_workers" yaml:"max_workers"`
	DiskDevice    string `mapstructure:"disk_device" yaml:"disk_device"`

	LLMEnabled      bool   `mapstructure:"llm_enabled" yaml:"llm_enabled"`
	EnableCodeFixes bool   `mapstructure:"enable_code_fixes" yaml:"enable_code_fixes"`
	PatchTargetFile string `mapstructure:"patch_target_file" yaml:"patch_target_file"`

	OracleModel  string `mapstructure:"oracle_model" yaml:"oracle_model"`
	OracleAPIKey string `mapstructure:"oracle_api_key" yaml:"oracle_api_key"`
}

// Config is the full configuration tree.
type Config struct {
	Target     TargetConfig     `mapstructure:"target" yaml:"target"`
	Worker     WorkerConfig     `mapstructure:"worker" yaml:"worker"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() *Config {
	return &Config{
		Target: TargetConfig{
			APIURL:            "http://localhost:6006",
			WSURL:             "ws://localhost:8080/ws",
			Username:          "${BOOKHERD_TARGET_USERNAME}",
			Password:          "${BOOKHERD_TARGET_PASSWORD}",
			MaxUploadSizeMB:   500,
			DuplicateExitCode: 4,
		},
		Worker: WorkerConfig{
			BatchSize:            1000,
			ParallelUploads:      1,
			SkipAheadStride:      10000,
			EbookMetaPath:        "/usr/bin/ebook-meta",
			DedupRefreshCount:    1500,
			DedupRefreshInterval: 15 * time.Minute,
			PrecheckExists:       true,
		},
		Supervisor: SupervisorConfig{
			CheckInterval:  60 * time.Second,
			StuckThreshold: 5 * time.Minute,
			Cooldown:       10 * time.Minute,
			MaxFixAttempts: 3,
			MinWorkers:     1,
			TargetWorkers:  4,
			MaxWorkers:     8,
			OracleModel:    "gpt-4o",
			OracleAPIKey:   "${OPENAI_API_KEY}",
		},
	}
}

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{}
	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}
	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg
	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	viper.SetDefault("target", defaults.Target)
	viper.SetDefault("worker", defaults.Worker)
	viper.SetDefault("supervisor", defaults.Supervisor)

	// Environment variables with BOOKHERD_ prefix.
	viper.SetEnvPrefix("BOOKHERD")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.bookherd")
	}

	// Config file is optional; defaults and env cover a bare setup.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			if _, ok := err.(*os.PathError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}
	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
func (cm *Manager) WatchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	viper.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	pattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	return pattern.ReplaceAllStringFunc(value, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# bookherd configuration
# Credentials use ${ENV_VAR} syntax to reference environment variables.
# Set these in your shell:
#   export BOOKHERD_TARGET_USERNAME=admin BOOKHERD_TARGET_PASSWORD=...
#   export OPENAI_API_KEY=...   # only if supervisor.llm_enabled

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
