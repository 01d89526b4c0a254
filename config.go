package esteps

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"gopkg.in/yaml.v3"
)

const (
	defaultRequestTimeoutMs = 10000
	minHistoryPageSize      = 1
	maxHistoryPageSize      = 50
)

// WizardConfig configures the e-steps wizard sensor and the CLI. The same
// keys are read from robot JSON attributes and from the CLI's YAML file.
type WizardConfig struct {
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	PluginID string `json:"plugin_id,omitempty" yaml:"plugin_id,omitempty"`

	PollIntervalMs   int     `json:"poll_interval_ms,omitempty" yaml:"poll_interval_ms,omitempty"`
	MaxPollAttempts  int     `json:"max_poll_attempts,omitempty" yaml:"max_poll_attempts,omitempty"`
	PollTimeoutSec   float64 `json:"poll_timeout_sec,omitempty" yaml:"poll_timeout_sec,omitempty"`
	RequestTimeoutMs int     `json:"request_timeout_ms,omitempty" yaml:"request_timeout_ms,omitempty"`

	HotendTemp      int `json:"hotend_temp,omitempty" yaml:"hotend_temp,omitempty"`
	HistoryPageSize int `json:"history_page_size,omitempty" yaml:"history_page_size,omitempty"`

	// HistoryDB points at the plugin's calibration.db. Relative paths are
	// resolved against VIAM_MODULE_DATA.
	HistoryDB string `json:"history_db,omitempty" yaml:"history_db,omitempty"`
}

// Validate ensures all parts of the config are valid and fills in defaults
func (cfg *WizardConfig) Validate(path string) ([]string, []string, error) {
	if cfg.BaseURL == "" {
		return nil, nil, errors.New("must specify base_url of the OctoPrint server")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, nil, errors.Errorf("base_url must be an http(s) URL, got %q", cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.PluginID == "" {
		cfg.PluginID = defaultPluginID
	}
	if cfg.PollIntervalMs < 0 || cfg.MaxPollAttempts < 0 || cfg.PollTimeoutSec < 0 || cfg.RequestTimeoutMs < 0 {
		return nil, nil, errors.New("poll and timeout settings must not be negative")
	}
	if cfg.PollIntervalMs == 0 {
		cfg.PollIntervalMs = int(defaultPollInterval / time.Millisecond)
	}
	if cfg.MaxPollAttempts == 0 {
		cfg.MaxPollAttempts = defaultMaxPollAttempts
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = defaultRequestTimeoutMs
	}

	if cfg.HotendTemp == 0 {
		cfg.HotendTemp = defaultHotendTemp
	}
	if cfg.HotendTemp < minHotendTemp || cfg.HotendTemp > maxHotendTemp {
		return nil, nil, errors.Errorf("hotend_temp must be %d-%d, got %d", minHotendTemp, maxHotendTemp, cfg.HotendTemp)
	}

	if cfg.HistoryPageSize == 0 {
		cfg.HistoryPageSize = defaultHistoryPageSize
	}
	if cfg.HistoryPageSize < minHistoryPageSize || cfg.HistoryPageSize > maxHistoryPageSize {
		return nil, nil, errors.Errorf("history_page_size must be %d-%d, got %d",
			minHistoryPageSize, maxHistoryPageSize, cfg.HistoryPageSize)
	}

	return nil, nil, nil
}

// Options converts the config into wizard options
func (cfg *WizardConfig) Options() Options {
	return Options{
		PollInterval:    time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		MaxPollAttempts: cfg.MaxPollAttempts,
		PollTimeout:     time.Duration(cfg.PollTimeoutSec * float64(time.Second)),
		HotendTemp:      cfg.HotendTemp,
		HistoryPageSize: cfg.HistoryPageSize,
	}
}

// RequestTimeout bounds a single HTTP request to the server
func (cfg *WizardConfig) RequestTimeout() time.Duration {
	return time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
}

// HistoryDBPath returns the absolute path of the history database, or ""
func (cfg *WizardConfig) HistoryDBPath() string {
	if cfg.HistoryDB == "" {
		return ""
	}
	if filepath.IsAbs(cfg.HistoryDB) {
		return cfg.HistoryDB
	}
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp" // Fallback if VIAM_MODULE_DATA not set
	}
	return filepath.Join(moduleDataDir, cfg.HistoryDB)
}

// LoadHistorySource opens the configured history database, falling back to
// the server's history endpoint. fromFile reports whether the database is used.
func (cfg *WizardConfig) LoadHistorySource(fallback HistorySource, logger logging.Logger) (source HistorySource, fromFile bool) {
	path := cfg.HistoryDBPath()
	if path == "" {
		logger.Debug("No history database configured, reading history from the server")
		return fallback, false
	}

	db, err := OpenHistoryDB(path)
	if err != nil {
		logger.Warnf("Failed to open history database %s: %v, reading history from the server", path, err)
		return fallback, false
	}

	logger.Infof("Reading calibration history from %s", path)
	return db, true
}

// LoadConfigFile reads a YAML config file and validates it
func LoadConfigFile(path string) (*WizardConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg WizardConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config YAML")
	}
	if _, _, err := cfg.Validate(path); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return &cfg, nil
}

// SaveConfigFile writes cfg as YAML, e.g. after discovery
func SaveConfigFile(path string, cfg *WizardConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create config directory")
		}
	}
	return errors.Wrap(os.WriteFile(path, data, 0o600), "failed to write config file")
}
