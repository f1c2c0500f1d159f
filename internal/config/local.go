package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configDirName    = ".adsmirror"
	configFileName   = "config.yaml"
	databaseFileName = "mirror.db"
	tokenFileName    = "token"
)

// LocalConfig holds configuration loaded from a local file.
type LocalConfig struct {
	GoogleAds GoogleAds
	Log       Log
	RateLimit RateLimit
	Storage   LocalStorage
	Sync      Sync
}

// LocalStorage holds where a local run keeps its snapshots.
type LocalStorage struct {
	// Compression enables zstd compression of payloads.
	Compression bool

	// DatabasePath is the SQLite database file.
	DatabasePath string
}

// localConfig represents the local configuration file structure.
type localConfig struct {
	GoogleAds localGoogleAds `yaml:"google_ads"`
	Log       localLog       `yaml:"log"`
	Storage   localStorage   `yaml:"storage"`
	Sync      localSync      `yaml:"sync"`
}

// localGoogleAds represents the google_ads section of the config file.
type localGoogleAds struct {
	APIVersion      string `yaml:"api_version"`
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	CustomerID      string `yaml:"customer_id"`
	DeveloperToken  string `yaml:"developer_token"`
	LoginCustomerID string `yaml:"login_customer_id"`
}

// localLog represents the log section of the config file.
type localLog struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// localStorage represents the storage section of the config file.
type localStorage struct {
	Compression *bool  `yaml:"compression"`
	Database    string `yaml:"database"`
}

// localSync represents the sync section of the config file.
type localSync struct {
	ConflictWindow time.Duration `yaml:"conflict_window"`
	Workers        int           `yaml:"workers"`
}

// ConfigDir returns the adsmirror configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, configDirName), nil
}

// ConfigFilePath returns the path to the local config file.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// DatabaseFilePath returns the default path of the local snapshot database.
func DatabaseFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, databaseFileName), nil
}

// LoadLocal loads configuration from the local config file.
func LoadLocal() (*LocalConfig, error) {
	configPath, err := ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadLocalFile(configPath)
}

// LoadLocalFile loads configuration from the config file at path.
func LoadLocalFile(path string) (*LocalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s (run 'adsmirror init' to create)", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var local localConfig
	if err := yaml.Unmarshal(data, &local); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg := &LocalConfig{
		GoogleAds: GoogleAds{
			APIVersion:      orDefault(local.GoogleAds.APIVersion, "v18"),
			BaseURL:         "https://googleads.googleapis.com",
			ClientID:        local.GoogleAds.ClientID,
			ClientSecret:    local.GoogleAds.ClientSecret,
			CustomerID:      local.GoogleAds.CustomerID,
			DeveloperToken:  local.GoogleAds.DeveloperToken,
			LoginCustomerID: local.GoogleAds.LoginCustomerID,
		},
		Log: Log{
			Format: orDefault(local.Log.Format, "console"),
			Level:  orDefault(local.Log.Level, "info"),
		},
		RateLimit: DefaultRateLimit(),
		Storage: LocalStorage{
			Compression:  local.Storage.Compression == nil || *local.Storage.Compression,
			DatabasePath: local.Storage.Database,
		},
		Sync: Sync{
			ConflictWindow: local.Sync.ConflictWindow,
			PoolSize:       1,
			Workers:        local.Sync.Workers,
		},
	}

	if cfg.Storage.DatabasePath == "" {
		// Defaults to the directory holding the config file.
		cfg.Storage.DatabasePath = filepath.Join(filepath.Dir(path), databaseFileName)
	}
	if cfg.Sync.ConflictWindow == 0 {
		cfg.Sync.ConflictWindow = 60 * time.Second
	}
	if cfg.Sync.Workers == 0 {
		cfg.Sync.Workers = 4
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LocalConfigExists checks if a local config file exists.
func LocalConfigExists() bool {
	configPath, err := ConfigFilePath()
	if err != nil {
		return false
	}
	_, err = os.Stat(configPath)
	return err == nil
}

// TokenFilePath returns the path to the local token file.
func TokenFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, tokenFileName), nil
}

// validate checks that required fields are set.
func (c *LocalConfig) validate() error {
	var errs []error

	if c.GoogleAds.ClientID == "" {
		errs = append(errs, errors.New("google_ads.client_id is required"))
	}
	if c.GoogleAds.ClientSecret == "" {
		errs = append(errs, errors.New("google_ads.client_secret is required"))
	}
	if c.GoogleAds.DeveloperToken == "" {
		errs = append(errs, errors.New("google_ads.developer_token is required"))
	}
	if c.GoogleAds.CustomerID == "" {
		errs = append(errs, errors.New("google_ads.customer_id is required"))
	}
	if c.Sync.Workers < 0 {
		errs = append(errs, errors.New("sync.workers cannot be negative"))
	}
	if c.Sync.ConflictWindow < 0 {
		errs = append(errs, errors.New("sync.conflict_window cannot be negative"))
	}

	return errors.Join(errs...)
}

func orDefault(value string, defaultValue string) string {
	if value != "" {
		return value
	}
	return defaultValue
}
