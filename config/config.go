package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatsync"
	// RealtimeEndpointAuto resolves the realtime relay via mDNS discovery.
	RealtimeEndpointAuto = "auto"
	// DefaultRedisAddr is used when no remote store address is configured.
	DefaultRedisAddr = "localhost:6379"
	// DefaultBlobBucket is the object store bucket for file attachments.
	DefaultBlobBucket = "chatsync-files"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent client settings.
type ClientConfig struct {
	UserID     string `json:"user_id"`
	DeviceName string `json:"device_name"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`

	// RealtimeEndpoint is a ws:// URL, or "auto" to discover the relay
	// on the local network.
	RealtimeEndpoint string `json:"realtime_endpoint"`

	BlobEndpoint  string `json:"blob_endpoint"`
	BlobAccessKey string `json:"blob_access_key"`
	BlobSecretKey string `json:"blob_secret_key"`
	BlobBucket    string `json:"blob_bucket"`
	BlobUseSSL    bool   `json:"blob_use_ssl"`

	ContentKeyPath string `json:"content_key_path"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHATSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("CHATSYNC_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ClientConfig {
	deviceName := "chatsync client"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	return &ClientConfig{
		UserID:           uuid.NewString(),
		DeviceName:       deviceName,
		RedisAddr:        DefaultRedisAddr,
		RealtimeEndpoint: RealtimeEndpointAuto,
		BlobBucket:       DefaultBlobBucket,
		ContentKeyPath:   filepath.Join(dataDir, "keys", "content_key.pem"),
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "chatsync client"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.RedisAddr == "" {
		cfg.RedisAddr = DefaultRedisAddr
		updated = true
	}

	if cfg.RealtimeEndpoint == "" {
		cfg.RealtimeEndpoint = RealtimeEndpointAuto
		updated = true
	}

	if cfg.BlobBucket == "" {
		cfg.BlobBucket = DefaultBlobBucket
		updated = true
	}

	if cfg.ContentKeyPath == "" {
		cfg.ContentKeyPath = filepath.Join(dataDir, "keys", "content_key.pem")
		updated = true
	}

	return updated
}
