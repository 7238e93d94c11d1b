// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package overconfig loads engine and server settings from a config file and OVERLINE_* environment
// variables and keeps them current when the file changes.
package overconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mobiletoly/go-overline/overline"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. OVERLINE_BACKGROUND_SYNC_ENABLED.
const EnvPrefix = "OVERLINE"

// Configuration keys
const (
	KeyBackgroundSyncEnabled  = "background_sync.enabled"
	KeyBackgroundSyncInterval = "background_sync.interval"
	KeyNetworkDebounce        = "network.debounce"
	KeyNetworkInitially       = "network.initially_connected"
	KeyNetworkProbeInterval   = "network.probe_interval"
	KeyQueueMaxAttempts       = "queue.max_attempts"
	KeyBackoffMin             = "backoff.min"
	KeyBackoffMax             = "backoff.max"
	KeySendTimeout            = "transport.send_timeout"
	KeyCacheMaxEntries        = "cache.max_entries"
	KeyCacheMaxStaleAge       = "cache.max_stale_age"
	KeyCacheSnapshotInterval  = "cache.snapshot_interval"
	KeySessionLogSize         = "sync.session_log_size"
	KeyServerURL              = "server.url"
	KeyServerListen           = "server.listen"
	KeyServerDatabaseURL      = "server.database_url"
	KeyServerJWTSecret        = "server.jwt_secret"
	KeyServerToken            = "server.token"
	KeyStorePath              = "store.path"
	KeyLogLevel               = "log.level"
	KeyLogFile                = "log.file"
)

// Settings is a decoded snapshot of the configuration
type Settings struct {
	BackgroundSyncEnabled bool
	BackgroundInterval    time.Duration
	NetworkDebounce       time.Duration
	InitiallyConnected    bool
	ProbeInterval         time.Duration
	MaxAttempts           int
	BackoffMin            time.Duration
	BackoffMax            time.Duration
	SendTimeout           time.Duration
	CacheMaxEntries       int
	CacheMaxStaleAge      time.Duration
	SnapshotInterval      time.Duration
	SessionLogSize        int

	ServerURL         string
	ServerListen      string
	ServerDatabaseURL string
	ServerJWTSecret   string
	ServerToken       string
	StorePath         string

	LogLevel string
	LogFile  string
}

// EngineConfig converts the engine-related settings
func (s Settings) EngineConfig() *overline.Config {
	return &overline.Config{
		MaxAttempts:        s.MaxAttempts,
		BackoffMin:         s.BackoffMin,
		BackoffMax:         s.BackoffMax,
		SendTimeout:        s.SendTimeout,
		NetworkDebounce:    s.NetworkDebounce,
		InitiallyConnected: s.InitiallyConnected,
		CacheMaxEntries:    s.CacheMaxEntries,
		CacheMaxStaleAge:   s.CacheMaxStaleAge,
		SnapshotInterval:   s.SnapshotInterval,
		BackgroundInterval: s.BackgroundInterval,
		SessionLogSize:     s.SessionLogSize,
	}
}

// Source is an overline.ConfigSource backed by viper. Reads are served from the last decoded
// snapshot, so BackgroundSyncEnabled reflects the file as of the latest change event.
type Source struct {
	v      *viper.Viper
	logger *slog.Logger

	mu          sync.RWMutex
	settings    Settings
	subscribers []func(Settings)
	watching    bool
}

// Load reads path (YAML, TOML or JSON by extension) when non-empty, then applies environment overrides.
// A missing file is an error; an empty path uses defaults and the environment only.
func Load(path string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		logger.Debug("Loaded config file", "path", v.ConfigFileUsed())
	}

	s := &Source{v: v, logger: logger}
	settings, err := decode(v)
	if err != nil {
		return nil, err
	}
	s.settings = settings
	return s, nil
}

func setDefaults(v *viper.Viper) {
	d := overline.DefaultConfig()
	v.SetDefault(KeyBackgroundSyncEnabled, false)
	v.SetDefault(KeyBackgroundSyncInterval, d.BackgroundInterval)
	v.SetDefault(KeyNetworkDebounce, d.NetworkDebounce)
	v.SetDefault(KeyNetworkInitially, d.InitiallyConnected)
	v.SetDefault(KeyNetworkProbeInterval, 30*time.Second)
	v.SetDefault(KeyQueueMaxAttempts, d.MaxAttempts)
	v.SetDefault(KeyBackoffMin, d.BackoffMin)
	v.SetDefault(KeyBackoffMax, d.BackoffMax)
	v.SetDefault(KeySendTimeout, d.SendTimeout)
	v.SetDefault(KeyCacheMaxEntries, d.CacheMaxEntries)
	v.SetDefault(KeyCacheMaxStaleAge, d.CacheMaxStaleAge)
	v.SetDefault(KeyCacheSnapshotInterval, d.SnapshotInterval)
	v.SetDefault(KeySessionLogSize, d.SessionLogSize)
	v.SetDefault(KeyServerURL, "http://localhost:8080")
	v.SetDefault(KeyServerListen, ":8080")
	v.SetDefault(KeyServerDatabaseURL, "")
	v.SetDefault(KeyServerJWTSecret, "")
	v.SetDefault(KeyServerToken, "")
	v.SetDefault(KeyStorePath, "overline.db")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFile, "")
}

func decode(v *viper.Viper) (Settings, error) {
	s := Settings{
		BackgroundSyncEnabled: v.GetBool(KeyBackgroundSyncEnabled),
		BackgroundInterval:    v.GetDuration(KeyBackgroundSyncInterval),
		NetworkDebounce:       v.GetDuration(KeyNetworkDebounce),
		InitiallyConnected:    v.GetBool(KeyNetworkInitially),
		ProbeInterval:         v.GetDuration(KeyNetworkProbeInterval),
		MaxAttempts:           v.GetInt(KeyQueueMaxAttempts),
		BackoffMin:            v.GetDuration(KeyBackoffMin),
		BackoffMax:            v.GetDuration(KeyBackoffMax),
		SendTimeout:           v.GetDuration(KeySendTimeout),
		CacheMaxEntries:       v.GetInt(KeyCacheMaxEntries),
		CacheMaxStaleAge:      v.GetDuration(KeyCacheMaxStaleAge),
		SnapshotInterval:      v.GetDuration(KeyCacheSnapshotInterval),
		SessionLogSize:        v.GetInt(KeySessionLogSize),
		ServerURL:             v.GetString(KeyServerURL),
		ServerListen:          v.GetString(KeyServerListen),
		ServerDatabaseURL:     v.GetString(KeyServerDatabaseURL),
		ServerJWTSecret:       v.GetString(KeyServerJWTSecret),
		ServerToken:           v.GetString(KeyServerToken),
		StorePath:             v.GetString(KeyStorePath),
		LogLevel:              strings.ToLower(v.GetString(KeyLogLevel)),
		LogFile:               v.GetString(KeyLogFile),
	}
	if s.MaxAttempts < 0 {
		return Settings{}, fmt.Errorf("%s must be >= 0, got %d", KeyQueueMaxAttempts, s.MaxAttempts)
	}
	if s.BackoffMin > 0 && s.BackoffMax > 0 && s.BackoffMax < s.BackoffMin {
		return Settings{}, fmt.Errorf("%s (%s) must not be below %s (%s)", KeyBackoffMax, s.BackoffMax, KeyBackoffMin, s.BackoffMin)
	}
	if s.CacheMaxEntries < 0 {
		return Settings{}, errors.New(KeyCacheMaxEntries + " must be >= 0")
	}
	return s, nil
}

// Settings returns the current snapshot
func (s *Source) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// BackgroundSyncEnabled implements overline.ConfigSource
func (s *Source) BackgroundSyncEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.BackgroundSyncEnabled
}

// Set overrides key (typically from a CLI flag) and refreshes the snapshot
func (s *Source) Set(key string, value any) error {
	s.v.Set(key, value)
	return s.refresh()
}

// OnChange registers cb to be called with the new settings after every successful reload
func (s *Source) OnChange(cb func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, cb)
}

// Watch starts following the config file. Invalid edits are logged and the previous snapshot is kept.
func (s *Source) Watch() {
	s.mu.Lock()
	if s.watching || s.v.ConfigFileUsed() == "" {
		s.mu.Unlock()
		return
	}
	s.watching = true
	s.mu.Unlock()

	s.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
			return
		}
		s.logger.Info("Config file changed", "path", e.Name, "op", e.Op.String())
		if err := s.refresh(); err != nil {
			s.logger.Error("Ignoring invalid config change", "path", e.Name, "error", err)
		}
	})
	s.v.WatchConfig()
}

func (s *Source) refresh() error {
	settings, err := decode(s.v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.settings = settings
	subs := append(([]func(Settings))(nil), s.subscribers...)
	s.mu.Unlock()
	for _, cb := range subs {
		cb(settings)
	}
	return nil
}

var _ overline.ConfigSource = (*Source)(nil)
