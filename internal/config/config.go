package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"finalarm/internal/model"
)

type Config struct {
	LogLevel string            `json:"log_level" yaml:"log_level"`
	Log      LogConfig         `json:"log" yaml:"log"`
	Timezone string            `json:"timezone" yaml:"timezone"`
	Ingest   IngestConfig      `json:"ingest" yaml:"ingest"`
	Engine   EngineConfig      `json:"engine" yaml:"engine"`
	API      APIConfig         `json:"api" yaml:"api"`
	Storage  StorageConfig     `json:"storage" yaml:"storage"`
	Rules    []model.AlertRule `json:"rules" yaml:"rules"`
}

type LogConfig struct {
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

type IngestConfig struct {
	ChannelBuffer  int              `json:"channel_buffer" yaml:"channel_buffer"`
	REST           RESTConfig       `json:"rest" yaml:"rest"`
	Kafka          KafkaConfig      `json:"kafka" yaml:"kafka"`
	FileSource     FileSourceConfig `json:"file_source" yaml:"file_source"`
	FileTail       FileTailConfig   `json:"file_tail" yaml:"file_tail"`
	CategoriesFile string           `json:"categories_file" yaml:"categories_file"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

// FileSourceConfig points at a provider export polled on a cron schedule.
type FileSourceConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Path     string `json:"path" yaml:"path"`
	Schedule string `json:"schedule" yaml:"schedule"`
}

// FileTailConfig follows line-per-record statement exports as they grow.
type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Files      []string `json:"files" yaml:"files"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
}

type EngineConfig struct {
	DispatchTimeout  time.Duration `json:"dispatch_timeout" yaml:"dispatch_timeout"`
	SubscriberBuffer int           `json:"subscriber_buffer" yaml:"subscriber_buffer"`
	// EvaluateSchedule is a cron spec for periodic passes. Empty disables them.
	EvaluateSchedule string `json:"evaluate_schedule" yaml:"evaluate_schedule"`
}

type APIConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	Addr          string   `json:"addr" yaml:"addr"`
	CORSOrigins   []string `json:"cors_origins" yaml:"cors_origins"`
	TestEndpoints bool     `json:"test_endpoints" yaml:"test_endpoints"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Log:      LogConfig{MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 28},
		Timezone: "UTC",
		Ingest: IngestConfig{
			ChannelBuffer: 1000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:         KafkaConfig{Enabled: false},
			FileSource:    FileSourceConfig{Enabled: false, Schedule: "@every 5m"},
		},
		Engine: EngineConfig{
			DispatchTimeout:  2 * time.Second,
			SubscriberBuffer: 64,
			EvaluateSchedule: "@every 1h",
		},
		API:     APIConfig{Enabled: true, Addr: ":8081", CORSOrigins: []string{"*"}},
		Storage: StorageConfig{Enabled: true, Driver: "sqlite", DSN: "file:finalarm.db?_pragma=busy_timeout(5000)"},
		Rules:   DefaultRules(),
	}
}

// DefaultRules is the rule set seeded for a fresh install.
func DefaultRules() []model.AlertRule {
	return []model.AlertRule{
		{
			ID: "low-balance", Name: "Low Balance Warning", Kind: model.KindLowBalance, Enabled: true,
			Params: model.LowBalanceParams{Threshold: decimal.NewFromInt(1000)},
		},
		{
			ID: "large-transaction", Name: "Large Transaction Alert", Kind: model.KindLargeTransaction, Enabled: true,
			Params: model.LargeTransactionParams{ThresholdAmount: decimal.NewFromInt(2000)},
		},
		{
			ID: "restaurant-limit", Name: "Restaurant Spending Limit", Kind: model.KindCategoryLimit, Enabled: true,
			Params: model.CategoryLimitParams{Category: "Restaurants", MonthlyLimit: decimal.NewFromInt(2000)},
		},
		{
			ID: "spending-spike", Name: "Spending Spike Detection", Kind: model.KindSpendingSpike, Enabled: true,
			Params: model.SpendingSpikeParams{ThresholdMultiplier: 2.0, LookbackDays: 7},
		},
		{
			ID: "new-subscription", Name: "New Subscription Detection", Kind: model.KindNewSubscription, Enabled: true,
			Params: model.NewSubscriptionParams{MinOccurrences: 2, MaxDaysBetween: 35},
		},
		{
			ID: "payday-reminder", Name: "Payday Reminder", Kind: model.KindPaydayCountdown, Enabled: true,
			Params: model.PaydayCountdownParams{Payday: 25, DaysBefore: 3, LowBalanceThreshold: decimal.NewFromInt(2000)},
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	cfg.Rules = nil

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it is set, otherwise returns the defaults with
// environment overrides applied. A .env file in the working directory is read
// first when present.
func LoadOrDefault(path string) (*Config, error) {
	_ = godotenv.Load()
	if path == "" {
		cfg := DefaultConfig()
		applyEnv(cfg)
		return cfg, Validate(cfg)
	}
	return Load(path)
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 1000
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.Engine.DispatchTimeout <= 0 {
		cfg.Engine.DispatchTimeout = 2 * time.Second
	}
	if cfg.Engine.SubscriberBuffer <= 0 {
		cfg.Engine.SubscriberBuffer = 64
	}
	if cfg.Ingest.FileSource.Schedule == "" {
		cfg.Ingest.FileSource.Schedule = "@every 5m"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultRules()
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FINALARM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FINALARM_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("FINALARM_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("FINALARM_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("FINALARM_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.FileSource.Enabled && cfg.Ingest.FileSource.Path == "" {
		return errors.New("ingest.file_source.path required when ingest.file_source.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	seen := make(map[string]bool, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		if err := rule.Validate(); err != nil {
			return err
		}
		if seen[rule.ID] {
			return fmt.Errorf("rules: duplicate id %q", rule.ID)
		}
		seen[rule.ID] = true
	}
	return nil
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	return m, nil
}

// NewStaticManager wraps an already loaded config. Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
