package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

// Credentials holds API keys loaded from credentials.toml.
type Credentials struct {
	YutoriAPIKey  string `toml:"yutori_api_key"`
	FreepikAPIKey string `toml:"freepik_api_key"`
}

// LoadCredentials reads credentials.toml. Returns an empty Credentials if
// the file does not exist. Warns if the file has insecure permissions.
func LoadCredentials() (*Credentials, error) {
	path, err := CredentialsPath()
	if err != nil {
		return &Credentials{}, nil
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return &Credentials{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat credentials: %w", err)
	}

	// Warn on insecure permissions (anything beyond owner read/write).
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		log.Warn().Str("path", path).Str("mode", fmt.Sprintf("%04o", perm)).
			Msg("credentials file has insecure permissions")
	}

	creds := &Credentials{}
	if _, err := toml.DecodeFile(path, creds); err != nil {
		return nil, fmt.Errorf("decode credentials %s: %w", path, err)
	}
	return creds, nil
}

// SaveCredentials writes credentials.toml with 0600 permissions.
func SaveCredentials(creds *Credentials) error {
	path, err := CredentialsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(creds); err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), fs.FileMode(0o600)); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Store     string `toml:"store"`
	DBPath    string `toml:"db_path"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Server        ServerConfig        `toml:"server"`
	Research      ProviderConfig      `toml:"research"`
	Creative      ProviderConfig      `toml:"creative"`
	Retry         RetryConfig         `toml:"retry"`
	Status        StatusConfig        `toml:"status"`
	Notifications NotificationsConfig `toml:"notifications"`
	Telemetry     TelemetryConfig     `toml:"telemetry"`
	Defaults      DefaultsConfig      `toml:"defaults"`

	// Resolved at runtime (not in TOML).
	BaseDir string `toml:"-"`
}

type ServerConfig struct {
	Addr       string `toml:"addr"`
	MaxWorkers int    `toml:"max_workers"`
	// RateLimit is requests per minute per client IP; negative disables limiting.
	RateLimit       int      `toml:"rate_limit"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type ProviderConfig struct {
	BaseURL      string   `toml:"base_url"`
	APIKey       string   `toml:"api_key"`
	PollInterval Duration `toml:"poll_interval"`
	Timeout      Duration `toml:"timeout"`
}

type RetryConfig struct {
	MaxRetries     *int     `toml:"max_retries"`
	BaseDelay      Duration `toml:"base_delay"`
	MaxDelay       Duration `toml:"max_delay"`
	RequestTimeout Duration `toml:"request_timeout"`
}

type StatusConfig struct {
	StaleAfter Duration `toml:"stale_after"`
}

type NotificationsConfig struct {
	WebhookURL   string   `toml:"webhook_url"`
	SlackWebhook string   `toml:"slack_webhook"`
	Triggers     []string `toml:"triggers"`
}

type TelemetryConfig struct {
	Tracing   bool   `toml:"tracing"`
	TraceFile string `toml:"trace_file"`
}

type DefaultsConfig struct {
	Timezone    string `toml:"timezone"`
	Imagination string `toml:"imagination"`
	AspectRatio string `toml:"aspect_ratio"`
}

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

const (
	TriggerSucceeded = "succeeded"
	TriggerFailed    = "failed"
	TriggerCancelled = "cancelled"
)

var defaultNotificationTriggers = []string{
	TriggerSucceeded,
	TriggerFailed,
	TriggerCancelled,
}

const (
	DefaultAddr            = "127.0.0.1:8067"
	DefaultResearchBaseURL = "https://api.yutori.com"
	DefaultCreativeBaseURL = "https://api.freepik.com"
)

// Load reads the config at path and layers defaults, credentials.toml and
// the environment over it. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		cfg.BaseDir = filepath.Dir(path)
	} else if wd, err := os.Getwd(); err == nil {
		cfg.BaseDir = wd
	}
	// Snapshot keys from the config file before credentials/env are merged in.
	fileKeys := [2]string{cfg.Research.APIKey, cfg.Creative.APIKey}
	applyDefaults(cfg)
	applyCredentialsAndEnv(cfg)
	warnKeysInFile(fileKeys)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	resolvePaths(cfg)
	return cfg, nil
}

// LoadDefault loads the global config file when it exists and the defaults
// otherwise.
func LoadDefault() (*Config, error) {
	path, err := GlobalConfigPath()
	if err != nil {
		return Load("")
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Load("")
	}
	return Load(path)
}

func applyDefaults(cfg *Config) {
	if cfg.Store == "" {
		cfg.Store = StoreMemory
	}
	if cfg.DBPath == "" {
		if d, err := DataDir(); err == nil {
			cfg.DBPath = filepath.Join(d, "sixseven.db")
		} else {
			cfg.DBPath = "sixseven.db"
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Server.MaxWorkers == 0 {
		cfg.Server.MaxWorkers = 4
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 120
	}
	if cfg.Server.ShutdownTimeout.Duration == 0 {
		cfg.Server.ShutdownTimeout.Duration = 10 * time.Second
	}
	providerDefaults(&cfg.Research, DefaultResearchBaseURL, 2500*time.Millisecond, 60*time.Second)
	providerDefaults(&cfg.Creative, DefaultCreativeBaseURL, 3*time.Second, 60*time.Second)
	if cfg.Retry.MaxRetries == nil {
		n := 2
		cfg.Retry.MaxRetries = &n
	}
	if cfg.Retry.BaseDelay.Duration == 0 {
		cfg.Retry.BaseDelay.Duration = 500 * time.Millisecond
	}
	if cfg.Retry.MaxDelay.Duration == 0 {
		cfg.Retry.MaxDelay.Duration = 10 * time.Second
	}
	if cfg.Retry.RequestTimeout.Duration == 0 {
		cfg.Retry.RequestTimeout.Duration = 30 * time.Second
	}
	if cfg.Status.StaleAfter.Duration == 0 {
		cfg.Status.StaleAfter.Duration = 15 * time.Minute
	}
	if cfg.Notifications.Triggers == nil {
		cfg.Notifications.Triggers = slices.Clone(defaultNotificationTriggers)
	}
	if cfg.Telemetry.Tracing && cfg.Telemetry.TraceFile == "" {
		cfg.Telemetry.TraceFile = DefaultTracePath()
	}
	if cfg.Defaults.Timezone == "" {
		cfg.Defaults.Timezone = "America/Los_Angeles"
	}
	if cfg.Defaults.Imagination == "" {
		cfg.Defaults.Imagination = "vivid"
	}
	if cfg.Defaults.AspectRatio == "" {
		cfg.Defaults.AspectRatio = "original"
	}
}

func providerDefaults(p *ProviderConfig, baseURL string, poll, timeout time.Duration) {
	if p.BaseURL == "" {
		p.BaseURL = baseURL
	}
	if p.PollInterval.Duration == 0 {
		p.PollInterval.Duration = poll
	}
	if p.Timeout.Duration == 0 {
		p.Timeout.Duration = timeout
	}
}

// applyCredentialsAndEnv merges keys from credentials.toml and then from
// environment variables. Priority (highest → lowest): env > credentials.toml > config file.
func applyCredentialsAndEnv(cfg *Config) {
	loadDotEnv()

	creds, err := LoadCredentials()
	if err != nil {
		log.Warn().Err(err).Msg("failed to load credentials")
	}
	if creds != nil {
		if creds.YutoriAPIKey != "" {
			cfg.Research.APIKey = creds.YutoriAPIKey
		}
		if creds.FreepikAPIKey != "" {
			cfg.Creative.APIKey = creds.FreepikAPIKey
		}
	}

	// Env vars win over everything.
	if v := os.Getenv("YUTORI_API_KEY"); v != "" {
		cfg.Research.APIKey = v
	}
	if v := os.Getenv("FREEPIK_API_KEY"); v != "" {
		cfg.Creative.APIKey = v
	}
	if v := os.Getenv("SIXSEVEN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("SIXSEVEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SIXSEVEN_STORE"); v != "" {
		cfg.Store = strings.ToLower(v)
	}
}

// loadDotEnv populates the environment from .env and SIXSEVEN_ENV_FILE.
// Variables already set are left alone.
func loadDotEnv() {
	files := []string{".env"}
	if v := os.Getenv("SIXSEVEN_ENV_FILE"); v != "" {
		files = append(files, v)
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("path", f).Msg("failed to load env file")
		}
	}
}

// warnKeysInFile warns only when a key was literally written in config.toml.
func warnKeysInFile(fileKeys [2]string) {
	if fileKeys[0] != "" {
		log.Warn().Msg("research api key found in config file; prefer credentials.toml or YUTORI_API_KEY env var")
	}
	if fileKeys[1] != "" {
		log.Warn().Msg("creative api key found in config file; prefer credentials.toml or FREEPIK_API_KEY env var")
	}
}

func validate(cfg *Config) error {
	switch cfg.Store {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("unsupported store: %q (must be memory or sqlite)", cfg.Store)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level: %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log_format: %q (must be json or console)", cfg.LogFormat)
	}
	if cfg.Server.MaxWorkers < 1 {
		return fmt.Errorf("server.max_workers must be at least 1, got %d", cfg.Server.MaxWorkers)
	}
	if err := validateProvider("research", cfg.Research); err != nil {
		return err
	}
	if err := validateProvider("creative", cfg.Creative); err != nil {
		return err
	}
	if *cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", *cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BaseDelay.Duration < 0 || cfg.Retry.MaxDelay.Duration < 0 || cfg.Retry.RequestTimeout.Duration < 0 {
		return fmt.Errorf("retry durations must not be negative")
	}
	normalizedTriggers, err := validateNotificationsConfig(cfg.Notifications)
	if err != nil {
		return err
	}
	cfg.Notifications.Triggers = normalizedTriggers
	if _, err := time.LoadLocation(cfg.Defaults.Timezone); err != nil {
		return fmt.Errorf("invalid defaults.timezone %q: %w", cfg.Defaults.Timezone, err)
	}
	return nil
}

func validateProvider(name string, p ProviderConfig) error {
	if err := validateWebhookURL(p.BaseURL); err != nil {
		return fmt.Errorf("invalid %s.base_url: %w", name, err)
	}
	if p.PollInterval.Duration <= 0 {
		return fmt.Errorf("%s.poll_interval must be positive", name)
	}
	if p.Timeout.Duration <= 0 {
		return fmt.Errorf("%s.timeout must be positive", name)
	}
	return nil
}

func validateNotificationsConfig(cfg NotificationsConfig) ([]string, error) {
	if cfg.WebhookURL != "" {
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("invalid notifications.webhook_url: %w", err)
		}
	}
	if cfg.SlackWebhook != "" {
		if err := validateWebhookURL(cfg.SlackWebhook); err != nil {
			return nil, fmt.Errorf("invalid notifications.slack_webhook: %w", err)
		}
	}
	normalized, err := normalizeTriggers(cfg.Triggers)
	if err != nil {
		return nil, fmt.Errorf("invalid notifications.triggers: %w", err)
	}
	return normalized, nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func normalizeTriggers(triggers []string) ([]string, error) {
	out := make([]string, 0, len(triggers))
	seen := make(map[string]struct{}, len(triggers))
	for i, trigger := range triggers {
		normalized := strings.ToLower(strings.TrimSpace(trigger))
		if normalized == "" {
			return nil, fmt.Errorf("trigger at index %d is empty", i)
		}
		if !isValidTrigger(normalized) {
			return nil, fmt.Errorf("unsupported trigger %q", normalized)
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out, nil
}

func isValidTrigger(trigger string) bool {
	switch trigger {
	case TriggerSucceeded, TriggerFailed, TriggerCancelled:
		return true
	default:
		return false
	}
}

func resolvePaths(cfg *Config) {
	cfg.DBPath = absPath(cfg.BaseDir, cfg.DBPath)
	if cfg.Telemetry.TraceFile != "" {
		cfg.Telemetry.TraceFile = absPath(cfg.BaseDir, cfg.Telemetry.TraceFile)
	}
}

func absPath(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
