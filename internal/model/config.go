package model

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// AccountConfig holds the connection settings for a single mailbox.
type AccountConfig struct {
	// ID is the stable identifier used as the state-store key. When empty
	// it is derived from username, server and folder.
	ID string `mapstructure:"id" yaml:"id,omitempty"`

	// Name is the display label used in notifications.
	Name string `mapstructure:"name" yaml:"name"`

	Server   string `mapstructure:"server" yaml:"server"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// Password may be left empty, in which case it is looked up in the
	// system keyring under CredentialKey().
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// Folder is the mailbox to poll (default INBOX).
	Folder string `mapstructure:"folder" yaml:"folder"`

	// TLS selects implicit TLS; StartTLS upgrades a plaintext connection.
	// With both false the connection is unencrypted.
	TLS      bool `mapstructure:"tls" yaml:"tls"`
	StartTLS bool `mapstructure:"starttls" yaml:"starttls"`

	// LastCheckedUID seeds the watermark the first time the account is
	// seen by the state store. Later progress lives in the store only.
	LastCheckedUID uint32 `mapstructure:"last_checked_uid" yaml:"last_checked_uid"`
}

var idUnsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._@-]`)

// AccountID returns the explicit ID or one derived from the mailbox
// coordinates.
func (a AccountConfig) AccountID() string {
	if a.ID != "" {
		return a.ID
	}
	folder := a.Folder
	if folder == "" {
		folder = "INBOX"
	}
	raw := strings.ToLower(a.Username + "@" + a.Server + "/" + folder)
	return idUnsafeChars.ReplaceAllString(raw, "_")
}

// DisplayName returns Name, falling back to the account ID.
func (a AccountConfig) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.AccountID()
}

// CredentialKey is the keyring key holding this account's password.
func (a AccountConfig) CredentialKey() string {
	return "imap-" + a.AccountID()
}

// Address returns host:port for dialing.
func (a AccountConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Server, a.Port)
}

// TelegramConfig holds the notification destination.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token" yaml:"bot_token,omitempty"`
	ChatID   int64  `mapstructure:"chat_id" yaml:"chat_id"`

	// APIEndpoint overrides the Bot API URL format (token, method).
	APIEndpoint string `mapstructure:"api_endpoint" yaml:"api_endpoint,omitempty"`
}

// BlacklistConfig lists the deny rules. Every entry is matched as a
// case-insensitive substring.
type BlacklistConfig struct {
	Senders  []string `mapstructure:"senders" yaml:"senders"`
	Subjects []string `mapstructure:"subjects" yaml:"subjects"`
	Contains []string `mapstructure:"contains" yaml:"contains"`
	Domains  []string `mapstructure:"domains" yaml:"domains"`

	// CheckBody enables the Contains rules against the message body.
	CheckBody bool `mapstructure:"check_body" yaml:"check_body"`
}

// SettingsConfig holds runtime tuning.
type SettingsConfig struct {
	// CheckIntervalSec is the pause between polling cycles.
	CheckIntervalSec int `mapstructure:"check_interval" yaml:"check_interval"`

	// StateBackend is "sqlite" or "redis".
	StateBackend string `mapstructure:"state_backend" yaml:"state_backend"`
	DBPath       string `mapstructure:"db_path" yaml:"db_path"`
	RedisAddr    string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB      int    `mapstructure:"redis_db" yaml:"redis_db"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogDir   string `mapstructure:"log_dir" yaml:"log_dir"`

	// BodyLimit is the maximum body excerpt length in characters.
	BodyLimit int `mapstructure:"body_limit" yaml:"body_limit"`

	// FetchTimeoutSec bounds a single account's cycle.
	FetchTimeoutSec int `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`

	// StuckAfter is the number of failed fetches of one UID after which
	// an operator alert is raised.
	StuckAfter int `mapstructure:"stuck_after" yaml:"stuck_after"`

	// ForceSkipAfter, when positive, decides a UID as skipped after that
	// many failed fetches so the account can make progress. Zero keeps
	// retrying forever.
	ForceSkipAfter int `mapstructure:"force_skip_after" yaml:"force_skip_after"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Accounts  []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Telegram  TelegramConfig  `mapstructure:"telegram" yaml:"telegram"`
	Settings  SettingsConfig  `mapstructure:"settings" yaml:"settings"`
	Blacklist BlacklistConfig `mapstructure:"blacklist" yaml:"blacklist"`
}

const (
	DefaultCheckIntervalSec = 60
	DefaultBodyLimit        = 4000
	DefaultFetchTimeoutSec  = 120
	DefaultStuckAfter       = 5

	StateBackendSQLite = "sqlite"
	StateBackendRedis  = "redis"
)

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailrelay/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailrelay", "config.yaml")
}

// defaultDBPath places the state database next to the config file.
func defaultDBPath() string {
	return filepath.Join(filepath.Dir(DefaultConfigPath()), "state.db")
}

// DefaultAppConfig returns the configuration written by `mailrelay init`.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Accounts: []AccountConfig{
			{
				Name:     "Account 1",
				Server:   "imap.example.com",
				Port:     993,
				Username: "your_email1@example.com",
				Password: "your_password1",
				Folder:   "INBOX",
				TLS:      true,
			},
		},
		Telegram: TelegramConfig{
			BotToken: "your_telegram_bot_token",
		},
		Settings: defaultSettings(),
		Blacklist: BlacklistConfig{
			Senders:   []string{"spam@example.com", "newsletter@example.com"},
			Subjects:  []string{"Специальное предложение", "Скидки"},
			Contains:  []string{"Unsubscribe", "отписаться"},
			Domains:   []string{"spam-domain.com"},
			CheckBody: true,
		},
	}
}

func defaultSettings() SettingsConfig {
	return SettingsConfig{
		CheckIntervalSec: DefaultCheckIntervalSec,
		StateBackend:     StateBackendSQLite,
		DBPath:           defaultDBPath(),
		RedisAddr:        "localhost:6379",
		LogLevel:         "info",
		BodyLimit:        DefaultBodyLimit,
		FetchTimeoutSec:  DefaultFetchTimeoutSec,
		StuckAfter:       DefaultStuckAfter,
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	d := defaultSettings()
	v.SetDefault("settings.check_interval", d.CheckIntervalSec)
	v.SetDefault("settings.state_backend", d.StateBackend)
	v.SetDefault("settings.db_path", d.DBPath)
	v.SetDefault("settings.redis_addr", d.RedisAddr)
	v.SetDefault("settings.log_level", d.LogLevel)
	v.SetDefault("settings.body_limit", d.BodyLimit)
	v.SetDefault("settings.fetch_timeout", d.FetchTimeoutSec)
	v.SetDefault("settings.stuck_after", d.StuckAfter)
	v.SetDefault("blacklist.check_body", true)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		if acc.Folder == "" {
			acc.Folder = "INBOX"
		}
		if acc.Port == 0 {
			acc.Port = 993
		}
		if !acc.TLS {
			// Viper unmarshals missing bools as false; treat unset as true
			// unless STARTTLS was requested.
			key := fmt.Sprintf("accounts.%d.tls", i)
			if !v.IsSet(key) && !acc.StartTLS {
				acc.TLS = true
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the relay cannot run with.
func (c *AppConfig) Validate() error {
	if c.Settings.CheckIntervalSec <= 0 {
		return fmt.Errorf("settings.check_interval must be positive")
	}
	if c.Settings.BodyLimit <= 0 {
		return fmt.Errorf("settings.body_limit must be positive")
	}
	switch c.Settings.StateBackend {
	case StateBackendSQLite, StateBackendRedis:
	default:
		return fmt.Errorf("unknown settings.state_backend %q", c.Settings.StateBackend)
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, acc := range c.Accounts {
		if acc.Server == "" {
			return fmt.Errorf("accounts[%d]: server is required", i)
		}
		if acc.Username == "" {
			return fmt.Errorf("accounts[%d]: username is required", i)
		}
		id := acc.AccountID()
		if seen[id] {
			return fmt.Errorf("accounts[%d]: duplicate account id %q", i, id)
		}
		seen[id] = true
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("accounts", cfg.Accounts)
	v.Set("telegram", cfg.Telegram)
	v.Set("settings", cfg.Settings)
	v.Set("blacklist", cfg.Blacklist)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return os.Chmod(path, 0o600)
}
