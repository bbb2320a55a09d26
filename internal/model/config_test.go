package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - name: Work
    server: imap.example.com
    username: me@example.com
  - name: Legacy
    server: mail.example.org
    port: 143
    username: old@example.org
    starttls: true
    folder: Archive
    last_checked_uid: 812
telegram:
  bot_token: "123:abc"
  chat_id: -1001234
blacklist:
  subjects: ["Скидки"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Accounts, 2)
	work := cfg.Accounts[0]
	assert.Equal(t, 993, work.Port)
	assert.Equal(t, "INBOX", work.Folder)
	assert.True(t, work.TLS)

	legacy := cfg.Accounts[1]
	assert.False(t, legacy.TLS)
	assert.True(t, legacy.StartTLS)
	assert.Equal(t, 143, legacy.Port)
	assert.Equal(t, uint32(812), legacy.LastCheckedUID)

	assert.Equal(t, int64(-1001234), cfg.Telegram.ChatID)
	assert.Equal(t, DefaultCheckIntervalSec, cfg.Settings.CheckIntervalSec)
	assert.Equal(t, DefaultBodyLimit, cfg.Settings.BodyLimit)
	assert.Equal(t, StateBackendSQLite, cfg.Settings.StateBackend)
	assert.Equal(t, DefaultStuckAfter, cfg.Settings.StuckAfter)
	assert.Zero(t, cfg.Settings.ForceSkipAfter)
	assert.True(t, cfg.Blacklist.CheckBody)
	assert.Equal(t, []string{"Скидки"}, cfg.Blacklist.Subjects)
}

func TestLoadConfig_ExplicitTLSFalse(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - server: localhost
    port: 1143
    username: test
    tls: false
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.Accounts[0].TLS)
	assert.False(t, cfg.Accounts[0].StartTLS)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing server",
			body: "accounts:\n  - username: me\n",
			want: "server is required",
		},
		{
			name: "duplicate account",
			body: "accounts:\n  - {server: s, username: u}\n  - {server: s, username: u}\n",
			want: "duplicate account id",
		},
		{
			name: "bad backend",
			body: "settings:\n  state_backend: etcd\n",
			want: "unknown settings.state_backend",
		},
		{
			name: "zero interval",
			body: "settings:\n  check_interval: 0\n",
			want: "check_interval must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	want := DefaultAppConfig()
	want.Telegram.ChatID = 42

	require.NoError(t, SaveConfig(path, want))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, want.Accounts, got.Accounts)
	assert.Equal(t, want.Telegram, got.Telegram)
	assert.Equal(t, want.Blacklist, got.Blacklist)
	assert.Equal(t, want.Settings, got.Settings)
}

func TestAccountConfig_Identity(t *testing.T) {
	acc := AccountConfig{Server: "IMAP.Example.com", Username: "Me+Tag@Example.com"}
	assert.Equal(t, "me_tag@example.com@imap.example.com_inbox", acc.AccountID())
	assert.Equal(t, acc.AccountID(), acc.DisplayName())
	assert.Equal(t, "imap-me_tag@example.com@imap.example.com_inbox", acc.CredentialKey())

	acc.ID = "work"
	acc.Name = "Work"
	acc.Port = 993
	assert.Equal(t, "work", acc.AccountID())
	assert.Equal(t, "Work", acc.DisplayName())
	assert.Equal(t, "IMAP.Example.com:993", acc.Address())
}
