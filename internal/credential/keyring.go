package credential

import (
	"fmt"

	"github.com/99designs/keyring"

	"github.com/nhle/mailrelay/internal/model"
)

const serviceName = "mailrelay"

// BotTokenKey is the keyring key holding the Telegram bot token.
const BotTokenKey = "telegram-bot-token"

// Getter looks up a secret by key.
type Getter func(key string) (string, error)

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailrelay/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailrelay-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key from the system keyring.
func Delete(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Remove(key)
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

// Resolve returns value when set, otherwise the secret stored under key.
func Resolve(value, key string, get Getter) (string, error) {
	if value != "" {
		return value, nil
	}
	secret, err := get(key)
	if err != nil {
		return "", err
	}
	if secret == "" {
		return "", fmt.Errorf("credential %q is empty", key)
	}
	return secret, nil
}

// ResolveConfig fills missing account passwords and the bot token from
// the keyring.
func ResolveConfig(cfg *model.AppConfig, get Getter) error {
	token, err := Resolve(cfg.Telegram.BotToken, BotTokenKey, get)
	if err != nil {
		return fmt.Errorf("resolving telegram bot token: %w", err)
	}
	cfg.Telegram.BotToken = token

	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		password, err := Resolve(acc.Password, acc.CredentialKey(), get)
		if err != nil {
			return fmt.Errorf("resolving password for %s: %w", acc.DisplayName(), err)
		}
		acc.Password = password
	}

	return nil
}
