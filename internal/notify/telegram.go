package notify

import (
	"context"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/nhle/mailrelay/internal/model"
)

// TelegramSink sends messages to a single Telegram chat.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink authenticates the bot token against the Bot API. A nil
// client selects http.DefaultClient.
func NewTelegramSink(cfg model.TelegramConfig, client *http.Client) (*TelegramSink, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is not configured")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat_id is not configured")
	}
	if client == nil {
		client = http.DefaultClient
	}

	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("connecting telegram bot: %w", err)
	}

	return &TelegramSink{bot: bot, chatID: cfg.ChatID}, nil
}

// BotName returns the username the token belongs to.
func (s *TelegramSink) BotName() string {
	return s.bot.Self.UserName
}

// Send posts text to the configured chat in Markdown mode.
func (s *TelegramSink) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(s.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true

	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return nil
}
