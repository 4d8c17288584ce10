package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-telegram/bot"
)

// TelegramConfig selects the bot and destination chat
type TelegramConfig struct {
	Token  string `yaml:"token" mapstructure:"token"`
	ChatID int64  `yaml:"chat_id" mapstructure:"chat_id"`
	// ServerURL overrides the Bot API endpoint
	ServerURL string `yaml:"server_url" mapstructure:"server_url"`
	// Client replaces the bot's HTTP client, e.g. with a traced one
	Client *http.Client `yaml:"-" mapstructure:"-"`
}

// Telegram posts alerts to one chat through the Bot API
type Telegram struct {
	bot    *bot.Bot
	chatID int64
}

// NewTelegram creates the bot client. It does not poll for updates.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram: token and chat_id are required")
	}
	opts := []bot.Option{bot.WithSkipGetMe()}
	if cfg.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(cfg.ServerURL))
	}
	if cfg.Client != nil {
		opts = append(opts, bot.WithHTTPClient(time.Minute, cfg.Client))
	}
	b, err := bot.New(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: b, chatID: cfg.ChatID}, nil
}

func (t *Telegram) Notify(ctx context.Context, a Alert) error {
	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   a.Text,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
