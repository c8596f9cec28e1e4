package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts through the Bot API sendMessage call.
type TelegramSender struct {
	token  string
	chatID string
	http   *resty.Client
}

// NewTelegramSender creates a sender for one bot and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:  token,
		chatID: chatID,
		http:   resty.New().SetBaseURL(telegramAPI).SetTimeout(10 * time.Second),
	}
}

// Name implements Sender.
func (t *TelegramSender) Name() string { return "telegram" }

// Send renders the title in bold Markdown.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id":    t.chatID,
			"text":       fmt.Sprintf("*%s*\n%s", title, message),
			"parse_mode": "Markdown",
		}).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
