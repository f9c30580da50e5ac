package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// DefaultTelegramURL is the Bot API endpoint root.
const DefaultTelegramURL = "https://api.telegram.org"

// ErrNotConfigured is returned when token or chat id is missing.
var ErrNotConfigured = errors.New("telegram notifier not configured")

// Telegram sends messages through the Telegram Bot API.
type Telegram struct {
	Token   string
	ChatID  string
	BaseURL string
	Client  *http.Client
}

// NewTelegram creates a Telegram notifier. Empty token or chat id fall back
// to TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID.
func NewTelegram(token, chatID string) *Telegram {
	if token == "" {
		token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if chatID == "" {
		chatID = os.Getenv("TELEGRAM_CHAT_ID")
	}
	return &Telegram{
		Token:   token,
		ChatID:  chatID,
		BaseURL: DefaultTelegramURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Configured reports whether the notifier has credentials.
func (t *Telegram) Configured() bool {
	return t.Token != "" && t.ChatID != ""
}

type sendMessageRequest struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode,omitempty"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

// Send implements Notifier.
func (t *Telegram) Send(ctx context.Context, text string, opts Options) error {
	if !t.Configured() {
		return ErrNotConfigured
	}

	mode := opts.ParseMode
	if mode == "" {
		mode = ParseHTML
	}
	body, err := json.Marshal(sendMessageRequest{
		ChatID:              t.ChatID,
		Text:                text,
		ParseMode:           string(mode),
		DisableNotification: opts.Silent,
	})
	if err != nil {
		return fmt.Errorf("encoding telegram message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, t.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram API returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
