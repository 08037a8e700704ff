package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TelegramSender delivers alerts through the Telegram Bot API.
type TelegramSender struct {
	token   string
	chatID  string
	apiBase string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender with a 10-second HTTP timeout.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:   token,
		chatID:  chatID,
		apiBase: "https://api.telegram.org",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// Send posts alert with sendMessage in legacy Markdown. Transaction hashes
// and order references are code-formatted so they copy cleanly.
func (t *TelegramSender) Send(ctx context.Context, alert Alert) error {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*", markdownEscaper.Replace(alert.Title))
	if alert.Severity != SeverityInfo {
		fmt.Fprintf(&b, " (%s)", alert.Severity)
	}
	for _, f := range alert.Fields {
		fmt.Fprintf(&b, "\n%s: `%s`", markdownEscaper.Replace(f.Name), strings.ReplaceAll(f.Value, "`", "'"))
	}

	body, err := json.Marshal(map[string]string{
		"chat_id":    t.chatID,
		"text":       b.String(),
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }
