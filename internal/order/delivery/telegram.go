package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const DefaultTelegramURL = "https://api.telegram.org"

// Telegram sends the delivery message through the Bot API.
type Telegram struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewTelegram(baseURL, token string, timeout time.Duration) *Telegram {
	if baseURL == "" {
		baseURL = DefaultTelegramURL
	}
	return &Telegram{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, Client: &http.Client{Timeout: timeout}}
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

func (t *Telegram) Deliver(ctx context.Context, d Delivery) error {
	data, err := json.Marshal(sendMessageRequest{
		ChatID:                int64(d.BuyerID),
		Text:                  FormatMessage(d),
		ParseMode:             "Markdown",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/bot"+t.Token+"/sendMessage", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		// The token is part of the URL; keep it out of logs.
		return fmt.Errorf("telegram sendMessage: %w", redact(err, t.Token))
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("telegram sendMessage: status %d: decode: %w", resp.StatusCode, err)
	}
	if !out.OK {
		return fmt.Errorf("telegram sendMessage: %d %s", out.ErrorCode, out.Description)
	}
	return nil
}

type redactedError struct {
	msg string
	err error
}

func (e redactedError) Error() string { return e.msg }
func (e redactedError) Unwrap() error { return e.err }

func redact(err error, secret string) error {
	if secret == "" {
		return err
	}
	return redactedError{msg: strings.ReplaceAll(err.Error(), secret, "***"), err: err}
}
