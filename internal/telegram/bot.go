package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultAPIBase is the Telegram Bot API root
const DefaultAPIBase = "https://api.telegram.org"

// ErrCooldown is returned when a send is suppressed by the cooldown
var ErrCooldown = errors.New("cooldown period not yet elapsed")

// Config holds Telegram bot configuration
type Config struct {
	BotToken string
	ChatID   string
	Cooldown time.Duration // Minimum gap between two alerts, default 30s
	APIBase  string        // Defaults to DefaultAPIBase
}

// Enabled reports whether both credentials are present
func (c Config) Enabled() bool {
	return c.BotToken != "" && c.ChatID != ""
}

// apiResponse represents the response from Telegram API
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Bot sends messages and photos to one chat
type Bot struct {
	botToken   string
	chatID     string
	apiBase    string
	httpClient *http.Client
	cooldown   time.Duration
	now        func() time.Time

	mu       sync.Mutex
	lastSent time.Time
}

// NewBot creates a bot for cfg
func NewBot(cfg Config) *Bot {
	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &Bot{
		botToken:   cfg.BotToken,
		chatID:     cfg.ChatID,
		apiBase:    strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cooldown:   cooldown,
		now:        time.Now,
	}
}

// reserve claims the cooldown window, returning false while it is closed
func (b *Bot) reserve() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if !b.lastSent.IsZero() && now.Sub(b.lastSent) < b.cooldown {
		return false
	}
	b.lastSent = now
	return true
}

// SendMessage sends an HTML text message
func (b *Bot) SendMessage(ctx context.Context, text string) error {
	if !b.reserve() {
		return ErrCooldown
	}

	payload, err := json.Marshal(map[string]any{
		"chat_id":    b.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req)
}

// SendPhoto sends a JPEG with an HTML caption
func (b *Bot) SendPhoto(ctx context.Context, photo []byte, caption string) error {
	if !b.reserve() {
		return ErrCooldown
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	fields := map[string]string{
		"chat_id":    b.chatID,
		"caption":    caption,
		"parse_mode": "HTML",
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return errors.Wrapf(err, "failed to write field %s", k)
		}
	}
	part, err := writer.CreateFormFile("photo", "crowd.jpg")
	if err != nil {
		return errors.Wrap(err, "failed to create form file")
	}
	if _, err := part.Write(photo); err != nil {
		return errors.Wrap(err, "failed to write photo data")
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "failed to close multipart writer")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendPhoto"), &body)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return b.do(req)
}

func (b *Bot) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", b.apiBase, b.botToken, method)
}

func (b *Bot) do(req *http.Request) error {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}

	var apiResp apiResponse
	if err := json.Unmarshal(data, &apiResp); err != nil {
		return errors.Wrapf(err, "unexpected response (%s)", resp.Status)
	}
	if !apiResp.OK {
		return errors.Errorf("telegram API error %d: %s", apiResp.ErrorCode, apiResp.Description)
	}
	return nil
}
