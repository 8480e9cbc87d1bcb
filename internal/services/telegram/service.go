// Package telegram provides Telegram notification services.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fgeck/kmscheck/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// sendMessageResponse is the subset of the Bot API reply we read.
type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int `json:"message_id"`
	} `json:"result"`
}

// maxErrorRunes bounds the error text so the report stays within
// Telegram's 4096 character message limit.
const maxErrorRunes = 600

// SendNotification sends a run report via Telegram.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	logger := s.logger.With().
		Str("chat_id", cfg.ChatID).
		Str("host", msg.Host).
		Str("env", msg.Environment).
		Logger()

	event := logger.Info().
		Bool("success", msg.Success).
		Int("stages", len(msg.Stages))
	if msg.FailedStage != "" {
		event = event.Str("failed_stage", msg.FailedStage)
	}
	event.Msg("sending run report")

	reqBody := sendMessageRequest{
		ChatID:                cfg.ChatID,
		Text:                  s.formatMessage(msg),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %s", redactToken(err, cfg.BotToken))
		return result, nil
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", redactToken(err, cfg.BotToken))
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	var reply sendMessageResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&reply); err != nil {
		logger.Debug().Err(err).Msg("unreadable Bot API reply")
	}

	if resp.StatusCode != http.StatusOK {
		if reply.Description != "" {
			result.Error = fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode, reply.Description)
		} else {
			result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		}
		return result, nil
	}

	result.MessageSent = true
	result.MessageID = reply.Result.MessageID
	logger.Info().Int("message_id", result.MessageID).Msg("run report sent")

	return result, nil
}

// redactToken hides the bot token, which is part of the request URL, in
// transport errors.
func redactToken(err error, token string) error {
	var urlErr *url.Error
	if token != "" && errors.As(err, &urlErr) {
		urlErr.URL = strings.ReplaceAll(urlErr.URL, token, "<token>")
		return err
	}
	if token != "" && strings.Contains(err.Error(), token) {
		return errors.New(strings.ReplaceAll(err.Error(), token, "<token>"))
	}
	return err
}

func (s *Impl) formatMessage(msg models.TelegramMessage) string {
	var b bytes.Buffer

	if msg.Success {
		b.WriteString("✅ <b>KMS Plugin Check Passed</b>\n\n")
	} else {
		b.WriteString("❌ <b>KMS Plugin Check Failed</b>\n\n")
	}

	b.WriteString(fmt.Sprintf("🖥 <b>Host:</b> %s\n", escapeHTML(msg.Host)))
	b.WriteString(fmt.Sprintf("🔐 <b>Environment:</b> %s\n", escapeHTML(msg.Environment)))
	b.WriteString(fmt.Sprintf("⏰ <b>Started:</b> %s\n", msg.StartTime.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("⏱ <b>Duration:</b> %s\n", msg.Duration.Round(time.Second)))

	if len(msg.Stages) > 0 {
		b.WriteString("\n<b>📋 Stages:</b>\n")
		for _, st := range msg.Stages {
			mark := "✅"
			if st.Error != nil {
				mark = "❌"
			}
			b.WriteString(fmt.Sprintf("  %s %s (%s)\n", mark, escapeHTML(st.Name), formatDuration(st.Duration)))
		}
	}

	if !msg.Success {
		b.WriteString("\n<b>⚠️ Error Details:</b>\n")
		if msg.FailedStage != "" {
			b.WriteString(fmt.Sprintf("  • Failed stage: %s\n", escapeHTML(msg.FailedStage)))
		}
		b.WriteString(fmt.Sprintf("  • Error: <code>%s</code>\n", escapeHTML(truncate(msg.ErrorMessage, maxErrorRunes))))
	}

	return b.String()
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// formatDuration rounds stage durations for display.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
