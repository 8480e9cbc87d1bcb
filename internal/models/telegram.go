package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramMessage holds the data for a run notification.
type TelegramMessage struct {
	Success     bool
	Host        string
	Environment string
	StartTime   time.Time
	Duration    time.Duration

	// Stages that ran, in order.
	Stages []StageResult

	// Error info (if failed).
	ErrorMessage string
	FailedStage  string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	MessageID   int
	Error       error
}
