// Package notify delivers operator notifications for the dispatch core.
//
// Senders are best effort. Components never call a network sender directly;
// they go through a Queue so that an outage of the delivery channel cannot
// block or fail dispatch.
package notify

import (
	"context"
	"log/slog"
)

// ParseMode selects how the receiving channel formats the text.
type ParseMode string

const (
	ParseHTML     ParseMode = "HTML"
	ParseMarkdown ParseMode = "Markdown"
)

// Options tune a single message.
type Options struct {
	ParseMode ParseMode
	Silent    bool
}

// Notifier sends a message to an operator channel.
type Notifier interface {
	Send(ctx context.Context, text string, opts Options) error
}

// Nop discards every message.
type Nop struct{}

// Send implements Notifier.
func (Nop) Send(context.Context, string, Options) error { return nil }

// Log writes messages to a structured logger instead of a chat channel.
type Log struct {
	Logger *slog.Logger
}

// Send implements Notifier.
func (l Log) Send(ctx context.Context, text string, opts Options) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "text", text, "silent", opts.Silent)
	return nil
}
