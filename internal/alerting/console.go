package alerting

import (
	"context"
	"log/slog"
)

// ConsoleAlerter routes alerts into the daemon's structured log stream.
// It is the fallback channel: order rejections, orphan fills and
// connection losses stay visible in stdout even when no external
// channel is configured.
type ConsoleAlerter struct {
	logger *slog.Logger
}

// NewConsoleAlerter creates a console channel over the given logger.
func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger.With("channel", "alert")}
}

// Name identifies the channel in fan-out failure logs.
func (c *ConsoleAlerter) Name() string {
	return "console"
}

// Alert logs the alert at the slog level matching its severity, so a
// critical execution failure surfaces as an error record without
// anything having to parse the message text.
func (c *ConsoleAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	attrs := make([]any, 0, len(fields)+2)
	attrs = append(attrs, "severity", severity.String())
	attrs = append(attrs, fields...)
	c.logger.Log(ctx, severity.LogLevel(), message, attrs...)
	return nil
}
