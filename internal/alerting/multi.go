package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// MultiAlerter fans one alert out to every configured channel in
// parallel, so a slow Telegram delivery never delays the console
// record. Channel failures are logged and joined into the returned
// error; a partial delivery still reaches the surviving channels.
type MultiAlerter struct {
	mu       sync.RWMutex
	alerters []Alerter
	logger   *slog.Logger
}

// NewMultiAlerter creates a fan-out over the given channels.
func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{
		alerters: alerters,
		logger:   logger,
	}
}

// Name identifies the channel in fan-out failure logs.
func (m *MultiAlerter) Name() string {
	return "multi"
}

// AddAlerter adds a channel to the fan-out.
func (m *MultiAlerter) AddAlerter(alerter Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerters = append(m.alerters, alerter)
}

// Alert delivers to every channel and waits for all of them. Each
// failure is returned wrapped with the channel's name.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	m.mu.RLock()
	targets := make([]Alerter, len(m.alerters))
	copy(targets, m.alerters)
	m.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, a Alerter) {
			defer wg.Done()
			if err := a.Alert(ctx, severity, message, fields...); err != nil {
				m.logger.Warn("alert channel failed",
					"channel", a.Name(),
					"severity", severity.String(),
					"error", err,
				)
				errs[i] = fmt.Errorf("%s: %w", a.Name(), err)
			}
		}(i, target)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// AlertEvent delivers a predefined event at its default severity.
func (m *MultiAlerter) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	return m.Alert(ctx, EventSeverity(event), message, fields...)
}
