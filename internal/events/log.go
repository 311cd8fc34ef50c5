package events

import (
	"context"
	"log/slog"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

// Publish implements Sink.
func (s LogSink) Publish(e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{
		"event_id", e.ID,
		"kind", string(e.Kind),
		"referrer", string(e.Referrer),
	}
	if e.Referred != "" {
		attrs = append(attrs, "referred", string(e.Referred))
	}
	switch e.Kind {
	case KindEdgeConfirmed:
		attrs = append(attrs, "confirmed", e.Count)
	case KindThresholdReached, KindPayoutClaimed:
		attrs = append(attrs, "confirmed", e.Count, "threshold", e.Threshold)
	}

	level := slog.LevelInfo
	if e.Kind == KindAntiAbuseBlocked {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "referral event", attrs...)
}
