package event

import (
	"github.com/rs/zerolog"

	"github.com/photomed/lasercore/internal/logging"
)

// AuditSink appends every event to the structured audit log. Writes are
// synchronous zerolog appends and never wait on any consumer.
type AuditSink struct {
	logger zerolog.Logger
}

// NewAuditSink creates the audit sink with a dedicated audit component.
func NewAuditSink() *AuditSink {
	return &AuditSink{
		logger: logging.WithComponent("audit").With().
			Str("log_type", "audit").
			Logger(),
	}
}

// Emit implements Sink.
func (a *AuditSink) Emit(ev Event) {
	var rec *zerolog.Event
	switch ev.Severity {
	case SeverityCritical:
		rec = a.logger.Error()
	case SeverityWarning:
		rec = a.logger.Warn()
	default:
		rec = a.logger.Info()
	}

	rec = rec.
		Str("event_id", ev.ID).
		Time("event_time", ev.Time).
		Str("event_type", string(ev.Type)).
		Str("severity", string(ev.Severity)).
		Str("source", ev.Component)
	for k, v := range ev.Fields {
		rec = rec.Str(k, v)
	}
	rec.Msg(ev.Message)
}
