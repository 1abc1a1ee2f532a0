package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	auditdomain "dineops/backend/internal/audit/domain"
)

// recordEmitter is the part of otellog.Logger the sink needs.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// AuditSink exports auth events as OTel log records. Detail is not exported.
type AuditSink struct {
	logger recordEmitter
}

// NewAuditSink returns a sink that logs through provider, or nil if provider is nil.
func NewAuditSink(provider *sdklog.LoggerProvider) *AuditSink {
	if provider == nil {
		return nil
	}
	return &AuditSink{logger: provider.Logger("dineops.auth.audit")}
}

// NewAuditSinkWithLogger is for tests that capture records.
func NewAuditSinkWithLogger(l recordEmitter) *AuditSink {
	return &AuditSink{logger: l}
}

// Write emits e. A nil sink or event is a no-op.
func (s *AuditSink) Write(ctx context.Context, e *auditdomain.AuthEvent) error {
	if s == nil || e == nil {
		return nil
	}
	rec := otellog.Record{}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetBody(otellog.StringValue(string(e.Kind)))
	rec.SetSeverity(severity(e))
	rec.AddAttributes(
		otellog.String("event_id", e.ID),
		otellog.String("kind", string(e.Kind)),
		otellog.String("outcome", string(e.Outcome)),
		otellog.String("user_id", e.UserID),
	)
	if e.TenantID != "" {
		rec.AddAttributes(otellog.String("tenant_id", e.TenantID))
	}
	if e.SessionID != "" {
		rec.AddAttributes(otellog.String("session_id", e.SessionID))
	}
	if e.SourceAddr != "" {
		rec.AddAttributes(otellog.String("source_addr", e.SourceAddr))
	}
	if e.Reason != "" {
		rec.AddAttributes(otellog.String("reason", e.Reason))
	}
	s.logger.Emit(ctx, rec)
	return nil
}

func severity(e *auditdomain.AuthEvent) otellog.Severity {
	switch {
	case e.Critical():
		return otellog.SeverityWarn
	case e.Outcome == auditdomain.OutcomeFailure:
		return otellog.SeverityInfo2
	default:
		return otellog.SeverityInfo
	}
}
