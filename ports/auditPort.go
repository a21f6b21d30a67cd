package ports

import "github.com/amine-amaach/uacore/internal/model"

// AuditSink receives the audit events raised by sessions and requests.
type AuditSink interface {
	Audit(evt *model.AuditEvent)
}

// AuditFunc adapts a function to AuditSink.
type AuditFunc func(evt *model.AuditEvent)

// Audit calls f with evt.
func (f AuditFunc) Audit(evt *model.AuditEvent) { f(evt) }

// NopAudit drops every audit event.
var NopAudit = AuditFunc(func(*model.AuditEvent) {})
