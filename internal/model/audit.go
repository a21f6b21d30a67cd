package model

import (
	"time"

	"github.com/awcullen/opcua/ua"
)

type AuditKind int

const (
	AuditCreateSession AuditKind = iota
	AuditActivateSession
	AuditCloseSession
	AuditSessionTimeout
	AuditCancel
)

func (k AuditKind) String() string {
	switch k {
	case AuditCreateSession:
		return "CreateSession"
	case AuditActivateSession:
		return "ActivateSession"
	case AuditCloseSession:
		return "CloseSession"
	case AuditSessionTimeout:
		return "SessionTimeout"
	case AuditCancel:
		return "Cancel"
	}
	return "Unknown"
}

// AuditEvent is handed to the audit sink. It is also a ua.Event so it can
// travel through event monitored items.
type AuditEvent struct {
	ID            string
	Kind          AuditKind
	Time          time.Time
	SessionID     ua.NodeID
	ClientUserID  string
	AuditEntryID  string
	RequestHandle uint32
	Status        ua.StatusCode
	Message       string
}

// IsAudit marks audit events for delivery filtering.
func (e *AuditEvent) IsAudit() bool { return true }

// GetAttribute resolves the select clauses used by event filters.
func (e *AuditEvent) GetAttribute(clause ua.SimpleAttributeOperand) ua.Variant {
	if len(clause.BrowsePath) != 1 {
		return nil
	}
	switch clause.BrowsePath[0].Name {
	case "EventId":
		return ua.ByteString(e.ID)
	case "EventType":
		return ua.ObjectTypeIDAuditEventType
	case "SourceNode":
		return e.SessionID
	case "SourceName":
		return "Session/" + e.Kind.String()
	case "Time", "ReceiveTime":
		return e.Time
	case "Message":
		return ua.NewLocalizedText(e.Message, "")
	case "Severity":
		return uint16(100)
	case "Status":
		return e.Status.IsGood()
	case "ClientUserId":
		return e.ClientUserID
	case "ClientAuditEntryId":
		return e.AuditEntryID
	}
	return nil
}

// Auditable is implemented by events that must only reach encrypted channels.
type Auditable interface {
	IsAudit() bool
}
