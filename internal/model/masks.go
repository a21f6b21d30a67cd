package model

// DiagnosticsMasks selects the diagnostic information returned with results.
type DiagnosticsMasks uint32

const (
	DiagnosticsServiceSymbolicID     DiagnosticsMasks = 0x001
	DiagnosticsServiceLocalizedText  DiagnosticsMasks = 0x002
	DiagnosticsServiceAdditionalInfo DiagnosticsMasks = 0x004
	DiagnosticsServiceInnerStatus    DiagnosticsMasks = 0x008
	DiagnosticsServiceInnerDiag      DiagnosticsMasks = 0x010
	DiagnosticsServiceAll            DiagnosticsMasks = 0x01F

	DiagnosticsOperationSymbolicID     DiagnosticsMasks = 0x020
	DiagnosticsOperationLocalizedText  DiagnosticsMasks = 0x040
	DiagnosticsOperationAdditionalInfo DiagnosticsMasks = 0x080
	DiagnosticsOperationInnerStatus    DiagnosticsMasks = 0x100
	DiagnosticsOperationInnerDiag      DiagnosticsMasks = 0x200
	DiagnosticsOperationAll            DiagnosticsMasks = 0x3E0

	DiagnosticsAll DiagnosticsMasks = 0x3FF
)

// Operation keeps only the per-operation bits.
func (m DiagnosticsMasks) Operation() DiagnosticsMasks {
	return m & DiagnosticsOperationAll
}

// ChangeMask describes what changed on a node.
type ChangeMask uint32

const (
	ChangeNone       ChangeMask = 0x00
	ChangeChildren   ChangeMask = 0x01
	ChangeReferences ChangeMask = 0x02
	ChangeValue      ChangeMask = 0x04
	ChangeNonValue   ChangeMask = 0x08
	ChangeDeleted    ChangeMask = 0x10
)

// ItemTypeMask tells data change items from event items.
type ItemTypeMask uint32

const (
	ItemTypeDataChange ItemTypeMask = 0x1
	ItemTypeEvents     ItemTypeMask = 0x2
	ItemTypeAllEvents  ItemTypeMask = 0x4
)
