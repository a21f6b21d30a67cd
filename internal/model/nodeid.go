package model

import (
	"fmt"
	"strings"

	"github.com/awcullen/opcua/ua"
)

// FormatNodeID renders a node id in the "ns=2;s=Name" form. A nil id is
// rendered as the empty string.
func FormatNodeID(id ua.NodeID) string {
	if id == nil {
		return ""
	}
	return fmt.Sprint(id)
}

// FormatQualifiedName renders a data encoding, empty when unset.
func FormatQualifiedName(qn ua.QualifiedName) string {
	if qn.Name == "" {
		return ""
	}
	return qn.String()
}

// ParseQualifiedName is the inverse of FormatQualifiedName.
func ParseQualifiedName(s string) ua.QualifiedName {
	if s == "" {
		return ua.QualifiedName{}
	}
	return ua.ParseQualifiedName(s)
}

// FormatSelectClause renders a select clause as "<type>|<browse path>".
func FormatSelectClause(op ua.SimpleAttributeOperand) string {
	path := make([]string, len(op.BrowsePath))
	for i, qn := range op.BrowsePath {
		path[i] = qn.String()
	}
	return FormatNodeID(op.TypeDefinitionID) + "|" + strings.Join(path, "/")
}

// ParseSelectClause is the inverse of FormatSelectClause. Clauses always
// select the Value attribute.
func ParseSelectClause(s string) ua.SimpleAttributeOperand {
	typeID, path, found := strings.Cut(s, "|")
	if !found {
		path, typeID = typeID, ""
	}
	op := ua.SimpleAttributeOperand{
		TypeDefinitionID: ua.ObjectTypeIDBaseEventType,
		BrowsePath:       ua.ParseBrowsePath(path),
		AttributeID:      ua.AttributeIDValue,
	}
	if id := ua.ParseNodeID(typeID); id != nil {
		op.TypeDefinitionID = id
	}
	return op
}
