package monitoreditem

import (
	"bytes"
	"math"
	"reflect"
	"time"

	"github.com/amine-amaach/uacore/internal/model"
	"github.com/awcullen/opcua/ua"
)

// SubtypeFunc tells whether sub is the same type as, or derives from, super.
type SubtypeFunc func(sub, super ua.NodeID) bool

var (
	attributeOperandEventType = ua.SimpleAttributeOperand{TypeDefinitionID: ua.ObjectTypeIDBaseEventType, BrowsePath: ua.ParseBrowsePath("EventType"), AttributeID: ua.AttributeIDValue}
)

// isDataChange applies the data change filter to a new sample.
func isDataChange(dcf ua.DataChangeFilter, euRange *model.Range, current, previous ua.DataValue) bool {
	switch dcf.Trigger {
	case ua.DataChangeTriggerStatus:
		return current.StatusCode&0xFFFFF000 != previous.StatusCode&0xFFFFF000
	case ua.DataChangeTriggerStatusValue:
		if current.StatusCode&0xFFFFF000 != previous.StatusCode&0xFFFFF000 {
			return true
		}
		return valueChanged(dcf, euRange, current.Value, previous.Value)
	case ua.DataChangeTriggerStatusValueTimestamp:
		if current.StatusCode&0xFFFFF000 != previous.StatusCode&0xFFFFF000 {
			return true
		}
		if !current.SourceTimestamp.Equal(previous.SourceTimestamp) {
			return true
		}
		return valueChanged(dcf, euRange, current.Value, previous.Value)
	}
	return true
}

func valueChanged(dcf ua.DataChangeFilter, euRange *model.Range, current, previous ua.Variant) bool {
	switch ua.DeadbandType(dcf.DeadbandType) {
	case ua.DeadbandTypeNone:
		return !reflect.DeepEqual(current, previous)
	case ua.DeadbandTypeAbsolute:
		return !equalDeadbandAbsolute(current, previous, dcf.DeadbandValue)
	case ua.DeadbandTypePercent:
		if euRange == nil || euRange.High <= euRange.Low {
			return true
		}
		return !equalDeadbandAbsolute(current, previous, dcf.DeadbandValue/100*(euRange.High-euRange.Low))
	}
	return true
}

func equalDeadbandAbsolute(current, previous ua.Variant, deadband float64) bool {
	if current == nil || previous == nil {
		return current == nil && previous == nil
	}
	return equalValues(reflect.ValueOf(current), reflect.ValueOf(previous), deadband)
}

func equalValues(vc, vp reflect.Value, deadband float64) bool {
	if vc.Type() != vp.Type() {
		return false
	}
	switch vc.Kind() {
	case reflect.Array:
		for i := 0; i < vc.Len(); i++ {
			if !equalValues(vc.Index(i), vp.Index(i), deadband) {
				return false
			}
		}
		return true
	case reflect.Slice:
		if vc.IsNil() != vp.IsNil() || vc.Len() != vp.Len() {
			return false
		}
		// []byte is compared as a whole
		if vc.Type().Elem().Kind() == reflect.Uint8 {
			return bytes.Equal(vc.Bytes(), vp.Bytes())
		}
		for i := 0; i < vc.Len(); i++ {
			if !equalValues(vc.Index(i), vp.Index(i), deadband) {
				return false
			}
		}
		return true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return math.Abs(float64(vc.Int())-float64(vp.Int())) <= deadband
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return math.Abs(float64(vc.Uint())-float64(vp.Uint())) <= deadband
	case reflect.Float32, reflect.Float64:
		return math.Abs(vc.Float()-vp.Float()) <= deadband
	}
	return reflect.DeepEqual(vc.Interface(), vp.Interface())
}

// withTimestamps returns a copy of the value with only the selected timestamps.
func withTimestamps(value ua.DataValue, timestampsToReturn ua.TimestampsToReturn) ua.DataValue {
	switch timestampsToReturn {
	case ua.TimestampsToReturnSource:
		return ua.NewDataValue(value.Value, value.StatusCode, value.SourceTimestamp, 0, time.Time{}, 0)
	case ua.TimestampsToReturnServer:
		return ua.NewDataValue(value.Value, value.StatusCode, time.Time{}, 0, value.ServerTimestamp, 0)
	case ua.TimestampsToReturnNeither:
		return ua.NewDataValue(value.Value, value.StatusCode, time.Time{}, 0, time.Time{}, 0)
	default:
		return value
	}
}

// ValidateEventFilter checks the where clause of ef. An element operand
// must point forward to an element of the same clause, which keeps the
// clause free of cycles.
func ValidateEventFilter(ef ua.EventFilter) error {
	elements := ef.WhereClause.Elements
	for i, element := range elements {
		for _, op := range element.FilterOperands {
			var index uint32
			switch c := op.(type) {
			case ua.ElementOperand:
				index = c.Index
			case *ua.ElementOperand:
				if c == nil {
					return ua.BadFilterOperandInvalid
				}
				index = c.Index
			default:
				continue
			}
			if int64(index) <= int64(i) || int64(index) >= int64(len(elements)) {
				return ua.BadFilterOperandInvalid
			}
		}
	}
	return nil
}

// whereClause evaluates element idx of the filter against the event. An
// element operand that does not point forward evaluates to false.
func whereClause(ef ua.EventFilter, isSubtype SubtypeFunc, evt ua.Event, idx int) any {
	if idx >= len(ef.WhereClause.Elements) {
		return true
	}
	element := ef.WhereClause.Elements[idx]
	operand := func(i int) (ua.Variant, bool) {
		if i >= len(element.FilterOperands) {
			return nil, false
		}
		switch c := element.FilterOperands[i].(type) {
		case ua.LiteralOperand:
			return c.Value, true
		case ua.SimpleAttributeOperand:
			return evt.GetAttribute(c), true
		case ua.ElementOperand:
			next := int64(c.Index)
			if next <= int64(idx) || next >= int64(len(ef.WhereClause.Elements)) {
				return nil, false
			}
			return whereClause(ef, isSubtype, evt, int(next)), true
		}
		return nil, false
	}

	switch element.FilterOperator {

	case ua.FilterOperatorEquals:
		a, ok := operand(0)
		if !ok {
			return false
		}
		b, ok := operand(1)
		if !ok {
			return false
		}
		return reflect.DeepEqual(a, b)

	case ua.FilterOperatorIsNull:
		a, ok := operand(0)
		return ok && a == nil

	case ua.FilterOperatorNot:
		a, ok := operand(0)
		if !ok {
			return false
		}
		b, _ := a.(bool)
		return !b

	case ua.FilterOperatorAnd, ua.FilterOperatorOr:
		a, ok := operand(0)
		if !ok {
			return false
		}
		b, ok := operand(1)
		if !ok {
			return false
		}
		x, _ := a.(bool)
		y, _ := b.(bool)
		if element.FilterOperator == ua.FilterOperatorAnd {
			return x && y
		}
		return x || y

	case ua.FilterOperatorOfType:
		if len(element.FilterOperands) == 0 {
			return false
		}
		if a, ok := element.FilterOperands[0].(ua.LiteralOperand); ok {
			if b, ok := a.Value.(ua.NodeID); ok {
				if c, ok := evt.GetAttribute(attributeOperandEventType).(ua.NodeID); ok {
					if c == b || (isSubtype != nil && isSubtype(c, b)) {
						return true
					}
				}
			}
		}
		return false

	default:
		return false
	}
}

func selectFields(ef ua.EventFilter, evt ua.Event) []ua.Variant {
	clauses := ef.SelectClauses
	ret := make([]ua.Variant, len(clauses))
	for i, clause := range clauses {
		ret[i] = evt.GetAttribute(clause)
	}
	return ret
}
