package model

// RequestType identifies the service a request invokes.
type RequestType uint32

const (
	RequestTypeUnknown RequestType = iota
	RequestTypeFindServers
	RequestTypeGetEndpoints
	RequestTypeCreateSession
	RequestTypeActivateSession
	RequestTypeCloseSession
	RequestTypeCancel
	RequestTypeRead
	RequestTypeHistoryRead
	RequestTypeWrite
	RequestTypeHistoryUpdate
	RequestTypeCall
	RequestTypeCreateMonitoredItems
	RequestTypeModifyMonitoredItems
	RequestTypeSetMonitoringMode
	RequestTypeSetTriggering
	RequestTypeDeleteMonitoredItems
	RequestTypeCreateSubscription
	RequestTypeModifySubscription
	RequestTypeSetPublishingMode
	RequestTypePublish
	RequestTypeRepublish
	RequestTypeTransferSubscriptions
	RequestTypeDeleteSubscriptions
	RequestTypeAddNodes
	RequestTypeAddReferences
	RequestTypeDeleteNodes
	RequestTypeDeleteReferences
	RequestTypeBrowse
	RequestTypeBrowseNext
	RequestTypeTranslateBrowsePathsToNodeIds
	RequestTypeQueryFirst
	RequestTypeQueryNext
	RequestTypeRegisterNodes
	RequestTypeUnregisterNodes

	requestTypeCount
)

var requestTypeNames = [...]string{
	"Unknown",
	"FindServers",
	"GetEndpoints",
	"CreateSession",
	"ActivateSession",
	"CloseSession",
	"Cancel",
	"Read",
	"HistoryRead",
	"Write",
	"HistoryUpdate",
	"Call",
	"CreateMonitoredItems",
	"ModifyMonitoredItems",
	"SetMonitoringMode",
	"SetTriggering",
	"DeleteMonitoredItems",
	"CreateSubscription",
	"ModifySubscription",
	"SetPublishingMode",
	"Publish",
	"Republish",
	"TransferSubscriptions",
	"DeleteSubscriptions",
	"AddNodes",
	"AddReferences",
	"DeleteNodes",
	"DeleteReferences",
	"Browse",
	"BrowseNext",
	"TranslateBrowsePathsToNodeIds",
	"QueryFirst",
	"QueryNext",
	"RegisterNodes",
	"UnregisterNodes",
}

func (t RequestType) String() string {
	if t >= requestTypeCount {
		return requestTypeNames[RequestTypeUnknown]
	}
	return requestTypeNames[t]
}

// RequestTypes returns every known request type, Unknown included.
func RequestTypes() []RequestType {
	all := make([]RequestType, 0, requestTypeCount)
	for t := RequestTypeUnknown; t < requestTypeCount; t++ {
		all = append(all, t)
	}
	return all
}

// CreatesSession reports whether the request runs before a session exists.
func (t RequestType) CreatesSession() bool {
	return t == RequestTypeCreateSession || t == RequestTypeActivateSession
}
