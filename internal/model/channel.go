package model

import "github.com/awcullen/opcua/ua"

// TransportProfileHTTPSBinary is the transport profile of opc.https endpoints.
const TransportProfileHTTPSBinary = "http://opcfoundation.org/UA-Profile/Transport/https-uabinary"

// ChannelBinding describes the secure channel a request arrived on.
type ChannelBinding struct {
	ChannelID           uint32
	SecurityMode        ua.MessageSecurityMode
	SecurityPolicyURI   string
	TransportProfileURI string
	EndpointURL         string
}

// Secured reports whether the channel itself authenticates the peer.
func (c ChannelBinding) Secured() bool {
	return c.SecurityMode == ua.MessageSecurityModeSign || c.SecurityMode == ua.MessageSecurityModeSignAndEncrypt
}

// Encrypted reports whether traffic on the channel is confidential.
func (c ChannelBinding) Encrypted() bool {
	return c.SecurityMode == ua.MessageSecurityModeSignAndEncrypt || c.TransportProfileURI == TransportProfileHTTPSBinary
}
