package zapcamp

import "time"

// ConnectionState is the lifecycle state of a gateway instance.
type ConnectionState string

const (
	// StateOpen means the instance has an authenticated WhatsApp session.
	StateOpen ConnectionState = "open"
	// StateConnecting means the instance is pairing or reconnecting.
	StateConnecting ConnectionState = "connecting"
	// StateClosed means the instance has no WhatsApp session.
	StateClosed ConnectionState = "close"
)

// Instance is one WhatsApp gateway instance in canonical form. The gateway
// reports instances in more than one wire shape; adapters normalize both
// into this type.
type Instance struct {
	ID               string          `json:"id,omitempty"`
	Name             string          `json:"name"`
	ConnectionStatus ConnectionState `json:"connectionStatus"`
	OwnerJid         string          `json:"ownerJid,omitempty"`
	ProfileName      string          `json:"profileName,omitempty"`
	ProfilePicURL    string          `json:"profilePicUrl,omitempty"`
	Integration      string          `json:"integration,omitempty"`
	Token            string          `json:"token,omitempty"`
	ClientName       string          `json:"clientName,omitempty"`
	CreatedAt        *time.Time      `json:"createdAt,omitempty"`
	UpdatedAt        *time.Time      `json:"updatedAt,omitempty"`
}

// Connected reports whether the instance can send and receive messages.
func (i Instance) Connected() bool {
	return i.ConnectionStatus == StateOpen
}

// InstanceSettings are the per-instance behavior toggles exposed by the
// gateway.
type InstanceSettings struct {
	RejectCall      bool   `json:"rejectCall"`
	MsgCall         string `json:"msgCall,omitempty"`
	GroupsIgnore    bool   `json:"groupsIgnore"`
	AlwaysOnline    bool   `json:"alwaysOnline"`
	ReadMessages    bool   `json:"readMessages"`
	ReadStatus      bool   `json:"readStatus"`
	SyncFullHistory bool   `json:"syncFullHistory"`
}

// ConnectResult is the outcome of asking an instance to pair: either the
// instance is already connected, or the gateway returns pairing material.
type ConnectResult struct {
	State ConnectionState `json:"state"`
	// QRCodeBase64 is a data-URI encoded pairing QR code, empty when the
	// instance is already connected.
	QRCodeBase64 string `json:"qrCodeBase64,omitempty"`
	// PairingCode is an alternative phone-pairing code, possibly empty.
	PairingCode string `json:"pairingCode,omitempty"`
}
