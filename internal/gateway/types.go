package gateway

import "encoding/json"

// MessageKey identifies one message on the wire.
type MessageKey struct {
	ID        string `json:"id"`
	FromMe    bool   `json:"fromMe"`
	RemoteJid string `json:"remoteJid"`
}

// ExtendedText is the wire shape of a rich-text message body.
type ExtendedText struct {
	Text string `json:"text"`
}

// DeviceListMetadata carries the device-identity fields used for message
// deduplication when present.
type DeviceListMetadata struct {
	RecipientKeyHash   string `json:"recipientKeyHash,omitempty"`
	RecipientTimestamp string `json:"recipientTimestamp,omitempty"`
	SenderKeyHash      string `json:"senderKeyHash,omitempty"`
	SenderTimestamp    string `json:"senderTimestamp,omitempty"`
}

// MessageContent is the wire shape of a message body. Exactly one of the
// body variants is populated; records with neither are non-text payloads.
type MessageContent struct {
	Conversation        string              `json:"conversation,omitempty"`
	ExtendedTextMessage *ExtendedText       `json:"extendedTextMessage,omitempty"`
	DeviceListMetadata  *DeviceListMetadata `json:"deviceListMetadata,omitempty"`
}

// MessageUpdate is one entry of a message's delivery-status history. The
// last entry reflects the current state.
type MessageUpdate struct {
	Status string `json:"status"`
}

// MessageRecord is one raw message as returned by the find-messages
// endpoint.
type MessageRecord struct {
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName,omitempty"`
	Message          MessageContent  `json:"message"`
	MessageTimestamp int64           `json:"messageTimestamp"`
	MessageUpdate    []MessageUpdate `json:"MessageUpdate,omitempty"`
}

type findMessagesRequest struct {
	Where findMessagesWhere `json:"where"`
	Limit int               `json:"limit,omitempty"`
	Page  int               `json:"page,omitempty"`
}

type findMessagesWhere struct {
	Key *findMessagesKey `json:"key,omitempty"`
}

type findMessagesKey struct {
	RemoteJid string `json:"remoteJid"`
}

type findMessagesResponse struct {
	Messages struct {
		Records []MessageRecord `json:"records"`
	} `json:"messages"`
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
	Delay  int    `json:"delay,omitempty"`
}

type sendTextResponse struct {
	Key    MessageKey `json:"key"`
	Status string     `json:"status"`
}

// SendReceipt is the gateway acknowledgement of an outbound text.
type SendReceipt struct {
	MessageID string
	RemoteJid string
	Status    string
}

type whatsappNumbersRequest struct {
	Numbers []string `json:"numbers"`
}

type whatsappNumbersResponse struct {
	Valid []string `json:"valid"`
}

type profilePictureRequest struct {
	Number string `json:"number"`
}

type profilePictureResponse struct {
	ProfilePicURL string `json:"profilePictureUrl"`
	// Some gateway versions use a shorter field name.
	ProfilePicURLAlt string `json:"profilePicUrl"`
}

type createInstanceRequest struct {
	InstanceName  string   `json:"instanceName"`
	Integration   string   `json:"integration,omitempty"`
	Token         string   `json:"token,omitempty"`
	WebhookEvents []string `json:"webhookEvents,omitempty"`
	AlwaysOnline  bool     `json:"alwaysOnline,omitempty"`
	GroupsIgnore  bool     `json:"groupsIgnore,omitempty"`
}

type createInstanceResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		InstanceID   string `json:"instanceId"`
		Status       string `json:"status"`
	} `json:"instance"`
	Hash   json.RawMessage `json:"hash,omitempty"`
	QRCode *struct {
		Base64      string `json:"base64,omitempty"`
		PairingCode string `json:"pairingCode,omitempty"`
	} `json:"qrcode,omitempty"`
}

type connectResponse struct {
	Base64      string `json:"base64,omitempty"`
	PairingCode string `json:"pairingCode,omitempty"`
	Instance    *struct {
		State string `json:"state"`
	} `json:"instance,omitempty"`
}

type connectionStateResponse struct {
	Instance struct {
		State string `json:"state"`
	} `json:"instance"`
}

type settingsEnvelope struct {
	Settings struct {
		Settings settingsPayload `json:"settings"`
	} `json:"settings"`
}

type settingsPayload struct {
	RejectCall      bool   `json:"rejectCall"`
	MsgCall         string `json:"msgCall,omitempty"`
	GroupsIgnore    bool   `json:"groupsIgnore"`
	AlwaysOnline    bool   `json:"alwaysOnline"`
	ReadMessages    bool   `json:"readMessages"`
	ReadStatus      bool   `json:"readStatus"`
	SyncFullHistory bool   `json:"syncFullHistory"`
}

// instanceDetailed is the flat instance shape returned by newer gateway
// versions.
type instanceDetailed struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ConnectionStatus string `json:"connectionStatus"`
	OwnerJid         string `json:"ownerJid,omitempty"`
	ProfileName      string `json:"profileName,omitempty"`
	ProfilePicURL    string `json:"profilePicUrl,omitempty"`
	Integration      string `json:"integration,omitempty"`
	Token            string `json:"token,omitempty"`
	ClientName       string `json:"clientName,omitempty"`
	CreatedAt        string `json:"createdAt,omitempty"`
	UpdatedAt        string `json:"updatedAt,omitempty"`
}

// instanceBasic is the nested instance shape returned by older gateway
// versions.
type instanceBasic struct {
	Instance struct {
		InstanceName  string `json:"instanceName"`
		InstanceID    string `json:"instanceId,omitempty"`
		Owner         string `json:"owner,omitempty"`
		ProfileName   string `json:"profileName,omitempty"`
		ProfilePicURL string `json:"profilePictureUrl,omitempty"`
		Status        string `json:"status"`
	} `json:"instance"`
}
