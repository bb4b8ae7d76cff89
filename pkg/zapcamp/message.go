// Package zapcamp defines the neutral domain model shared by the gateway,
// store, chat, and campaign layers.
//
// Types here carry no transport or storage concerns. Gateway adapters map
// wire payloads into these types at the boundary, and the store persists
// them without further translation.
package zapcamp

import (
	"fmt"
	"strings"
)

// DeliveryStatus is the lifecycle state of a chat message.
type DeliveryStatus string

const (
	// StatusPending marks a provisional outbound message awaiting a gateway
	// acknowledgement. Pending messages are never persisted.
	StatusPending DeliveryStatus = "PENDING"
	// StatusSent marks an outbound message accepted by the gateway.
	StatusSent DeliveryStatus = "SENT"
	// StatusDelivered marks a message confirmed delivered to the recipient device.
	StatusDelivered DeliveryStatus = "DELIVERED"
	// StatusRead marks a message confirmed read by the recipient.
	StatusRead DeliveryStatus = "READ"
	// StatusReceived marks an inbound message from the remote party.
	StatusReceived DeliveryStatus = "RECEIVED"
	// StatusUnknown marks a message whose gateway status could not be interpreted.
	StatusUnknown DeliveryStatus = "UNKNOWN"
)

// statusRank orders outbound delivery states so that status updates only
// ever move forward. Inbound and unknown states do not participate in
// monotonic advancement.
var statusRank = map[DeliveryStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// AdvanceStatus returns the further-along of two delivery states. A status
// outside the outbound progression replaces current only when current is
// also outside it.
func AdvanceStatus(current, incoming DeliveryStatus) DeliveryStatus {
	currentRank, currentOutbound := statusRank[current]
	incomingRank, incomingOutbound := statusRank[incoming]

	switch {
	case currentOutbound && incomingOutbound:
		if incomingRank > currentRank {
			return incoming
		}
		return current
	case currentOutbound:
		return current
	default:
		return incoming
	}
}

// Message is one chat message in canonical form.
type Message struct {
	// ID is the gateway-assigned message identifier.
	ID string `json:"id"`
	// ConversationKey is the full remote JID of the conversation,
	// for example "5511999999999@s.whatsapp.net".
	ConversationKey string `json:"conversationKey"`
	// Text is the plain message body. Messages without a text body are
	// dropped during normalization and never reach this type.
	Text string `json:"text"`
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
	// FromMe reports whether the instance owner authored the message.
	FromMe bool `json:"fromMe"`
	// Status is the delivery lifecycle state.
	Status DeliveryStatus `json:"status"`
	// DedupKey is a device-metadata identity used for idempotent storage
	// when present. Empty when the gateway record carried no metadata.
	DedupKey string `json:"dedupKey,omitempty"`
}

// StorageKey returns the identity under which the message is persisted:
// the device-metadata dedup key when available, otherwise the gateway ID.
func (m Message) StorageKey() string {
	if m.DedupKey != "" {
		return m.DedupKey
	}
	return m.ID
}

// Validate checks the fields required before a message may be persisted.
func (m Message) Validate() error {
	if m.StorageKey() == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if m.ConversationKey == "" {
		return fmt.Errorf("%w: missing conversation key", ErrInvalidMessage)
	}
	if m.Timestamp < 0 {
		return fmt.Errorf("%w: negative timestamp", ErrInvalidMessage)
	}
	return nil
}

// ConversationKeyFromNumber builds the full conversation key for a bare
// phone number. Numbers already carrying a JID suffix pass through.
func ConversationKeyFromNumber(number string) string {
	number = strings.TrimSpace(number)
	if number == "" || strings.Contains(number, "@") {
		return number
	}
	return number + "@s.whatsapp.net"
}

// NumberFromConversationKey extracts the bare phone number from a
// conversation key.
func NumberFromConversationKey(key string) string {
	if idx := strings.Index(key, "@"); idx >= 0 {
		return key[:idx]
	}
	return key
}

// IsGroupKey reports whether a conversation key addresses a group chat.
func IsGroupKey(key string) bool {
	return strings.HasSuffix(key, "@g.us")
}

// IsStatusKey reports whether a conversation key addresses the status
// broadcast pseudo-conversation.
func IsStatusKey(key string) bool {
	return key == "status@s.whatsapp.net" || key == "status@broadcast"
}
