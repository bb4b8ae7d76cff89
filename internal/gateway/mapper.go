package gateway

import (
	"strings"
	"time"

	"zapcamp/pkg/zapcamp"
)

// MapMessageRecord normalizes one raw gateway record into a canonical
// message. The second return value is false for records without a plain
// text body; callers drop those.
func MapMessageRecord(record MessageRecord) (zapcamp.Message, bool) {
	text := record.Message.Conversation
	if text == "" && record.Message.ExtendedTextMessage != nil {
		text = record.Message.ExtendedTextMessage.Text
	}
	if text == "" {
		return zapcamp.Message{}, false
	}

	message := zapcamp.Message{
		ID:              record.Key.ID,
		ConversationKey: record.Key.RemoteJid,
		Text:            text,
		Timestamp:       record.MessageTimestamp * 1000,
		FromMe:          record.Key.FromMe,
		Status:          deriveStatus(record),
		DedupKey:        dedupKey(record.Message.DeviceListMetadata),
	}

	return message, true
}

// MapMessageRecords normalizes a batch, dropping non-text records.
func MapMessageRecords(records []MessageRecord) []zapcamp.Message {
	messages := make([]zapcamp.Message, 0, len(records))
	for _, record := range records {
		if message, ok := MapMessageRecord(record); ok {
			messages = append(messages, message)
		}
	}
	return messages
}

// MessageFromReceipt builds the canonical form of a just-acknowledged
// outbound text.
func MessageFromReceipt(receipt *SendReceipt, conversationKey, text string, sentAt time.Time) zapcamp.Message {
	message := zapcamp.Message{
		ID:              receipt.MessageID,
		ConversationKey: conversationKey,
		Text:            text,
		Timestamp:       sentAt.UnixMilli(),
		FromMe:          true,
		Status:          zapcamp.StatusSent,
	}
	if receipt.RemoteJid != "" {
		message.ConversationKey = receipt.RemoteJid
	}
	if status := parseStatus(receipt.Status); status != zapcamp.StatusUnknown {
		// The gateway acks sendText with PENDING; an acknowledged message
		// is at least SENT.
		message.Status = zapcamp.AdvanceStatus(zapcamp.StatusSent, status)
	}
	return message
}

// deriveStatus resolves the delivery state of a record: the most recent
// status-history entry wins, and records without history fall back to the
// direction of the message.
func deriveStatus(record MessageRecord) zapcamp.DeliveryStatus {
	if updates := record.MessageUpdate; len(updates) > 0 {
		return parseStatus(updates[len(updates)-1].Status)
	}
	if record.Key.FromMe {
		return zapcamp.StatusSent
	}
	return zapcamp.StatusReceived
}

func parseStatus(raw string) zapcamp.DeliveryStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING":
		return zapcamp.StatusPending
	case "SENT", "SERVER_ACK":
		return zapcamp.StatusSent
	case "DELIVERED", "DELIVERY_ACK":
		return zapcamp.StatusDelivered
	case "READ":
		return zapcamp.StatusRead
	case "RECEIVED":
		return zapcamp.StatusReceived
	default:
		return zapcamp.StatusUnknown
	}
}

func dedupKey(metadata *DeviceListMetadata) string {
	if metadata == nil {
		return ""
	}
	if metadata.RecipientKeyHash == "" || metadata.RecipientTimestamp == "" {
		return ""
	}
	return metadata.RecipientKeyHash + "_" + metadata.RecipientTimestamp
}
