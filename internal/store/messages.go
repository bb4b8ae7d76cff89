package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"zapcamp/pkg/zapcamp"
)

func messageKey(userID, instanceName, storageKey string) []byte {
	return []byte(fmt.Sprintf("msg:%s:%s:%s", keyPart(userID), keyPart(instanceName), keyPart(storageKey)))
}

// messageIndexKey orders messages of one conversation chronologically via
// a zero-padded millisecond timestamp.
func messageIndexKey(userID, instanceName, conversationKey string, timestamp int64, storageKey string) []byte {
	return []byte(fmt.Sprintf(
		"msgidx:%s:%s:%s:%020d:%s",
		keyPart(userID), keyPart(instanceName), keyPart(conversationKey), timestamp, keyPart(storageKey),
	))
}

func messageIndexPrefix(userID, instanceName, conversationKey string) []byte {
	return []byte(fmt.Sprintf(
		"msgidx:%s:%s:%s:",
		keyPart(userID), keyPart(instanceName), keyPart(conversationKey),
	))
}

// UpsertMessage persists a message idempotently: re-applying the same
// message leaves a single record, and the delivery status only ever moves
// forward. Returns true when the message was not stored before.
func (s *Store) UpsertMessage(userID, instanceName string, message zapcamp.Message) (bool, error) {
	if err := message.Validate(); err != nil {
		return false, err
	}

	docKey := messageKey(userID, instanceName, message.StorageKey())
	raw, found, err := s.get(docKey)
	if err != nil {
		return false, err
	}

	if found {
		var existing zapcamp.Message
		if err := json.Unmarshal(raw, &existing); err != nil {
			return false, fmt.Errorf("decode stored message %s: %w", message.StorageKey(), err)
		}

		merged := mergeMessage(existing, message)
		encoded, err := json.Marshal(merged)
		if err != nil {
			return false, fmt.Errorf("encode message %s: %w", message.StorageKey(), err)
		}
		if err := s.set(docKey, encoded); err != nil {
			return false, err
		}

		if merged.Timestamp != existing.Timestamp || merged.ConversationKey != existing.ConversationKey {
			oldIndex := messageIndexKey(userID, instanceName, existing.ConversationKey, existing.Timestamp, existing.StorageKey())
			if err := s.delete(oldIndex); err != nil {
				return false, err
			}
			newIndex := messageIndexKey(userID, instanceName, merged.ConversationKey, merged.Timestamp, merged.StorageKey())
			if err := s.set(newIndex, []byte(merged.StorageKey())); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	encoded, err := json.Marshal(message)
	if err != nil {
		return false, fmt.Errorf("encode message %s: %w", message.StorageKey(), err)
	}
	if err := s.set(docKey, encoded); err != nil {
		return false, err
	}

	index := messageIndexKey(userID, instanceName, message.ConversationKey, message.Timestamp, message.StorageKey())
	if err := s.set(index, []byte(message.StorageKey())); err != nil {
		return false, err
	}

	return true, nil
}

// mergeMessage folds an incoming observation of an already-stored message
// into the stored record. Non-empty incoming fields win, except the
// delivery status which only advances.
func mergeMessage(existing, incoming zapcamp.Message) zapcamp.Message {
	merged := existing
	if incoming.Text != "" {
		merged.Text = incoming.Text
	}
	if incoming.ConversationKey != "" {
		merged.ConversationKey = incoming.ConversationKey
	}
	if incoming.Timestamp > 0 {
		merged.Timestamp = incoming.Timestamp
	}
	merged.FromMe = incoming.FromMe
	merged.Status = zapcamp.AdvanceStatus(existing.Status, incoming.Status)
	return merged
}

// HasMessage reports whether a message with the same storage identity is
// already persisted.
func (s *Store) HasMessage(userID, instanceName string, message zapcamp.Message) (bool, error) {
	_, found, err := s.get(messageKey(userID, instanceName, message.StorageKey()))
	return found, err
}

// MessagesByConversation returns all stored messages of one conversation
// in chronological order.
func (s *Store) MessagesByConversation(userID, instanceName, conversationKey string) ([]zapcamp.Message, error) {
	storageKeys := make([]string, 0, 64)
	err := s.scanPrefix(messageIndexPrefix(userID, instanceName, conversationKey), func(_, value []byte) bool {
		storageKeys = append(storageKeys, string(value))
		return true
	})
	if err != nil {
		return nil, err
	}

	messages := make([]zapcamp.Message, 0, len(storageKeys))
	for _, storageKey := range storageKeys {
		raw, found, err := s.get(messageKey(userID, instanceName, storageKey))
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}

		var message zapcamp.Message
		if err := json.Unmarshal(raw, &message); err != nil {
			return nil, fmt.Errorf("decode stored message %s: %w", storageKey, err)
		}
		messages = append(messages, message)
	}

	// Index order already sorts by timestamp; keep a stable tie-break on
	// the gateway identifier for equal-timestamp messages.
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp < messages[j].Timestamp
		}
		return messages[i].ID < messages[j].ID
	})

	return messages, nil
}
