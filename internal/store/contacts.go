package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"zapcamp/pkg/zapcamp"
)

func contactKey(userID, instanceName, contactID string) []byte {
	return []byte(fmt.Sprintf("contact:%s:%s:%s", keyPart(userID), keyPart(instanceName), keyPart(contactID)))
}

func contactPrefix(userID, instanceName string) []byte {
	return []byte(fmt.Sprintf("contact:%s:%s:", keyPart(userID), keyPart(instanceName)))
}

// UpsertContact merges one observed contact into the stored record.
// The last-message timestamp only moves forward, a real display name is
// never downgraded to a bare number, and an empty incoming avatar URL
// does not erase a known one.
func (s *Store) UpsertContact(userID, instanceName string, contact zapcamp.Contact) error {
	if contact.ID == "" {
		return fmt.Errorf("upsert contact: missing id")
	}

	key := contactKey(userID, instanceName, contact.ID)
	raw, found, err := s.get(key)
	if err != nil {
		return err
	}

	if found {
		var existing zapcamp.Contact
		if err := json.Unmarshal(raw, &existing); err != nil {
			return fmt.Errorf("decode stored contact %s: %w", contact.ID, err)
		}
		contact = mergeContact(existing, contact)
	}

	encoded, err := json.Marshal(contact)
	if err != nil {
		return fmt.Errorf("encode contact %s: %w", contact.ID, err)
	}
	return s.set(key, encoded)
}

func mergeContact(existing, incoming zapcamp.Contact) zapcamp.Contact {
	merged := existing

	if incoming.LastMessageTimestamp > merged.LastMessageTimestamp {
		merged.LastMessageTimestamp = incoming.LastMessageTimestamp
	}
	if incoming.HasRealName() || (!existing.HasRealName() && incoming.Name != "") {
		merged.Name = incoming.Name
	}
	if incoming.ProfilePictureURL != "" {
		merged.ProfilePictureURL = incoming.ProfilePictureURL
	}
	if incoming.Number != "" {
		merged.Number = incoming.Number
	}

	return merged
}

// TouchContact advances the last-message timestamp of a contact, creating
// a minimal record when the contact was never stored.
func (s *Store) TouchContact(userID, instanceName, conversationKey string, timestamp int64) error {
	number := zapcamp.NumberFromConversationKey(conversationKey)
	return s.UpsertContact(userID, instanceName, zapcamp.Contact{
		ID:                   conversationKey,
		Name:                 number,
		Number:               number,
		LastMessageTimestamp: timestamp,
	})
}

// ListContacts returns all stored contacts of one instance, most recently
// active first.
func (s *Store) ListContacts(userID, instanceName string) ([]zapcamp.Contact, error) {
	contacts := make([]zapcamp.Contact, 0, 32)

	var decodeErr error
	err := s.scanPrefix(contactPrefix(userID, instanceName), func(key, value []byte) bool {
		var contact zapcamp.Contact
		if err := json.Unmarshal(value, &contact); err != nil {
			decodeErr = fmt.Errorf("decode stored contact %s: %w", key, err)
			return false
		}
		if zapcamp.IsStatusKey(contact.ID) {
			return true
		}
		contacts = append(contacts, contact)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}

	sort.SliceStable(contacts, func(i, j int) bool {
		if contacts[i].LastMessageTimestamp != contacts[j].LastMessageTimestamp {
			return contacts[i].LastMessageTimestamp > contacts[j].LastMessageTimestamp
		}
		return contacts[i].ID < contacts[j].ID
	})

	return contacts, nil
}
