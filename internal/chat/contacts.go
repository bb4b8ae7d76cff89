// Package chat implements the conversation layer: contact aggregation
// from raw message traffic, periodic polling for new messages, and the
// per-conversation session controller that owns the in-memory history.
package chat

import (
	"context"
	"log/slog"
	"sort"

	"zapcamp/internal/gateway"
	"zapcamp/pkg/zapcamp"
)

// RecentMessageFetcher fetches one flat page of recent message records
// across all conversations of an instance.
type RecentMessageFetcher interface {
	RecentMessages(ctx context.Context, instanceName string, limit int) ([]gateway.MessageRecord, error)
}

// ContactStore persists contact aggregates.
type ContactStore interface {
	UpsertContact(userID, instanceName string, contact zapcamp.Contact) error
	ListContacts(userID, instanceName string) ([]zapcamp.Contact, error)
}

// AggregateContacts groups raw message records by remote party and derives
// one contact per direct conversation. Group chats and status-broadcast
// pseudo-conversations are excluded. For each contact the most recent
// message supplies the timestamp, and a sender-supplied push name upgrades
// a bare-number name. The result is sorted most recently active first.
func AggregateContacts(records []gateway.MessageRecord) []zapcamp.Contact {
	byKey := make(map[string]zapcamp.Contact, len(records))

	for _, record := range records {
		key := record.Key.RemoteJid
		if key == "" || zapcamp.IsGroupKey(key) || zapcamp.IsStatusKey(key) {
			continue
		}

		number := zapcamp.NumberFromConversationKey(key)
		timestamp := record.MessageTimestamp * 1000

		name := number
		if !record.Key.FromMe && record.PushName != "" {
			name = record.PushName
		}

		existing, seen := byKey[key]
		if !seen {
			byKey[key] = zapcamp.Contact{
				ID:                   key,
				Name:                 name,
				Number:               number,
				LastMessageTimestamp: timestamp,
			}
			continue
		}

		if timestamp > existing.LastMessageTimestamp {
			existing.LastMessageTimestamp = timestamp
		}
		if !existing.HasRealName() && name != number {
			existing.Name = name
		}
		byKey[key] = existing
	}

	contacts := make([]zapcamp.Contact, 0, len(byKey))
	for _, contact := range byKey {
		contacts = append(contacts, contact)
	}

	sort.SliceStable(contacts, func(i, j int) bool {
		if contacts[i].LastMessageTimestamp != contacts[j].LastMessageTimestamp {
			return contacts[i].LastMessageTimestamp > contacts[j].LastMessageTimestamp
		}
		return contacts[i].ID < contacts[j].ID
	})

	return contacts
}

// RefreshContacts fetches recent traffic, aggregates it into contacts, and
// persists the result. On a fetch failure nothing is mutated and the
// caller falls back to stored contacts; persistence failures for single
// contacts are logged and skipped.
func RefreshContacts(
	ctx context.Context,
	fetcher RecentMessageFetcher,
	contacts ContactStore,
	logger *slog.Logger,
	userID, instanceName string,
	limit int,
) ([]zapcamp.Contact, error) {
	records, err := fetcher.RecentMessages(ctx, instanceName, limit)
	if err != nil {
		return nil, err
	}

	aggregated := AggregateContacts(records)
	for _, contact := range aggregated {
		if err := contacts.UpsertContact(userID, instanceName, contact); err != nil {
			logger.Warn("persist contact failed",
				"instance", instanceName,
				"contact", contact.ID,
				"error", err,
			)
		}
	}

	return aggregated, nil
}
