package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cenkalti/backoff/v4"

	"zapcamp/pkg/zapcamp"
)

// campaignDoc wraps a campaign with the revision counter backing
// optimistic transactions.
type campaignDoc struct {
	Revision int64            `json:"revision"`
	Campaign zapcamp.Campaign `json:"campaign"`
}

func campaignKey(userID, campaignID string) []byte {
	return []byte(fmt.Sprintf("campaign:%s:%s", keyPart(userID), keyPart(campaignID)))
}

func campaignPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("campaign:%s:", keyPart(userID)))
}

// CreateCampaign persists a new campaign. The campaign ID must be unused.
func (s *Store) CreateCampaign(userID string, campaign zapcamp.Campaign) error {
	if err := campaign.Validate(); err != nil {
		return err
	}

	key := campaignKey(userID, campaign.ID)

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if _, found, err := s.get(key); err != nil {
		return err
	} else if found {
		return fmt.Errorf("create campaign %s: %w: id already exists", campaign.ID, zapcamp.ErrStoreWriteFailed)
	}

	return s.putCampaignDoc(key, campaignDoc{Revision: 1, Campaign: campaign})
}

// GetCampaign reads one campaign owned by the user.
func (s *Store) GetCampaign(userID, campaignID string) (zapcamp.Campaign, error) {
	doc, _, err := s.getCampaignDoc(userID, campaignID)
	if err != nil {
		return zapcamp.Campaign{}, err
	}
	return doc.Campaign, nil
}

// ListCampaigns returns all campaigns of one user, newest first.
func (s *Store) ListCampaigns(userID string) ([]zapcamp.Campaign, error) {
	campaigns := make([]zapcamp.Campaign, 0, 16)

	var decodeErr error
	err := s.scanPrefix(campaignPrefix(userID), func(key, value []byte) bool {
		var doc campaignDoc
		if err := json.Unmarshal(value, &doc); err != nil {
			decodeErr = fmt.Errorf("decode stored campaign %s: %w", key, err)
			return false
		}
		campaigns = append(campaigns, doc.Campaign)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}

	sort.SliceStable(campaigns, func(i, j int) bool {
		if !campaigns[i].CreatedAt.Equal(campaigns[j].CreatedAt) {
			return campaigns[i].CreatedAt.After(campaigns[j].CreatedAt)
		}
		return campaigns[i].ID < campaigns[j].ID
	})

	return campaigns, nil
}

// UpdateCampaign applies mutate to the campaign inside an optimistic
// transaction: the campaign is re-read on every attempt, mutate runs on
// the fresh copy, and the write only commits when no concurrent update
// landed in between. Conflicts are retried with exponential backoff; when
// retries are exhausted the update fails with ErrStoreWriteFailed. An
// error returned by mutate aborts the transaction unchanged.
func (s *Store) UpdateCampaign(
	ctx context.Context,
	userID, campaignID string,
	mutate func(*zapcamp.Campaign) error,
) error {
	operation := func() error {
		doc, key, err := s.getCampaignDoc(userID, campaignID)
		if err != nil {
			return backoff.Permanent(err)
		}

		if err := mutate(&doc.Campaign); err != nil {
			return backoff.Permanent(err)
		}
		if err := doc.Campaign.Validate(); err != nil {
			return backoff.Permanent(err)
		}

		if err := s.commitCampaignDoc(key, doc); err != nil {
			if errors.Is(err, zapcamp.ErrTransactionConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.txInitialDelay
	policy.MaxInterval = s.cfg.txMaxDelay

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(s.cfg.txMaxRetries)),
		ctx,
	))
	if err == nil {
		return nil
	}
	if errors.Is(err, zapcamp.ErrTransactionConflict) {
		s.cfg.logger.Warn("campaign update retries exhausted",
			"campaign", campaignID,
			"retries", s.cfg.txMaxRetries,
		)
		return fmt.Errorf("update campaign %s: %w", campaignID, zapcamp.ErrStoreWriteFailed)
	}
	return fmt.Errorf("update campaign %s: %w", campaignID, err)
}

func (s *Store) getCampaignDoc(userID, campaignID string) (campaignDoc, []byte, error) {
	key := campaignKey(userID, campaignID)

	raw, found, err := s.get(key)
	if err != nil {
		return campaignDoc{}, nil, err
	}
	if !found {
		return campaignDoc{}, nil, fmt.Errorf("campaign %s: %w", campaignID, zapcamp.ErrCampaignNotFound)
	}

	var doc campaignDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return campaignDoc{}, nil, fmt.Errorf("decode stored campaign %s: %w", campaignID, err)
	}
	return doc, key, nil
}

// commitCampaignDoc verifies the revision under the commit lock and
// writes the document with the revision advanced. A revision mismatch
// means another update committed since the caller's read.
func (s *Store) commitCampaignDoc(key []byte, doc campaignDoc) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	raw, found, err := s.get(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("commit campaign: %w", zapcamp.ErrCampaignNotFound)
	}

	var current campaignDoc
	if err := json.Unmarshal(raw, &current); err != nil {
		return fmt.Errorf("decode stored campaign %s: %w", key, err)
	}
	if current.Revision != doc.Revision {
		return fmt.Errorf("campaign revision %d moved to %d: %w",
			doc.Revision, current.Revision, zapcamp.ErrTransactionConflict)
	}

	doc.Revision++
	return s.putCampaignDoc(key, doc)
}

func (s *Store) putCampaignDoc(key []byte, doc campaignDoc) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode campaign %s: %w", doc.Campaign.ID, err)
	}
	return s.set(key, encoded)
}
