package store

import (
	"encoding/json"
	"fmt"

	"zapcamp/pkg/zapcamp"
)

// Submission keys embed the ULID, so a prefix scan yields creation order.
func submissionKey(campaignID, submissionID string) []byte {
	return []byte(fmt.Sprintf("submission:%s:%s", keyPart(campaignID), keyPart(submissionID)))
}

func submissionPrefix(campaignID string) []byte {
	return []byte(fmt.Sprintf("submission:%s:", keyPart(campaignID)))
}

// CreateSubmission persists one captured lead.
func (s *Store) CreateSubmission(submission zapcamp.Submission) error {
	if submission.ID == "" {
		return fmt.Errorf("create submission: missing id")
	}
	if submission.CampaignID == "" {
		return fmt.Errorf("create submission: missing campaign id")
	}

	encoded, err := json.Marshal(submission)
	if err != nil {
		return fmt.Errorf("encode submission %s: %w", submission.ID, err)
	}
	return s.set(submissionKey(submission.CampaignID, submission.ID), encoded)
}

// ListSubmissions returns all submissions of a campaign in creation order.
func (s *Store) ListSubmissions(campaignID string) ([]zapcamp.Submission, error) {
	submissions := make([]zapcamp.Submission, 0, 32)

	var decodeErr error
	err := s.scanPrefix(submissionPrefix(campaignID), func(key, value []byte) bool {
		var submission zapcamp.Submission
		if err := json.Unmarshal(value, &submission); err != nil {
			decodeErr = fmt.Errorf("decode stored submission %s: %w", key, err)
			return false
		}
		submissions = append(submissions, submission)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}

	return submissions, nil
}
