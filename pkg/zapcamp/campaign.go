package zapcamp

import (
	"fmt"
	"strings"
	"time"
)

// FormField describes one input of a campaign's lead-capture form.
type FormField struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// Campaign is a lead-capture campaign owned by one user.
type Campaign struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"ownerId"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Fields      []FormField `json:"fields,omitempty"`

	// LastParticipantNumber is the high-water mark of the sequential
	// participant counter. Zero means no participant was ever numbered.
	LastParticipantNumber int `json:"lastParticipantNumber"`

	// WinnerNumber is the drawn participant number, empty until a raffle
	// is performed. A campaign's winner is written at most once.
	WinnerNumber string     `json:"winnerNumber,omitempty"`
	WinnerName   string     `json:"winnerName,omitempty"`
	RaffleDate   *time.Time `json:"raffleDate,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the fields required before a campaign may be persisted.
func (c Campaign) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCampaign)
	}
	if strings.TrimSpace(c.OwnerID) == "" {
		return fmt.Errorf("%w: missing owner", ErrInvalidCampaign)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidCampaign)
	}
	return nil
}

// RafflePerformed reports whether a winner was already drawn.
func (c Campaign) RafflePerformed() bool {
	return c.WinnerNumber != ""
}

// FormatParticipantNumber renders a counter value as a display number,
// zero-padded to at least two digits ("01", "09", "10", "100").
func FormatParticipantNumber(n int) string {
	return fmt.Sprintf("%02d", n)
}

// Submission is one captured lead, tagged with its participant number.
type Submission struct {
	ID                string `json:"id"`
	CampaignID        string `json:"campaignId"`
	ParticipantNumber string `json:"participantNumber"`

	// Data holds the submitted form values keyed by field name.
	Data map[string]string `json:"data"`

	CreatedAt time.Time `json:"createdAt"`
}

// DisplayName returns the submitted name when present, otherwise a
// generic label built from the participant number.
func (s Submission) DisplayName() string {
	for _, key := range []string{"name", "nome"} {
		if value := strings.TrimSpace(s.Data[key]); value != "" {
			return value
		}
	}
	return "Participante " + s.ParticipantNumber
}
