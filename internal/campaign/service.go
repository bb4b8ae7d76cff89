// Package campaign implements lead capture and the raffle: sequential
// participant numbering, form submissions, and the write-once winner draw.
package campaign

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"zapcamp/pkg/zapcamp"
)

// Store is the persistence surface the campaign service needs.
type Store interface {
	CreateCampaign(userID string, campaign zapcamp.Campaign) error
	GetCampaign(userID, campaignID string) (zapcamp.Campaign, error)
	ListCampaigns(userID string) ([]zapcamp.Campaign, error)
	UpdateCampaign(ctx context.Context, userID, campaignID string, mutate func(*zapcamp.Campaign) error) error
	CreateSubmission(submission zapcamp.Submission) error
	ListSubmissions(campaignID string) ([]zapcamp.Submission, error)
}

// Option mutates campaign service configuration.
type Option func(*serviceConfig)

// WithLogger configures structured logging.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *serviceConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithRandInt overrides the random index source used by the raffle.
func WithRandInt(randInt func(n int) int) Option {
	return func(cfg *serviceConfig) {
		if randInt != nil {
			cfg.randInt = randInt
		}
	}
}

type serviceConfig struct {
	logger  *slog.Logger
	randInt func(n int) int
	now     func() time.Time
}

// Service coordinates campaigns, submissions, and raffles on top of the
// transactional store.
type Service struct {
	cfg   serviceConfig
	store Store
}

// NewService creates a campaign service.
func NewService(store Store, options ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("new campaign service: nil store")
	}

	cfg := serviceConfig{
		logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
		randInt: rand.Intn,
		now:     time.Now,
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Service{cfg: cfg, store: store}, nil
}

// Create persists a new campaign owned by userID.
func (s *Service) Create(userID string, campaign zapcamp.Campaign) (zapcamp.Campaign, error) {
	campaign.ID = uuid.NewString()
	campaign.OwnerID = userID
	campaign.CreatedAt = s.cfg.now()
	campaign.LastParticipantNumber = 0
	campaign.WinnerNumber = ""
	campaign.WinnerName = ""

	if err := s.store.CreateCampaign(userID, campaign); err != nil {
		return zapcamp.Campaign{}, fmt.Errorf("create campaign: %w", err)
	}
	return campaign, nil
}

// Get reads one campaign owned by userID.
func (s *Service) Get(userID, campaignID string) (zapcamp.Campaign, error) {
	return s.store.GetCampaign(userID, campaignID)
}

// List returns all campaigns of one user, newest first.
func (s *Service) List(userID string) ([]zapcamp.Campaign, error) {
	return s.store.ListCampaigns(userID)
}

// Submissions returns the captured leads of a campaign in creation order.
func (s *Service) Submissions(userID, campaignID string) ([]zapcamp.Submission, error) {
	if _, err := s.store.GetCampaign(userID, campaignID); err != nil {
		return nil, err
	}
	return s.store.ListSubmissions(campaignID)
}

// NextParticipantNumber atomically advances the campaign's participant
// counter and returns the new number, zero-padded. Concurrent calls
// always observe distinct numbers.
func (s *Service) NextParticipantNumber(ctx context.Context, userID, campaignID string) (string, error) {
	var number string
	err := s.store.UpdateCampaign(ctx, userID, campaignID, func(campaign *zapcamp.Campaign) error {
		campaign.LastParticipantNumber++
		number = zapcamp.FormatParticipantNumber(campaign.LastParticipantNumber)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("next participant number: %w", err)
	}
	return number, nil
}

// Submit validates the form values against the campaign's fields, draws
// the next participant number, and persists the submission tagged with it.
func (s *Service) Submit(
	ctx context.Context,
	userID, campaignID string,
	values map[string]string,
) (zapcamp.Submission, error) {
	campaign, err := s.store.GetCampaign(userID, campaignID)
	if err != nil {
		return zapcamp.Submission{}, err
	}

	for _, field := range campaign.Fields {
		if field.Required && strings.TrimSpace(values[field.Name]) == "" {
			return zapcamp.Submission{}, fmt.Errorf("submit to campaign %s: field %q is required", campaignID, field.Name)
		}
	}

	number, err := s.NextParticipantNumber(ctx, userID, campaignID)
	if err != nil {
		return zapcamp.Submission{}, err
	}

	submission := zapcamp.Submission{
		ID:                ulid.Make().String(),
		CampaignID:        campaignID,
		ParticipantNumber: number,
		Data:              values,
		CreatedAt:         s.cfg.now(),
	}
	if err := s.store.CreateSubmission(submission); err != nil {
		return zapcamp.Submission{}, fmt.Errorf("submit to campaign %s: %w", campaignID, err)
	}

	s.cfg.logger.Info("submission captured",
		"campaign", campaignID,
		"participant", number,
	)
	return submission, nil
}

// RaffleResult is the outcome of a winner draw.
type RaffleResult struct {
	WinnerNumber string `json:"winnerNumber"`
	WinnerName   string `json:"winnerName"`
}

// PerformRaffle draws a random participant and records the winner on the
// campaign. The winner is written at most once: the eligibility snapshot
// and the random pick happen outside the transaction, but the write-once
// check runs inside it, so a concurrent draw loses cleanly with
// ErrRaffleAlreadyPerformed and the stored winner never changes.
func (s *Service) PerformRaffle(ctx context.Context, userID, campaignID string) (RaffleResult, error) {
	campaign, err := s.store.GetCampaign(userID, campaignID)
	if err != nil {
		return RaffleResult{}, err
	}
	if campaign.RafflePerformed() {
		return RaffleResult{}, fmt.Errorf("raffle for campaign %s: %w", campaignID, zapcamp.ErrRaffleAlreadyPerformed)
	}

	submissions, err := s.store.ListSubmissions(campaignID)
	if err != nil {
		return RaffleResult{}, fmt.Errorf("raffle for campaign %s: %w", campaignID, err)
	}
	if len(submissions) == 0 {
		return RaffleResult{}, fmt.Errorf("raffle for campaign %s: %w", campaignID, zapcamp.ErrNoParticipants)
	}

	winner := submissions[s.cfg.randInt(len(submissions))]
	result := RaffleResult{
		WinnerNumber: winner.ParticipantNumber,
		WinnerName:   winner.DisplayName(),
	}

	raffleDate := s.cfg.now()
	err = s.store.UpdateCampaign(ctx, userID, campaignID, func(campaign *zapcamp.Campaign) error {
		if campaign.RafflePerformed() {
			return fmt.Errorf("raffle for campaign %s: %w", campaignID, zapcamp.ErrRaffleAlreadyPerformed)
		}
		campaign.WinnerNumber = result.WinnerNumber
		campaign.WinnerName = result.WinnerName
		campaign.RaffleDate = &raffleDate
		return nil
	})
	if err != nil {
		return RaffleResult{}, err
	}

	s.cfg.logger.Info("raffle performed",
		"campaign", campaignID,
		"winner", result.WinnerNumber,
	)
	return result, nil
}
