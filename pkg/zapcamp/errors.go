package zapcamp

import "errors"

var (
	// ErrGatewayUnavailable indicates the WhatsApp gateway could not be reached
	// or answered with a server-side failure.
	ErrGatewayUnavailable = errors.New("zapcamp: gateway unavailable")
	// ErrGatewayTimeout indicates a gateway call exceeded its deadline.
	ErrGatewayTimeout = errors.New("zapcamp: gateway timeout")
	// ErrInvalidNumber indicates a recipient number is not registered on WhatsApp.
	ErrInvalidNumber = errors.New("zapcamp: invalid whatsapp number")
	// ErrNotFound indicates a store lookup miss.
	ErrNotFound = errors.New("zapcamp: not found")
	// ErrCampaignNotFound indicates a campaign lookup miss.
	ErrCampaignNotFound = errors.New("zapcamp: campaign not found")
	// ErrTransactionConflict indicates a transactional update lost a commit race.
	ErrTransactionConflict = errors.New("zapcamp: transaction conflict")
	// ErrStoreWriteFailed indicates a store write did not take effect.
	ErrStoreWriteFailed = errors.New("zapcamp: store write failed")
	// ErrRaffleAlreadyPerformed indicates a campaign already has a drawn winner.
	ErrRaffleAlreadyPerformed = errors.New("zapcamp: raffle already performed")
	// ErrNoParticipants indicates a raffle was requested for a campaign with no submissions.
	ErrNoParticipants = errors.New("zapcamp: no participants")
	// ErrSessionClosed indicates an operation on a chat session that was shut down.
	ErrSessionClosed = errors.New("zapcamp: session closed")
	// ErrSessionNotFound indicates no active chat session for the user.
	ErrSessionNotFound = errors.New("zapcamp: session not found")
	// ErrInvalidMessage indicates a message does not satisfy storage invariants.
	ErrInvalidMessage = errors.New("zapcamp: invalid message")
	// ErrInvalidCampaign indicates a campaign does not satisfy storage invariants.
	ErrInvalidCampaign = errors.New("zapcamp: invalid campaign")
)
