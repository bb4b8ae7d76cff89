package zapcamp

// Contact is one direct conversation partner derived from message traffic.
//
// Contacts are aggregates, not an address book: they exist because at least
// one message was exchanged, and their fields reflect the most recent
// traffic observed.
type Contact struct {
	// ID is the full remote JID of the conversation.
	ID string `json:"id"`
	// Name is the display name. Falls back to the bare number when the
	// remote party never exposed a push name.
	Name string `json:"name"`
	// Number is the bare phone number portion of the JID.
	Number string `json:"number"`
	// ProfilePictureURL is the last known avatar URL, possibly empty.
	ProfilePictureURL string `json:"profilePictureUrl,omitempty"`
	// LastMessageTimestamp is the most recent message time in milliseconds
	// since the Unix epoch. It only ever moves forward.
	LastMessageTimestamp int64 `json:"lastMessageTimestamp"`
}

// HasRealName reports whether the contact carries a display name beyond
// the bare number fallback.
func (c Contact) HasRealName() bool {
	return c.Name != "" && c.Name != c.Number
}
