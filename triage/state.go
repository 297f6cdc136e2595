package triage

// Message is the unit of work a triage instance processes.
type Message struct {
	// BusinessID identifies the message in the mailbox it was received in
	BusinessID string `json:"business_id"`

	// UserID is the owner of the mailbox, decisions are requested from them
	UserID string `json:"user_id"`

	Subject string `json:"subject"`
	Sender  string `json:"sender"`
	Body    string `json:"body"`
}

// State is the workflow state of a triage instance. It is persisted with every checkpoint.
type State struct {
	Message    Message  `json:"message"`
	Candidates []string `json:"candidates"`

	// Content is the normalized text used for classification
	Content string `json:"content,omitempty"`

	Category  string `json:"category,omitempty"`
	Rationale string `json:"rationale,omitempty"`
	Priority  int    `json:"priority"`

	// Notification is the text the decision is requested with
	Notification     string `json:"notification,omitempty"`
	ChannelMessageID string `json:"channel_message_id,omitempty"`

	Decision string `json:"decision,omitempty"`

	// Reply is sent to the sender when the decision provided one
	Reply string `json:"reply,omitempty"`

	CategoryApplied bool `json:"category_applied,omitempty"`
	ReplySent       bool `json:"reply_sent,omitempty"`
	Confirmed       bool `json:"confirmed,omitempty"`
}

// EditPayload is the payload of an edit decision. At least one field has to be set.
type EditPayload struct {
	Category string `json:"category,omitempty"`
	Reply    string `json:"reply,omitempty"`
}
