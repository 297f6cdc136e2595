package triage

import "context"

type Classification struct {
	Category  string `json:"category"`
	Rationale string `json:"rationale"`
}

// Classifier picks one of the candidate categories for the given content.
type Classifier interface {
	Classify(ctx context.Context, content string, candidates []string) (*Classification, error)
}

type Metadata struct {
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Length  int    `json:"length"`
}

type PriorityScorer interface {
	Score(ctx context.Context, metadata Metadata) (int, error)
}

type Notification struct {
	Text string `json:"text"`

	// Options are the decisions offered to the user, empty for plain messages
	Options []string `json:"options,omitempty"`
}

type Delivery struct {
	ChannelMessageID string `json:"channel_message_id"`
}

// Notifier delivers messages to users on the channel decisions are made on.
type Notifier interface {
	Send(ctx context.Context, userID string, n Notification) (*Delivery, error)
}

// ActionExecutor applies decisions to the mailbox.
type ActionExecutor interface {
	ApplyCategory(ctx context.Context, businessID, category string) error
	SendReply(ctx context.Context, businessID, text string) error
}

type Collaborators struct {
	Classifier     Classifier
	PriorityScorer PriorityScorer
	Notifier       Notifier
	ActionExecutor ActionExecutor
}
