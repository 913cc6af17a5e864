package model

import "time"

type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageFailed    MessageStatus = "failed"
	MessageCancelled MessageStatus = "cancelled"
)

func (s MessageStatus) Terminal() bool {
	switch s {
	case MessageSent, MessageDelivered, MessageFailed, MessageCancelled:
		return true
	}
	return false
}

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
)

// Message is one send-attempt context. Created by the campaign
// orchestrator, mutated only by the dispatch pipeline.
type Message struct {
	ID           string
	TenantID     string
	CampaignID   string // empty for one-off sends
	ContactID    string
	Recipient    string
	Type         MessageType
	Body         string
	MediaURL     string
	FallbackText string
	FallbackUsed bool
	Status       MessageStatus
	ErrorMessage string
	EvidenceRef  string
	Attempts     int
	MaxAttempts  int
	NextRetryAt  *time.Time
	QueuedAt     time.Time
	SentAt       *time.Time
}
