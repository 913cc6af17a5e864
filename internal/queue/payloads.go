package queue

import "github.com/heraldhq/herald/internal/model"

// Job payloads. Field names are part of the contract with the API
// layer, which enqueues connect/disconnect work directly.

type ConnectSession struct {
	TenantID string `json:"tenantId"`
}

type DisconnectSession struct {
	TenantID string `json:"tenantId"`
}

type SendMessage struct {
	MessageID    string            `json:"messageId"`
	TenantID     string            `json:"tenantId"`
	Recipient    string            `json:"recipient"`
	Type         model.MessageType `json:"type"`
	BodyText     string            `json:"bodyText,omitempty"`
	MediaURL     string            `json:"mediaUrl,omitempty"`
	FallbackText string            `json:"fallbackText,omitempty"`
}

type SyncContacts struct {
	TenantID    string `json:"tenantId"`
	MaxContacts int    `json:"maxContacts"`
}
