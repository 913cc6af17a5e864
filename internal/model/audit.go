package model

import "time"

type AuditKind string

const (
	AuditConnected         AuditKind = "session.connected"
	AuditDisconnected      AuditKind = "session.disconnected"
	AuditPairingTimeout    AuditKind = "session.pairing_timeout"
	AuditContactsSynced    AuditKind = "contacts.synced"
	AuditCampaignStarted   AuditKind = "campaign.started"
	AuditCampaignPaused    AuditKind = "campaign.paused"
	AuditCampaignCompleted AuditKind = "campaign.completed"
)

// AuditEntry is an append-only operational event.
type AuditEntry struct {
	ID        string
	TenantID  string
	Kind      AuditKind
	Detail    string
	CreatedAt time.Time
}
