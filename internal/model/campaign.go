package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignRunning, CampaignCancelled},
	CampaignScheduled: {CampaignRunning, CampaignCancelled},
	CampaignRunning:   {CampaignPaused, CampaignCompleted, CampaignCancelled},
	CampaignPaused:    {CampaignRunning, CampaignCancelled},
}

// CanTransition reports whether a campaign may move from one status to
// another. Terminal statuses have no outgoing transitions.
func (s CampaignStatus) CanTransition(to CampaignStatus) bool {
	for _, next := range campaignTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Startable reports whether an activation request is valid for the
// current status.
func (s CampaignStatus) Startable() bool {
	return s == CampaignDraft || s == CampaignScheduled || s == CampaignPaused
}

type Campaign struct {
	ID          string
	TenantID    string
	Type        MessageType
	Template    string
	MediaURL    string // empty for text campaigns
	TagFilter   []string
	MinDelay    time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Status      CampaignStatus
	Total       int
	SentCount   int
	FailedCount int
	StartedAt   *time.Time
	CreatedAt   time.Time
}
