package model

import "time"

type Contact struct {
	ID          string
	TenantID    string
	DisplayName string
	Phone       string
	Fields      map[string]string
	Tags        []string
	OptedOut    bool
	CreatedAt   time.Time
}
