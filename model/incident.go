package model

import "time"

// OutageStatus moves Investigating -> Identified -> Monitoring -> Resolved
type OutageStatus string

const (
	OutageInvestigating OutageStatus = "investigating"
	OutageIdentified    OutageStatus = "identified"
	OutageMonitoring    OutageStatus = "monitoring"
	OutageResolved      OutageStatus = "resolved"
)

// OutageType distinguishes planned work from incidents
type OutageType string

const (
	OutageScheduled   OutageType = "scheduled"
	OutageUnscheduled OutageType = "unscheduled"
)

// Outage is an incident record. NodeID is nil for global outages.
type Outage struct {
	ID          int64        `db:"id" json:"id"`
	NodeID      *int64       `db:"node_id" json:"node_id,omitempty"`
	Title       string       `db:"title" json:"title"`
	Description string       `db:"description" json:"description"`
	Type        OutageType   `db:"type" json:"type"`
	Status      OutageStatus `db:"status" json:"status"`
	StartedAt   time.Time    `db:"started_at" json:"started_at"`
	ResolvedAt  *time.Time   `db:"resolved_at" json:"resolved_at,omitempty"`
}

// Ticket is a support ticket raised for an outage
type Ticket struct {
	ID         int64     `db:"id" json:"id"`
	OutageID   *int64    `db:"outage_id" json:"outage_id,omitempty"`
	Subject    string    `db:"subject" json:"subject"`
	Body       string    `db:"body" json:"body"`
	Priority   string    `db:"priority" json:"priority"`
	AssigneeID int64     `db:"assignee_id" json:"assignee_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
