package domain

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusPaused     Status = "PAUSED"
	StatusClosed     Status = "CLOSED"
)

// Statuses lists every lifecycle state in declaration order.
var Statuses = []Status{StatusOpen, StatusInProgress, StatusPaused, StatusClosed}

// ParseStatus matches name case-insensitively against the known statuses.
func ParseStatus(name string) (Status, error) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(name)))
	for _, s := range Statuses {
		if s == candidate {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, name)
}

// DemandTypes is the closed set of classification tags a demand may carry.
var DemandTypes = []string{
	"OPERATIONAL", "STRATEGIC", "PROJECT", "INCIDENT", "SIMPLE", "COMPLEX",
	"HIGH_PRIORITY", "MEDIUM_PRIORITY", "LOW_PRIORITY",
	"TO_DO", "IN_PROGRESS", "COMPLETED", "CANCELED", "PENDING",
	"DEVELOPMENT", "MARKETING", "SUPPORT", "ADMINISTRATIVE", "SALES", "PRODUCTION", "HUMAN_RESOURCE",
	"Email", "Research", "Partnerships", "Coding", "Documentation", "Investigation", "Meeting",
}

// ValidDemandType reports whether t is empty or one of DemandTypes.
func ValidDemandType(t string) bool {
	if t == "" {
		return true
	}
	for _, known := range DemandTypes {
		if known == t {
			return true
		}
	}
	return false
}

type Demand struct {
	ID                   string     `json:"id"`
	OwnerID              string     `json:"owner_id"`
	CollaboratorIDs      []string   `json:"collaborator_ids"`
	GroupID              string     `json:"group_id,omitempty"`
	Title                string     `json:"title,omitempty"`
	Description          string     `json:"description"`
	Status               Status     `json:"status" enum:"OPEN,IN_PROGRESS,PAUSED,CLOSED"`
	Type                 string     `json:"type,omitempty"`
	StartDate            string     `json:"start_date,omitempty"`
	EndDate              string     `json:"end_date,omitempty"`
	CycleStartTime       *time.Time `json:"cycle_start_time,omitempty"`
	PauseTime            *time.Time `json:"pause_time,omitempty"`
	CompletionTime       *time.Time `json:"completion_time,omitempty"`
	TotalDurationSeconds int64      `json:"total_duration_seconds"`
	Accruing             bool       `json:"accruing"`
	AutoStart            bool       `json:"auto_start"`
	StatusChangedAt      time.Time  `json:"status_changed_at"`
	CreatedAt            time.Time  `json:"created_at"`
	Revision             int64      `json:"revision"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Principal is an already-authenticated caller.
type Principal struct {
	UserID  string `json:"user_id"`
	Role    string `json:"role,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}
