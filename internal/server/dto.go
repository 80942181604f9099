package server

import (
	"time"

	"demandline/internal/domain"
)

// Request payloads

type CreateDemandRequest struct {
	Title           string   `json:"title,omitempty"`
	Description     string   `json:"description"`
	Type            string   `json:"type,omitempty"`
	StartDate       string   `json:"start_date,omitempty"`
	EndDate         string   `json:"end_date,omitempty"`
	CollaboratorIDs []string `json:"collaborator_ids,omitempty"`
	AutoStart       bool     `json:"auto_start,omitempty"`
}

type UpdateDemandRequest struct {
	Title            *string   `json:"title,omitempty"`
	Description      *string   `json:"description,omitempty"`
	Type             *string   `json:"type,omitempty"`
	StartDate        *string   `json:"start_date,omitempty"`
	EndDate          *string   `json:"end_date,omitempty"`
	CollaboratorIDs  *[]string `json:"collaborator_ids,omitempty"`
	ExpectedRevision int64     `json:"expected_revision,omitempty"`
}

type updateDemandInput struct {
	ID   string              `path:"id"`
	Body UpdateDemandRequest `json:"body"`
}

type SetTimerRequest struct {
	StartTime string `json:"start_time" example:"2024-01-01T10:00:00"`
	EndTime   string `json:"end_time" example:"2024-01-01T12:30:00"`
}

// Responses

type DemandResponse struct {
	ID                   string     `json:"id"`
	OwnerID              string     `json:"owner_id"`
	CollaboratorIDs      []string   `json:"collaborator_ids"`
	GroupID              string     `json:"group_id,omitempty"`
	Title                string     `json:"title,omitempty"`
	Description          string     `json:"description"`
	Status               string     `json:"status" enum:"OPEN,IN_PROGRESS,PAUSED,CLOSED"`
	Type                 string     `json:"type,omitempty"`
	StartDate            string     `json:"start_date,omitempty"`
	EndDate              string     `json:"end_date,omitempty"`
	CycleStartTime       *time.Time `json:"cycle_start_time,omitempty"`
	PauseTime            *time.Time `json:"pause_time,omitempty"`
	CompletionTime       *time.Time `json:"completion_time,omitempty"`
	TotalDurationSeconds int64      `json:"total_duration_seconds"`
	ElapsedSeconds       int64      `json:"elapsed_seconds"`
	Accruing             bool       `json:"accruing"`
	AutoStart            bool       `json:"auto_start"`
	StatusChangedAt      time.Time  `json:"status_changed_at"`
	CreatedAt            time.Time  `json:"created_at"`
	Revision             int64      `json:"revision"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type EventPage struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Envelopes share the {status, message, data} shape.

type demandEnvelope struct {
	Status  int            `json:"status"`
	Message string         `json:"message"`
	Data    DemandResponse `json:"data"`
}

type demandListEnvelope struct {
	Status  int              `json:"status"`
	Message string           `json:"message"`
	Data    []DemandResponse `json:"data"`
}

type eventsEnvelope struct {
	Status  int       `json:"status"`
	Message string    `json:"message"`
	Data    EventPage `json:"data"`
}

type messageEnvelope struct {
	Status  int            `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func demandResponse(d domain.Demand, now time.Time) DemandResponse {
	collaborators := d.CollaboratorIDs
	if collaborators == nil {
		collaborators = []string{}
	}
	return DemandResponse{
		ID:                   d.ID,
		OwnerID:              d.OwnerID,
		CollaboratorIDs:      collaborators,
		GroupID:              d.GroupID,
		Title:                d.Title,
		Description:          d.Description,
		Status:               string(d.Status),
		Type:                 d.Type,
		StartDate:            d.StartDate,
		EndDate:              d.EndDate,
		CycleStartTime:       d.CycleStartTime,
		PauseTime:            d.PauseTime,
		CompletionTime:       d.CompletionTime,
		TotalDurationSeconds: d.TotalDurationSeconds,
		ElapsedSeconds:       d.ElapsedSeconds(now),
		Accruing:             d.Accruing,
		AutoStart:            d.AutoStart,
		StatusChangedAt:      d.StatusChangedAt,
		CreatedAt:            d.CreatedAt,
		Revision:             d.Revision,
	}
}

func demandResponses(items []domain.Demand, now time.Time) []DemandResponse {
	res := make([]DemandResponse, 0, len(items))
	for _, d := range items {
		res = append(res, demandResponse(d, now))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}
