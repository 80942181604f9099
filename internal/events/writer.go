package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	KindDemand = "demand"

	DemandCreated   = "demand.created"
	DemandStarted   = "demand.started"
	DemandPaused    = "demand.paused"
	DemandContinued = "demand.continued"
	DemandClosed    = "demand.closed"
	DemandUpdated   = "demand.updated"
	DemandTimerSet  = "demand.timer.set"
	DemandDeleted   = "demand.deleted"
	DemandsPurged   = "demand.purged"
)

// Types lists every event type the engine emits.
var Types = []string{
	DemandCreated, DemandStarted, DemandPaused, DemandContinued, DemandClosed,
	DemandUpdated, DemandTimerSet, DemandDeleted, DemandsPurged,
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
