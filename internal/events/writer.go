package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	AgentRegistered = "agent.registered"
	AgentEnabled    = "agent.enabled"
	AgentDisabled   = "agent.disabled"
	BuildQueued     = "build.queued"
	BuildStarted    = "build.started"
	BuildUnassigned = "build.unassigned"
	BuildStep       = "build.step"
	BuildFinished   = "build.finished"
	BuildCanceled   = "build.canceled"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append records an event in the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload Payload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
