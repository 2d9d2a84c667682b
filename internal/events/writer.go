package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"permitflow/internal/db"
)

const (
	PermitCreated  = "permit.created"
	PermitApproved = "permit.approved"
	PermitRejected = "permit.rejected"
	PermitUpdated  = "permit.updated"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append records one audit event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, permitID int64, actor, role string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO loto_permit_events(ts,type,permit_id,actor,role,payload_json) VALUES (?,?,?,?,?,?)`),
		w.Dialect.Time(w.Now()), evtType, permitID, actor, role, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}
