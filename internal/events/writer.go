package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

const (
	FormSaved                  = "form.saved"
	FormSubmitted              = "form.submitted"
	WorkflowDecided            = "workflow.decided"
	PermitIssued               = "permit.issued"
	RenewalAdded               = "permit.renewal.added"
	RenewalDecided             = "permit.renewal.decided"
	PermitRowExpired           = "permit.row.expired"
	PermitRowLapsed            = "permit.row.lapsed"
	FormExtended               = "form.extended"
	FormCancelled              = "form.cancelled"
	FormClosed                 = "form.closed"
	WorkflowResubmitted        = "workflow.resubmitted"
	WorkflowReassignmentNeeded = "workflow.reassignment_required"
	ClosureRequested           = "workflow.closure_requested"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an audit event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, formID, entityKind, entityID, actor string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal event payload")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,form_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(formID), entityKind, nullable(entityID), actor, string(data))
	return errors.Wrapf(err, "append %s event", evtType)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
