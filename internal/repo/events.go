package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"permitline/internal/domain"
)

type EventFilter struct {
	FormID     string
	Type       string
	EntityKind string
	// Before pages backwards from an event id.
	Before int64
	// After pages forwards from an event id.
	After int64
	Limit int
}

// ListEvents returns events newest first, or oldest first when After is set.
func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.FormID != "" {
		clauses = append(clauses, "form_id=?")
		args = append(args, f.FormID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	order := "DESC"
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	if f.After > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.After)
		order = "ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(form_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ` + order + ` LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.FormID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, errors.Wrap(rows.Err(), "list events")
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "latest event id")
	}
	return id, nil
}
