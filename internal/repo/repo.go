package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"demandline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = domain.ErrNotFound
	ErrConflict = domain.ErrConflict
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const demandColumns = `d.id,d.owner_id,d.group_id,d.title,d.description,d.status,d.type,d.start_date,d.end_date,
d.cycle_start_time,d.pause_time,d.completion_time,d.total_duration_seconds,d.accruing,d.auto_start,
d.status_changed_at,d.created_at,d.revision,
(SELECT json_group_array(user_id) FROM (SELECT c.user_id FROM demand_collaborators c WHERE c.demand_id=d.id ORDER BY c.position)) AS collaborators`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDemand(row rowScanner) (domain.Demand, error) {
	var (
		d                                         domain.Demand
		groupID, title, typ, startDate, endDate   sql.NullString
		cycleStart, pauseTime, completion         sql.NullString
		statusChangedAt, createdAt, collaborators string
		accruing, autoStart                       bool
	)
	err := row.Scan(&d.ID, &d.OwnerID, &groupID, &title, &d.Description, &d.Status, &typ, &startDate, &endDate,
		&cycleStart, &pauseTime, &completion, &d.TotalDurationSeconds, &accruing, &autoStart,
		&statusChangedAt, &createdAt, &d.Revision, &collaborators)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.GroupID = groupID.String
	d.Title = title.String
	d.Type = typ.String
	d.StartDate = startDate.String
	d.EndDate = endDate.String
	d.Accruing = accruing
	d.AutoStart = autoStart
	if d.CycleStartTime, err = parseTimePtr(cycleStart); err != nil {
		return d, err
	}
	if d.PauseTime, err = parseTimePtr(pauseTime); err != nil {
		return d, err
	}
	if d.CompletionTime, err = parseTimePtr(completion); err != nil {
		return d, err
	}
	if d.StatusChangedAt, err = parseTime(statusChangedAt); err != nil {
		return d, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, err
	}
	d.CollaboratorIDs = []string{}
	if err := json.Unmarshal([]byte(collaborators), &d.CollaboratorIDs); err != nil {
		return d, fmt.Errorf("decode collaborators of %s: %w", d.ID, err)
	}
	return d, nil
}

func (r Repo) GetDemand(ctx context.Context, id string) (domain.Demand, error) {
	return getDemand(ctx, r.DB, id)
}

func (r Repo) GetDemandTx(ctx context.Context, tx *sql.Tx, id string) (domain.Demand, error) {
	return getDemand(ctx, tx, id)
}

func getDemand(ctx context.Context, q querier, id string) (domain.Demand, error) {
	return scanDemand(q.QueryRowContext(ctx, `SELECT `+demandColumns+` FROM demands d WHERE d.id=?`, id))
}

func (r Repo) InsertDemand(ctx context.Context, tx *sql.Tx, d domain.Demand) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO demands(id,owner_id,group_id,title,description,status,type,start_date,end_date,cycle_start_time,pause_time,completion_time,total_duration_seconds,accruing,auto_start,status_changed_at,created_at,revision) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.OwnerID, nullable(d.GroupID), nullable(d.Title), d.Description, d.Status, nullable(d.Type), nullable(d.StartDate), nullable(d.EndDate),
		formatTimePtr(d.CycleStartTime), formatTimePtr(d.PauseTime), formatTimePtr(d.CompletionTime), d.TotalDurationSeconds, d.Accruing, d.AutoStart,
		formatTime(d.StatusChangedAt), formatTime(d.CreatedAt), d.Revision)
	if err != nil {
		return err
	}
	return replaceCollaborators(ctx, tx, d.ID, d.CollaboratorIDs)
}

// UpdateDemand writes d if the stored revision still equals expected and
// bumps it. A lost race surfaces as ErrConflict.
func (r Repo) UpdateDemand(ctx context.Context, tx *sql.Tx, d domain.Demand, expected int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE demands SET owner_id=?, group_id=?, title=?, description=?, status=?, type=?, start_date=?, end_date=?, cycle_start_time=?, pause_time=?, completion_time=?, total_duration_seconds=?, accruing=?, auto_start=?, status_changed_at=?, revision=? WHERE id=? AND revision=?`,
		d.OwnerID, nullable(d.GroupID), nullable(d.Title), d.Description, d.Status, nullable(d.Type), nullable(d.StartDate), nullable(d.EndDate),
		formatTimePtr(d.CycleStartTime), formatTimePtr(d.PauseTime), formatTimePtr(d.CompletionTime), d.TotalDurationSeconds, d.Accruing, d.AutoStart,
		formatTime(d.StatusChangedAt), expected+1, d.ID, expected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getDemand(ctx, tx, d.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: demand %s changed since revision %d", ErrConflict, d.ID, expected)
	}
	return replaceCollaborators(ctx, tx, d.ID, d.CollaboratorIDs)
}

func replaceCollaborators(ctx context.Context, tx *sql.Tx, demandID string, ids []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM demand_collaborators WHERE demand_id=?`, demandID); err != nil {
		return err
	}
	seen := map[string]bool{}
	pos := 0
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, err := tx.ExecContext(ctx, `INSERT INTO demand_collaborators(demand_id,user_id,position) VALUES (?,?,?)`, demandID, id, pos); err != nil {
			return err
		}
		pos++
	}
	return nil
}

func (r Repo) DeleteDemand(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM demands WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllDemands removes every demand and returns how many were removed.
func (r Repo) DeleteAllDemands(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM demands`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type DemandFilters struct {
	OwnerID       string
	Status        domain.Status
	GroupID       string
	Participant   string
	IncludeUserID string
	Limit         int
}

func (r Repo) ListDemands(ctx context.Context, f DemandFilters) ([]domain.Demand, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "d.owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "d.status=?")
		args = append(args, f.Status)
	}
	if f.Participant != "" {
		clauses = append(clauses, "(d.owner_id=? OR EXISTS (SELECT 1 FROM demand_collaborators c WHERE c.demand_id=d.id AND c.user_id=?))")
		args = append(args, f.Participant, f.Participant)
	}
	if f.GroupID != "" {
		if f.IncludeUserID != "" {
			clauses = append(clauses, "(d.group_id=? OR d.owner_id=? OR EXISTS (SELECT 1 FROM demand_collaborators c WHERE c.demand_id=d.id AND c.user_id=?))")
			args = append(args, f.GroupID, f.IncludeUserID, f.IncludeUserID)
		} else {
			clauses = append(clauses, "d.group_id=?")
			args = append(args, f.GroupID)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + demandColumns + ` FROM demands d ` + where + ` ORDER BY d.created_at ASC, d.id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Demand{}
	for rows.Next() {
		d, err := scanDemand(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) ListDemandsByOwner(ctx context.Context, ownerID string) ([]domain.Demand, error) {
	return r.ListDemands(ctx, DemandFilters{OwnerID: ownerID})
}

func (r Repo) ListDemandsByStatus(ctx context.Context, status domain.Status) ([]domain.Demand, error) {
	return r.ListDemands(ctx, DemandFilters{Status: status})
}

// ListDemandsByOwnerOrCollaborator returns demands userID owns or collaborates on.
func (r Repo) ListDemandsByOwnerOrCollaborator(ctx context.Context, userID string) ([]domain.Demand, error) {
	return r.ListDemands(ctx, DemandFilters{Participant: userID})
}

// ListDemandsByGroup returns the group's demands plus those userID takes part in.
func (r Repo) ListDemandsByGroup(ctx context.Context, groupID, userID string) ([]domain.Demand, error) {
	if groupID == "" {
		return r.ListDemandsByOwnerOrCollaborator(ctx, userID)
	}
	return r.ListDemands(ctx, DemandFilters{GroupID: groupID, IncludeUserID: userID})
}

func (r Repo) CountDemandsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM demands GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var s domain.Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[s] = n
	}
	return res, rows.Err()
}

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	Cursor     int64
	Limit      int
}

// LatestEvents returns events newest first, below the cursor when one is set.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// timeLayout is fixed width so stored values sort chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", v, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
