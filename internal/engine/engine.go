package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"demandline/internal/config"
	"demandline/internal/domain"
	"demandline/internal/engine/scope"
	"demandline/internal/events"
	"demandline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Scope  scope.Resolver
	Log    zerolog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{},
		Config: cfg,
		Scope:  scope.PolicyResolver{Store: r, Config: cfg},
		Log:    zerolog.Nop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) policy() domain.Policy {
	if e.Config == nil {
		return domain.Policy{}
	}
	return e.Config.Policy()
}

func (e Engine) emit(ctx context.Context, tx *sql.Tx, evtType, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	if actorID == "" {
		actorID = "system"
	}
	return w.Append(ctx, tx, evtType, events.KindDemand, entityID, actorID, payload)
}

// CreateOptions are parameters for creating a demand.
type CreateOptions struct {
	ID              string
	OwnerID         string
	GroupID         string
	Title           string
	Description     string
	Type            string
	StartDate       string
	EndDate         string
	CollaboratorIDs []string
	AutoStart       bool
	ActorID         string
}

// Create persists a new OPEN demand whose clock runs from creation. With
// AutoStart the demand is started in the same transaction.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (domain.Demand, error) {
	opts.OwnerID = strings.TrimSpace(opts.OwnerID)
	opts.Description = strings.TrimSpace(opts.Description)
	if opts.OwnerID == "" {
		return domain.Demand{}, &domain.ValidationError{Field: "owner_id", Reason: "is required"}
	}
	if opts.Description == "" {
		return domain.Demand{}, &domain.ValidationError{Field: "description", Reason: "is required"}
	}
	if !domain.ValidDemandType(opts.Type) {
		return domain.Demand{}, &domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown demand type %q", opts.Type)}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	start := now
	d := domain.Demand{
		ID:              id,
		OwnerID:         opts.OwnerID,
		CollaboratorIDs: normalizeIDs(opts.CollaboratorIDs),
		GroupID:         opts.GroupID,
		Title:           strings.TrimSpace(opts.Title),
		Description:     opts.Description,
		Status:          domain.StatusOpen,
		Type:            opts.Type,
		StartDate:       opts.StartDate,
		EndDate:         opts.EndDate,
		CycleStartTime:  &start,
		Accruing:        true,
		AutoStart:       opts.AutoStart,
		StatusChangedAt: now,
		CreatedAt:       now,
		Revision:        1,
	}
	actorID := opts.ActorID
	if actorID == "" {
		actorID = opts.OwnerID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Demand{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDemand(ctx, tx, d); err != nil {
		return domain.Demand{}, fmt.Errorf("insert demand: %w", err)
	}
	if err := e.emit(ctx, tx, events.DemandCreated, d.ID, actorID, events.EventPayload{
		"owner_id": d.OwnerID, "type": d.Type, "auto_start": d.AutoStart,
	}); err != nil {
		return domain.Demand{}, err
	}
	if opts.AutoStart {
		if d, _, err = e.applyTx(ctx, tx, d, domain.OpStart, actorID); err != nil {
			return domain.Demand{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Demand{}, err
	}
	e.Log.Info().Str("demand_id", d.ID).Str("owner_id", d.OwnerID).Str("status", string(d.Status)).Msg("demand created")
	return d, nil
}

func (e Engine) Start(ctx context.Context, id, actorID string) (domain.Demand, error) {
	return e.transition(ctx, id, domain.OpStart, actorID)
}

func (e Engine) Pause(ctx context.Context, id, actorID string) (domain.Demand, error) {
	return e.transition(ctx, id, domain.OpPause, actorID)
}

func (e Engine) Continue(ctx context.Context, id, actorID string) (domain.Demand, error) {
	return e.transition(ctx, id, domain.OpContinue, actorID)
}

func (e Engine) Close(ctx context.Context, id, actorID string) (domain.Demand, error) {
	return e.transition(ctx, id, domain.OpClose, actorID)
}

func (e Engine) transition(ctx context.Context, id string, op domain.Operation, actorID string) (domain.Demand, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Demand{}, err
	}
	defer tx.Rollback()
	d, err := e.Repo.GetDemandTx(ctx, tx, id)
	if err != nil {
		return domain.Demand{}, err
	}
	d, changed, err := e.applyTx(ctx, tx, d, op, actorID)
	if err != nil {
		return domain.Demand{}, err
	}
	if !changed {
		return d, nil
	}
	if err := tx.Commit(); err != nil {
		return domain.Demand{}, err
	}
	return d, nil
}

var transitionEvents = map[domain.Operation]string{
	domain.OpStart:    events.DemandStarted,
	domain.OpPause:    events.DemandPaused,
	domain.OpContinue: events.DemandContinued,
	domain.OpClose:    events.DemandClosed,
}

// applyTx plans op against d and, unless it is a no-op, saves the result and
// records the event. It reports whether anything was written.
func (e Engine) applyTx(ctx context.Context, tx *sql.Tx, d domain.Demand, op domain.Operation, actorID string) (domain.Demand, bool, error) {
	p := e.policy()
	step, err := domain.Plan(d.Status, op, p)
	if err != nil {
		e.Log.Warn().Str("demand_id", d.ID).Str("op", string(op)).Str("from", string(d.Status)).Msg("transition rejected")
		return d, false, err
	}
	if step.Noop() {
		e.Log.Debug().Str("demand_id", d.ID).Str("op", string(op)).Str("status", string(d.Status)).Msg("transition is a no-op")
		return d, false, nil
	}
	now := e.now()
	prev := d.Revision
	added := step.Apply(&d, now, p)
	d.StatusChangedAt = now
	if err := e.Repo.UpdateDemand(ctx, tx, d, prev); err != nil {
		return d, false, err
	}
	d.Revision = prev + 1
	if err := e.emit(ctx, tx, transitionEvents[op], d.ID, actorID, events.EventPayload{
		"from":                   step.From,
		"to":                     step.To,
		"added_seconds":          added,
		"total_duration_seconds": d.TotalDurationSeconds,
	}); err != nil {
		return d, false, err
	}
	e.Log.Info().Str("demand_id", d.ID).Str("op", string(op)).Str("from", string(step.From)).Str("to", string(step.To)).
		Int64("added_seconds", added).Msg("demand transitioned")
	return d, true, nil
}

func (e Engine) Get(ctx context.Context, id string) (domain.Demand, error) {
	return e.Repo.GetDemand(ctx, id)
}

// UpdateOptions carries the descriptive fields to change. Nil leaves a field
// as is.
type UpdateOptions struct {
	ID               string
	Title            *string
	Description      *string
	Type             *string
	StartDate        *string
	EndDate          *string
	CollaboratorIDs  *[]string
	ExpectedRevision int64
	ActorID          string
}

// Update changes descriptive fields only. A non-zero ExpectedRevision that no
// longer matches fails with ErrConflict.
func (e Engine) Update(ctx context.Context, opts UpdateOptions) (domain.Demand, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Demand{}, err
	}
	defer tx.Rollback()
	d, err := e.Repo.GetDemandTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Demand{}, err
	}
	if opts.ExpectedRevision != 0 && opts.ExpectedRevision != d.Revision {
		return domain.Demand{}, fmt.Errorf("%w: demand %s is at revision %d, not %d", domain.ErrConflict, d.ID, d.Revision, opts.ExpectedRevision)
	}
	var changed []string
	if opts.Title != nil {
		d.Title = strings.TrimSpace(*opts.Title)
		changed = append(changed, "title")
	}
	if opts.Description != nil {
		desc := strings.TrimSpace(*opts.Description)
		if desc == "" {
			return domain.Demand{}, &domain.ValidationError{Field: "description", Reason: "must not be empty"}
		}
		d.Description = desc
		changed = append(changed, "description")
	}
	if opts.Type != nil {
		if !domain.ValidDemandType(*opts.Type) {
			return domain.Demand{}, &domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown demand type %q", *opts.Type)}
		}
		d.Type = *opts.Type
		changed = append(changed, "type")
	}
	if opts.StartDate != nil {
		d.StartDate = *opts.StartDate
		changed = append(changed, "start_date")
	}
	if opts.EndDate != nil {
		d.EndDate = *opts.EndDate
		changed = append(changed, "end_date")
	}
	if opts.CollaboratorIDs != nil {
		d.CollaboratorIDs = normalizeIDs(*opts.CollaboratorIDs)
		changed = append(changed, "collaborator_ids")
	}
	if len(changed) == 0 {
		return d, nil
	}
	prev := d.Revision
	if err := e.Repo.UpdateDemand(ctx, tx, d, prev); err != nil {
		return domain.Demand{}, err
	}
	d.Revision = prev + 1
	if err := e.emit(ctx, tx, events.DemandUpdated, d.ID, opts.ActorID, events.EventPayload{"fields": changed}); err != nil {
		return domain.Demand{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Demand{}, err
	}
	e.Log.Info().Str("demand_id", d.ID).Strs("fields", changed).Msg("demand updated")
	return d, nil
}

// TimerOptions overrides the accumulated duration with an explicit range.
type TimerOptions struct {
	ID        string
	StartTime string
	EndTime   string
	ActorID   string
}

func (e Engine) SetTimerRange(ctx context.Context, opts TimerOptions) (domain.Demand, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Demand{}, err
	}
	defer tx.Rollback()
	d, err := e.Repo.GetDemandTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Demand{}, err
	}
	start, err := domain.ParseTimestamp("start_time", opts.StartTime)
	if err != nil {
		return domain.Demand{}, err
	}
	end, err := domain.ParseTimestamp("end_time", opts.EndTime)
	if err != nil {
		return domain.Demand{}, err
	}
	prevTotal := d.TotalDurationSeconds
	if err := domain.SetTimerRange(&d, start, end); err != nil {
		return domain.Demand{}, err
	}
	prev := d.Revision
	if err := e.Repo.UpdateDemand(ctx, tx, d, prev); err != nil {
		return domain.Demand{}, err
	}
	d.Revision = prev + 1
	if err := e.emit(ctx, tx, events.DemandTimerSet, d.ID, opts.ActorID, events.EventPayload{
		"start_time":             start.Format(time.RFC3339Nano),
		"end_time":               end.Format(time.RFC3339Nano),
		"previous_total_seconds": prevTotal,
		"total_duration_seconds": d.TotalDurationSeconds,
	}); err != nil {
		return domain.Demand{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Demand{}, err
	}
	e.Log.Info().Str("demand_id", d.ID).Int64("total_duration_seconds", d.TotalDurationSeconds).Msg("demand timer overridden")
	return d, nil
}

func (e Engine) Delete(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	d, err := e.Repo.GetDemandTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteDemand(ctx, tx, id); err != nil {
		return err
	}
	if err := e.emit(ctx, tx, events.DemandDeleted, id, actorID, events.EventPayload{
		"status": d.Status, "total_duration_seconds": d.TotalDurationSeconds,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Info().Str("demand_id", id).Msg("demand deleted")
	return nil
}

// DeleteAll removes every demand and returns how many were removed.
func (e Engine) DeleteAll(ctx context.Context, actorID string) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := e.Repo.DeleteAllDemands(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := e.emit(ctx, tx, events.DemandsPurged, "", actorID, events.EventPayload{"count": n}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.Log.Warn().Int64("count", n).Str("actor_id", actorID).Msg("all demands deleted")
	return n, nil
}

func (e Engine) ListByOwner(ctx context.Context, ownerID string) ([]domain.Demand, error) {
	return e.Repo.ListDemandsByOwner(ctx, ownerID)
}

// ListByStatus parses name case-insensitively. An empty result is NotFound.
func (e Engine) ListByStatus(ctx context.Context, name string) ([]domain.Demand, error) {
	status, err := domain.ParseStatus(name)
	if err != nil {
		return nil, err
	}
	res, err := e.Repo.ListDemandsByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("%w: no demands with status %s", domain.ErrNotFound, status)
	}
	return res, nil
}

// CountByStatus returns the number of demands in every status, zero included.
func (e Engine) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	counts, err := e.Repo.CountDemandsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range domain.Statuses {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts, nil
}

func (e Engine) ListByOwnerOrCollaborator(ctx context.Context, userID string) ([]domain.Demand, error) {
	return e.Repo.ListDemandsByOwnerOrCollaborator(ctx, userID)
}

// ListForPrincipal returns what the configured scope resolver lets p see.
func (e Engine) ListForPrincipal(ctx context.Context, p domain.Principal) ([]domain.Demand, error) {
	if e.Scope == nil {
		return nil, errors.New("no scope resolver configured")
	}
	res, err := e.Scope.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	e.Log.Debug().Str("user_id", p.UserID).Str("role", p.Role).Int("count", len(res)).Msg("scope resolved")
	return res, nil
}

func normalizeIDs(ids []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
