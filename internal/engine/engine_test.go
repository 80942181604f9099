package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"demandline/internal/config"
	"demandline/internal/db"
	"demandline/internal/domain"
	"demandline/internal/engine"
	"demandline/internal/engine/scope"
	"demandline/internal/events"
	"demandline/internal/migrate"
	"demandline/internal/repo"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	if cfg == nil {
		cfg = config.Default()
	}
	clk := &clock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg)
	eng.Now = clk.Now
	return testEnv{Engine: eng, Clock: clk, Ctx: context.Background()}
}

func (env testEnv) create(t *testing.T, opts engine.CreateOptions) domain.Demand {
	t.Helper()
	if opts.OwnerID == "" {
		opts.OwnerID = "u-1"
	}
	if opts.Description == "" {
		opts.Description = "Prepare quarterly report"
	}
	d, err := env.Engine.Create(env.Ctx, opts)
	require.NoError(t, err)
	return d
}

func TestCreateStartsOpenWithZeroTotal(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.create(t, engine.CreateOptions{Type: "SUPPORT", CollaboratorIDs: []string{"u-2", "u-2", " "}})
	assert.Equal(t, domain.StatusOpen, d.Status)
	assert.Equal(t, int64(0), d.TotalDurationSeconds)
	require.NotNil(t, d.CycleStartTime)
	assert.True(t, d.CycleStartTime.Equal(env.Clock.Now()))
	assert.Equal(t, []string{"u-2"}, d.CollaboratorIDs)
	assert.NotEmpty(t, d.ID)

	got, err := env.Engine.Get(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, []string{"u-2"}, got.CollaboratorIDs)
	assert.True(t, got.Accruing)
	assert.Equal(t, int64(1), got.Revision)
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.Create(env.Ctx, engine.CreateOptions{OwnerID: "u-1", Description: "   "})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.Create(env.Ctx, engine.CreateOptions{Description: "x"})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.Create(env.Ctx, engine.CreateOptions{OwnerID: "u-1", Description: "x", Type: "NOT_A_TYPE"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateWithAutoStart(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.create(t, engine.CreateOptions{AutoStart: true})
	assert.Equal(t, domain.StatusInProgress, d.Status)
	assert.True(t, d.AutoStart)

	got, err := env.Engine.Get(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, int64(2), got.Revision)
}

func TestPauseContinueCloseSumsIntervals(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.create(t, engine.CreateOptions{})
	_, err := env.Engine.Start(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)

	env.Clock.Advance(10 * time.Second)
	d, err = env.Engine.Pause(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, d.Status)
	assert.Equal(t, int64(10), d.TotalDurationSeconds)

	env.Clock.Advance(time.Hour)
	_, err = env.Engine.Continue(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)

	env.Clock.Advance(5 * time.Second)
	d, err = env.Engine.Close(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, d.Status)
	assert.Equal(t, int64(15), d.TotalDurationSeconds)

	stored, err := env.Engine.Get(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), stored.TotalDurationSeconds)
	assert.False(t, stored.Accruing)
}

func TestCloseOnPausedAddsNothingByDefault(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.create(t, engine.CreateOptions{AutoStart: true})
	env.Clock.Advance(20 * time.Second)
	_, err := env.Engine.Pause(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	env.Clock.Advance(time.Minute)
	d, err = env.Engine.Close(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), d.TotalDurationSeconds)
}

func TestCloseOnPausedLegacyDoubleCount(t *testing.T) {
	cfg := config.Default()
	cfg.Lifecycle.LegacyDoubleCount = true
	env := newTestEnv(t, cfg)
	d := env.create(t, engine.CreateOptions{AutoStart: true})
	env.Clock.Advance(20 * time.Second)
	_, err := env.Engine.Pause(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	d, err = env.Engine.Close(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), d.TotalDurationSeconds)
}

func TestClosedRejectsTransitionsWithoutChange(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.create(t, engine.CreateOptions{})
	closed, err := env.Engine.Close(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)

	for _, op := range []func(context.Context, string, string) (domain.Demand, error){
		env.Engine.Pause, env.Engine.Continue, env.Engine.Start,
	} {
		_, err := op(env.Ctx, d.ID, "u-1")
		require.ErrorIs(t, err, domain.ErrIllegalTransition)
	}
	again, err := env.Engine.Close(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, closed.Revision, again.Revision)

	stored, err := env.Engine.Get(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, closed.Revision, stored.Revision)
	assert.Equal(t, domain.StatusClosed, stored.Status)
}

func TestReopenClosedPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Lifecycle.ReopenClosed = true
	env := newTestEnv(t, cfg)
	d := env.create(t, engine.CreateOptions{})
	env.Clock.Advance(3 * time.Second)
	_, err := env.Engine.Close(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	d, err = env.Engine.Start(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, d.Status)
	env.Clock.Advance(4 * time.Second)
	d, err = env.Engine.Close(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), d.TotalDurationSeconds)
}

func TestNoopTransitionWritesNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.create(t, engine.CreateOptions{AutoStart: true})
	before, err := env.Engine.Repo.LatestEventID(env.Ctx)
	require.NoError(t, err)
	env.Clock.Advance(time.Minute)
	again, err := env.Engine.Start(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, d.Revision, again.Revision)
	assert.True(t, again.CycleStartTime.Equal(*d.CycleStartTime))
	after, err := env.Engine.Repo.LatestEventID(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTransitionsOnMissingDemand(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.Start(env.Ctx, "missing", "u-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.Engine.Get(env.Ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	err = env.Engine.Delete(env.Ctx, "missing", "u-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetTimerRangeOverwritesTotal(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.create(t, engine.CreateOptions{AutoStart: true})
	env.Clock.Advance(30 * time.Second)
	_, err := env.Engine.Pause(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)

	d, err = env.Engine.SetTimerRange(env.Ctx, engine.TimerOptions{
		ID: d.ID, StartTime: "2024-01-01T10:00:00", EndTime: "2024-01-01T10:01:40", ActorID: "u-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), d.TotalDurationSeconds)
	assert.Equal(t, domain.StatusPaused, d.Status)
	require.NotNil(t, d.CompletionTime)

	_, err = env.Engine.SetTimerRange(env.Ctx, engine.TimerOptions{ID: d.ID, StartTime: "2024-01-01T11:00:00", EndTime: "2024-01-01T10:00:00"})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.SetTimerRange(env.Ctx, engine.TimerOptions{ID: d.ID, StartTime: "soon", EndTime: "2024-01-01T10:00:00"})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.SetTimerRange(env.Ctx, engine.TimerOptions{ID: "missing", StartTime: "2024-01-01T10:00:00", EndTime: "2024-01-01T10:00:00"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	stored, err := env.Engine.Get(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), stored.TotalDurationSeconds)
}

func TestSetTimerRangeStopsRunningClock(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.create(t, engine.CreateOptions{AutoStart: true})

	d, err := env.Engine.SetTimerRange(env.Ctx, engine.TimerOptions{
		ID: d.ID, StartTime: "2024-01-01T09:00:00", EndTime: "2024-01-01T09:01:40", ActorID: "u-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), d.TotalDurationSeconds)
	assert.Equal(t, domain.StatusInProgress, d.Status)
	assert.False(t, d.Accruing)

	env.Clock.Advance(100 * time.Second)
	d, err = env.Engine.Pause(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), d.TotalDurationSeconds)

	d, err = env.Engine.Continue(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	env.Clock.Advance(20 * time.Second)
	d, err = env.Engine.Close(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), d.TotalDurationSeconds)
}

func TestCountByStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	counts, err := env.Engine.CountByStatus(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.Status]int{
		domain.StatusOpen: 0, domain.StatusInProgress: 0, domain.StatusPaused: 0, domain.StatusClosed: 0,
	}, counts)

	env.create(t, engine.CreateOptions{})
	env.create(t, engine.CreateOptions{AutoStart: true})
	d := env.create(t, engine.CreateOptions{AutoStart: true})
	_, err = env.Engine.Close(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)

	counts, err = env.Engine.CountByStatus(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusOpen])
	assert.Equal(t, 1, counts[domain.StatusInProgress])
	assert.Equal(t, 0, counts[domain.StatusPaused])
	assert.Equal(t, 1, counts[domain.StatusClosed])
}

func TestListingsFollowCreationOrderWithinASecond(t *testing.T) {
	env := newTestEnv(t, nil)
	var want []string
	for i := 0; i < 4; i++ {
		want = append(want, env.create(t, engine.CreateOptions{}).ID)
		env.Clock.Advance(250 * time.Millisecond)
	}
	got, err := env.Engine.ListByOwner(env.Ctx, "u-1")
	require.NoError(t, err)
	var ids []string
	for _, d := range got {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, want, ids)
}

func TestListByStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.ListByStatus(env.Ctx, "bogus")
	require.ErrorIs(t, err, domain.ErrInvalidStatus)

	_, err = env.Engine.ListByStatus(env.Ctx, "closed")
	require.ErrorIs(t, err, domain.ErrNotFound)

	d := env.create(t, engine.CreateOptions{})
	_, err = env.Engine.Close(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	res, err := env.Engine.ListByStatus(env.Ctx, "closed")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, d.ID, res[0].ID)
}

func TestListByOwnerAndCollaborator(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, engine.CreateOptions{OwnerID: "alice"})
	b := env.create(t, engine.CreateOptions{OwnerID: "bob", CollaboratorIDs: []string{"alice"}})
	env.create(t, engine.CreateOptions{OwnerID: "carol"})

	owned, err := env.Engine.ListByOwner(env.Ctx, "alice")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, a.ID, owned[0].ID)

	involved, err := env.Engine.ListByOwnerOrCollaborator(env.Ctx, "alice")
	require.NoError(t, err)
	ids := []string{}
	for _, d := range involved {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	none, err := env.Engine.ListByOwner(env.Ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListForPrincipalUsesScope(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t, engine.CreateOptions{OwnerID: "alice", GroupID: "g1"})
	env.create(t, engine.CreateOptions{OwnerID: "bob", GroupID: "g1"})
	env.create(t, engine.CreateOptions{OwnerID: "carol", GroupID: "g2", CollaboratorIDs: []string{"alice"}})
	env.create(t, engine.CreateOptions{OwnerID: "dave", GroupID: "g2"})

	cases := []struct {
		p    domain.Principal
		want int
	}{
		{domain.Principal{UserID: "root", Role: "ADMIN"}, 4},
		{domain.Principal{UserID: "alice", Role: "manager", GroupID: "g1"}, 3},
		{domain.Principal{UserID: "alice", Role: "USER", GroupID: "g1"}, 2},
		{domain.Principal{UserID: "dave", Role: "intern"}, 1},
	}
	for _, tc := range cases {
		res, err := env.Engine.ListForPrincipal(env.Ctx, tc.p)
		require.NoError(t, err)
		assert.Len(t, res, tc.want, "%+v", tc.p)
	}
}

func TestListForPrincipalCustomResolver(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t, engine.CreateOptions{})
	var seen domain.Principal
	env.Engine.Scope = scope.ResolverFunc(func(ctx context.Context, p domain.Principal) ([]domain.Demand, error) {
		seen = p
		return nil, errors.New("directory unavailable")
	})
	_, err := env.Engine.ListForPrincipal(env.Ctx, domain.Principal{UserID: "u-1", Role: "MANAGER"})
	require.Error(t, err)
	assert.Equal(t, "MANAGER", seen.Role)
}

func TestUpdateDescriptiveFields(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.create(t, engine.CreateOptions{AutoStart: true})
	env.Clock.Advance(10 * time.Second)

	title := "Renamed"
	collaborators := []string{"u-3"}
	updated, err := env.Engine.Update(env.Ctx, engine.UpdateOptions{
		ID: d.ID, Title: &title, CollaboratorIDs: &collaborators, ExpectedRevision: d.Revision, ActorID: "u-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, []string{"u-3"}, updated.CollaboratorIDs)
	assert.Equal(t, domain.StatusInProgress, updated.Status)
	assert.Equal(t, d.OwnerID, updated.OwnerID)
	assert.Equal(t, d.Revision+1, updated.Revision)

	_, err = env.Engine.Update(env.Ctx, engine.UpdateOptions{ID: d.ID, Title: &title, ExpectedRevision: d.Revision})
	require.ErrorIs(t, err, domain.ErrConflict)

	empty := " "
	_, err = env.Engine.Update(env.Ctx, engine.UpdateOptions{ID: d.ID, Description: &empty})
	require.ErrorIs(t, err, domain.ErrValidation)

	bad := "NOPE"
	_, err = env.Engine.Update(env.Ctx, engine.UpdateOptions{ID: d.ID, Type: &bad})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestStaleRevisionConflicts(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.create(t, engine.CreateOptions{})

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	d.Title = "late writer"
	err = env.Engine.Repo.UpdateDemand(env.Ctx, tx, d, d.Revision+5)
	require.ErrorIs(t, err, domain.ErrConflict)

	d.ID = "missing"
	err = env.Engine.Repo.UpdateDemand(env.Ctx, tx, d, 1)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestConcurrentPausesAccrueOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.create(t, engine.CreateOptions{AutoStart: true})
	env.Clock.Advance(12 * time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Pause(env.Ctx, d.ID, "u-1")
			if err != nil && !errors.Is(err, domain.ErrConflict) {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	stored, err := env.Engine.Get(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(12), stored.TotalDurationSeconds)
	assert.Equal(t, domain.StatusPaused, stored.Status)
}

func TestDeleteAndDeleteAll(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, engine.CreateOptions{})
	env.create(t, engine.CreateOptions{CollaboratorIDs: []string{"u-9"}})
	env.create(t, engine.CreateOptions{})

	require.NoError(t, env.Engine.Delete(env.Ctx, a.ID, "u-1"))
	_, err := env.Engine.Get(env.Ctx, a.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	n, err := env.Engine.DeleteAll(env.Ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	left, err := env.Engine.ListByOwnerOrCollaborator(env.Ctx, "u-9")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestEventsRecordLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.create(t, engine.CreateOptions{})
	_, err := env.Engine.Start(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	_, err = env.Engine.Pause(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)
	_, err = env.Engine.Close(env.Ctx, d.ID, "u-1")
	require.NoError(t, err)

	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 0, 0)
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		assert.Equal(t, events.KindDemand, e.EntityKind)
		assert.Equal(t, d.ID, e.EntityID)
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{events.DemandCreated, events.DemandStarted, events.DemandPaused, events.DemandClosed}, types)

	latest, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.DemandPaused})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Contains(t, latest[0].Payload, `"to":"PAUSED"`)
}
