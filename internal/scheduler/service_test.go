package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chorebot/internal/chore"
	"chorebot/internal/recurrence"
	"chorebot/internal/storage"
	logx "chorebot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type dispatchCall struct {
	kind       string
	instanceID string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (f *fakeDispatcher) record(kind string, inst *chore.Instance) error {
	f.mu.Lock()
	f.calls = append(f.calls, dispatchCall{kind: kind, instanceID: inst.ID})
	f.mu.Unlock()
	return nil
}

func (f *fakeDispatcher) SendReminder(_ context.Context, _ *chore.Definition, i *chore.Instance) error {
	return f.record("reminder", i)
}
func (f *fakeDispatcher) SendVerificationRequest(_ context.Context, _ *chore.Definition, i *chore.Instance) error {
	return f.record("verification", i)
}
func (f *fakeDispatcher) SendRejection(_ context.Context, _ *chore.Definition, i *chore.Instance) error {
	return f.record("rejection", i)
}
func (f *fakeDispatcher) SendFollowUp(_ context.Context, _ *chore.Definition, i *chore.Instance) error {
	return f.record("follow_up", i)
}
func (f *fakeDispatcher) SendCompletion(_ context.Context, _ *chore.Definition, i *chore.Instance) error {
	return f.record("completion", i)
}

func (f *fakeDispatcher) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.kind
	}
	return out
}

func (f *fakeDispatcher) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	svc   *Service
	store storage.Store
	disp  *fakeDispatcher
	clock *fakeClock
	def   *chore.Definition
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureRule(t, recurrence.Rule{Kind: recurrence.Daily})
}

func newFixtureRule(t *testing.T, rule recurrence.Rule) *fixture {
	t.Helper()
	st := storage.NewMemory()
	disp := &fakeDispatcher{}
	clock := &fakeClock{t: time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)} // Monday

	svc, err := New(Config{Timezone: "UTC"}, st, disp, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.now = clock.Now
	seq := 0
	svc.newID = func() string { seq++; return fmt.Sprintf("inst-%d", seq) }

	def := &chore.Definition{
		OwnerID:    100,
		Name:       "trash",
		Rule:       rule,
		TimeOfDay:  recurrence.TimeOfDay{Hour: 18},
		ChatID:     500,
		NextFireAt: clock.Now(), // due right away
		CreatedAt:  clock.Now(),
	}
	if err := st.CreateDefinition(context.Background(), def); err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}
	return &fixture{svc: svc, store: st, disp: disp, clock: clock, def: def}
}

func (f *fixture) active(t *testing.T) *chore.Instance {
	t.Helper()
	inst, err := f.store.ActiveInstance(context.Background(), f.def.ID)
	if err != nil {
		t.Fatalf("ActiveInstance: %v", err)
	}
	return inst
}

func (f *fixture) submit(t *testing.T, id string, kind chore.EventKind) chore.Effect {
	t.Helper()
	eff, err := f.svc.Submit(context.Background(), chore.Event{InstanceID: id, Kind: kind, ActorID: 200})
	if err != nil {
		t.Fatalf("Submit(%s): %v", kind, err)
	}
	return eff
}

func TestTickSpawnsSingleInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.tick(ctx)
	inst := f.active(t)
	if inst == nil {
		t.Fatal("no instance spawned for due definition")
	}
	if inst.State != chore.StatePending {
		t.Fatalf("state = %s, want pending", inst.State)
	}
	if n := f.disp.count("reminder"); n != 1 {
		t.Fatalf("reminders sent = %d, want 1", n)
	}

	// Another tick must not spawn a second one.
	f.svc.tick(ctx)
	if got := f.active(t); got.ID != inst.ID {
		t.Fatalf("second tick spawned %s alongside %s", got.ID, inst.ID)
	}
	if n := f.disp.count("reminder"); n != 1 {
		t.Fatalf("reminders after idle tick = %d, want 1", n)
	}
}

func TestVerifiedCycleSpawnsNextOccurrence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.tick(ctx)
	inst := f.active(t)

	if eff := f.submit(t, inst.ID, chore.EventComplete); eff != chore.EffectSendVerification {
		t.Fatalf("complete effect = %v", eff)
	}
	if eff := f.submit(t, inst.ID, chore.EventConfirm); eff != chore.EffectSendCompletion {
		t.Fatalf("confirm effect = %v", eff)
	}

	done, err := f.store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if done.State != chore.StateVerified {
		t.Fatalf("state = %s, want verified", done.State)
	}

	// Next fire moved to tomorrow 18:00; nothing spawns until then.
	def, err := f.store.GetDefinitionByID(ctx, f.def.ID)
	if err != nil {
		t.Fatalf("GetDefinitionByID: %v", err)
	}
	want := time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)
	if !def.NextFireAt.Equal(want) {
		t.Fatalf("next fire = %v, want %v", def.NextFireAt, want)
	}

	f.svc.tick(ctx)
	if f.active(t) != nil {
		t.Fatal("instance spawned before next occurrence")
	}

	f.clock.Advance(24 * time.Hour)
	f.svc.tick(ctx)
	next := f.active(t)
	if next == nil || next.ID == inst.ID {
		t.Fatalf("expected a fresh instance for the next cycle, got %+v", next)
	}
}

func TestRejectionLoopKeepsOneInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.tick(ctx)
	inst := f.active(t)

	f.submit(t, inst.ID, chore.EventComplete)
	if eff := f.submit(t, inst.ID, chore.EventReject); eff != chore.EffectSendRejection {
		t.Fatalf("reject effect = %v", eff)
	}
	cur := f.active(t)
	if cur.State != chore.StateFollowUpPending {
		t.Fatalf("state = %s, want follow_up_pending", cur.State)
	}

	// The follow-up fires an hour later, returning the SAME instance to pending.
	f.clock.Advance(time.Hour)
	f.svc.tick(ctx)
	cur = f.active(t)
	if cur.ID != inst.ID {
		t.Fatalf("follow-up replaced the instance: %s != %s", cur.ID, inst.ID)
	}
	if cur.State != chore.StatePending || cur.FollowUps != 1 {
		t.Fatalf("after follow-up: state=%s followups=%d", cur.State, cur.FollowUps)
	}
	if n := f.disp.count("follow_up"); n != 1 {
		t.Fatalf("follow-ups sent = %d, want 1", n)
	}

	// Second attempt goes through.
	f.submit(t, inst.ID, chore.EventComplete)
	f.submit(t, inst.ID, chore.EventConfirm)
	if f.active(t) != nil {
		t.Fatal("instance still active after verification")
	}
}

func TestDuplicateReactionsAreStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.tick(ctx)
	inst := f.active(t)
	f.submit(t, inst.ID, chore.EventComplete)
	f.submit(t, inst.ID, chore.EventConfirm)

	// Double-click on confirm, and a late reject, both hit a verified instance.
	for _, kind := range []chore.EventKind{chore.EventConfirm, chore.EventReject, chore.EventComplete} {
		_, err := f.svc.Submit(ctx, chore.Event{InstanceID: inst.ID, Kind: kind, ActorID: 201})
		if !errors.Is(err, chore.ErrStaleEvent) {
			t.Fatalf("%s on verified instance: err = %v, want ErrStaleEvent", kind, err)
		}
	}
	if n := f.disp.count("completion"); n != 1 {
		t.Fatalf("completions sent = %d, want 1", n)
	}
}

func TestPostponeDefersResend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.tick(ctx)
	inst := f.active(t)

	if eff := f.submit(t, inst.ID, chore.EventPostpone); eff != chore.EffectNone {
		t.Fatalf("postpone effect = %v", eff)
	}

	// 30 minutes in: the renotify wake-up that was armed at spawn has been
	// pushed out, so nothing fires.
	f.clock.Advance(30 * time.Minute)
	f.svc.tick(ctx)
	if n := f.disp.count("reminder"); n != 1 {
		t.Fatalf("reminder resent during postpone window (%d)", n)
	}

	f.clock.Advance(31 * time.Minute)
	f.svc.tick(ctx)
	if n := f.disp.count("reminder"); n != 2 {
		t.Fatalf("reminders after postpone elapsed = %d, want 2", n)
	}
}

func TestPauseSuppressesSpawnAndWakeUps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	until := f.clock.Now().Add(24 * time.Hour)
	if err := f.store.PauseDefinition(ctx, f.def.OwnerID, f.def.Name, until); err != nil {
		t.Fatalf("PauseDefinition: %v", err)
	}

	f.svc.tick(ctx)
	if f.active(t) != nil {
		t.Fatal("instance spawned while paused")
	}

	f.clock.Advance(25 * time.Hour)
	f.svc.tick(ctx)
	if f.active(t) == nil {
		t.Fatal("no instance after pause elapsed")
	}
}

func TestPauseWeeklyKeepsNextWeek(t *testing.T) {
	f := newFixtureRule(t, recurrence.Rule{Kind: recurrence.Weekly, Day: 0}) // Monday
	ctx := context.Background()
	fireAt := f.clock.Now()

	until := fireAt.Add(24 * time.Hour)
	if err := f.store.PauseDefinition(ctx, f.def.OwnerID, f.def.Name, until); err != nil {
		t.Fatalf("PauseDefinition: %v", err)
	}

	f.svc.tick(ctx)
	if f.active(t) != nil {
		t.Fatal("instance spawned while paused")
	}

	// Pausing must leave the armed occurrence alone.
	def, err := f.store.GetDefinitionByID(ctx, f.def.ID)
	if err != nil {
		t.Fatalf("GetDefinitionByID: %v", err)
	}
	if !def.NextFireAt.Equal(fireAt) {
		t.Fatalf("next fire moved during pause: %v, want %v", def.NextFireAt, fireAt)
	}

	// Tuesday evening: the missed Monday occurrence fires exactly once.
	f.clock.Advance(25 * time.Hour)
	f.svc.tick(ctx)
	inst := f.active(t)
	if inst == nil {
		t.Fatal("no instance after pause elapsed")
	}
	if n := f.disp.count("reminder"); n != 1 {
		t.Fatalf("reminders sent = %d, want 1", n)
	}

	f.submit(t, inst.ID, chore.EventComplete)
	f.submit(t, inst.ID, chore.EventConfirm)

	// The cycle lands on the following Monday, not a week later.
	def, err = f.store.GetDefinitionByID(ctx, f.def.ID)
	if err != nil {
		t.Fatalf("GetDefinitionByID: %v", err)
	}
	want := time.Date(2026, 3, 9, 18, 0, 0, 0, time.UTC)
	if !def.NextFireAt.Equal(want) {
		t.Fatalf("next fire = %v, want %v", def.NextFireAt, want)
	}

	f.clock.Advance(24 * time.Hour)
	f.svc.tick(ctx)
	if f.active(t) != nil {
		t.Fatal("instance spawned before the next weekly occurrence")
	}
}

func TestRestartRecoversOverdueWakeUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Simulate state left behind by a previous process: a follow-up that came
	// due while nothing was running.
	inst := &chore.Instance{
		ID:           "orphan-1",
		DefinitionID: f.def.ID,
		State:        chore.StateFollowUpPending,
		CreatedAt:    f.clock.Now().Add(-3 * time.Hour),
		DueAt:        f.clock.Now().Add(-time.Hour),
	}
	if err := f.store.UpsertInstance(ctx, inst); err != nil {
		t.Fatalf("UpsertInstance: %v", err)
	}

	f.svc.tick(ctx)

	back, err := f.store.GetInstance(ctx, "orphan-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if back.State != chore.StatePending || back.FollowUps != 1 {
		t.Fatalf("recovered instance: state=%s followups=%d", back.State, back.FollowUps)
	}
	if n := f.disp.count("follow_up"); n != 1 {
		t.Fatalf("follow-ups sent = %d, want 1", n)
	}
}

func TestConcurrentSubmitsKeepSingleTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.tick(ctx)
	inst := f.active(t)
	f.submit(t, inst.ID, chore.EventComplete)

	// A confirm and a reject race; exactly one may win.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, kind := range []chore.EventKind{chore.EventConfirm, chore.EventReject} {
		wg.Add(1)
		go func(i int, kind chore.EventKind) {
			defer wg.Done()
			_, errs[i] = f.svc.Submit(ctx, chore.Event{InstanceID: inst.ID, Kind: kind, ActorID: int64(300 + i)})
		}(i, kind)
	}
	wg.Wait()

	stale := 0
	for _, err := range errs {
		if errors.Is(err, chore.ErrStaleEvent) {
			stale++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if stale != 1 {
		t.Fatalf("stale results = %d, want exactly 1", stale)
	}
}

type failingCycleStore struct {
	storage.Store
	fails int
}

func (f *failingCycleStore) CompleteCycle(ctx context.Context, inst *chore.Instance, next time.Time) error {
	if f.fails > 0 {
		f.fails--
		return errors.New("database is locked")
	}
	return f.Store.CompleteCycle(ctx, inst, next)
}

func TestConfirmPersistFailureLeavesCycleRetryable(t *testing.T) {
	ctx := context.Background()
	st := &failingCycleStore{Store: storage.NewMemory(), fails: 1}
	disp := &fakeDispatcher{}
	clock := &fakeClock{t: time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)}

	svc, err := New(Config{Timezone: "UTC"}, st, disp, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.now = clock.Now
	seq := 0
	svc.newID = func() string { seq++; return fmt.Sprintf("inst-%d", seq) }

	def := &chore.Definition{
		OwnerID:    100,
		Name:       "trash",
		Rule:       recurrence.Rule{Kind: recurrence.Daily},
		TimeOfDay:  recurrence.TimeOfDay{Hour: 18},
		ChatID:     500,
		NextFireAt: clock.Now(),
		CreatedAt:  clock.Now(),
	}
	if err := st.CreateDefinition(ctx, def); err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}

	svc.tick(ctx)
	inst, err := st.ActiveInstance(ctx, def.ID)
	if err != nil || inst == nil {
		t.Fatalf("ActiveInstance: %v %v", inst, err)
	}
	if _, err := svc.Submit(ctx, chore.Event{InstanceID: inst.ID, Kind: chore.EventComplete, ActorID: 200}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// The first confirm hits the storage failure; nothing may land.
	if _, err := svc.Submit(ctx, chore.Event{InstanceID: inst.ID, Kind: chore.EventConfirm, ActorID: 201}); err == nil {
		t.Fatal("confirm succeeded despite storage failure")
	}
	back, err := st.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if back.State != chore.StateAwaitingVerification {
		t.Fatalf("state after failed confirm = %s, want awaiting_verification", back.State)
	}
	if n := disp.count("completion"); n != 0 {
		t.Fatalf("completions sent after failed confirm = %d, want 0", n)
	}

	// The still-active instance keeps the next tick from spawning a twin.
	svc.tick(ctx)
	if got, _ := st.ActiveInstance(ctx, def.ID); got == nil || got.ID != inst.ID {
		t.Fatalf("tick after failed confirm changed the active instance: %+v", got)
	}

	// A retried confirm lands both writes together.
	if _, err := svc.Submit(ctx, chore.Event{InstanceID: inst.ID, Kind: chore.EventConfirm, ActorID: 201}); err != nil {
		t.Fatalf("retried confirm: %v", err)
	}
	got, err := st.GetDefinitionByID(ctx, def.ID)
	if err != nil {
		t.Fatalf("GetDefinitionByID: %v", err)
	}
	want := time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)
	if !got.NextFireAt.Equal(want) {
		t.Fatalf("next fire = %v, want %v", got.NextFireAt, want)
	}
	svc.tick(ctx)
	if active, _ := st.ActiveInstance(ctx, def.ID); active != nil {
		t.Fatalf("instance spawned before next occurrence: %+v", active)
	}
}

func TestVerifiedInstancesArePruned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.tick(ctx)
	inst := f.active(t)
	f.submit(t, inst.ID, chore.EventComplete)
	f.submit(t, inst.ID, chore.EventConfirm)

	f.clock.Advance(8 * 24 * time.Hour)
	f.svc.tick(ctx)

	if _, err := f.store.GetInstance(ctx, inst.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("verified instance survived pruning: err = %v", err)
	}
}
