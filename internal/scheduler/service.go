// Package scheduler drives the chore lifecycle: a heartbeat tick spawns
// instances for due definitions, fires elapsed wake-ups, and inbound
// reactions are applied through Submit. All instance mutations for one
// definition happen under that definition's lock, so ticks and reactions
// never interleave on the same chore.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"chorebot/internal/chore"
	"chorebot/internal/eventbus"
	"chorebot/internal/notifier"
	"chorebot/internal/recurrence"
	"chorebot/internal/storage"
	logx "chorebot/pkg/logx"
)

type Config struct {
	// Heartbeat is the tick interval. Default 60s.
	Heartbeat time.Duration
	// Timezone is the IANA zone recurrence math runs in. Default local.
	Timezone string
	// Delays are the state machine's deferral intervals.
	Delays chore.Delays
	// RetainVerified is how long terminal instances are kept before pruning.
	// Default 7 days.
	RetainVerified time.Duration
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 60 * time.Second
	}
	if c.RetainVerified <= 0 {
		c.RetainVerified = 7 * 24 * time.Hour
	}
	c.Delays = c.Delays.WithDefaults()
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	log      logx.Logger
	store    storage.Store
	dispatch notifier.Dispatcher
	bus      eventbus.Bus

	// Injectable for tests.
	now   func() time.Time
	newID func() string

	c       *cron.Cron
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc

	// tickMu makes ticks mutually exclusive; a tick that would overlap a
	// still-running one is skipped.
	tickMu sync.Mutex

	lastPrune time.Time

	defLocks defLockSet
}

func New(cfg Config, store storage.Store, dispatch notifier.Dispatcher, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:      cfg,
		loc:      loc,
		log:      log,
		store:    store,
		dispatch: dispatch,
		bus:      bus,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Location returns the zone recurrence math runs in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// NextOccurrence computes a definition's next fire time strictly after the
// given instant.
func (s *Service) NextOccurrence(d *chore.Definition, after time.Time) time.Time {
	return recurrence.Next(d.Rule, d.TimeOfDay, s.Location(), after)
}

// Apply swaps config at runtime. A heartbeat or timezone change restarts the
// internal cron; delay changes take effect on the next transition.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	restart := s.running &&
		(cfg.Heartbeat != s.cfg.Heartbeat || loc.String() != s.loc.String())
	s.cfg = cfg
	s.loc = loc
	if restart {
		s.stopCronLocked()
		s.startCronLocked()
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.startCronLocked()
	runCtx := s.runCtx
	hb, tz := s.cfg.Heartbeat, s.loc.String()
	s.mu.Unlock()

	// First tick immediately: wake-ups and occurrences that elapsed while the
	// process was down must fire on startup, not a heartbeat later.
	go s.tick(runCtx)

	s.log.Info("scheduler started", logx.Duration("heartbeat", hb), logx.String("tz", tz))
	return nil
}

func (s *Service) startCronLocked() {
	s.c = cron.New(cron.WithLocation(s.loc))
	runCtx := s.runCtx
	_, _ = s.c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Heartbeat), func() {
		s.tick(runCtx)
	})
	s.c.Start()
}

func (s *Service) stopCronLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.stopCronLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Wait for an in-flight tick to drain.
	done := make(chan struct{})
	go func() {
		s.tickMu.Lock()
		close(done)
		s.tickMu.Unlock()
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// tick is one heartbeat: spawn instances for due definitions, fire elapsed
// wake-ups, prune old terminal instances. Overlapping ticks are skipped.
func (s *Service) tick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		s.log.Debug("tick still running, skipping")
		return
	}
	defer s.tickMu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	now := s.now()

	due, err := s.store.DueDefinitions(ctx, now)
	if err != nil {
		s.log.Error("query due definitions", logx.Any("err", err))
	}
	for _, def := range due {
		if ctx.Err() != nil {
			return
		}
		s.spawnInstance(ctx, def, now)
	}

	insts, err := s.store.DueInstances(ctx, now)
	if err != nil {
		s.log.Error("query due instances", logx.Any("err", err))
	}
	for _, inst := range insts {
		if ctx.Err() != nil {
			return
		}
		s.fireWakeUp(ctx, inst, now)
	}

	s.maybePrune(ctx, now)
}

func (s *Service) spawnInstance(ctx context.Context, def *chore.Definition, now time.Time) {
	unlock := s.defLocks.lock(def.ID)
	defer unlock()

	// Re-check under the lock: a reaction may have spawned or resolved work
	// since the snapshot query.
	active, err := s.store.ActiveInstance(ctx, def.ID)
	if err != nil {
		s.log.Error("active instance lookup", logx.Int64("def", def.ID), logx.Any("err", err))
		return
	}
	if active != nil {
		return
	}

	inst := chore.NewInstance(s.newID(), def.ID, now, s.delays())
	if err := s.store.UpsertInstance(ctx, inst); err != nil {
		s.log.Error("persist new instance", logx.Int64("def", def.ID), logx.Any("err", err))
		return
	}

	s.publishTransition(eventbus.TypeInstanceSpawned, def.ID, inst.ID, "", inst.State)
	s.log.Info("chore fired",
		logx.Int64("def", def.ID), logx.String("chore", def.Name), logx.String("instance", inst.ID))

	if err := s.dispatch.SendReminder(ctx, def, inst); err != nil {
		// The renotify wake-up re-sends it; the instance stays armed.
		s.log.Warn("reminder dispatch", logx.String("instance", inst.ID), logx.Any("err", err))
	}
}

func (s *Service) fireWakeUp(ctx context.Context, snapshot *chore.Instance, now time.Time) {
	unlock := s.defLocks.lock(snapshot.DefinitionID)
	defer unlock()

	inst, err := s.store.GetInstance(ctx, snapshot.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Error("instance lookup", logx.String("instance", snapshot.ID), logx.Any("err", err))
		}
		return
	}
	// A reaction between the snapshot and the lock may have disarmed it.
	if inst.State.Terminal() || inst.DueAt.After(now) {
		return
	}

	def, err := s.store.GetDefinitionByID(ctx, inst.DefinitionID)
	if err != nil {
		s.log.Error("definition lookup", logx.Int64("def", inst.DefinitionID), logx.Any("err", err))
		return
	}

	from := inst.State
	eff, err := chore.Wake(inst, now, s.delays())
	if err != nil {
		s.log.Debug("stale wake-up", logx.String("instance", inst.ID), logx.Any("err", err))
		return
	}
	if err := s.store.UpsertInstance(ctx, inst); err != nil {
		// Not persisted: the old wake-up stays armed and the tick retries later.
		s.log.Error("persist wake-up", logx.String("instance", inst.ID), logx.Any("err", err))
		return
	}

	if from != inst.State {
		s.publishTransition(eventbus.TypeInstanceTransition, def.ID, inst.ID, from, inst.State)
	}
	s.runEffect(ctx, eff, def, inst)
}

// Submit applies one inbound reaction. It returns the resulting effect so the
// caller can word its acknowledgement; ErrStaleEvent means the reaction
// referenced a superseded prompt and nothing changed.
func (s *Service) Submit(ctx context.Context, ev chore.Event) (chore.Effect, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	probe, err := s.store.GetInstance(ctx, ev.InstanceID)
	if err != nil {
		return chore.EffectNone, err
	}

	unlock := s.defLocks.lock(probe.DefinitionID)
	defer unlock()

	inst, err := s.store.GetInstance(ctx, ev.InstanceID)
	if err != nil {
		return chore.EffectNone, err
	}
	def, err := s.store.GetDefinitionByID(ctx, inst.DefinitionID)
	if err != nil {
		return chore.EffectNone, err
	}

	now := s.now()
	if ev.At.IsZero() {
		ev.At = now
	}

	from := inst.State
	eff, err := chore.Apply(inst, ev, now, s.delays())
	if err != nil {
		s.log.Debug("stale reaction",
			logx.String("instance", ev.InstanceID), logx.String("kind", string(ev.Kind)),
			logx.Int64("actor", ev.ActorID))
		return chore.EffectNone, err
	}
	// A verified cycle advances the definition to its next occurrence in the
	// same write that lands the terminal state, so a storage failure leaves
	// the whole transition unapplied and the reaction can be retried.
	if inst.State.Terminal() {
		next := recurrence.Next(def.Rule, def.TimeOfDay, s.Location(), now)
		if err := s.store.CompleteCycle(ctx, inst, next); err != nil {
			return chore.EffectNone, fmt.Errorf("persist transition: %w", err)
		}
		def.NextFireAt = next
		s.log.Info("chore verified",
			logx.Int64("def", def.ID), logx.String("chore", def.Name),
			logx.Int64("by", ev.ActorID), logx.Time("next", next))
	} else if err := s.store.UpsertInstance(ctx, inst); err != nil {
		return chore.EffectNone, fmt.Errorf("persist transition: %w", err)
	}

	if from != inst.State {
		s.publishTransition(eventbus.TypeInstanceTransition, def.ID, inst.ID, from, inst.State)
	}
	s.runEffect(ctx, eff, def, inst)
	return eff, nil
}

func (s *Service) runEffect(ctx context.Context, eff chore.Effect, def *chore.Definition, inst *chore.Instance) {
	var err error
	switch eff {
	case chore.EffectNone:
		return
	case chore.EffectSendReminder:
		err = s.dispatch.SendReminder(ctx, def, inst)
	case chore.EffectSendVerification:
		err = s.dispatch.SendVerificationRequest(ctx, def, inst)
	case chore.EffectSendRejection:
		err = s.dispatch.SendRejection(ctx, def, inst)
	case chore.EffectSendFollowUp:
		err = s.dispatch.SendFollowUp(ctx, def, inst)
	case chore.EffectSendCompletion:
		err = s.dispatch.SendCompletion(ctx, def, inst)
	}
	if err != nil {
		s.log.Warn("dispatch",
			logx.String("instance", inst.ID), logx.Any("err", err))
	}
}

func (s *Service) maybePrune(ctx context.Context, now time.Time) {
	s.mu.Lock()
	retain := s.cfg.RetainVerified
	last := s.lastPrune
	s.mu.Unlock()

	if now.Sub(last) < 10*time.Minute {
		return
	}
	n, err := s.store.PruneVerified(ctx, now.Add(-retain))
	if err != nil {
		s.log.Error("prune verified", logx.Any("err", err))
		return
	}
	if n > 0 {
		s.log.Debug("pruned verified instances", logx.Int64("count", n))
	}
	s.mu.Lock()
	s.lastPrune = now
	s.mu.Unlock()
}

func (s *Service) delays() chore.Delays {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Delays
}

func (s *Service) publishTransition(typ string, defID int64, instID string, from, to chore.State) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.InstanceTransition{
		DefinitionID: defID,
		InstanceID:   instID,
		From:         string(from),
		To:           string(to),
	}})
}

// defLockSet hands out one mutex per definition id. Entries are never
// reclaimed; the set is bounded by the number of definitions.
type defLockSet struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (k *defLockSet) lock(id int64) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[int64]*sync.Mutex{}
	}
	l, ok := k.locks[id]
	if !ok {
		l = &sync.Mutex{}
		k.locks[id] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
