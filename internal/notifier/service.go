// Package notifier delivers chore lifecycle messages through the transport
// adapter. Sends go through an async pipeline: bounded queue, worker pool,
// rate limit, bounded retry with jittered backoff.
package notifier

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chorebot/internal/chore"
	"chorebot/internal/eventbus"
	"chorebot/internal/storage"
	kit "chorebot/internal/transport"
	logx "chorebot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

type job struct {
	kind   string
	target kit.ChatTarget
	text   string
	opts   *kit.SendOptions

	// When slot is set, the sent message id is recorded on the instance so
	// the outstanding prompt can be edited later.
	instanceID string
	slot       storage.MessageSlot
}

// Service implements Dispatcher over a transport adapter.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqueueWG sync.WaitGroup

	queue    chan job
	workerWG sync.WaitGroup
	runCtx   context.Context
	cancel   context.CancelFunc
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, adapter kit.Adapter, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		store:   store,
		log:     log,
		bus:     bus,
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the pipeline config. Queue and worker sizing take effect on the
// next Start; the rate limit applies immediately.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// Burst = rate per sec, so short spikes don't stall the workers.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	q := s.queue
	runCtx := s.runCtx
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			s.workerLoop(runCtx, q)
		}()
	}
}

// Stop blocks intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	cancel := s.cancel
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain.
		s.enqueueWG.Wait()
		close(q)
		s.workerWG.Wait()

		s.mu.Lock()
		s.queue = nil
		s.runCtx = nil
		s.cancel = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
	}
}

func (s *Service) SendReminder(ctx context.Context, def *chore.Definition, inst *chore.Instance) error {
	return s.enqueue(ctx, job{
		kind:       "reminder",
		target:     kit.ChatTarget{ChatID: def.ChatID},
		text:       reminderText(def),
		opts:       &kit.SendOptions{Buttons: reactionButtons(inst.ID)},
		instanceID: inst.ID,
		slot:       storage.SlotReminder,
	})
}

func (s *Service) SendVerificationRequest(ctx context.Context, def *chore.Definition, inst *chore.Instance) error {
	return s.enqueue(ctx, job{
		kind:       "verification",
		target:     kit.ChatTarget{ChatID: def.ConfirmChat()},
		text:       verificationText(def),
		opts:       &kit.SendOptions{Buttons: verifyButtons(inst.ID)},
		instanceID: inst.ID,
		slot:       storage.SlotVerify,
	})
}

func (s *Service) SendRejection(ctx context.Context, def *chore.Definition, inst *chore.Instance) error {
	return s.enqueue(ctx, job{
		kind:   "rejection",
		target: kit.ChatTarget{ChatID: def.ChatID},
		text:   rejectionText(def),
	})
}

func (s *Service) SendFollowUp(ctx context.Context, def *chore.Definition, inst *chore.Instance) error {
	return s.enqueue(ctx, job{
		kind:       "follow_up",
		target:     kit.ChatTarget{ChatID: def.ChatID},
		text:       followUpText(def, inst),
		opts:       &kit.SendOptions{Buttons: reactionButtons(inst.ID)},
		instanceID: inst.ID,
		slot:       storage.SlotReminder,
	})
}

func (s *Service) SendCompletion(ctx context.Context, def *chore.Definition, inst *chore.Instance) error {
	return s.enqueue(ctx, job{
		kind:   "completion",
		target: kit.ChatTarget{ChatID: def.ChatID},
		text:   completionText(def),
	})
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	select {
	case q <- j:
		return nil
	default:
		s.publish("notify.dropped", j, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()

	if ad == nil || j.text == "" {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		ref, err := ad.SendText(callCtx, j.target, j.text, j.opts)
		cancel()
		if err == nil {
			s.recordMessage(ctx, j, ref)
			s.publish("notify.sent", j, nil)
			return
		}
		lastErr = err
		s.log.Debug("dispatch failed",
			logx.Any("err", err), logx.String("kind", j.kind),
			logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	s.publish("notify.failed", j, lastErr)
}

func (s *Service) recordMessage(ctx context.Context, j job, ref kit.MessageRef) {
	if j.slot == "" || j.instanceID == "" || s.store == nil || ref.MessageID == 0 {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.store.SetInstanceMessage(wctx, j.instanceID, j.slot, ref.MessageID); err != nil {
		// The instance may have been pruned or deleted mid-send.
		s.log.Debug("record message id failed", logx.Any("err", err), logx.String("instance", j.instanceID))
	}
}

func (s *Service) publish(typ string, j job, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := DispatchEvent{Kind: j.kind, ChatID: j.target.ChatID, InstanceID: j.instanceID, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the NEXT attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
