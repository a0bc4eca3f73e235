package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chorebot/internal/config"
	"chorebot/internal/eventbus"
	"chorebot/internal/notifier"
	"chorebot/internal/runtime/supervisor"
	"chorebot/internal/scheduler"
	"chorebot/internal/storage"
	kit "chorebot/internal/transport"
	telegram "chorebot/internal/transport/telegram"
	logx "chorebot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	sched  *scheduler.Service
	notif  *notifier.Service
	router *router

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	token, err := resolveToken(cfg)
	if err != nil {
		return nil, err
	}
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage open", logx.String("driver", sc.Driver))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, store, log.With(logx.String("comp", "notifier")), bus)

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(scfg, store, notif, log.With(logx.String("comp", "scheduler")), bus)
	if err != nil {
		return nil, err
	}

	rt := newRouter(log.With(logx.String("comp", "commands")), ad, store, sched)
	rt.applyChores(cfg)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		sched:   sched,
		notif:   notif,
		router:  rt,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" && !strings.EqualFold(tz, "local") {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		if cfg.Chores.DefaultPauseHours < 0 {
			return fmt.Errorf("chores.default_pause_hours must be >= 0")
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		a.router.dispatchLoop(c, a.updates)
		return nil
	})

	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		menuCtx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
		if err := mu.UpdateMenuCommands(menuCtx, menuCommands()); err != nil {
			a.log.Warn("command menu update failed", logx.Any("err", err))
		}
		cancel()
	}

	// Log events for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				for _, s := range sections {
					if s == "storage" || s == "telegram" {
						a.log.Warn("config section changed; restart required for changes to take effect",
							logx.String("section", s))
					}
				}

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				a.router.applyChores(newCfg)

				if scfg, err := mapSchedulerConfig(newCfg); err != nil {
					a.log.Warn("invalid scheduler config; keeping previous", logx.Any("err", err))
				} else if err := a.sched.Apply(scfg); err != nil {
					a.log.Warn("scheduler config apply failed", logx.Any("err", err))
				}

				if ncfg, err := mapNotifierConfig(newCfg); err != nil {
					a.log.Warn("invalid notifier config; keeping previous", logx.Any("err", err))
				} else {
					a.notif.Apply(ncfg)
				}

				a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigUpdated, Data: newCfg})

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, dispatcher).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
