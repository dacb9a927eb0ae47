// Package app wires the config manager, trigger services, engine,
// notifier and debug server into one daemon lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"slotgate/internal/engine"
	"slotgate/internal/eventbus"
	"slotgate/internal/history"
	"slotgate/internal/notify"
	"slotgate/internal/observability/pprof"
	"slotgate/internal/runtime/supervisor"
	"slotgate/internal/trigger/scheduler"
	"slotgate/internal/trigger/watch"
	logx "slotgate/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store history.Store

	engine *engine.Service
	watch  *watch.Service
	sched  *scheduler.Service
	notif  *notify.Service
	pprof  *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
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

	bus := eventbus.New()

	// History store (optional)
	var store history.Store
	if hc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := history.Open(hc, log.With(logx.String("comp", "history")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("history enabled", logx.String("driver", hc.Driver))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	rules, err := mapEngineRules(cfg)
	if err != nil {
		return nil, err
	}

	engineSvc := engine.New(engCfg, store, bus, log.With(logx.String("comp", "engine")))
	engineSvc.Rebind(rules)

	watchSvc := watch.New(engineSvc.Pulse, bus, log.With(logx.String("comp", "watch")))
	watchSvc.Sync(mapWatchRules(cfg))

	schedSvc := scheduler.New(scheduler.Config{Timezone: cfg.Engine.Timezone},
		engineSvc.Pulse, log.With(logx.String("comp", "scheduler")))
	if err := schedSvc.Sync(mapScheduleBindings(cfg)); err != nil {
		return nil, err
	}

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notify.New(ncfg, buildSender(cfg, log), bus, log.With(logx.String("comp", "notify")))

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		engine:  engineSvc,
		watch:   watchSvc,
		sched:   schedSvc,
		notif:   notifSvc,
	}
	a.pprof = pprof.New(ppc, a.status, log.With(logx.String("comp", "pprof")))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		// The spec grammar belongs to the scheduler, the zone to the tz db.
		for i, sc := range cfg.Schedules {
			if err := scheduler.ValidateSpec(sc.Spec); err != nil {
				return fmt.Errorf("schedules[%d].spec: %w", i, err)
			}
		}
		if tz := strings.TrimSpace(cfg.Engine.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("engine.timezone: invalid %q: %w", tz, err)
			}
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapEngineRules(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifyConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	// Engine first so triggers never pulse into a stopped engine.
	if err := a.engine.Start(a.sup.Context()); err != nil {
		return err
	}
	a.watch.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	if err := a.notif.Start(a.sup.Context()); err != nil {
		return err
	}
	a.pprof.Start(a.sup.Context())

	// Log bus events for observability/debug (components also subscribe themselves).
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
				// Keep this debug-level to avoid noise from busy rules.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload config fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		senderID := senderIdentity(lastApplied)
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
				sections, attrs, rulesChanged := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
					if len(rulesChanged) > 0 {
						a.log.Debug("rule changes detected", logx.Any("rules", rulesChanged))
					}
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				for _, s := range sections {
					if s == "storage" {
						a.log.Warn("storage config changed; restart required for changes to take effect")
						break
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

				if engCfg, err := mapEngineConfig(newCfg); err != nil {
					a.log.Warn("invalid engine config; keeping previous", logx.Any("err", err))
				} else {
					a.engine.Apply(engCfg)
				}
				if rules, err := mapEngineRules(newCfg); err != nil {
					a.log.Warn("invalid rule config; keeping previous", logx.Any("err", err))
				} else {
					a.engine.Rebind(rules)
					a.watch.Sync(mapWatchRules(newCfg))
				}

				a.sched.Apply(scheduler.Config{Timezone: newCfg.Engine.Timezone})
				if err := a.sched.Sync(mapScheduleBindings(newCfg)); err != nil {
					a.log.Warn("schedule sync failed", logx.Any("err", err))
				}

				if ncfg, err := mapNotifyConfig(newCfg); err != nil {
					a.log.Warn("invalid notify config; keeping previous", logx.Any("err", err))
				} else {
					if id := senderIdentity(newCfg); id != senderID {
						a.notif.SetSender(buildSender(newCfg, a.log))
						senderID = id
					}
					a.notif.Apply(ncfg)
				}

				if ppc, err := mapPprofConfig(newCfg); err != nil {
					a.log.Warn("invalid pprof config; keeping previous", logx.Any("err", err))
				} else {
					a.pprof.Reconfigure(c, ppc)
				}

				// Keep the final line concise; details are in the debug summary.
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Any("err", err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	cfg := a.cfgm.Get()
	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.Int("rules", len(cfg.Rules)),
		logx.Int("schedules", len(cfg.Schedules)))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run one shutdown step with an upper bound so a single component
	// cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn must honor stepCtx and return promptly. If it
			// doesn't, log a leak signal and observe the late finish.
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Any("err", stepCtx.Err()),
				logx.Duration("elapsed", elapsed))
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Any("err", err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Triggers first so no new pulses reach the engine, then the engine
	// (waits out in-flight runs), then the notifier so it can still see
	// the terminal events of killed runs.
	step("watch", 2*time.Second, func(c context.Context) error { a.watch.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 5*time.Second, func(c context.Context) error { return a.engine.Stop(c) })
	step("notify", 3*time.Second, func(c context.Context) error { return a.notif.Stop(c) })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("history", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// scheduleStatus is the /statusz view of one schedule binding.
type scheduleStatus struct {
	Name string    `json:"name"`
	Rule string    `json:"rule"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

// daemonStatus is the /statusz payload.
type daemonStatus struct {
	Timezone  string              `json:"timezone,omitempty"`
	Engine    engine.Status       `json:"engine"`
	Watch     []watch.RuleStats   `json:"watch,omitempty"`
	Schedules []scheduleStatus    `json:"schedules,omitempty"`
	Notify    notify.Stats        `json:"notify"`
	Tasks     supervisor.Snapshot `json:"tasks"`
}

func (a *App) status() any {
	st := daemonStatus{
		Engine: a.engine.Status(),
		Watch:  a.watch.Snapshot(),
		Notify: a.notif.Snapshot(),
		Tasks:  a.sup.Snapshot(),
	}
	snap := a.sched.Snapshot()
	st.Timezone = snap.Timezone
	for _, si := range snap.Schedules {
		st.Schedules = append(st.Schedules, scheduleStatus{
			Name: si.Name,
			Rule: si.Rule,
			Spec: si.Spec,
			Next: si.Next,
			Prev: si.Prev,
		})
	}
	return st
}
