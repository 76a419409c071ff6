package app

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"dispatchd/internal/channel"
	"dispatchd/internal/commandbus"
	"dispatchd/internal/config"
	"dispatchd/internal/connstate"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/domain"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/jobqueue"
	"dispatchd/internal/ops"
	"dispatchd/internal/runtime/sdnotify"
	"dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/scheduler"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

// App wires the dispatch worker: channel registry, job runtime, scheduler,
// command consumer and the optional ops server.
type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	bus      eventbus.Bus
	store    storage.Store
	conns    *connstate.Store
	registry *channel.Registry
	queue    *jobqueue.Runtime
	disp     *dispatch.Dispatcher
	sched    *scheduler.Service
	cmdBus   commandbus.Bus
	consumer *commandbus.Consumer
	ops      *ops.Server
	notify   *sdnotify.Notifier

	reconnect time.Duration
	started   time.Time

	mu         sync.Mutex
	sup        *supervisor.Supervisor
	cmdSup     *supervisor.Supervisor
	schedOn    bool
	stopCalled bool
}

type Option func(*options)

type options struct {
	flow      dispatch.FlowExecutor
	reminders scheduler.ReminderSender
}

// WithFlowExecutor runs flow jobs. Without one they fail permanently.
func WithFlowExecutor(exec dispatch.FlowExecutor) Option {
	return func(o *options) { o.flow = exec }
}

// WithReminderSender replaces the log-only reminder side effect.
func WithReminderSender(rs scheduler.ReminderSender) Option {
	return func(o *options) { o.reminders = rs }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	appLog := log.With(logx.String("comp", "app"))

	sc, _ := mapStorage(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()

	connOpts, _ := mapConnections(cfg)
	connOpts.Bus = bus
	connOpts.Logger = log
	conns := connstate.New(store, connOpts)

	chOpts, _ := mapChannels(cfg)
	reg := channel.NewRegistry(conns, channel.WithLogger(log), channel.WithBus(bus))
	registerBackends(reg, chOpts)
	reg.OnInboundMessage(logInbound(log.With(logx.String("comp", "inbound"))))

	jobOpts, _ := mapJobs(cfg)
	queue := jobqueue.New(append(jobOpts, jobqueue.WithStore(store), jobqueue.WithBus(bus), jobqueue.WithLogger(log))...)
	disp := dispatch.New(store, reg, dispatch.WithLogger(log))
	queues, _ := mapQueues(cfg)
	for name, qc := range queues {
		if err := queue.Register(qc, handlerFor(name, disp, o.flow, log)); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	schedCfg, _ := mapScheduler(cfg)
	schedOpts := []scheduler.Option{scheduler.WithLogger(log)}
	if o.reminders != nil {
		schedOpts = append(schedOpts, scheduler.WithReminderSender(o.reminders))
	}
	sched := scheduler.New(schedCfg, store, queue, schedOpts...)

	busCfg, reconnect, _ := mapBus(cfg)
	cmdBus, err := commandbus.Open(busCfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	consumer := commandbus.NewConsumer(cmdBus, reg, queue, store, log)
	pacing, _ := mapPacing(cfg)
	consumer.Apply(pacing)

	a := &App{
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		conns:     conns,
		registry:  reg,
		queue:     queue,
		disp:      disp,
		sched:     sched,
		cmdBus:    cmdBus,
		consumer:  consumer,
		notify:    sdnotify.New(log),
		reconnect: reconnect,
	}
	a.ops = ops.New(ops.Sources{
		Queues:      queue,
		Broadcasts:  store,
		Connections: conns,
		Runtime:     a.runtimeSnapshot,
	}, log)
	return a, nil
}

// handlerFor routes a queue to its job handler. Every mass queue shares the
// broadcast handler.
func handlerFor(queue string, disp *dispatch.Dispatcher, flow dispatch.FlowExecutor, log logx.Logger) jobqueue.Handler {
	switch {
	case queue == domain.QueueCampaign:
		return disp.HandleCampaign
	case queue == domain.QueueFlow:
		return dispatch.FlowHandler(flow, log)
	default:
		return disp.HandleBroadcast
	}
}

// Scheduler exposes the campaign and appointment API.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Commands is the bus producers publish connect, disconnect and mass commands on.
func (a *App) Commands() commandbus.Bus { return a.cmdBus }

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

func (a *App) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the components up in dependency order. Their lifetime is
// bound to Stop, not to ctx.
func (a *App) Start(ctx context.Context) error {
	base := context.WithoutCancel(ctx)
	sup := supervisor.NewSupervisor(base, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cmdSup := supervisor.NewSupervisor(base, supervisor.WithLogger(a.log))
	a.mu.Lock()
	a.sup, a.cmdSup = sup, cmdSup
	a.started = time.Now()
	a.mu.Unlock()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg := a.cfgm.Get()

	if err := a.queue.Start(base); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled {
		if err := a.sched.Start(base); err != nil {
			return err
		}
		a.schedOn = true
	}
	if oc, _ := mapOps(cfg); oc.Enabled {
		if err := a.ops.Apply(base, oc); err != nil {
			a.log.Warn("ops server not started", logx.Err(err))
		}
	}

	cmdSup.GoRestart("commands.consume", a.consumer.Run,
		supervisor.WithRestartBackoff(a.reconnect, 30*time.Second),
		supervisor.WithStopOnCleanExit(false),
	)

	events, unsub := a.bus.Subscribe(256)
	sup.Go0("eventbus.log", func(c context.Context) {
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

	reload := a.cfgm.Subscribe(8)
	sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(reload)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-reload:
				if !ok {
					return
				}
				// Coalesce bursts; only the newest file matters.
			drain:
				for {
					select {
					case newer := <-reload:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	sup.Go("config.watch", a.cfgm.Watch)
	sup.Go("sdnotify.watchdog", a.notify.Watchdog)

	a.notify.Ready()
	a.log.Info("app started",
		logx.Strs("queues", a.queue.Queues()),
		logx.Strs("backends", a.registry.Backends()),
		logx.Bool("scheduler", a.schedOn),
	)
	return nil
}

// applyConfig pushes the live sections of a reloaded file into the running
// components. The rest waits for a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect", logx.Strs("sections", pending))
	}

	a.logs.Apply(mapLogging(next))
	if queues, err := mapQueues(next); err == nil {
		a.queue.Apply(queues)
	}
	if pacing, err := mapPacing(next); err == nil {
		a.consumer.Apply(pacing)
	}
	if sc, err := mapScheduler(next); err == nil {
		a.sched.Apply(sc)
		switch {
		case next.Scheduler.Enabled && !a.schedOn:
			if err := a.sched.Start(context.WithoutCancel(ctx)); err == nil {
				a.schedOn = true
				a.log.Info("scheduler enabled via config")
			}
		case !next.Scheduler.Enabled && a.schedOn:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_ = a.sched.Stop(stopCtx)
			cancel()
			a.schedOn = false
			a.log.Info("scheduler disabled via config")
		}
	}
	if oc, err := mapOps(next); err == nil {
		if err := a.ops.Apply(context.WithoutCancel(ctx), oc); err != nil {
			a.log.Warn("ops server reconfigure failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the worker down: commands first so nothing new is queued, then
// the pollers, the job runtime, live sessions and finally the store.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	if a.sup == nil || a.stopCalled {
		a.mu.Unlock()
		return nil
	}
	a.stopCalled = true
	sup, cmdSup := a.sup, a.cmdSup
	a.mu.Unlock()

	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("commands", 3*time.Second, cmdSup.Stop)
	step("scheduler", 3*time.Second, a.sched.Stop)
	step("queues", 15*time.Second, a.queue.Stop)
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("registry", 10*time.Second, a.registry.Close)
	step("commandbus", 2*time.Second, func(context.Context) error { return a.cmdBus.Close() })
	step("supervisor", 2*time.Second, sup.Stop)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// RuntimeSnapshot is served by the ops /v1/runtime endpoint.
type RuntimeSnapshot struct {
	Uptime     string              `json:"uptime"`
	Goroutines int                 `json:"goroutines"`
	Sessions   []string            `json:"sessions"`
	Backends   []string            `json:"backends"`
	Queues     jobqueue.Snapshot   `json:"queues"`
	App        supervisor.Snapshot `json:"app"`
	Workers    supervisor.Snapshot `json:"workers"`
	Commands   supervisor.Snapshot `json:"commands"`
}

func (a *App) runtimeSnapshot() any {
	a.mu.Lock()
	sup, cmdSup, started := a.sup, a.cmdSup, a.started
	a.mu.Unlock()
	return RuntimeSnapshot{
		Uptime:     time.Since(started).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		Sessions:   a.registry.Sessions(),
		Backends:   a.registry.Backends(),
		Queues:     a.queue.Snapshot(),
		App:        sup.Snapshot(),
		Workers:    a.queue.Supervisor().Snapshot(),
		Commands:   cmdSup.Snapshot(),
	}
}
