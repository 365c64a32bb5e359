// Package app wires the services together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gigbot/internal/config"
	"gigbot/internal/dispute"
	"gigbot/internal/geo"
	"gigbot/internal/ledger"
	"gigbot/internal/notifier"
	"gigbot/internal/order"
	"gigbot/internal/rating"
	"gigbot/internal/scheduler"
	"gigbot/internal/storage"
	"gigbot/internal/transport"
	"gigbot/internal/transport/telegram"
	"gigbot/internal/user"
	logx "gigbot/pkg/logx"
)

const expandJobName = "radius_expansion"

type App struct {
	cfgm *config.ConfigManager

	log  logx.Logger
	logs *logx.Service

	db      *storage.DB
	adapter transport.Adapter

	notif *notifier.Service
	sched *scheduler.Service

	users    *user.Store
	ledger   *ledger.Ledger
	orders   *order.Service
	ratings  *rating.Service
	disputes *dispute.Store

	wg sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
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
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout},
		log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		db:      db,
		adapter: adapter,
	}
	if err := a.build(cfg); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	a.notif = notifier.New(mapNotifierConfig(cfg), a.adapter, a.log)

	schedTimeout, err := config.ParseDurationOrDefault("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, 30*time.Second)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(scheduler.Config{
		Workers:        cfg.Scheduler.Workers,
		QueueSize:      cfg.Scheduler.QueueSize,
		DefaultTimeout: schedTimeout,
		HistorySize:    cfg.Scheduler.HistorySize,
	}, a.log)

	a.users = user.NewStore(a.db, a.log)
	a.ledger = ledger.New(a.db, a.log)
	a.disputes = dispute.NewStore(a.db)

	set, err := orderSettings(cfg)
	if err != nil {
		return err
	}
	a.orders = order.NewService(
		order.NewStore(a.db, a.log),
		a.users,
		a.ledger,
		geo.NewIndex(a.db, a.log),
		notifier.NewTracker(a.db),
		a.notif,
		a.sched,
		a.disputes,
		set,
		a.log,
	)
	a.ratings = rating.NewService(a.db, a.orders, a.notif, cfg.Telegram.OperatorIDs, a.log)
	return nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	a.notif.Start(ctx)
	a.sched.Start(ctx)

	matching, err := cfg.MatchingSettings()
	if err != nil {
		return err
	}
	if err := a.sched.AddInterval(expandJobName, matching.Interval, 0,
		a.orders.ExpandRadii); err != nil {
		return err
	}

	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(ctx)
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	}()

	a.log.Info("started",
		logx.Duration("expand_interval", matching.Interval),
		logx.Int("operators", len(cfg.Telegram.OperatorIDs)))
	return nil
}

// applyConfig pushes a hot-reloaded config into the running services.
// Storage and telegram token changes need a restart and are ignored here.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	set, err := orderSettings(cfg)
	if err != nil {
		a.log.Warn("reload: bad order settings; keeping previous", logx.Err(err))
		return
	}
	a.orders.Apply(set)
	a.ratings.Apply(cfg.Telegram.OperatorIDs)

	matching, err := cfg.MatchingSettings()
	if err == nil {
		// AddInterval upserts by name, so this reschedules the tick.
		if err := a.sched.AddInterval(expandJobName, matching.Interval, 0, a.orders.ExpandRadii); err != nil {
			a.log.Warn("reload: expansion reschedule failed", logx.Err(err))
		}
	}
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	a.sched.Stop(ctx)
	a.notif.Stop(ctx)
	a.wg.Wait()
	err := a.db.Close()
	_ = a.logs.Close()
	a.log.Info("stopped")
	return err
}

func (a *App) Orders() *order.Service   { return a.orders }
func (a *App) Ratings() *rating.Service { return a.ratings }
func (a *App) Ledger() *ledger.Ledger   { return a.ledger }
func (a *App) Users() *user.Store       { return a.users }
func (a *App) Disputes() *dispute.Store { return a.disputes }

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	base, _ := config.ParseDurationField("notifier.retry_base", cfg.Notifier.RetryBase)
	maxDelay, _ := config.ParseDurationField("notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay)
	return notifier.Config{
		Workers:       cfg.Notifier.Workers,
		QueueSize:     cfg.Notifier.QueueSize,
		RatePerSec:    cfg.Notifier.RatePerSec,
		RetryMax:      cfg.Notifier.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}
}

func orderSettings(cfg *config.Config) (order.Settings, error) {
	matching, err := cfg.MatchingSettings()
	if err != nil {
		return order.Settings{}, err
	}
	timeouts, err := cfg.TimeoutSettings()
	if err != nil {
		return order.Settings{}, err
	}
	return order.Settings{
		InitialRadiusKm:  matching.InitialRadiusKm,
		StepKm:           matching.StepKm,
		MaxRadiusKm:      matching.MaxRadiusKm,
		MaxNotify:        matching.MaxNotify,
		ConfirmTimeout:   timeouts.Confirmation,
		AutoReleaseDelay: timeouts.AutoRelease,
		OperatorIDs:      cfg.Telegram.OperatorIDs,
	}, nil
}
