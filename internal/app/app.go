// Package app wires the services together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskpilot/internal/bot"
	"taskpilot/internal/calendar"
	"taskpilot/internal/config"
	"taskpilot/internal/engine"
	"taskpilot/internal/notify"
	"taskpilot/internal/storage"
	"taskpilot/internal/transport"
	"taskpilot/internal/transport/telegram"
	logx "taskpilot/pkg/logx"
)

// updateQueueSize bounds the incoming Telegram update channel.
const updateQueueSize = 128

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store   storage.Store
	adapter *telegram.Adapter
	engine  *engine.Service
	router  *bot.Router

	updates chan transport.Update

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logxConfig(cfg.Logging))
	mgr.SetLogger(log.With(logx.String("component", "config")))

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: config.MustDuration(cfg.Storage.BusyTimeout),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	auth, err := calendar.NewAuth(calendar.AuthConfig{CredentialsPath: cfg.Calendar.CredentialsPath})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("calendar auth: %w", err)
	}
	provider := calendar.NewGoogle(calendar.GoogleConfig{
		RequestsPerSecond: cfg.Calendar.RequestsPerSec,
	}, auth, store, log)

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.MustDuration(cfg.Telegram.PollTimeout),
	}, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	msgr := notify.NewTelegram(adapter, log)
	eng := engine.New(engineConfig(cfg.Engine), store, provider, msgr, log)
	router := bot.NewRouter(adapter, store, auth, eng, log)

	return &App{
		cfgMgr:  mgr,
		logSvc:  logSvc,
		log:     log.With(logx.String("component", "app")),
		store:   store,
		adapter: adapter,
		engine:  eng,
		router:  router,
		updates: make(chan transport.Update, updateQueueSize),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}
	if err := a.engine.Start(runCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	// Warnings and errors mirror into the owner chat once transport is up.
	if chat := a.cfgMgr.Get().Logging.Chat; chat.Enabled && chat.ChatID != 0 {
		a.logSvc.SetChatSink(a.chatSink(runCtx, chat.ChatID))
	}

	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		a.router.Run(runCtx, a.updates)
	}()
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.applyConfigUpdates(runCtx)
	}()

	menuCtx, menuCancel := context.WithTimeout(runCtx, 10*time.Second)
	if err := a.adapter.UpdateMenuCommands(menuCtx, bot.Commands()); err != nil {
		a.log.Warn("command menu not published", logx.Err(err))
	}
	menuCancel()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if a.cancel != nil {
		a.cancel()
	}
	_ = a.engine.Stop(ctx)
	_ = a.adapter.Stop(ctx)
	a.wg.Wait()
	err := a.store.Close()
	a.log.Info("stopped")
	_ = a.logSvc.Close()
	return err
}

// applyConfigUpdates pushes committed config reloads into the running
// services.
func (a *App) applyConfigUpdates(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			a.logSvc.Apply(logxConfig(cfg.Logging))
			a.engine.Apply(engineConfig(cfg.Engine))
			a.log.Info("config applied")
		}
	}
}

func (a *App) chatSink(ctx context.Context, chatID int64) logx.ChatSendFunc {
	return func(text string) {
		// Fire and forget; log delivery must never block a logging call.
		go func() {
			sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			_, _ = a.adapter.SendText(sendCtx, transport.ChatTarget{ChatID: chatID}, text, nil)
		}()
	}
}

func logxConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    c.Chat.Enabled,
			MinLevel:   c.Chat.MinLevel,
			RatePerSec: c.Chat.RatePerSec,
		},
	}
}

func engineConfig(c config.EngineConfig) engine.Config {
	return engine.Config{
		Tick:              config.MustDuration(c.Tick),
		ResolutionTimeout: config.MustDuration(c.ResolutionTimeout),
		BumpHorizon:       config.MustDuration(c.BumpHorizon),
		DeferExtension:    config.MustDuration(c.DeferExtension),
	}
}
