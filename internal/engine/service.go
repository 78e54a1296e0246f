// Package engine is the scheduling core: the periodic driver that feeds
// accepted tasks through the placement pipeline, the calendar event writer,
// and the conflict-resolution workflow with its timeout fallback.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"taskpilot/internal/calendar"
	"taskpilot/internal/model"
	"taskpilot/internal/notify"
	"taskpilot/internal/storage"
	logx "taskpilot/pkg/logx"
)

// Config holds the engine knobs. All of them hot-reload via Apply.
type Config struct {
	// Tick is the driver interval.
	Tick time.Duration
	// ResolutionTimeout is how long a conflict decision may wait before the
	// automatic fallback fires.
	ResolutionTimeout time.Duration
	// BumpHorizon bounds the search for a new slot for a displaced task,
	// counted from the end of the incoming task's required window.
	BumpHorizon time.Duration
	// DeferExtension is added past the deadline when the user asks for a
	// later slot (and by the timeout fallback as a last resort).
	DeferExtension time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.ResolutionTimeout <= 0 {
		c.ResolutionTimeout = 30 * time.Minute
	}
	if c.BumpHorizon <= 0 {
		c.BumpHorizon = 7 * 24 * time.Hour
	}
	if c.DeferExtension <= 0 {
		c.DeferExtension = 7 * 24 * time.Hour
	}
	return c
}

type Service struct {
	store storage.Store
	cal   calendar.Provider
	msgr  notify.Messenger
	log   logx.Logger

	cfgMu sync.RWMutex
	cfg   Config

	cron    *cron.Cron
	entryID cron.EntryID
	running atomic.Bool // re-entrancy guard for the tick
	started bool
	startMu sync.Mutex

	baseCtx context.Context
	cancel  context.CancelFunc

	timersMu sync.Mutex
	timers   map[string]*resolutionTimer

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg Config, store storage.Store, cal calendar.Provider, msgr notify.Messenger, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:  store,
		cal:    cal,
		msgr:   msgr,
		log:    log.With(logx.String("component", "engine")),
		cfg:    cfg.withDefaults(),
		timers: map[string]*resolutionTimer{},
		now:    time.Now,
	}
}

func (s *Service) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Apply hot-reloads the engine knobs. A changed tick interval reschedules the
// cron entry; already-armed resolution timers keep their original deadline.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfgMu.Lock()
	prevTick := s.cfg.Tick
	s.cfg = cfg
	s.cfgMu.Unlock()

	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started && cfg.Tick != prevTick {
		s.cron.Remove(s.entryID)
		s.scheduleTick(cfg.Tick)
		s.log.Info("tick interval updated", logx.Duration("tick", cfg.Tick))
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.baseCtx, s.cancel = context.WithCancel(ctx)

	// Conflict requests survive restarts; re-arm their timeout timers so a
	// decision that never came still resolves.
	s.rearmTimers(s.baseCtx)

	s.cron = cron.New()
	s.scheduleTick(s.config().Tick)
	s.cron.Start()
	s.started = true
	s.log.Info("started", logx.Duration("tick", s.config().Tick))
	return nil
}

func (s *Service) scheduleTick(tick time.Duration) {
	id, err := s.cron.AddFunc("@every "+tick.String(), func() { s.Tick(s.baseCtx) })
	if err != nil {
		// "@every <duration>" only fails on a non-positive duration, which
		// withDefaults rules out.
		s.log.Error("schedule tick", logx.Err(err))
		return
	}
	s.entryID = id
}

func (s *Service) Stop(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	if s.cancel != nil {
		s.cancel()
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.stopAllTimers()
	s.log.Info("stopped")
	return nil
}

// Tick runs one driver pass. A tick that finds the previous one still running
// is skipped, not queued.
func (s *Service) Tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("tick skipped, previous still running")
		return
	}
	defer s.running.Store(false)

	users, err := s.store.ListConnectedUsers(ctx)
	if err != nil {
		s.log.Error("list users", logx.Err(err))
		return
	}
	for _, u := range users {
		if ctx.Err() != nil {
			return
		}
		s.processUser(ctx, u)
	}
}

func (s *Service) processUser(ctx context.Context, u storage.User) {
	tasks, err := s.store.TasksByStatus(ctx, u.ID, model.StatusAccepted)
	if err != nil {
		s.log.Error("list accepted tasks", logx.Int64("user_id", u.ID), logx.Err(err))
		return
	}
	// Sequential on purpose: a task scheduled earlier in the tick must be in
	// the busy-set the next task sees.
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		s.processTaskSafe(ctx, u, t.ID)
	}
}

// processTaskSafe is the per-task fault boundary: one task blowing up must
// not take the rest of the batch with it.
func (s *Service) processTaskSafe(ctx context.Context, u storage.User, taskID string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task pipeline panicked",
				logx.String("task_id", taskID),
				logx.Any("panic", r),
				logx.String("stack", logx.CaptureStack(2)))
		}
	}()
	if err := s.processTask(ctx, u, taskID); err != nil {
		s.log.Warn("task left for next tick", logx.String("task_id", taskID), logx.Err(err))
	}
}
