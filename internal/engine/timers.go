package engine

import (
	"context"
	"time"

	"taskpilot/internal/model"
	logx "taskpilot/pkg/logx"
)

// resolutionTimer is one armed timeout fallback. The version guard keeps a
// cancelled-and-rearmed timer's old goroutine from firing for the new one.
type resolutionTimer struct {
	timer   *time.Timer
	version uint64
}

// armTimer schedules the timeout fallback for a conflict request. Re-arming
// an already-armed task replaces the pending timer.
func (s *Service) armTimer(taskID string, delay time.Duration) {
	if delay < time.Second {
		delay = time.Second
	}

	s.timersMu.Lock()
	entry, ok := s.timers[taskID]
	if ok {
		entry.timer.Stop()
		entry.version++
	} else {
		entry = &resolutionTimer{}
		s.timers[taskID] = entry
	}
	version := entry.version
	entry.timer = time.AfterFunc(delay, func() { s.onTimerFired(taskID, version) })
	s.timersMu.Unlock()
}

func (s *Service) cancelTimer(taskID string) {
	s.timersMu.Lock()
	if entry, ok := s.timers[taskID]; ok {
		entry.timer.Stop()
		entry.version++
		delete(s.timers, taskID)
	}
	s.timersMu.Unlock()
}

func (s *Service) stopAllTimers() {
	s.timersMu.Lock()
	for id, entry := range s.timers {
		entry.timer.Stop()
		entry.version++
		delete(s.timers, id)
	}
	s.timersMu.Unlock()
}

func (s *Service) onTimerFired(taskID string, version uint64) {
	s.timersMu.Lock()
	entry, ok := s.timers[taskID]
	stale := !ok || entry.version != version
	if !stale {
		delete(s.timers, taskID)
	}
	s.timersMu.Unlock()
	if stale {
		return
	}

	ctx := s.baseCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	// Resolve re-reads the authoritative status itself, so a decision applied
	// a heartbeat before this fires makes it a clean no-op.
	if _, err := s.Resolve(ctx, taskID, model.ResolveTimeout); err != nil {
		s.log.Error("timeout resolution failed", logx.String("task_id", taskID), logx.Err(err))
	}
}

// rearmTimers restores timeout timers for conflict requests that were
// pending when the process last stopped. An already-expired request fires
// shortly after startup.
func (s *Service) rearmTimers(ctx context.Context) {
	reqs, err := s.store.ListConflictRequests(ctx)
	if err != nil {
		s.log.Error("list conflict requests", logx.Err(err))
		return
	}
	timeout := s.config().ResolutionTimeout
	for _, req := range reqs {
		remaining := timeout - s.now().Sub(req.CreatedAt)
		s.armTimer(req.TaskID, remaining)
	}
	if len(reqs) > 0 {
		s.log.Info("conflict timers re-armed", logx.Int("count", len(reqs)))
	}
}
