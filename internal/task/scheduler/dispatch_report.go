package scheduler

import (
	"errors"
	"time"

	"jobsched/internal/task/dispatch"
	logx "jobsched/pkg/logx"
)

const dispatchWarnThrottle = 5 * time.Second

func (s *Service) reportDispatchError(name string, err error) {
	if err == nil {
		return
	}
	// The dispatcher closes during shutdown, before the loops notice.
	if errors.Is(err, dispatch.ErrClosed) {
		s.log.Debug("job fire dropped; dispatcher closed", logx.String("job", name))
		return
	}

	now := s.clock.Now()
	s.warnMu.Lock()
	last := s.lastDispWarn[name]
	if !last.IsZero() && now.Sub(last) < dispatchWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastDispWarn[name] = now
	s.warnMu.Unlock()

	s.log.Warn("job failed to dispatch", logx.String("job", name), logx.Err(err))
}
