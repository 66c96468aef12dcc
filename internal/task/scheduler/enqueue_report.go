package scheduler

import (
	"time"

	logx "postflow/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(j *job, err error) {
	if err == nil {
		return
	}
	// Overlap skips happen during normal operation.
	if IsAlreadyRunning(err) {
		s.skipped(j, "schedule", "already running")
		return
	}

	now := s.clock.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[j.name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[j.name] = now
	s.enqMu.Unlock()

	// Queue full / stopping are important but can be bursty.
	s.log.Warn("job failed to enqueue", logx.String("job", j.name), logx.Any("err", err))
}
