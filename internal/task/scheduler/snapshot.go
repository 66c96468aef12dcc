package scheduler

import "postflow/internal/task/engine"

// Snapshot is the registry status plus executor diagnostics, used by /status.
type Snapshot struct {
	Status
	Timezone string          `json:"timezone"`
	Tick     string          `json:"tick"`
	Executor engine.Snapshot `json:"executor"`
}

func (s *Service) Snapshot() Snapshot {
	st, _ := s.Status("")

	s.mu.Lock()
	tz := s.defaultLocationLocked().String()
	tick := s.cfg.Tick.String()
	eng := s.engine
	s.mu.Unlock()

	out := Snapshot{Status: st, Timezone: tz, Tick: tick}
	if eng != nil {
		out.Executor = eng.Snapshot()
	}
	return out
}
