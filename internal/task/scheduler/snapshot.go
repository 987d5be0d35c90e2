package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	loc := s.loc
	eng := s.engine
	s.mu.Unlock()

	if tz == "" && loc != nil {
		tz = loc.String()
	}
	snap := Snapshot{Enabled: enabled, Timezone: tz, Jobs: s.Jobs()}
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
