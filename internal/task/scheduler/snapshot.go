package scheduler

func (s *Service) Snapshot() Snapshot {
	loc, closed := s.location()
	now := s.clock.Now()

	s.reg.mu.RLock()
	jobs := make([]JobInfo, 0, len(s.reg.order))
	for _, name := range s.reg.order {
		e := s.reg.entries[name]
		info := JobInfo{Job: e.job}
		if e.expr != nil {
			info.Next = e.expr.Next(now)
		}
		jobs = append(jobs, info)
	}
	s.reg.mu.RUnlock()

	for i := range jobs {
		jobs[i].Live = s.disp.Live(jobs[i].Name)
	}

	c := s.sup.Counters()
	return Snapshot{
		Timezone: loc.String(),
		Closed:   closed,
		Loops:    c.Active,
		Panics:   c.Panics,
		Jobs:     jobs,
	}
}
