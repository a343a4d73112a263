package pipeline

// Stats are the run counters reported in the end-of-run summary.
type Stats struct {
	// Accepted counts records that survived every stage.
	Accepted uint64 `json:"accepted"`
	// Filtered counts records dropped by a filter, including filter errors.
	Filtered      uint64 `json:"filtered"`
	Warnings      uint64 `json:"warnings"`
	Errors        uint64 `json:"errors"`
	ParseFailures uint64 `json:"parse_failures"`
	Emitted       uint64 `json:"emitted"`
	Late          uint64 `json:"late"`
}

// Observe adds one outcome.
func (s *Stats) Observe(o *Outcome) {
	if o.Dropped {
		s.Filtered++
	} else {
		s.Accepted++
	}
	s.Warnings += uint64(o.Warnings)
	s.Errors += uint64(o.Errors)
	s.Emitted += uint64(len(o.Emitted))
}

// Merge adds other into s.
func (s *Stats) Merge(other Stats) {
	s.Accepted += other.Accepted
	s.Filtered += other.Filtered
	s.Warnings += other.Warnings
	s.Errors += other.Errors
	s.ParseFailures += other.ParseFailures
	s.Emitted += other.Emitted
	s.Late += other.Late
}

// Processed is the number of records that reached the stages.
func (s Stats) Processed() uint64 { return s.Accepted + s.Filtered }
