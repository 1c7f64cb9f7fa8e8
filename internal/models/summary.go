package models

import "time"

// SourceStats are the per-source counters reported at the end of a run.
type SourceStats struct {
	SourceID     string
	ItemsFound   int
	ItemsSkipped int // pages fetched but yielding no usable title/body
	ItemsDeduped int
	ItemsFailed  int
	ItemsStored  int
	Errors       int
}

// TotalFailure reports whether the source produced nothing but errors.
func (s SourceStats) TotalFailure() bool {
	return s.ItemsFound == 0 && s.Errors > 0
}

// RunError is one accounted failure from a run, with enough context to
// diagnose without re-running.
type RunError struct {
	SourceID string
	Target   string
	Stage    string // "fetch", "extract", "classify", "store", "source"
	Err      error
}

func (e RunError) Error() string {
	msg := e.Stage
	if e.SourceID != "" {
		msg += " " + e.SourceID
	}
	if e.Target != "" {
		msg += " " + e.Target
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e RunError) Unwrap() error { return e.Err }

// RunSummary is the final accounting of one orchestrator run. Every item
// that entered the pipeline shows up in exactly one counter.
type RunSummary struct {
	StartedAt  time.Time
	FinishedAt time.Time
	PerSource  map[string]*SourceStats
	Errors     []RunError
}

// Stats returns the stats bucket for a source, creating it on first use.
func (s *RunSummary) Stats(sourceID string) *SourceStats {
	if s.PerSource == nil {
		s.PerSource = make(map[string]*SourceStats)
	}
	st, ok := s.PerSource[sourceID]
	if !ok {
		st = &SourceStats{SourceID: sourceID}
		s.PerSource[sourceID] = st
	}
	return st
}

// Elapsed is the wall-clock duration of the run.
func (s *RunSummary) Elapsed() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// AllSourcesFailed reports whether every source ended in total failure.
func (s *RunSummary) AllSourcesFailed() bool {
	if len(s.PerSource) == 0 {
		return false
	}
	for _, st := range s.PerSource {
		if !st.TotalFailure() {
			return false
		}
	}
	return true
}

// AnySourceFailed reports whether at least one source ended in total
// failure while the run itself completed.
func (s *RunSummary) AnySourceFailed() bool {
	for _, st := range s.PerSource {
		if st.TotalFailure() {
			return true
		}
	}
	return false
}
