package protocol

import (
	"sync"
	"time"
)

// Status is the lifecycle of one plan run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// LogEntry is one timestamped record in a run's audit trail.
type LogEntry struct {
	Time        time.Time
	Kind        string // plan_started, action_started, action_retry, ...
	ActionIndex int    // -1 for plan-level entries
	Action      string
	Attempt     int
	Message     string
}

// Snapshot is an immutable view of a run.
type Snapshot struct {
	RunID        string
	Plan         string
	Status       Status
	CurrentIndex int
	AttemptCount int
	StartedAt    time.Time
	FinishedAt   time.Time
	Log          []LogEntry
}

// executionState is the single source of truth for one run. It is owned
// by the engine; external callers only see snapshots.
type executionState struct {
	mu           sync.Mutex
	runID        string
	plan         string
	status       Status
	currentIndex int
	attemptCount int
	startedAt    time.Time
	finishedAt   time.Time
	log          []LogEntry
}

func (s *executionState) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *executionState) getStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *executionState) setAction(index, attempt int) {
	s.mu.Lock()
	s.currentIndex = index
	s.attemptCount = attempt
	s.mu.Unlock()
}

func (s *executionState) finish(st Status, at time.Time) {
	s.mu.Lock()
	s.status = st
	s.finishedAt = at
	s.mu.Unlock()
}

func (s *executionState) append(e LogEntry) {
	s.mu.Lock()
	s.log = append(s.log, e)
	s.mu.Unlock()
}

func (s *executionState) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{
		RunID:        s.runID,
		Plan:         s.plan,
		Status:       s.status,
		CurrentIndex: s.currentIndex,
		AttemptCount: s.attemptCount,
		StartedAt:    s.startedAt,
		FinishedAt:   s.finishedAt,
		Log:          make([]LogEntry, len(s.log)),
	}
	copy(out.Log, s.log)
	return out
}
