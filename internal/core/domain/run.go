package domain

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// RunState is the lifecycle state of a sync run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// ValidTransitions defines allowed run state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[RunState][]RunState{
	RunPending: {RunQueued, RunRunning, RunFailed, RunCancelled},
	RunQueued:  {RunRunning, RunCompleted, RunFailed, RunCancelled},
	RunRunning: {RunCompleted, RunFailed, RunCancelled},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to RunState) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Stage names a per-item pipeline stage.
type Stage string

const (
	StageTransform Stage = "transform"
	StageEnrich    Stage = "enrich"
	StagePersist   Stage = "persist"
)

// ItemError records an item fault.
type ItemError struct {
	ItemID  string `json:"itemId"`
	Index   int    `json:"index"`
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

// Progress is the counter view published after each item and once more
// when the run settles.
type Progress struct {
	State      RunState `json:"status"`
	Processed  int      `json:"processed"`
	Total      int      `json:"total"`
	ErrorCount int      `json:"errorCount"`
}

// RunStatus is a read-only snapshot of a run for polling.
type RunStatus struct {
	RunID          string          `json:"runId"`
	StoreID        string          `json:"storeId"`
	State          RunState        `json:"status"`
	Processed      int             `json:"processed"`
	Total          int             `json:"total"`
	ErrorCount     int             `json:"errorCount"`
	CancelledCount int             `json:"cancelledCount"`
	CostUSD        decimal.Decimal `json:"costUSD"`
	StartedAt      time.Time       `json:"startedAt"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// RunSummary is the record persisted when a run reaches a terminal state.
type RunSummary struct {
	RunID          string          `json:"runId"           db:"run_id"`
	StoreID        string          `json:"storeId"         db:"store_id"`
	State          RunState        `json:"status"          db:"status"`
	StartedAt      time.Time       `json:"startedAt"       db:"started_at"`
	EndedAt        time.Time       `json:"endedAt"         db:"ended_at"`
	Total          int             `json:"total"           db:"total"`
	ProcessedCount int             `json:"processedCount"  db:"processed_count"`
	ErrorCount     int             `json:"errorCount"      db:"error_count"`
	CancelledCount int             `json:"cancelledCount"  db:"cancelled_count"`
	CostUSD        decimal.Decimal `json:"costUSD"         db:"cost_usd"`
	Errors         []ItemError     `json:"errors"          db:"-"`
	Error          string          `json:"error,omitempty" db:"error"`
}

// SyncRun identifies one execution of the pipeline for one store.
// All mutation goes through its methods; it is safe for concurrent use.
type SyncRun struct {
	id      string
	storeID string

	mu        sync.RWMutex
	state     RunState
	startedAt time.Time
	endedAt   time.Time
	total     int
	processed int
	cancelled int
	cost      decimal.Decimal
	errors    []ItemError
	err       string
}

// NewSyncRun creates a pending run.
func NewSyncRun(id, storeID string, now time.Time) *SyncRun {
	return &SyncRun{
		id:        id,
		storeID:   storeID,
		state:     RunPending,
		startedAt: now,
		cost:      decimal.Zero,
	}
}

func (r *SyncRun) ID() string      { return r.id }
func (r *SyncRun) StoreID() string { return r.storeID }

// State returns the current state.
func (r *SyncRun) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// MarkQueued records the item total once the adapter answered.
func (r *SyncRun) MarkQueued(total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(RunQueued); err != nil {
		return err
	}
	r.total = total
	return nil
}

// MarkRunning moves a queued run to running. It reports whether the state changed.
func (r *SyncRun) MarkRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RunQueued && r.state != RunPending {
		return false
	}
	r.state = RunRunning
	return true
}

// RecordSuccess counts a successfully processed item.
func (r *SyncRun) RecordSuccess() (Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.IsTerminal() {
		return r.progressLocked(), ErrRunTerminal
	}
	r.processed++
	return r.progressLocked(), nil
}

// RecordFailure counts an item that finished with an item fault.
func (r *SyncRun) RecordFailure(e ItemError) (Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.IsTerminal() {
		return r.progressLocked(), ErrRunTerminal
	}
	r.processed++
	r.errors = append(r.errors, e)
	return r.progressLocked(), nil
}

// RecordCancelled counts items that were never claimed.
func (r *SyncRun) RecordCancelled(n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.IsTerminal() {
		return ErrRunTerminal
	}
	r.cancelled += n
	return nil
}

// AddCost adds the cost of one AI call to the run total.
func (r *SyncRun) AddCost(usd decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.IsTerminal() {
		return ErrRunTerminal
	}
	r.cost = r.cost.Add(usd)
	return nil
}

// Finish moves the run to a terminal state. runErr is recorded for failed runs.
func (r *SyncRun) Finish(state RunState, runErr error, now time.Time) error {
	if !state.IsTerminal() {
		return fmt.Errorf("finish with non-terminal state %q", state)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(state); err != nil {
		return err
	}
	r.endedAt = now
	if runErr != nil {
		r.err = runErr.Error()
	}
	slices.SortStableFunc(r.errors, func(a, b ItemError) int { return a.Index - b.Index })
	return nil
}

// Progress returns the current counters.
func (r *SyncRun) Progress() Progress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.progressLocked()
}

// Snapshot returns a read-only status view.
func (r *SyncRun) Snapshot() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := RunStatus{
		RunID:          r.id,
		StoreID:        r.storeID,
		State:          r.state,
		Processed:      r.processed,
		Total:          r.total,
		ErrorCount:     len(r.errors),
		CancelledCount: r.cancelled,
		CostUSD:        r.cost,
		StartedAt:      r.startedAt,
		Error:          r.err,
	}
	if !r.endedAt.IsZero() {
		ended := r.endedAt
		s.EndedAt = &ended
	}
	return s
}

// Summary returns the persisted form of the run.
func (r *SyncRun) Summary() RunSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RunSummary{
		RunID:          r.id,
		StoreID:        r.storeID,
		State:          r.state,
		StartedAt:      r.startedAt,
		EndedAt:        r.endedAt,
		Total:          r.total,
		ProcessedCount: r.processed,
		ErrorCount:     len(r.errors),
		CancelledCount: r.cancelled,
		CostUSD:        r.cost,
		Errors:         slices.Clone(r.errors),
		Error:          r.err,
	}
}

// EndedAt returns the terminal timestamp, zero while the run is active.
func (r *SyncRun) EndedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endedAt
}

func (r *SyncRun) transitionLocked(to RunState) error {
	if r.state.IsTerminal() {
		return ErrRunTerminal
	}
	if !CanTransition(r.state, to) {
		return fmt.Errorf("invalid run transition %s -> %s", r.state, to)
	}
	r.state = to
	return nil
}

func (r *SyncRun) progressLocked() Progress {
	return Progress{
		State:      r.state,
		Processed:  r.processed,
		Total:      r.total,
		ErrorCount: len(r.errors),
	}
}

// ToStatus converts a persisted summary back into a status view.
func (s RunSummary) ToStatus() RunStatus {
	ended := s.EndedAt
	return RunStatus{
		RunID:          s.RunID,
		StoreID:        s.StoreID,
		State:          s.State,
		Processed:      s.ProcessedCount,
		Total:          s.Total,
		ErrorCount:     s.ErrorCount,
		CancelledCount: s.CancelledCount,
		CostUSD:        s.CostUSD,
		StartedAt:      s.StartedAt,
		EndedAt:        &ended,
		Error:          s.Error,
	}
}
