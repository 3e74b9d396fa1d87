package store

import (
	"fmt"
	"sync"
	"time"

	"codearena/internal/enum"
)

// NotFoundError is returned when a session or run id has no record.
type NotFoundError struct {
	Kind string // "session" or "run"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// runLock guards one run's mutable fields so concurrent UpdateRun calls for
// the same run serialize, matching spec.md 4.5's "all mutations are
// serialized per-run" requirement. UpdateRunIf also holds the store-wide
// write lock while it checks and applies an update, so updates to different
// runs are serialized as well.
type runLock struct {
	mu sync.Mutex
}

// Store is the process-wide Run State Store singleton. Durable persistence
// is an explicit non-goal: all state lives in memory and is lost on
// restart, the same as the Gateway Registry and Port Allocator.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	runs     map[string]*Run
	locks    map[string]*runLock
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		runs:     make(map[string]*Run),
		locks:    make(map[string]*runLock),
	}
}

// CreateSession atomically inserts a session and its runs. now is passed in
// rather than read from time.Now() so callers can keep tests deterministic.
func (s *Store) CreateSession(session Session, runs []Run, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session.CreatedAt = now
	session.UpdatedAt = now
	session.RunIDs = make([]string, 0, len(runs))

	for i := range runs {
		runs[i].CreatedAt = now
		runs[i].UpdatedAt = now
		runs[i].SessionID = session.ID
		session.RunIDs = append(session.RunIDs, runs[i].ID)
	}

	s.sessions[session.ID] = &session
	for i := range runs {
		r := runs[i]
		s.runs[r.ID] = &r
		s.locks[r.ID] = &runLock{}
	}
	return nil
}

// GetSession returns a session with its runs joined by current state. Reads
// are snapshot-consistent per run but may interleave across runs within a
// session, which is acceptable because the UI polls (spec.md 4.5).
func (s *Store) GetSession(id string) (*SessionView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, &NotFoundError{Kind: "session", ID: id}
	}

	view := &SessionView{Session: *session, Runs: make([]Run, 0, len(session.RunIDs))}
	for _, runID := range session.RunIDs {
		if r, ok := s.runs[runID]; ok {
			view.Runs = append(view.Runs, *r)
		}
	}
	return view, nil
}

// GetRun returns a single run record.
func (s *Store) GetRun(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, &NotFoundError{Kind: "run", ID: id}
	}
	cp := *r
	return &cp, nil
}

// UpdateRun merges a partial update into a run, serialized per-run, and
// bumps updated_at on both the run and its parent session.
func (s *Store) UpdateRun(id string, update RunUpdate, now time.Time) (*Run, error) {
	return s.UpdateRunIf(id, nil, update, now)
}

// PreconditionFailedError is returned by UpdateRunIf when the check function
// rejects the run's current state — used by the lifecycle engine to detect
// a run that has already reached a terminal state before applying a
// transition.
type PreconditionFailedError struct {
	RunID string
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("run %s failed precondition for update", e.RunID)
}

// UpdateRunIf merges a partial update into a run, but only if check (when
// non-nil) accepts the run's current status. The check runs inside the same
// per-run critical section as the write, so it composes with concurrent
// callers atomically — this is how the lifecycle engine enforces that a
// kill racing a normal transition never resurrects a terminal run.
func (s *Store) UpdateRunIf(id string, check func(current enum.RunStatus) bool, update RunUpdate, now time.Time) (*Run, error) {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Kind: "run", ID: id}
	}

	lock.mu.Lock()
	defer lock.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, &NotFoundError{Kind: "run", ID: id}
	}

	if check != nil && !check(r.Status) {
		return nil, &PreconditionFailedError{RunID: id}
	}

	applyRunUpdate(r, update)
	r.UpdatedAt = now

	if session, ok := s.sessions[r.SessionID]; ok {
		session.UpdatedAt = now
	}

	cp := *r
	return &cp, nil
}

func applyRunUpdate(r *Run, u RunUpdate) {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.ClearPort {
		r.Port = nil
	} else if u.Port != nil {
		r.Port = u.Port
	}
	if u.ContainerID != nil {
		r.ContainerID = *u.ContainerID
	}
	if u.ClearURL {
		r.InternalURL = ""
	} else if u.InternalURL != nil {
		r.InternalURL = *u.InternalURL
	}
	if u.Error != nil {
		r.Error = *u.Error
	}
	if u.InstallLog != nil {
		r.InstallLog = *u.InstallLog
	}
	if u.BuildLog != nil {
		r.BuildLog = *u.BuildLog
	}
	if u.StartLog != nil {
		r.StartLog = *u.StartLog
	}
	if u.ErrorLog != nil {
		r.ErrorLog = *u.ErrorLog
	}
	if u.StartedAt != nil {
		r.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		r.CompletedAt = u.CompletedAt
	}
}

// DeleteRun removes a run record and its lock. Idempotent.
func (s *Store) DeleteRun(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runs, id)
	delete(s.locks, id)
	return nil
}

// DeleteSession removes a session and all of its runs. Idempotent.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if ok {
		for _, runID := range session.RunIDs {
			delete(s.runs, runID)
			delete(s.locks, runID)
		}
	}
	delete(s.sessions, id)
	return nil
}

// ActiveRunIDs returns the ids of every run not currently in a terminal
// state, used by the daemon's SIGTERM handler to kill every active run in
// parallel on shutdown (spec.md section 9).
func (s *Store) ActiveRunIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.runs))
	for id, r := range s.runs {
		if !r.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// CountByStatus returns the number of runs currently in the given status,
// used by the /stats endpoint.
func (s *Store) CountByStatus(status enum.RunStatus) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.runs {
		if r.Status == status {
			n++
		}
	}
	return n
}
