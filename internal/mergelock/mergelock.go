// Package mergelock serializes merge attempts per project. A run worker
// that reaches the merge phase must hold the project's lock before
// touching the main branch; the lock lives in the shared database so it
// holds across daemon, worker, and CLI processes.
package mergelock

import (
	"fmt"
	"time"

	"github.com/mizutanik/flotilla/internal/model"
)

// DefaultStaleAfter is how long a lock may sit before another run is
// allowed to take it over. Holders that crash mid-merge never release.
const DefaultStaleAfter = 10 * time.Minute

// Store is the subset of the state layer the manager needs.
type Store interface {
	AcquireMergeLock(projectID, runID string, acquiredAt, staleCutoff time.Time) (bool, error)
	GetMergeLock(projectID string) (*model.MergeLock, error)
	ReleaseMergeLock(projectID, runID string) error
}

type Manager struct {
	store      Store
	staleAfter time.Duration
	now        func() time.Time
}

func NewManager(store Store, staleAfter time.Duration) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{
		store:      store,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Acquire attempts to take the project's merge lock for runID. It returns
// false when another run holds a fresh lock. A lock older than staleAfter
// is taken over in the same atomic write that rejects concurrent claimers.
func (m *Manager) Acquire(projectID, runID string) (bool, error) {
	if projectID == "" || runID == "" {
		return false, fmt.Errorf("acquire merge lock: project and run ids are required")
	}
	now := m.now()
	return m.store.AcquireMergeLock(projectID, runID, now, now.Add(-m.staleAfter))
}

// Release drops the lock if runID is still the holder. Releasing a lock
// held by another run is a no-op, not an error: the caller was superseded
// by a stale takeover and the new holder's lock must survive.
func (m *Manager) Release(projectID, runID string) error {
	return m.store.ReleaseMergeLock(projectID, runID)
}

// Status describes the lock state of one project.
type Status struct {
	Held        bool      `json:"held"`
	HolderRunID string    `json:"holder_run_id,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at"`
	Stale       bool      `json:"stale"`
}

// Status reports the current holder, flagging locks past the staleness
// threshold so operators can see an abandoned merge before the next run
// takes it over.
func (m *Manager) Status(projectID string) (Status, error) {
	lock, err := m.store.GetMergeLock(projectID)
	if err != nil {
		return Status{}, err
	}
	if lock == nil {
		return Status{}, nil
	}
	return Status{
		Held:        true,
		HolderRunID: lock.RunID,
		AcquiredAt:  lock.AcquiredAt,
		Stale:       m.now().Sub(lock.AcquiredAt) >= m.staleAfter,
	}, nil
}
