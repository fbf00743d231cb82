package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/looplab/fsm"
)

// InvariantError reports a lifecycle transition outside the deployment
// state graph. It indicates a programming defect in a controller or
// monitor, not a runtime condition to recover from.
type InvariantError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invalid status transition for deployment %s: %s -> %s", e.ID, e.From, e.To)
}

// ErrNotFound is returned for operations on unknown deployment ids.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("deployment %s not found", e.ID)
}

// Store owns deployment records. Mutations are serialized per record;
// unrelated records progress independently.
type Store interface {
	// Create adds a new record. The record's id must be unique.
	Create(rec *Record) error
	// Get returns a copy of the record, or false if it is unknown.
	Get(id string) (Record, bool)
	// List returns copies of all records, newest first.
	List() []Record
	// Transition moves the record to the given status, validating the
	// edge against the lifecycle graph. When mutate is non-nil it is
	// applied atomically with the status change.
	Transition(id string, to Status, mutate func(*Record)) error
	// Update applies a mutation that does not change status.
	Update(id string, mutate func(*Record)) error
	// SetMonitorCancel registers the cancel handle of the record's
	// monitor task.
	SetMonitorCancel(id string, cancel context.CancelFunc) error
	// CancelMonitor stops the record's monitor task, if one is
	// running. Idempotent.
	CancelMonitor(id string) error
	// Delete cancels the record's monitor and removes the record.
	// Cluster teardown is the caller's responsibility and must happen
	// before Delete.
	Delete(id string) error
}

// event names for the lifecycle machine, one per destination state.
const (
	evDeploy      = "deploy"
	evAwait       = "await_readiness"
	evHealthCheck = "health_check"
	evObserve     = "observe"
	evPromote     = "promote"
	evRollBack    = "roll_back"
	evReady       = "ready"
	evFail        = "fail"
	evTimeout     = "timeout"
)

var eventForStatus = map[Status]string{
	StatusDeploying:         evDeploy,
	StatusAwaitingReadiness: evAwait,
	StatusHealthChecking:    evHealthCheck,
	StatusObserving:         evObserve,
	StatusPromoting:         evPromote,
	StatusRollingBack:       evRollBack,
	StatusReady:             evReady,
	StatusFailed:            evFail,
	StatusTimedOut:          evTimeout,
}

// newLifecycle builds the state machine for one record. Forward edges
// are strict; the failure edges accept any non-terminal source so that
// every failure path converges on a terminal state (the monitor may
// observe a vanished workload in any phase).
func newLifecycle(initial Status) *fsm.FSM {
	nonTerminal := []string{
		string(StatusDeploying),
		string(StatusAwaitingReadiness),
		string(StatusHealthChecking),
		string(StatusObserving),
		string(StatusPromoting),
		string(StatusRollingBack),
	}
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: evDeploy, Src: []string{string(StatusPending)}, Dst: string(StatusDeploying)},
			{Name: evAwait, Src: []string{string(StatusDeploying)}, Dst: string(StatusAwaitingReadiness)},
			{Name: evHealthCheck, Src: []string{string(StatusAwaitingReadiness)}, Dst: string(StatusHealthChecking)},
			{Name: evObserve, Src: []string{string(StatusHealthChecking)}, Dst: string(StatusObserving)},
			{Name: evPromote, Src: []string{string(StatusHealthChecking), string(StatusObserving)}, Dst: string(StatusPromoting)},
			{Name: evRollBack, Src: []string{string(StatusHealthChecking), string(StatusObserving), string(StatusPromoting)}, Dst: string(StatusRollingBack)},
			{Name: evReady, Src: []string{string(StatusPromoting)}, Dst: string(StatusReady)},
			{Name: evFail, Src: nonTerminal, Dst: string(StatusFailed)},
			{Name: evTimeout, Src: nonTerminal, Dst: string(StatusTimedOut)},
		},
		fsm.Callbacks{},
	)
}

type entry struct {
	mu        sync.Mutex
	rec       *Record
	lifecycle *fsm.FSM
	cancel    context.CancelFunc
}

// MemoryStore is the in-process Store implementation. It is the
// system of record; a persistent implementation can replace it behind
// the Store interface without touching the controllers.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*entry)}
}

func (s *MemoryStore) Create(rec *Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[rec.ID]; exists {
		return fmt.Errorf("deployment %s already exists", rec.ID)
	}
	s.entries[rec.ID] = &entry{
		rec:       rec,
		lifecycle: newLifecycle(rec.Status),
	}
	return nil
}

func (s *MemoryStore) Get(id string) (Record, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return Record{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.rec, true
}

func (s *MemoryStore) List() []Record {
	s.mu.RLock()
	all := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	s.mu.RUnlock()

	records := make([]Record, 0, len(all))
	for _, e := range all {
		e.mu.Lock()
		records = append(records, *e.rec)
		e.mu.Unlock()
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records
}

func (s *MemoryStore) Transition(id string, to Status, mutate func(*Record)) error {
	event, ok := eventForStatus[to]
	if !ok {
		return fmt.Errorf("no lifecycle event leads to status %q", to)
	}

	e, err := s.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.lifecycle.Event(context.Background(), event); err != nil {
		return &InvariantError{ID: id, From: e.rec.Status, To: to}
	}
	e.rec.Status = to
	if mutate != nil {
		mutate(e.rec)
	}
	return nil
}

func (s *MemoryStore) Update(id string, mutate func(*Record)) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	status := e.rec.Status
	mutate(e.rec)
	// Status changes must go through Transition.
	e.rec.Status = status
	return nil
}

func (s *MemoryStore) SetMonitorCancel(id string, cancel context.CancelFunc) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel = cancel
	return nil
}

func (s *MemoryStore) CancelMonitor(id string) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		return &ErrNotFound{ID: id}
	}

	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *MemoryStore) entry(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	return e, nil
}
