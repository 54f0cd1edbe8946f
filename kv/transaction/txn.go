package transaction

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/tinysync/statesync/kv/transaction/commit"
	"github.com/tinysync/statesync/kv/transaction/mvcc"
	"go.uber.org/zap"
)

// State is where a transaction is in its life.
type State int

const (
	// Building accepts Require, Set and Clear.
	Building State = iota
	// Committing has handed its frozen sets to the coordinator and waits for the outcome.
	Committing
	Succeeded
	Conflict
	Failed
	// Disposed rejects every operation.
	Disposed
)

func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case Committing:
		return "committing"
	case Succeeded:
		return "succeeded"
	case Conflict:
		return "conflict"
	case Failed:
		return "failed"
	case Disposed:
		return "disposed"
	}
	return "unknown"
}

// Txn collects requirements and mutations, then commits them once through the engine's coordinator. A Txn has a
// single logical owner while it is built: Require, Set, Clear and CommitAsync must not race with each other, and
// ordering them is up to the caller. State and Close may be called from any goroutine.
type Txn struct {
	id     uuid.UUID
	engine *Engine

	mu   sync.Mutex
	keys map[*RefKey]struct{}
	reqs *mvcc.RequirementSet
	muts *mvcc.MutationSet
	// readErr is the first store failure met by Require. It fails the commit.
	readErr  error
	future   *commit.Future
	disposed bool
}

func newTxn(engine *Engine) *Txn {
	return &Txn{
		id:     uuid.New(),
		engine: engine,
		keys:   make(map[*RefKey]struct{}),
		reqs:   mvcc.NewRequirementSet(),
		muts:   mvcc.NewMutationSet(),
	}
}

func (txn *Txn) ID() uuid.UUID {
	return txn.id
}

func (txn *Txn) State() State {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.disposed {
		return Disposed
	}
	if txn.future == nil {
		return Building
	}
	r, ok := txn.future.Result()
	if !ok {
		return Committing
	}
	switch r.Outcome {
	case commit.Succeeded:
		return Succeeded
	case commit.Conflict:
		return Conflict
	}
	return Failed
}

// Require makes the commit conditional on key keeping the version it has now. Requiring a key again takes a new
// snapshot. A store failure while reading the version is not returned here: the commit resolves Failed with it.
func (txn *Txn) Require(key *RefKey) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkBuilding(); err != nil {
		return err
	}
	if err := txn.hold(key); err != nil {
		return err
	}
	version, err := txn.engine.store.GetVersion(key.name)
	if err != nil {
		if txn.readErr == nil {
			txn.readErr = errors.Annotatef(err, "require %s", key)
		}
		return nil
	}
	txn.reqs.Add(key.name, version)
	return nil
}

// Set stages value for the (key, subKey) slot. An empty value is rejected with ErrEmptyValue before anything
// else is checked, even on a disposed or committed transaction; use Clear.
func (txn *Txn) Set(key *RefKey, subKey uint64, value []byte) error {
	if len(value) == 0 {
		return ErrEmptyValue
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkBuilding(); err != nil {
		return err
	}
	if err := txn.hold(key); err != nil {
		return err
	}
	return txn.muts.Set(key.name, subKey, value)
}

// Clear stages the removal of the (key, subKey) slot's value.
func (txn *Txn) Clear(key *RefKey, subKey uint64) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkBuilding(); err != nil {
		return err
	}
	if err := txn.hold(key); err != nil {
		return err
	}
	txn.muts.Clear(key.name, subKey)
	return nil
}

// CommitAsync freezes the transaction and submits it. Later calls return the same Future.
func (txn *Txn) CommitAsync() (*commit.Future, error) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.disposed {
		return nil, ErrDisposed
	}
	if txn.future != nil {
		return txn.future, nil
	}
	task := &commit.Task{
		ID:           txn.id.String(),
		Requirements: txn.reqs.Requirements(),
		Modifies:     txn.muts.Modifies(),
		Err:          txn.readErr,
	}
	log.Debug("submit commit", zap.String("txn", task.ID),
		zap.Int("requirements", len(task.Requirements)), zap.Int("mutations", len(task.Modifies)))
	txn.future = txn.engine.coordinator.Submit(task)
	return txn.future, nil
}

// Commit is CommitAsync followed by waiting on the Future. A ctx error stops the wait, not the commit.
func (txn *Txn) Commit(ctx context.Context) (commit.Result, error) {
	f, err := txn.CommitAsync()
	if err != nil {
		return commit.Result{}, err
	}
	return f.Wait(ctx)
}

// Close disposes of the transaction and releases its keys. It can be called any number of times. A commit that
// is already submitted still runs and its Future still resolves.
func (txn *Txn) Close() error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.disposed {
		return nil
	}
	txn.disposed = true
	for key := range txn.keys {
		if err := key.Release(); err != nil {
			log.Warn("release key", zap.String("txn", txn.id.String()), zap.Stringer("key", key), zap.Error(err))
		}
	}
	txn.keys = nil
	txn.reqs = nil
	txn.muts = nil
	txn.readErr = nil
	return nil
}

// checkBuilding must be called with mu held.
func (txn *Txn) checkBuilding() error {
	if txn.disposed {
		return ErrDisposed
	}
	if txn.future != nil {
		return ErrCommitted
	}
	return nil
}

// hold takes a reference to key for the life of the transaction. It must be called with mu held.
func (txn *Txn) hold(key *RefKey) error {
	if key == nil {
		return ErrEmptyKey
	}
	if key.table != txn.engine.keys {
		return ErrForeignKey
	}
	if _, ok := txn.keys[key]; ok {
		return nil
	}
	if err := key.Retain(); err != nil {
		return err
	}
	txn.keys[key] = struct{}{}
	return nil
}
