package transaction

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/tinysync/statesync/kv/config"
	"github.com/tinysync/statesync/kv/storage"
	"github.com/tinysync/statesync/kv/transaction/commit"
	"go.uber.org/zap"
)

// Engine ties a versioned store to the commit coordinator that serializes writes to it and to the key table that
// hands out key handles. Transactions are begun on an Engine and only accept keys acquired from it.
type Engine struct {
	conf        *config.Config
	store       storage.Storage
	keys        *KeyTable
	coordinator *commit.Coordinator
}

func NewEngine(conf *config.Config, store storage.Storage) *Engine {
	return &Engine{
		conf:        conf,
		store:       store,
		keys:        NewKeyTable(),
		coordinator: commit.NewCoordinator(conf, store),
	}
}

// Start starts the store, then the coordinator.
func (e *Engine) Start() error {
	if err := e.store.Start(); err != nil {
		return errors.Annotate(err, "start storage")
	}
	e.coordinator.Start()
	log.Info("engine started", zap.String("storage", e.conf.Storage.Engine),
		zap.Int("commit-workers", e.conf.Commit.Workers))
	return nil
}

// Stop waits for queued commits to finish and stops the store.
func (e *Engine) Stop() error {
	e.coordinator.Stop()
	if err := e.store.Stop(); err != nil {
		return errors.Annotate(err, "stop storage")
	}
	log.Info("engine stopped")
	return nil
}

// Key acquires the handle for name. The caller releases it when done.
func (e *Engine) Key(name []byte) (*RefKey, error) {
	return e.keys.Acquire(name)
}

// Begin starts an empty transaction.
func (e *Engine) Begin() *Txn {
	return newTxn(e)
}

func (e *Engine) Storage() storage.Storage {
	return e.store
}

// Pending returns the number of commits submitted and not yet resolved.
func (e *Engine) Pending() int64 {
	return e.coordinator.Pending()
}
