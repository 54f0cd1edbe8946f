package main

import (
	"github.com/pingcap/errors"
	"github.com/tinysync/statesync/kv/config"
	"github.com/tinysync/statesync/kv/storage"
	"github.com/tinysync/statesync/kv/storage/leveldb_storage"
	"github.com/tinysync/statesync/kv/storage/mem_storage"
	"github.com/tinysync/statesync/kv/storage/redis_storage"
	"github.com/tinysync/statesync/kv/storage/standalone_storage"
)

// newStorage creates the store selected by conf.Storage.Engine. It is not started.
func newStorage(conf *config.Config) (storage.Storage, error) {
	switch conf.Storage.Engine {
	case config.EngineMemory:
		return mem_storage.NewMemStorage(), nil
	case config.EngineBadger:
		return standalone_storage.NewStandAloneStorage(conf), nil
	case config.EngineLevelDB:
		return leveldb_storage.NewLevelDBStorage(conf), nil
	case config.EngineRedis:
		return redis_storage.NewRedisStorage(conf), nil
	}
	return nil, errors.Errorf("unknown storage engine %q", conf.Storage.Engine)
}
