package redis_storage

import (
	"context"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/redis/go-redis/v9"
	"github.com/tinysync/statesync/kv/config"
	"github.com/tinysync/statesync/kv/storage"
	"go.uber.org/zap"
)

const requestTimeout = 5 * time.Second

// compareAndApplyScript runs on the redis server, so checking and applying a batch is atomic.
//
// KEYS: n requirement version keys, then m version keys of the touched keys, then the m slot hashes of the
// touched keys. ARGV: n, m, the n expected versions, the mutation count, then per mutation: the 1-based index
// of its key among the touched keys, the sub key, "p" or "d", and the value.
var compareAndApplyScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local m = tonumber(ARGV[2])
for i = 1, n do
	local cur = redis.call('GET', KEYS[i]) or '0'
	if cur ~= ARGV[2 + i] then
		return 0
	end
end
for j = 1, m do
	redis.call('INCR', KEYS[n + j])
end
local pos = 3 + n
local count = tonumber(ARGV[pos])
pos = pos + 1
for k = 1, count do
	local h = KEYS[n + m + tonumber(ARGV[pos])]
	local sub = ARGV[pos + 1]
	redis.call('HINCRBY', h, 'v:' .. sub, 1)
	if ARGV[pos + 2] == 'p' then
		redis.call('HSET', h, 'd:' .. sub, ARGV[pos + 3])
	else
		redis.call('HDEL', h, 'd:' .. sub)
	end
	pos = pos + 4
end
return 1
`)

// RedisStorage keeps versions and slots in redis so several processes can commit against the same state.
// Each key has a version string at <prefix>k:<hex key> and a hash at <prefix>s:<hex key> holding the fields
// v:<subKey> (slot version) and d:<subKey> (slot value).
type RedisStorage struct {
	conf config.StorageConfig

	mu     sync.RWMutex
	client *redis.Client
}

func NewRedisStorage(conf *config.Config) *RedisStorage {
	return &RedisStorage{conf: conf.Storage}
}

func (s *RedisStorage) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     s.conf.RedisAddr,
		Password: s.conf.RedisPassword,
		DB:       s.conf.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return errors.Annotatef(err, "connect redis at %s", s.conf.RedisAddr)
	}
	s.client = client
	log.Info("redis storage started", zap.String("addr", s.conf.RedisAddr), zap.String("prefix", s.conf.RedisPrefix))
	return nil
}

func (s *RedisStorage) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return errors.Trace(err)
}

func (s *RedisStorage) getClient() (*redis.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, storage.ErrNotStarted
	}
	return s.client, nil
}

func (s *RedisStorage) versionKey(key []byte) string {
	return s.conf.RedisPrefix + "k:" + hex.EncodeToString(key)
}

func (s *RedisStorage) slotsKey(key []byte) string {
	return s.conf.RedisPrefix + "s:" + hex.EncodeToString(key)
}

func (s *RedisStorage) GetVersion(key []byte) (storage.Version, error) {
	client, err := s.getClient()
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	version, err := client.Get(ctx, s.versionKey(key)).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Trace(err)
	}
	return storage.Version(version), nil
}

func (s *RedisStorage) GetSlotVersion(key []byte, subKey uint64) (storage.Version, error) {
	_, version, err := s.Get(key, subKey)
	return version, err
}

func (s *RedisStorage) Get(key []byte, subKey uint64) ([]byte, storage.Version, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	sub := strconv.FormatUint(subKey, 10)
	fields, err := client.HMGet(ctx, s.slotsKey(key), "v:"+sub, "d:"+sub).Result()
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	var version storage.Version
	if v, ok := fields[0].(string); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, 0, errors.Annotatef(err, "corrupt slot version for %q/%d", key, subKey)
		}
		version = storage.Version(n)
	}
	var value []byte
	if d, ok := fields[1].(string); ok {
		value = []byte(d)
	}
	return value, version, nil
}

func (s *RedisStorage) CompareAndApply(reqs []storage.Requirement, batch []storage.Modify) (bool, error) {
	if err := storage.CheckBatch(batch); err != nil {
		return false, err
	}
	client, err := s.getClient()
	if err != nil {
		return false, err
	}

	touched := storage.TouchedKeys(batch)
	index := make(map[string]int, len(touched))
	keys := make([]string, 0, len(reqs)+2*len(touched))
	args := make([]interface{}, 0, 3+len(reqs)+4*len(batch))
	args = append(args, len(reqs), len(touched))
	for _, req := range reqs {
		keys = append(keys, s.versionKey(req.Key))
		args = append(args, strconv.FormatUint(uint64(req.Version), 10))
	}
	for i, key := range touched {
		keys = append(keys, s.versionKey(key))
		index[string(key)] = i + 1
	}
	for _, key := range touched {
		keys = append(keys, s.slotsKey(key))
	}
	args = append(args, len(batch))
	for _, m := range batch {
		op, value := "d", ""
		if v := m.Value(); v != nil {
			op, value = "p", string(v)
		}
		args = append(args, index[string(m.Key())], strconv.FormatUint(m.SubKey(), 10), op, value)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	res, err := compareAndApplyScript.Run(ctx, client, keys, args...).Int64()
	if err != nil {
		return false, errors.Trace(err)
	}
	return res == 1, nil
}
