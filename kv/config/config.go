package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Storage engines a Config can select.
const (
	EngineMemory  = "memory"
	EngineBadger  = "badger"
	EngineLevelDB = "leveldb"
	EngineRedis   = "redis"
)

type Config struct {
	Log         log.Config    `toml:"log" json:"log"`
	Storage     StorageConfig `toml:"storage" json:"storage"`
	Commit      CommitConfig  `toml:"commit" json:"commit"`
	MetricsAddr string        `toml:"metrics-addr" json:"metrics-addr"` // Serve prometheus metrics here, empty disables it.

	logger   *zap.Logger
	logProps *log.ZapProperties
}

type StorageConfig struct {
	Engine string `toml:"engine" json:"engine"`   // One of memory, badger, leveldb, redis.
	DBPath string `toml:"db-path" json:"db-path"` // Directory to store the data in. Should exist and be writable.

	// Sync all writes to disk. Setting this to true would slow down commits significantly.
	SyncWrites      bool   `toml:"sync-writes" json:"sync-writes"`
	VlogFileSize    string `toml:"vlog-file-size" json:"vlog-file-size"`     // Badger value log file size, e.g. "256MB".
	MaxTableSize    string `toml:"max-table-size" json:"max-table-size"`     // Badger table size, e.g. "64MB".
	ConflictRetries int    `toml:"conflict-retries" json:"conflict-retries"` // Badger transaction retries on ErrConflict.

	RedisAddr     string `toml:"redis-addr" json:"redis-addr"`
	RedisPassword string `toml:"redis-password" json:"-"`
	RedisDB       int    `toml:"redis-db" json:"redis-db"`
	RedisPrefix   string `toml:"redis-prefix" json:"redis-prefix"` // Prepended to every redis key.
}

type CommitConfig struct {
	Workers       int `toml:"workers" json:"workers"`               // Goroutines running the commit protocol.
	QueueCapacity int `toml:"queue-capacity" json:"queue-capacity"` // Commits queued before CommitAsync blocks.
	// Commits taking longer than this are logged at warn level.
	SlowCommitThreshold Duration `toml:"slow-commit-threshold" json:"slow-commit-threshold"`
}

// VlogFileSizeBytes parses VlogFileSize.
func (c *StorageConfig) VlogFileSizeBytes() (int64, error) {
	return parseSize("vlog-file-size", c.VlogFileSize)
}

// MaxTableSizeBytes parses MaxTableSize.
func (c *StorageConfig) MaxTableSizeBytes() (int64, error) {
	return parseSize("max-table-size", c.MaxTableSize)
}

func parseSize(name, s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Annotatef(err, "invalid %s %q", name, s)
	}
	return n, nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		Log: log.Config{
			Level: getLogLevel(),
		},
		Storage: StorageConfig{
			Engine:          EngineMemory,
			DBPath:          "/tmp/statesync",
			SyncWrites:      true,
			VlogFileSize:    "256MB",
			MaxTableSize:    "64MB",
			ConflictRetries: 8,
			RedisAddr:       "127.0.0.1:6379",
			RedisPrefix:     "statesync:",
		},
		Commit: CommitConfig{
			Workers:             4,
			QueueCapacity:       1024,
			SlowCommitThreshold: NewDuration(50 * time.Millisecond),
		},
	}
}

func NewTestConfig() *Config {
	conf := NewDefaultConfig()
	conf.Storage.SyncWrites = false
	conf.Storage.VlogFileSize = "16MB"
	conf.Storage.MaxTableSize = "4MB"
	conf.Commit.Workers = 4
	conf.Commit.QueueCapacity = 64
	conf.Commit.SlowCommitThreshold = NewDuration(time.Second)
	return conf
}

// LoadFile reads a toml config file over the defaults.
func LoadFile(path string) (*Config, error) {
	conf := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	conf.Adjust()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Adjust fills zero values left by a partial config file. Counts where 0 is a setting of its own
// (conflict-retries, queue-capacity) are left alone; LoadFile decodes over the defaults, so they only end up 0
// when the file says so.
func (c *Config) Adjust() {
	def := NewDefaultConfig()
	adjustString(&c.Log.Level, def.Log.Level)
	adjustString(&c.Storage.Engine, def.Storage.Engine)
	adjustString(&c.Storage.DBPath, def.Storage.DBPath)
	adjustString(&c.Storage.VlogFileSize, def.Storage.VlogFileSize)
	adjustString(&c.Storage.MaxTableSize, def.Storage.MaxTableSize)
	adjustString(&c.Storage.RedisAddr, def.Storage.RedisAddr)
	adjustInt(&c.Commit.Workers, def.Commit.Workers)
	if c.Commit.SlowCommitThreshold.Duration == 0 {
		c.Commit.SlowCommitThreshold = def.Commit.SlowCommitThreshold
	}
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case EngineMemory, EngineBadger, EngineLevelDB, EngineRedis:
	default:
		return fmt.Errorf("unknown storage engine %q", c.Storage.Engine)
	}
	if c.Commit.Workers <= 0 {
		return fmt.Errorf("commit workers must be greater than 0")
	}
	if c.Commit.QueueCapacity <= 0 {
		return fmt.Errorf("commit queue capacity must be greater than 0")
	}
	if c.Storage.ConflictRetries < 0 {
		return fmt.Errorf("storage conflict retries must not be negative")
	}
	if c.Storage.Engine == EngineBadger {
		if _, err := c.Storage.VlogFileSizeBytes(); err != nil {
			return err
		}
		if _, err := c.Storage.MaxTableSizeBytes(); err != nil {
			return err
		}
	}
	return nil
}

// SetupLogger builds the zap logger described by the [log] section and installs it as the global logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.Trace(err)
	}
	c.logger = lg
	c.logProps = p
	log.ReplaceGlobals(lg, p)
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}
