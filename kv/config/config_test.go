package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.Nil(t, NewDefaultConfig().Validate())
	require.Nil(t, NewTestConfig().Validate())
}

func TestLoadFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "statesync-config")
	require.Nil(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "statesync.toml")
	content := `
metrics-addr = "127.0.0.1:9100"

[log]
level = "debug"

[storage]
engine = "badger"
db-path = "/var/lib/statesync"
vlog-file-size = "128MB"

[commit]
workers = 2
slow-commit-threshold = "250ms"
`
	require.Nil(t, ioutil.WriteFile(path, []byte(content), 0644))

	conf, err := LoadFile(path)
	require.Nil(t, err)
	assert.Equal(t, "127.0.0.1:9100", conf.MetricsAddr)
	assert.Equal(t, "debug", conf.Log.Level)
	assert.Equal(t, EngineBadger, conf.Storage.Engine)
	assert.Equal(t, "/var/lib/statesync", conf.Storage.DBPath)
	assert.Equal(t, 2, conf.Commit.Workers)
	assert.Equal(t, 250*time.Millisecond, conf.Commit.SlowCommitThreshold.Duration)
	// Left out of the file, so the defaults stay.
	assert.Equal(t, 1024, conf.Commit.QueueCapacity)
	assert.Equal(t, "64MB", conf.Storage.MaxTableSize)

	size, err := conf.Storage.VlogFileSizeBytes()
	require.Nil(t, err)
	assert.Equal(t, int64(128*1024*1024), size)
}

func TestValidate(t *testing.T) {
	conf := NewDefaultConfig()
	conf.Storage.Engine = "rocksdb"
	assert.NotNil(t, conf.Validate())

	conf = NewDefaultConfig()
	conf.Commit.Workers = -1
	assert.NotNil(t, conf.Validate())

	conf = NewDefaultConfig()
	conf.Storage.ConflictRetries = -1
	assert.NotNil(t, conf.Validate())

	conf = NewDefaultConfig()
	conf.Storage.Engine = EngineBadger
	conf.Storage.VlogFileSize = "lots"
	assert.NotNil(t, conf.Validate())
}

func TestAdjust(t *testing.T) {
	conf := &Config{}
	conf.Adjust()
	assert.Equal(t, EngineMemory, conf.Storage.Engine)
	assert.Equal(t, 4, conf.Commit.Workers)
	// Zero is kept for counts where it means something.
	assert.Equal(t, 0, conf.Storage.ConflictRetries)
	assert.Equal(t, 0, conf.Commit.QueueCapacity)
	assert.NotNil(t, conf.Validate())

	conf.Commit.QueueCapacity = 16
	require.Nil(t, conf.Validate())
}

func TestLoadFileExplicitZero(t *testing.T) {
	dir, err := ioutil.TempDir("", "statesync-config")
	require.Nil(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "statesync.toml")
	require.Nil(t, ioutil.WriteFile(path, []byte("[storage]\nconflict-retries = 0\n"), 0644))
	conf, err := LoadFile(path)
	require.Nil(t, err)
	assert.Equal(t, 0, conf.Storage.ConflictRetries)

	require.Nil(t, ioutil.WriteFile(path, []byte("[commit]\nqueue-capacity = 0\n"), 0644))
	_, err = LoadFile(path)
	assert.NotNil(t, err)
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.Nil(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration)
	text, err := d.MarshalText()
	require.Nil(t, err)
	assert.Equal(t, "1m30s", string(text))
	assert.NotNil(t, d.UnmarshalText([]byte("soon")))
}
