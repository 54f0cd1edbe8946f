package worker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"
)

type countHandler struct {
	started *atomic.Bool
	handled *atomic.Int64
}

func (h *countHandler) Start() {
	h.started.Store(true)
}

func (h *countHandler) Handle(t Task) {
	h.handled.Add(int64(t.(int)))
}

func TestWorker(t *testing.T) {
	var wg sync.WaitGroup
	w := NewWorker("test", 4, 3, &wg)
	assert.Equal(t, "test", w.Name())
	h := &countHandler{started: atomic.NewBool(false), handled: atomic.NewInt64(0)}
	w.Start(h)
	assert.True(t, h.started.Load())

	for i := 1; i <= 100; i++ {
		w.Sender() <- i
	}
	w.Stop()
	wg.Wait()
	// Every task sent before Stop is handled.
	assert.Equal(t, int64(5050), h.handled.Load())
}

func TestWorkerDefaults(t *testing.T) {
	var wg sync.WaitGroup
	w := NewWorker("defaults", 0, 0, &wg)
	assert.Equal(t, 1, w.concurrency)
	assert.Equal(t, defaultWorkerCapacity, cap(w.sender))
}
