package worker

import "sync"

type TaskStop struct{}

type Task interface{}

// Worker runs tasks sent to it on a fixed set of goroutines. Tasks are taken in the order they were sent.
type Worker struct {
	name        string
	sender      chan<- Task
	receiver    <-chan Task
	concurrency int
	wg          *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

func (w *Worker) Start(handler TaskHandler) {
	if s, ok := handler.(Starter); ok {
		s.Start()
	}
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				task := <-w.receiver
				if _, ok := task.(TaskStop); ok {
					return
				}
				handler.Handle(task)
			}
		}()
	}
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// Stop asks every goroutine to exit once the tasks sent before it are handled. It does not wait; wait on the
// WaitGroup passed to NewWorker for that.
func (w *Worker) Stop() {
	for i := 0; i < w.concurrency; i++ {
		w.sender <- TaskStop{}
	}
}

const defaultWorkerCapacity = 128

// NewWorker creates a worker with a task queue of capacity entries (a default when capacity is not positive)
// served by concurrency goroutines (at least one).
func NewWorker(name string, capacity, concurrency int, wg *sync.WaitGroup) *Worker {
	if capacity <= 0 {
		capacity = defaultWorkerCapacity
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	ch := make(chan Task, capacity)
	return &Worker{
		sender:      (chan<- Task)(ch),
		receiver:    (<-chan Task)(ch),
		name:        name,
		concurrency: concurrency,
		wg:          wg,
	}
}
