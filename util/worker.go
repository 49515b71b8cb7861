package util

import (
	"sync"

	"github.com/mohitkumar/flowsync/logger"
	"go.uber.org/zap"
)

type Task any

// Worker consumes tasks from a buffered channel with a fixed number of
// goroutines. With concurrency 1 tasks are handled in submission order.
type Worker struct {
	name        string
	concurrency int
	stop        chan struct{}
	stopOnce    sync.Once
	wg          *sync.WaitGroup
	handler     func(Task) error
	taskChan    chan Task
}

func NewWorker(name string, wg *sync.WaitGroup, handler func(Task) error, capacity int, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		name:        name,
		concurrency: concurrency,
		stop:        make(chan struct{}),
		wg:          wg,
		handler:     handler,
		taskChan:    make(chan Task, capacity),
	}
}

func (w *Worker) Start() {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case task := <-w.taskChan:
					w.handle(task)
				case <-w.stop:
					return
				}
			}
		}()
	}
	logger.Debug("worker started", zap.String("worker", w.name), zap.Int("concurrency", w.concurrency))
}

func (w *Worker) handle(task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in worker task", zap.String("worker", w.name), zap.Any("panic", r))
		}
	}()
	if err := w.handler(task); err != nil {
		logger.Error("error in executing task in worker", zap.String("worker", w.name), zap.Error(err))
	}
}

// Sender exposes the task channel, a send blocks while the buffer is full.
func (w *Worker) Sender() chan<- Task {
	return w.taskChan
}

// TrySend enqueues without blocking and reports whether the task was accepted.
func (w *Worker) TrySend(task Task) bool {
	select {
	case w.taskChan <- task:
		return true
	default:
		return false
	}
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		logger.Info("stopping worker", zap.String("worker", w.name))
	})
}
