package classifier

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultQueueSize = 100
	DefaultWorkers   = 2
)

// HandlerFunc classifies one issue. Errors are logged and the job is dropped;
// transient model failures are already retried by the Client.
type HandlerFunc func(ctx context.Context, issueID string) error

// Dispatcher runs classification jobs on a bounded worker pool so report
// submission never waits on the model.
type Dispatcher struct {
	handler HandlerFunc
	timeout time.Duration
	logger  *slog.Logger

	queue   chan string
	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped bool
	stopMu  sync.RWMutex

	// Observe, when set, is told how each job ended: "ok", "error" or "dropped".
	Observe func(outcome string)
}

func NewDispatcher(handler HandlerFunc, workers, queueSize int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		handler: handler,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan string, queueSize),
		stopCh:  make(chan struct{}),
	}
	for range workers {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case issueID := <-d.queue:
			d.run(issueID)
		}
	}
}

func (d *Dispatcher) run(issueID string) {
	ctx, cancel := context.WithCancel(context.Background())
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), d.timeout)
	}
	defer cancel()

	// Stop cancels in-flight jobs.
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	if err := d.handler(ctx, issueID); err != nil {
		d.logger.Warn("classification failed", "issue_id", issueID, "error", err, "elapsed", time.Since(start))
		d.observe("error")
		return
	}
	d.logger.Info("classification finished", "issue_id", issueID, "elapsed", time.Since(start))
	d.observe("ok")
}

func (d *Dispatcher) observe(outcome string) {
	if d.Observe != nil {
		d.Observe(outcome)
	}
}

// Enqueue schedules issueID for classification. It returns false when the
// dispatcher is stopped or the queue is full.
func (d *Dispatcher) Enqueue(issueID string) bool {
	d.stopMu.RLock()
	defer d.stopMu.RUnlock()
	if d.stopped {
		return false
	}
	select {
	case d.queue <- issueID:
		return true
	default:
		d.logger.Warn("classification queue full, dropping job", "issue_id", issueID)
		d.observe("dropped")
		return false
	}
}

// Stop cancels running jobs and waits for the workers to exit. Queued jobs
// are discarded. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopMu.Lock()
	if d.stopped {
		d.stopMu.Unlock()
		return
	}
	d.stopped = true
	close(d.stopCh)
	d.stopMu.Unlock()
	d.wg.Wait()
}
