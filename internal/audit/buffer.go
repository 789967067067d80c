package audit

import (
	"fmt"
	"sync"
)

// queueSize absorbs bursts without blocking the execution path.
const queueSize = 256

// Buffered decouples snapshot producers from storage latency. Writes
// queue to a single background writer; Flush blocks until everything
// queued so far is durably stored. The tool runner flushes before
// acknowledging success.
type Buffered struct {
	store *Store

	mu     sync.Mutex
	queue  chan Snapshot
	done   chan struct{}
	flush  sync.WaitGroup
	errs   []error
	closed bool
}

// NewBuffered starts the background writer over the given store.
func NewBuffered(store *Store) *Buffered {
	b := &Buffered{
		store: store,
		queue: make(chan Snapshot, queueSize),
		done:  make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Buffered) run() {
	defer close(b.done)
	for snap := range b.queue {
		if _, err := b.store.Append(snap); err != nil {
			b.mu.Lock()
			b.errs = append(b.errs, err)
			b.mu.Unlock()
		}
		b.flush.Done()
	}
}

// Append queues a snapshot. Blocks only when the queue is full.
func (b *Buffered) Append(snap Snapshot) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("audit: buffered writer closed")
	}
	b.flush.Add(1)
	b.mu.Unlock()

	b.queue <- snap
	return nil
}

// Flush blocks until every snapshot queued before the call is written,
// and returns the first deferred write error if any occurred.
func (b *Buffered) Flush() error {
	b.flush.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = nil
		return fmt.Errorf("audit: deferred write failed: %w", err)
	}
	return nil
}

// Close flushes and stops the background writer.
func (b *Buffered) Close() error {
	err := b.Flush()
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	<-b.done
	return err
}
