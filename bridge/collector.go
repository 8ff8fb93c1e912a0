package bridge

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Collector state values, transitioned with CAS.
const (
	collectorStateNotRunning uint32 = iota
	collectorStateRunning
	collectorStateStopping
)

// chunkCollector stages byte chunks between the run loop, which produces
// them, and a consumer that may be slower (the pty writer). The ring is
// overlapped: when the consumer falls behind, the oldest chunks are
// overwritten and counted rather than blocking the producer.
type chunkCollector struct {
	buffer  mpmc.RichOverlappedRingBuffer[[]byte]
	consume func(chunk []byte)

	wake  chan struct{}
	stop  chan struct{}
	done  chan struct{}
	state uint32

	chunksProcessed   atomic.Uint64
	chunksOverwritten atomic.Uint64
}

func newChunkCollector(size uint32, consume func(chunk []byte)) (*chunkCollector, error) {
	if size == 0 {
		return nil, fmt.Errorf("collector size must be positive")
	}
	if consume == nil {
		return nil, fmt.Errorf("consume function is required")
	}
	return &chunkCollector{
		buffer:  mpmc.NewOverlappedRingBuffer[[]byte](size),
		consume: consume,
		wake:    make(chan struct{}, 1),
	}, nil
}

// Start launches the consumer goroutine. Blocks until it is running.
func (c *chunkCollector) Start() error {
	if !atomic.CompareAndSwapUint32(&c.state, collectorStateNotRunning, collectorStateRunning) {
		switch atomic.LoadUint32(&c.state) {
		case collectorStateRunning:
			return fmt.Errorf("collector is already running")
		case collectorStateStopping:
			return fmt.Errorf("collector is stopping, wait for it to finish")
		default:
			return fmt.Errorf("collector is in unknown state")
		}
	}

	// Fresh channels per start cycle so a restart never closes a closed channel.
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	started := make(chan struct{}, 1)

	go func() {
		started <- struct{}{}
		defer func() {
			close(c.done)
			atomic.StoreUint32(&c.state, collectorStateNotRunning)
		}()
		for {
			select {
			case <-c.stop:
				c.drain()
				return
			case <-c.wake:
				c.drain()
			}
		}
	}()

	select {
	case <-started:
		return nil
	case <-time.After(1 * time.Second):
		close(c.stop)
		<-c.done
		return fmt.Errorf("collector failed to start within 1s timeout")
	}
}

// Stop signals the consumer goroutine and waits for it to drain and exit.
func (c *chunkCollector) Stop() error {
	if !atomic.CompareAndSwapUint32(&c.state, collectorStateRunning, collectorStateStopping) {
		if atomic.LoadUint32(&c.state) == collectorStateNotRunning {
			return nil
		}
	} else {
		close(c.stop)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("stop exceeded 5s timeout")
	}
}

// Push enqueues a chunk. Never blocks: the ring overwrites the oldest chunk
// on overflow. The caller keeps ownership of nothing, chunk must not be
// mutated after the call.
func (c *chunkCollector) Push(chunk []byte) error {
	overwrites, err := c.buffer.EnqueueM(chunk)
	if err != nil {
		return fmt.Errorf("unexpected buffer enqueue error: %w", err)
	}
	c.chunksOverwritten.Add(uint64(overwrites))

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *chunkCollector) drain() {
	for !c.buffer.IsEmpty() {
		chunk, err := c.buffer.Dequeue()
		if err != nil {
			return
		}
		c.consume(chunk)
		c.chunksProcessed.Add(1)
	}
}

// CollectorMetrics is a snapshot of the chunk counters.
type CollectorMetrics struct {
	ChunksProcessed   uint64
	ChunksOverwritten uint64
}

func (c *chunkCollector) Metrics() CollectorMetrics {
	return CollectorMetrics{
		ChunksProcessed:   c.chunksProcessed.Load(),
		ChunksOverwritten: c.chunksOverwritten.Load(),
	}
}
