package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// CollectorTestSuite verifies the staging ring between the run loop and the
// pty writer.
type CollectorTestSuite struct {
	suite.Suite
}

func (suite *CollectorTestSuite) TestConstructorValidation() {
	// GOAL: Verify the constructor rejects unusable parameters
	//
	// TEST SCENARIO: Zero size and nil consumer → errors; valid params → collector
	_, err := newChunkCollector(0, func([]byte) {})
	suite.Error(err)

	_, err = newChunkCollector(16, nil)
	suite.Error(err)

	c, err := newChunkCollector(16, func([]byte) {})
	suite.NoError(err)
	suite.NotNil(c)
}

func (suite *CollectorTestSuite) TestPushReachesConsumer() {
	// GOAL: Verify pushed chunks reach the consumer in order
	//
	// TEST SCENARIO: Start → push three chunks → wait → verify consumer saw
	// them in push order → check processed metric
	var mu sync.Mutex
	var got [][]byte
	c, err := newChunkCollector(16, func(chunk []byte) {
		mu.Lock()
		got = append(got, chunk)
		mu.Unlock()
	})
	suite.Require().NoError(err)
	suite.Require().NoError(c.Start())
	defer c.Stop()

	suite.NoError(c.Push([]byte("a")))
	suite.NoError(c.Push([]byte("b")))
	suite.NoError(c.Push([]byte("c")))

	suite.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	suite.Equal([][]byte{[]byte("a"), []byte("b"), []byte("c")}, got, "chunks MUST arrive in push order")
	mu.Unlock()
	suite.Equal(uint64(3), c.Metrics().ChunksProcessed)
}

func (suite *CollectorTestSuite) TestStopDrainsPending() {
	// GOAL: Verify chunks pushed before Stop are still delivered
	//
	// TEST SCENARIO: Start → push → Stop → verify consumer saw the chunk
	var mu sync.Mutex
	count := 0
	c, err := newChunkCollector(16, func([]byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	suite.Require().NoError(err)
	suite.Require().NoError(c.Start())

	suite.NoError(c.Push([]byte("pending")))
	suite.NoError(c.Stop())

	mu.Lock()
	suite.Equal(1, count, "Stop MUST drain the ring before exiting")
	mu.Unlock()
}

func (suite *CollectorTestSuite) TestLifecycleStateChecks() {
	// GOAL: Verify double start errors, redundant stop is safe, and restart
	// works
	//
	// TEST SCENARIO: Start → Start again errors → Stop → Stop again nil →
	// Start again succeeds
	c, err := newChunkCollector(16, func([]byte) {})
	suite.Require().NoError(err)

	suite.NoError(c.Start())
	suite.Error(c.Start(), "starting a running collector MUST fail")
	suite.NoError(c.Stop())
	suite.NoError(c.Stop(), "stopping a stopped collector MUST be a no-op")

	suite.NoError(c.Start(), "a stopped collector MUST be restartable")
	suite.NoError(c.Stop())
}

func (suite *CollectorTestSuite) TestOverflowCountsOverwrites() {
	// GOAL: Verify ring overflow drops the oldest chunks and counts them
	// instead of blocking the producer
	//
	// TEST SCENARIO: Without a running consumer, push far past capacity →
	// verify Push never errors and overwrites are counted
	c, err := newChunkCollector(4, func([]byte) {})
	suite.Require().NoError(err)

	for i := 0; i < 64; i++ {
		suite.NoError(c.Push([]byte{byte(i)}), "Push MUST never block or fail on overflow")
	}
	suite.Greater(c.Metrics().ChunksOverwritten, uint64(0), "overflow MUST be visible in the metrics")
}

func TestCollectorTestSuite(t *testing.T) {
	suite.Run(t, new(CollectorTestSuite))
}
