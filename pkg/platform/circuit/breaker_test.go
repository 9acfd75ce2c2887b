package circuit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

// =============================================================================
// Breaker fencing a store
// =============================================================================
// Justification: an open breaker turns every delivery into a fast failure, so
// the open/close thresholds and the probe cadence decide how long events stay
// un-acknowledged after a store recovers.

type BreakerSuite struct {
	suite.Suite
	now time.Time
}

func TestBreakerSuite(t *testing.T) {
	suite.Run(t, new(BreakerSuite))
}

func (s *BreakerSuite) SetupTest() {
	s.now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *BreakerSuite) clock() time.Time { return s.now }

func (s *BreakerSuite) breaker(opts ...Option) *Breaker {
	return New("audit", append([]Option{WithClock(s.clock)}, opts...)...)
}

func (s *BreakerSuite) TestStartsClosedWithDefaults() {
	b := New("metrics")

	s.Equal("metrics", b.Name())
	s.Equal(StateClosed, b.State())
	s.True(b.Allow())

	for i := 0; i < defaultFailureThreshold-1; i++ {
		b.RecordFailure()
	}
	s.False(b.IsOpen(), "opens only at the default threshold")
	b.RecordFailure()
	s.True(b.IsOpen())
}

func (s *BreakerSuite) TestOpensOnConsecutiveFailuresOnly() {
	b := s.breaker(WithFailureThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	s.False(b.IsOpen(), "a success in between restarts the count")

	useFallback, change := b.RecordFailure()
	s.True(useFallback)
	s.True(change.Opened)
	s.True(b.IsOpen())

	useFallback, change = b.RecordFailure()
	s.True(useFallback)
	s.False(change.Opened, "already open")
}

func (s *BreakerSuite) TestProbeCadenceWhileOpen() {
	b := s.breaker(WithFailureThreshold(1), WithCooldown(10*time.Second))
	b.RecordFailure()

	s.False(b.Allow(), "inside cooldown")
	s.now = s.now.Add(10 * time.Second)
	s.True(b.Allow(), "one probe after cooldown")
	s.False(b.Allow(), "the next probe waits a full cooldown")

	// A failed probe pushes the next one out again.
	b.RecordFailure()
	s.now = s.now.Add(5 * time.Second)
	s.False(b.Allow())
	s.now = s.now.Add(5 * time.Second)
	s.True(b.Allow())
}

func (s *BreakerSuite) TestClosesAfterConsecutiveProbeSuccesses() {
	b := s.breaker(WithFailureThreshold(1), WithSuccessThreshold(2))
	b.RecordFailure()

	usePrimary, change := b.RecordSuccess()
	s.False(usePrimary)
	s.False(change.Closed)

	b.RecordFailure()
	b.RecordSuccess()
	s.True(b.IsOpen(), "a failed probe restarts the success count")

	usePrimary, change = b.RecordSuccess()
	s.True(usePrimary)
	s.True(change.Closed)
	s.True(b.Allow())
}

func (s *BreakerSuite) TestReset() {
	b := s.breaker(WithFailureThreshold(1))
	b.RecordFailure()

	b.Reset()

	s.Equal(StateClosed, b.State())
	s.True(b.Allow())
}

func (s *BreakerSuite) TestConcurrentCallersShareOneProbe() {
	b := s.breaker(WithFailureThreshold(1), WithCooldown(time.Second))
	b.RecordFailure()
	s.now = s.now.Add(time.Second)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), allowed.Load())
}

func TestOptionsIgnoreNonPositiveValues(t *testing.T) {
	b := New("metrics", WithFailureThreshold(0), WithSuccessThreshold(-1), WithCooldown(0), WithClock(nil))

	assert.Equal(t, defaultFailureThreshold, b.failureThreshold)
	assert.Equal(t, defaultSuccessThreshold, b.successThreshold)
	assert.Equal(t, defaultCooldown, b.cooldown)
	assert.NotNil(t, b.now)
}
