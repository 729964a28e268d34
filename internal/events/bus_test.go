package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type BusSuite struct {
	suite.Suite
	bus *Bus
}

func TestBusSuite(t *testing.T) {
	suite.Run(t, new(BusSuite))
}

func (s *BusSuite) SetupTest() {
	s.bus = NewBus(nil)
}

func (s *BusSuite) event() Event {
	return ReconciliationError{Base: NewBase(time.Now()), Err: "boom"}
}

func (s *BusSuite) TestFanOut() {
	a := s.bus.Subscribe(4)
	b := s.bus.Subscribe(4)

	ev := s.event()
	s.bus.Publish(ev)

	s.Equal(ev.EventID(), (<-a).EventID())
	s.Equal(ev.EventID(), (<-b).EventID())
}

func (s *BusSuite) TestPublishNeverBlocks() {
	slow := s.bus.Subscribe(1)
	s.bus.Publish(s.event())

	// The buffer is full; further publishes drop for this subscriber instead
	// of stalling the publishing timer body.
	done := make(chan struct{})
	go func() {
		s.bus.Publish(s.event())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("publish blocked on a slow subscriber")
	}
	s.Len(slow, 1)
}

func (s *BusSuite) TestPublishWithoutSubscribers() {
	s.NotPanics(func() { s.bus.Publish(s.event()) })
}

func (s *BusSuite) TestClose() {
	ch := s.bus.Subscribe(1)
	s.bus.Close()

	_, open := <-ch
	s.False(open)
}

func (s *BusSuite) TestSubscribeDefaultBuffer() {
	ch := s.bus.Subscribe(0)
	s.Equal(64, cap(ch))
}
