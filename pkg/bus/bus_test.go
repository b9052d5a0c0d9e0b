package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/pumpsentry/core/pkg/metrics"
)

type BusTestSuite struct {
	suite.Suite
	bus *Bus
}

func (s *BusTestSuite) SetupTest() {
	logger := zap.NewNop()
	b, err := New(Config{PublishTimeout: 20 * time.Millisecond, ShutdownGrace: time.Second}, logger, metrics.New())
	s.Require().NoError(err)
	s.bus = b
}

func (s *BusTestSuite) TearDownTest() {
	_ = s.bus.Shutdown(context.Background())
}

func (s *BusTestSuite) TestOrderingPerSubscriber() {
	var mu sync.Mutex
	var received []int

	_, err := s.bus.Subscribe("orders.test", func(_ context.Context, env Envelope) error {
		mu.Lock()
		received = append(received, env.Payload.(int))
		mu.Unlock()
		return nil
	}, SubscribeOptions{})
	s.Require().NoError(err)

	for i := 0; i < 50; i++ {
		s.Require().NoError(s.bus.Publish(context.Background(), "orders.test", i))
	}

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 50
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range received {
		assert.Equal(s.T(), i, v)
	}
}

func (s *BusTestSuite) TestBackpressureDoesNotStallOtherSubscribers() {
	var fastCount atomic.Int64
	blockSlow := make(chan struct{})

	_, err := s.bus.Subscribe("market.price_update", func(_ context.Context, _ Envelope) error {
		<-blockSlow
		return nil
	}, SubscribeOptions{QueueSize: 1})
	s.Require().NoError(err)

	_, err = s.bus.Subscribe("market.price_update", func(_ context.Context, _ Envelope) error {
		fastCount.Add(1)
		return nil
	}, SubscribeOptions{QueueSize: 1024})
	s.Require().NoError(err)

	for i := 0; i < 200; i++ {
		_ = s.bus.Publish(context.Background(), "market.price_update", i)
	}

	s.Eventually(func() bool {
		return fastCount.Load() == 200
	}, time.Second, time.Millisecond)

	close(blockSlow)
}

func (s *BusTestSuite) TestTradingCriticalNeverDrops() {
	var mu sync.Mutex
	var received []int
	release := make(chan struct{})

	_, err := s.bus.Subscribe("order.created", func(_ context.Context, env Envelope) error {
		if env.Payload.(int) == 0 {
			<-release
		}
		mu.Lock()
		received = append(received, env.Payload.(int))
		mu.Unlock()
		return nil
	}, SubscribeOptions{QueueSize: 1, TradingCritical: true})
	s.Require().NoError(err)

	go func() {
		for i := 0; i < 5; i++ {
			_ = s.bus.Publish(context.Background(), "order.created", i)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 5
	}, time.Second, 5*time.Millisecond)
}

func (s *BusTestSuite) TestUnsubscribeFlushesPending() {
	var count atomic.Int64
	sub, err := s.bus.Subscribe("flush.test", func(_ context.Context, _ Envelope) error {
		count.Add(1)
		return nil
	}, SubscribeOptions{QueueSize: 16})
	s.Require().NoError(err)

	for i := 0; i < 10; i++ {
		s.Require().NoError(s.bus.Publish(context.Background(), "flush.test", i))
	}
	require.NoError(s.T(), s.bus.Unsubscribe(sub))
	assert.EqualValues(s.T(), 10, count.Load())
}

func (s *BusTestSuite) TestHandlerErrorMarksUnhealthyAfterThreeConsecutive() {
	sub, err := s.bus.Subscribe("risky.topic", func(_ context.Context, _ Envelope) error {
		return assert.AnError
	}, SubscribeOptions{})
	s.Require().NoError(err)

	for i := 0; i < 3; i++ {
		s.Require().NoError(s.bus.Publish(context.Background(), "risky.topic", i))
	}

	s.Eventually(func() bool {
		_, unhealthy := s.bus.Health().Unhealthy()[sub.ID()]
		return unhealthy
	}, time.Second, time.Millisecond)
}

func TestBusSuite(t *testing.T) {
	suite.Run(t, new(BusTestSuite))
}
