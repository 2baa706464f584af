package consumer

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/mask-shm/internal/logger"
	"github.com/srediag/mask-shm/internal/shm"
	"github.com/srediag/mask-shm/pkg/mailbox"
	"github.com/srediag/mask-shm/pkg/metrics"
)

type ConsumerTestSuite struct {
	suite.Suite
	name   string
	layout mailbox.Layout
	pub    *mailbox.Manager
	sub    *mailbox.Manager
	clock  time.Time
}

func TestConsumerTestSuite(t *testing.T) {
	suite.Run(t, new(ConsumerTestSuite))
}

func (s *ConsumerTestSuite) SetupTest() {
	s.name = "maskshm_consumer_" + uuid.NewString()
	s.layout = mailbox.Layout{Width: 8, Height: 8}
	s.pub = mailbox.NewManager(mailbox.WithSpaceCheck(false), mailbox.WithPollInterval(50*time.Microsecond))
	s.sub = mailbox.NewManager(mailbox.WithPollInterval(50 * time.Microsecond))
	s.clock = time.Unix(1700000000, 0)
}

func (s *ConsumerTestSuite) TearDownTest() {
	_ = s.sub.Close()
	_ = s.pub.Close()
	_ = shm.Unlink(s.name)
	_ = shm.Unlink(mailbox.HeartbeatName(s.name))
}

func (s *ConsumerTestSuite) config() Config {
	return Config{
		Name:                  s.name,
		Layout:                s.layout,
		PollInterval:          time.Millisecond,
		StaleAfter:            100 * time.Millisecond,
		LostAfter:             time.Second,
		AttachInitialInterval: time.Millisecond,
		AttachMaxInterval:     10 * time.Millisecond,
		AttachMaxElapsed:      2 * time.Second,
	}
}

// newConsumer returns a consumer driven by s.clock.
func (s *ConsumerTestSuite) newConsumer(cfg Config, opts ...Option) *Consumer {
	c, err := New(s.sub, cfg, opts...)
	s.Require().NoError(err)
	c.now = func() time.Time { return s.clock }
	return c
}

func (s *ConsumerTestSuite) create() *mailbox.Segment {
	seg, err := s.pub.CreateOrReset(context.Background(), s.name, s.layout)
	s.Require().NoError(err)
	return seg
}

func (s *ConsumerTestSuite) publish(seg *mailbox.Segment, v byte) {
	mask := make([]byte, s.layout.PayloadSize())
	for i := range mask {
		mask[i] = v
	}
	s.Require().NoError(seg.Publish(context.Background(), mask))
}

func (s *ConsumerTestSuite) TestNewRejects() {
	_, err := New(nil, s.config())
	s.Error(err)
	cfg := s.config()
	cfg.Layout = mailbox.Layout{}
	_, err = New(s.sub, cfg)
	s.Error(err)
	cfg = s.config()
	cfg.LostAfter = cfg.StaleAfter / 2
	_, err = New(s.sub, cfg)
	s.Error(err)
}

func (s *ConsumerTestSuite) TestConnectWaitsForPublisher() {
	m := metrics.New()
	c := s.newConsumer(s.config(), WithMetrics(m))
	s.Equal(StateSearching, c.State())

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	s.create()

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(3 * time.Second):
		s.FailNow("Connect did not return")
	}
	s.True(c.Attached())
	s.Equal(StateAttached, c.State())
	s.Require().NoError(c.Connect(context.Background()), "second connect is a no-op")
}

func (s *ConsumerTestSuite) TestConnectWaitsForTruncate() {
	path, err := shm.PathFor(s.name)
	s.Require().NoError(err)
	s.Require().NoError(os.WriteFile(path, nil, 0o600))
	c := s.newConsumer(s.config())

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	s.Require().NoError(os.Truncate(path, int64(s.layout.Size())))

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(3 * time.Second):
		s.FailNow("Connect did not return")
	}
	s.Equal(StateAttached, c.State())
}

func (s *ConsumerTestSuite) TestConnectGivesUp() {
	cfg := s.config()
	cfg.AttachMaxElapsed = 30 * time.Millisecond
	c := s.newConsumer(cfg)
	err := c.Connect(context.Background())
	s.ErrorIs(err, mailbox.ErrSegmentNotFound)
	s.Equal(StateSearching, c.State())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Error(c.Connect(ctx))
}

func (s *ConsumerTestSuite) TestConnectSizeMismatchIsPermanent() {
	s.create()
	cfg := s.config()
	cfg.Layout = mailbox.Layout{Width: 4, Height: 4}
	cfg.AttachMaxElapsed = 0
	c := s.newConsumer(cfg)

	start := time.Now()
	err := c.Connect(context.Background())
	s.ErrorIs(err, mailbox.ErrSizeMismatch)
	s.Less(time.Since(start), time.Second)
}

func (s *ConsumerTestSuite) TestPollAndLinkStates() {
	seg := s.create()
	c := s.newConsumer(s.config())
	_, _, err := c.Poll()
	s.ErrorIs(err, ErrNotAttached)
	s.Require().NoError(c.Connect(context.Background()))

	s.publish(seg, 0xff)
	mask, ok, err := c.Poll()
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(byte(0xff), mask[0])
	s.Equal(s.clock, c.LastFrame())

	_, ok, err = c.Poll()
	s.Require().NoError(err)
	s.False(ok)
	s.Equal(StateAttached, c.State())

	s.clock = s.clock.Add(150 * time.Millisecond)
	_, ok, err = c.Poll()
	s.Require().NoError(err)
	s.False(ok)
	s.Equal(StateStale, c.State())

	// no heartbeat segment: mask silence alone decides lost
	s.clock = s.clock.Add(time.Second)
	_, _, err = c.Poll()
	s.Require().NoError(err)
	s.Equal(StateLost, c.State())

	s.publish(seg, 0x00)
	mask, ok, err = c.Poll()
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(byte(0), mask[0])
	s.Equal(StateAttached, c.State())
}

func (s *ConsumerTestSuite) TestHeartbeatKeepsSlowPublisherStale() {
	seg := s.create()
	hb, err := s.pub.CreateHeartbeat(context.Background(), s.name)
	s.Require().NoError(err)
	c := s.newConsumer(s.config())
	s.Require().NoError(c.Connect(context.Background()))

	s.clock = s.clock.Add(5 * time.Second)
	s.Require().NoError(hb.Beat(0, s.clock))
	_, _, err = c.Poll()
	s.Require().NoError(err)
	s.Equal(StateStale, c.State(), "beating publisher is slow, not lost")

	s.clock = s.clock.Add(2 * time.Second)
	_, _, err = c.Poll()
	s.Require().NoError(err)
	s.Equal(StateLost, c.State())

	s.Require().NoError(hb.Beat(1, s.clock))
	s.publish(seg, 1)
	_, ok, err := c.Poll()
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(StateAttached, c.State())
}

func (s *ConsumerTestSuite) TestReplacedHeartbeatIsFollowed() {
	// left behind by an earlier publisher run
	old, err := s.pub.CreateHeartbeat(context.Background(), s.name)
	s.Require().NoError(err)
	s.Require().NoError(old.Beat(9, s.clock.Add(-time.Hour)))
	seg := s.create()
	c := s.newConsumer(s.config())
	s.Require().NoError(c.Connect(context.Background()))

	hb, err := s.pub.CreateHeartbeat(context.Background(), s.name)
	s.Require().NoError(err)
	s.Require().NoError(hb.Beat(0, s.clock))
	s.publish(seg, 3)
	mask, ok, err := c.Poll()
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(byte(3), mask[0])

	s.clock = s.clock.Add(10 * time.Millisecond)
	_, _, err = c.Poll()
	s.Require().NoError(err)
	s.Equal(StateAttached, c.State())
}

func (s *ConsumerTestSuite) TestLateHeartbeatIsPickedUp() {
	seg := s.create()
	c := s.newConsumer(s.config())
	s.Require().NoError(c.Connect(context.Background()))

	hb, err := s.pub.CreateHeartbeat(context.Background(), s.name)
	s.Require().NoError(err)
	s.clock = s.clock.Add(2 * time.Second)
	s.Require().NoError(hb.Beat(0, s.clock))
	_, _, err = c.Poll()
	s.Require().NoError(err)
	s.Equal(StateStale, c.State(), "without the heartbeat this would be lost")

	s.publish(seg, 1)
	_, ok, err := c.Poll()
	s.Require().NoError(err)
	s.True(ok)
}

func (s *ConsumerTestSuite) TestLeftoverMaskIsNotLive() {
	seg := s.create()
	hb, err := s.pub.CreateHeartbeat(context.Background(), s.name)
	s.Require().NoError(err)
	s.Require().NoError(hb.Beat(4, s.clock))
	s.publish(seg, 0xff)

	// the publisher died with the slot full
	s.clock = s.clock.Add(time.Minute)
	c := s.newConsumer(s.config())
	s.Require().NoError(c.Connect(context.Background()))
	mask, ok, err := c.Poll()
	s.Require().NoError(err)
	s.False(ok)
	s.Nil(mask)
	s.Equal(StateLost, c.State())
	s.True(c.LastFrame().IsZero())
	f, err := seg.Flag()
	s.Require().NoError(err)
	s.Equal(mailbox.FlagEmpty, f, "the slot is released for a restarted publisher")

	s.Require().NoError(hb.Beat(5, s.clock))
	s.publish(seg, 0x00)
	_, ok, err = c.Poll()
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(StateAttached, c.State())
}

func (s *ConsumerTestSuite) TestRecreatedSegmentDetaches() {
	s.create()
	c := s.newConsumer(s.config())
	s.Require().NoError(c.Connect(context.Background()))

	fresh := s.create()
	_, ok, err := c.Poll()
	s.Require().NoError(err)
	s.False(ok)
	s.False(c.Attached())
	s.Equal(StateSearching, c.State())

	s.Require().NoError(c.Connect(context.Background()))
	s.publish(fresh, 7)
	mask, ok, err := c.Poll()
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(byte(7), mask[0])
}

type frames struct {
	mu  sync.Mutex
	all []Frame
}

func (f *frames) handle(_ context.Context, fr Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fr.Mask = append([]byte(nil), fr.Mask...)
	f.all = append(f.all, fr)
	return nil
}

func (f *frames) snapshot() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Frame(nil), f.all...)
}

func (s *ConsumerTestSuite) TestRunDeliversSafeMaskOnStall() {
	seg := s.create()
	cfg := s.config()
	cfg.StaleAfter = 30 * time.Millisecond
	c, err := New(s.sub, cfg)
	s.Require().NoError(err)

	got := &frames{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, got.handle) }()

	s.publish(seg, 0xff)
	s.publish(seg, 0xff)
	s.Eventually(func() bool {
		all := got.snapshot()
		return len(all) == 3 && !all[2].Live
	}, 2*time.Second, time.Millisecond)
	cancel()
	s.Require().NoError(<-done)
	s.False(c.Attached())

	all := got.snapshot()
	s.Equal(uint64(1), all[0].Seq)
	s.Equal(uint64(2), all[1].Seq)
	s.True(all[1].Live)
	s.Equal(StateStale, all[2].State)
	s.Equal(make([]byte, s.layout.PayloadSize()), all[2].Mask)
	s.Equal(c.SafeMask(), all[2].Mask)
}

func (s *ConsumerTestSuite) TestRunPassesLogEntry() {
	seg := s.create()
	c, err := New(s.sub, s.config())
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := make(chan interface{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(ctx context.Context, _ Frame) error {
			seen <- logger.Entry(ctx).Data["run_id"]
			cancel()
			return nil
		})
	}()
	s.publish(seg, 1)
	s.Equal(c.RunID(), <-seen)
	s.Require().NoError(<-done)
}
