// Package consumer runs the reading side of a mask mailbox. It attaches with
// retries, polls without blocking and tracks the health of the link, so a
// control loop can fall back to a safe mask when the publisher stops.
package consumer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/srediag/mask-shm/internal/logger"
	"github.com/srediag/mask-shm/pkg/mailbox"
	"github.com/srediag/mask-shm/pkg/metrics"
)

// ErrNotAttached is returned by Poll before Connect succeeded or after the
// publisher went away.
var ErrNotAttached = errors.New("consumer: not attached")

// Config is the consumer's view of the mailbox and its timing.
type Config struct {
	Name   string
	Layout mailbox.Layout
	// PollInterval is the sleep between empty polls in Run.
	PollInterval time.Duration
	// StaleAfter without a mask moves the link to stale.
	StaleAfter time.Duration
	// LostAfter without a heartbeat, or without a mask when the publisher
	// runs without one, moves the link to lost.
	LostAfter time.Duration

	AttachInitialInterval time.Duration
	AttachMaxInterval     time.Duration
	// AttachMaxElapsed bounds Connect; zero retries until ctx is done.
	AttachMaxElapsed time.Duration
}

// Frame is one mask handed to a Handler. When Live is false the mask is the
// all-zero safe mask and Seq is zero.
type Frame struct {
	Seq   uint64
	Mask  []byte
	Live  bool
	State string
}

// Handler is called by Run for every mask and once for every drop into a
// non-live state. ctx carries the consumer's log entry, see logger.Entry.
type Handler func(ctx context.Context, f Frame) error

// Dumper receives a copy of every consumed mask. It must not block.
type Dumper interface {
	Submit(seq uint64, width, height int, mask []byte) (bool, error)
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithMetrics records link state, attaches and consumed masks in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// WithDumper hands a copy of every consumed mask to d.
func WithDumper(d Dumper) Option {
	return func(c *Consumer) { c.dump = d }
}

// WithLogger sets the base entry; segment and run_id fields are added to it.
func WithLogger(e *logrus.Entry) Option {
	return func(c *Consumer) {
		if e != nil {
			c.log = e
		}
	}
}

// Consumer owns one attach of the mailbox at a time.
type Consumer struct {
	mgr     *mailbox.Manager
	cfg     Config
	runID   string
	log     *logrus.Entry
	metrics *metrics.Metrics
	dump    Dumper
	now     func() time.Time

	link     *fsm.FSM
	seg      *mailbox.Segment
	beat     *mailbox.Heartbeat
	beatTry  time.Time // last heartbeat attach attempt
	fresh    bool      // no mask taken since attach
	buf      []byte
	safe     []byte
	seq      uint64
	since    time.Time // last mask, or attach
	lastNS   atomic.Int64
	dropped  bool // a safe frame is due
	attached atomic.Bool
}

// New validates cfg and returns a consumer in the searching state.
func New(mgr *mailbox.Manager, cfg Config, opts ...Option) (*Consumer, error) {
	if mgr == nil {
		return nil, errors.New("consumer: manager is required")
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, errors.Wrap(err, "consumer")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Millisecond
	}
	if cfg.StaleAfter <= 0 || cfg.LostAfter < cfg.StaleAfter {
		return nil, errors.Errorf("consumer: need 0 < stale after (%s) <= lost after (%s)", cfg.StaleAfter, cfg.LostAfter)
	}
	c := &Consumer{
		mgr:   mgr,
		cfg:   cfg,
		runID: uuid.NewString(),
		log:   logger.Discard(),
		now:   time.Now,
		buf:   make([]byte, cfg.Layout.PayloadSize()),
		safe:  make([]byte, cfg.Layout.PayloadSize()),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.WithFields(logrus.Fields{"segment": cfg.Name, "run_id": c.runID})
	c.link = newLink(c.enterState)
	c.metrics.SetLinkState(StateSearching, States...)
	return c, nil
}

func (c *Consumer) enterState(e *fsm.Event) {
	c.metrics.SetLinkState(e.Dst, States...)
	if e.Dst == StateStale {
		c.metrics.ObserveStale()
	}
	if Live(e.Src) && !Live(e.Dst) {
		c.dropped = true
	}
	c.log.WithFields(logrus.Fields{"from": e.Src, "to": e.Dst, "event": e.Event}).Info("link state changed")
}

// RunID identifies this consumer run in logs.
func (c *Consumer) RunID() string { return c.runID }

// State is the current link state.
func (c *Consumer) State() string { return c.link.Current() }

// Attached reports whether a segment is mapped.
func (c *Consumer) Attached() bool { return c.attached.Load() }

// LastFrame is the time of the last consumed mask, zero before the first.
func (c *Consumer) LastFrame() time.Time {
	ns := c.lastNS.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SafeMask is the all-zero mask to act on when the link is not live. The
// returned slice must not be modified.
func (c *Consumer) SafeMask() []byte { return c.safe }

func (c *Consumer) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	if c.cfg.AttachInitialInterval > 0 {
		b.InitialInterval = c.cfg.AttachInitialInterval
	}
	if c.cfg.AttachMaxInterval > 0 {
		b.MaxInterval = c.cfg.AttachMaxInterval
	}
	b.MaxElapsedTime = c.cfg.AttachMaxElapsed
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// Connect attaches to the mailbox, retrying while it does not exist yet.
// Any other attach error is returned at once.
func (c *Consumer) Connect(ctx context.Context) error {
	if c.seg != nil {
		return nil
	}
	attempts := 0
	op := func() error {
		attempts++
		seg, err := c.mgr.Attach(ctx, c.cfg.Name, c.cfg.Layout)
		if err != nil {
			if mailbox.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		c.seg = seg
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.log.WithError(err).WithField("retry_in", next).Debug("waiting for publisher")
	}
	if err := backoff.RetryNotify(op, c.backOff(ctx), notify); err != nil {
		return errors.Wrapf(err, "attach %s after %d attempts", c.cfg.Name, attempts)
	}

	c.since = c.now()
	c.attachBeat(ctx, c.since)
	c.fresh = true
	c.attached.Store(true)
	c.metrics.ObserveAttach()
	c.log.WithField("attempts", attempts).Info("attached")
	return fire(c.link, eventAttach)
}

func (c *Consumer) attachBeat(ctx context.Context, now time.Time) {
	c.beatTry = now
	beat, err := c.mgr.AttachHeartbeat(ctx, c.cfg.Name)
	switch {
	case err == nil:
		c.beat = beat
	case errors.Is(err, mailbox.ErrSegmentNotFound):
		c.log.Debug("publisher runs without heartbeat")
	default:
		c.log.WithError(err).Warn("attach heartbeat")
	}
}

// refreshBeat follows a heartbeat the publisher recreated after we mapped
// it, and picks one up that did not exist at attach. Attempts without a
// heartbeat are spaced by StaleAfter.
func (c *Consumer) refreshBeat(now time.Time) {
	if c.beat != nil {
		current, err := c.beat.Current()
		if err != nil || current {
			return
		}
		c.log.Debug("heartbeat replaced by publisher")
		if err := c.beat.Close(); err != nil {
			c.log.WithError(err).Warn("close heartbeat")
		}
		c.beat = nil
	} else if now.Sub(c.beatTry) < c.cfg.StaleAfter {
		return
	}
	c.attachBeat(context.Background(), now)
}

// Disconnect unmaps the segment and returns to searching.
func (c *Consumer) Disconnect() error {
	if c.seg == nil {
		return nil
	}
	var errs []error
	if err := c.mgr.Detach(c.seg); err != nil {
		errs = append(errs, err)
	}
	if c.beat != nil {
		if err := c.beat.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.seg, c.beat = nil, nil
	c.fresh = false
	c.attached.Store(false)
	if err := fire(c.link, eventDetach); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Wrap(errs[0], "disconnect")
	}
	return nil
}

// Poll takes the waiting mask without blocking. The returned slice is reused
// by the next Poll. With no mask waiting it updates the link state and
// returns ok false; a publisher that recreated or removed the segment
// causes a Disconnect.
func (c *Consumer) Poll() (mask []byte, ok bool, err error) {
	if c.seg == nil {
		return nil, false, ErrNotAttached
	}
	ok, err = c.seg.TryConsume(c.buf)
	if err != nil {
		return nil, false, errors.Wrap(err, "poll")
	}
	now := c.now()
	if ok {
		if c.fresh {
			c.fresh = false
			// a mask left behind by a dead publisher is not live
			if c.lost(now, 0) {
				c.log.Warn("mask left from before attach, publisher is not alive")
				return nil, false, fire(c.link, eventLose)
			}
		}
		c.seq++
		c.since = now
		c.lastNS.Store(now.UnixNano())
		_, set, _ := mailbox.Histogram(c.buf)
		c.metrics.ObserveConsumed(float64(set) / float64(len(c.buf)))
		if c.dump != nil {
			if queued, err := c.dump.Submit(c.seq, c.cfg.Layout.Width, c.cfg.Layout.Height, c.buf); err != nil {
				c.log.WithError(err).Warn("dump mask")
			} else if !queued {
				c.metrics.ObserveDumpDropped()
			}
		}
		return c.buf, true, fire(c.link, eventFrame)
	}
	return nil, false, c.check(now)
}

func (c *Consumer) check(now time.Time) error {
	current, err := c.seg.Current()
	if err != nil {
		return errors.Wrap(err, "check segment")
	}
	if !current {
		c.log.Warn("segment replaced or removed by publisher")
		return c.Disconnect()
	}
	idle := now.Sub(c.since)
	if c.lost(now, idle) {
		return fire(c.link, eventLose)
	}
	if idle > c.cfg.StaleAfter {
		return fire(c.link, eventStall)
	}
	return nil
}

func (c *Consumer) lost(now time.Time, idle time.Duration) bool {
	c.refreshBeat(now)
	if c.beat == nil {
		return idle > c.cfg.LostAfter
	}
	age, err := c.beat.Age(now)
	if err != nil {
		return true
	}
	return age > c.cfg.LostAfter
}

// Run connects, then polls until ctx is done, calling h for every mask and
// once with the safe mask whenever the link stops being live.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	ctx = logger.WithLogEntry(ctx, c.log)
	defer func() {
		if err := c.Disconnect(); err != nil {
			c.log.WithError(err).Warn("disconnect")
		}
	}()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if c.seg == nil {
			if err := c.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		mask, ok, err := c.Poll()
		if err != nil {
			return err
		}
		if ok {
			if err := h(ctx, Frame{Seq: c.seq, Mask: mask, Live: true, State: c.State()}); err != nil {
				return errors.Wrap(err, "handler")
			}
			continue
		}
		if c.dropped {
			c.dropped = false
			if err := h(ctx, Frame{Mask: c.safe, State: c.State()}); err != nil {
				return errors.Wrap(err, "handler")
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.PollInterval):
		}
	}
}
