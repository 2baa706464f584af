// Package publisher runs the producing side of a mask mailbox: it pulls masks
// from a source and hands them over one at a time.
package publisher

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/srediag/mask-shm/internal/logger"
	"github.com/srediag/mask-shm/pkg/mailbox"
	"github.com/srediag/mask-shm/pkg/metrics"
)

// MaskSource yields one W*H mask per call. io.EOF ends the run. The context
// passed by the publisher carries its log entry, see logger.Entry.
type MaskSource interface {
	NextMask(ctx context.Context) ([]byte, error)
}

// MaskSourceFunc adapts a function to MaskSource.
type MaskSourceFunc func(ctx context.Context) ([]byte, error)

// NextMask calls f(ctx).
func (f MaskSourceFunc) NextMask(ctx context.Context) ([]byte, error) { return f(ctx) }

// Dumper receives a copy of every published mask. It must not block.
type Dumper interface {
	Submit(seq uint64, width, height int, mask []byte) (bool, error)
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithHeartbeat beats hb after every publish and every interval while waiting.
func WithHeartbeat(hb *mailbox.Heartbeat, interval time.Duration) Option {
	return func(p *Publisher) {
		p.beat = hb
		if interval > 0 {
			p.beatInterval = interval
		}
	}
}

// WithMetrics records publish waits, coverage and dump drops in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithDumper hands a copy of every published mask to d.
func WithDumper(d Dumper) Option {
	return func(p *Publisher) { p.dump = d }
}

// WithLogger sets the base entry; segment and run_id fields are added to it.
func WithLogger(e *logrus.Entry) Option {
	return func(p *Publisher) {
		if e != nil {
			p.log = e
		}
	}
}

// WithFPSLogInterval sets how often the frame rate is logged. Zero disables it.
func WithFPSLogInterval(d time.Duration) Option {
	return func(p *Publisher) { p.fpsInterval = d }
}

// Publisher moves masks from a MaskSource into a mailbox segment.
type Publisher struct {
	seg    *mailbox.Segment
	src    MaskSource
	runID  string
	log    *logrus.Entry
	now    func() time.Time
	seq    uint64
	last   atomic.Int64 // unix nanos of the last publish
	frames atomic.Uint64

	beat         *mailbox.Heartbeat
	beatInterval time.Duration
	metrics      *metrics.Metrics
	dump         Dumper

	fpsInterval time.Duration
	fpsSince    time.Time
	fpsFrames   int
}

// New returns a publisher for a segment created with CreateOrReset.
func New(seg *mailbox.Segment, src MaskSource, opts ...Option) (*Publisher, error) {
	if seg == nil || src == nil {
		return nil, errors.New("publisher: segment and source are required")
	}
	if seg.Role() != mailbox.RolePublisher {
		return nil, errors.Wrapf(mailbox.ErrWrongSide, "publisher: segment %s is a %s handle", seg.Name(), seg.Role())
	}
	p := &Publisher{
		seg:          seg,
		src:          src,
		runID:        uuid.NewString(),
		log:          logger.Discard(),
		now:          time.Now,
		beatInterval: 100 * time.Millisecond,
		fpsInterval:  5 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.WithFields(logrus.Fields{"segment": seg.Name(), "run_id": p.runID})
	return p, nil
}

// RunID identifies this publisher run in logs.
func (p *Publisher) RunID() string { return p.runID }

// Published is the number of masks handed over so far.
func (p *Publisher) Published() uint64 { return p.frames.Load() }

// LastProgress is the time of the last publish, zero before the first one.
func (p *Publisher) LastProgress() time.Time {
	ns := p.last.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Step publishes one mask: it takes the next mask from the source, waits for
// the consumer to release the slot and marks it FULL.
func (p *Publisher) Step(ctx context.Context) error {
	mask, err := p.src.NextMask(logger.WithLogEntry(ctx, p.log))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return errors.Wrap(err, "next mask")
	}

	start := p.now()
	if err := p.waitEmpty(ctx); err != nil {
		return errors.Wrap(err, "wait for consumer")
	}
	waited := p.now().Sub(start)

	if err := p.seg.Publish(ctx, mask); err != nil {
		return errors.Wrapf(err, "publish seq %d", p.seq+1)
	}
	p.seq++
	nowT := p.now()
	p.last.Store(nowT.UnixNano())
	p.frames.Add(1)
	p.heartbeat(nowT)

	_, set, _ := mailbox.Histogram(mask)
	p.metrics.ObservePublished(waited, float64(set)/float64(len(mask)))
	if p.dump != nil {
		l := p.seg.Layout()
		if ok, err := p.dump.Submit(p.seq, l.Width, l.Height, mask); err != nil {
			p.log.WithError(err).Warn("dump mask")
		} else if !ok {
			p.metrics.ObserveDumpDropped()
		}
	}
	p.log.WithField("seq", p.seq).Trace("mask published")
	p.logFPS(nowT)
	return nil
}

// waitEmpty waits for the slot in heartbeat-sized slices so a slow consumer
// does not look like a dead publisher.
func (p *Publisher) waitEmpty(ctx context.Context) error {
	if p.beat == nil {
		return p.seg.WaitEmpty(ctx)
	}
	for {
		wctx, cancel := context.WithTimeout(ctx, p.beatInterval)
		err := p.seg.WaitEmpty(wctx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		p.heartbeat(p.now())
	}
}

func (p *Publisher) heartbeat(now time.Time) {
	if p.beat == nil {
		return
	}
	if err := p.beat.Beat(p.seq, now); err != nil {
		p.log.WithError(err).Warn("heartbeat")
	}
}

func (p *Publisher) logFPS(now time.Time) {
	if p.fpsInterval <= 0 {
		return
	}
	if p.fpsSince.IsZero() {
		p.fpsSince = now
	}
	p.fpsFrames++
	elapsed := now.Sub(p.fpsSince)
	if elapsed < p.fpsInterval {
		return
	}
	p.log.WithFields(logrus.Fields{
		"seq": p.seq,
		"fps": float64(p.fpsFrames) / elapsed.Seconds(),
	}).Info("publishing")
	p.fpsSince = now
	p.fpsFrames = 0
}

// Run publishes until the source is exhausted or ctx is done. Both end the
// run without error.
func (p *Publisher) Run(ctx context.Context) error {
	p.log.Info("publisher started")
	p.heartbeat(p.now())
	for {
		err := p.Step(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			p.log.WithField("seq", p.seq).Info("source exhausted")
			return nil
		case ctx.Err() != nil:
			p.log.WithField("seq", p.seq).Info("publisher stopped")
			return nil
		default:
			return err
		}
	}
}
