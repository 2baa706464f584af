package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"

	internalshm "github.com/srediag/mask-shm/internal/shm"
)

// HeartbeatSuffix is appended to the mailbox name to form the liveness segment name.
const HeartbeatSuffix = ".liveness"

// heartbeat layout: seq 8 byte | unix nanos 8 byte
const (
	heartbeatSeqOffset  = 0
	heartbeatTimeOffset = 8
	heartbeatSize       = 16
)

// Heartbeat is a sidecar segment next to the mailbox through which the
// publisher advertises it is alive even while it waits on a slow consumer.
// The mailbox layout itself is unchanged.
type Heartbeat struct {
	id     string
	name   string
	owner  bool
	region *internalshm.MappedRegion
	mgr    *Manager
	closed atomic.Bool
}

// HeartbeatName returns the liveness segment name for a mailbox.
func HeartbeatName(mailbox string) string {
	return mailbox + HeartbeatSuffix
}

// CreateHeartbeat creates, or resets, the liveness segment of the named mailbox.
func (m *Manager) CreateHeartbeat(ctx context.Context, mailbox string) (*Heartbeat, error) {
	name := HeartbeatName(mailbox)
	log := m.opts.log.WithField("segment", name)
	for _, old := range m.beats.Items() {
		if old.name == name && old.owner {
			_ = old.Close()
		}
	}
	region, err := m.createFresh(ctx, name, heartbeatSize, log)
	if err != nil {
		return nil, err
	}
	if err := internalshm.CheckAligned(region.Addr, 8); err != nil {
		_ = internalshm.UnmapRegion(region)
		return nil, fmt.Errorf("%w: %w", ErrSegmentCreateFailed, err)
	}
	hb := &Heartbeat{id: m.nextID(name), name: name, owner: true, region: region, mgr: m}
	m.beats.Set(hb.id, hb)
	log.Debug("mailbox: heartbeat created")
	return hb, nil
}

// AttachHeartbeat maps the liveness segment of the named mailbox.
func (m *Manager) AttachHeartbeat(ctx context.Context, mailbox string) (*Heartbeat, error) {
	name := HeartbeatName(mailbox)
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Name: name, Size: heartbeatSize})
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, internalshm.ErrNotSized):
		return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, name)
	case errors.Is(err, internalshm.ErrTooSmall):
		return nil, fmt.Errorf("%w: %w", ErrSizeMismatch, err)
	case err != nil:
		return nil, fmt.Errorf("attach %s: %w", name, err)
	}
	if err := internalshm.CheckAligned(region.Addr, 8); err != nil {
		_ = internalshm.UnmapRegion(region)
		return nil, fmt.Errorf("attach %s: %w", name, err)
	}
	hb := &Heartbeat{id: m.nextID(name), name: name, region: region, mgr: m}
	m.beats.Set(hb.id, hb)
	return hb, nil
}

func (h *Heartbeat) word(off int) unsafe.Pointer {
	return unsafe.Pointer(&h.region.Addr[off])
}

// Name is the liveness segment name.
func (h *Heartbeat) Name() string { return h.name }

// Beat records seq and now. The timestamp is stored last.
func (h *Heartbeat) Beat(seq uint64, now time.Time) error {
	if !h.owner {
		return fmt.Errorf("%w: only the publisher beats", ErrWrongSide)
	}
	if h.closed.Load() {
		return fmt.Errorf("%w: %s", ErrClosed, h.name)
	}
	internalshm.AtomicStoreUint64(h.word(heartbeatSeqOffset), seq)
	internalshm.AtomicStoreUint64(h.word(heartbeatTimeOffset), uint64(now.UnixNano()))
	return nil
}

// Last returns the most recent beat. A zero time means no beat yet.
func (h *Heartbeat) Last() (time.Time, uint64, error) {
	if h.closed.Load() {
		return time.Time{}, 0, fmt.Errorf("%w: %s", ErrClosed, h.name)
	}
	ns := internalshm.AtomicLoadUint64(h.word(heartbeatTimeOffset))
	seq := internalshm.AtomicLoadUint64(h.word(heartbeatSeqOffset))
	if ns == 0 {
		return time.Time{}, seq, nil
	}
	return time.Unix(0, int64(ns)), seq, nil
}

// Age is the time since the last beat, or the maximum duration if there was none.
func (h *Heartbeat) Age(now time.Time) (time.Duration, error) {
	last, _, err := h.Last()
	if err != nil {
		return 0, err
	}
	if last.IsZero() {
		return time.Duration(math.MaxInt64), nil
	}
	return now.Sub(last), nil
}

// Current reports whether the liveness name still refers to this mapping.
func (h *Heartbeat) Current() (bool, error) {
	same, err := h.region.SameObject()
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return same, err
}

// Close unmaps the heartbeat; the creating side also unlinks it.
func (h *Heartbeat) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.mgr.beats.Remove(h.id)
	var errs []error
	if h.owner {
		if same, err := h.region.SameObject(); err == nil && same {
			if err := internalshm.Unlink(h.name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := internalshm.UnmapRegion(h.region); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		h.mgr.opts.log.WithFields(logrus.Fields{"segment": h.name}).WithError(err).Warn("mailbox: close heartbeat")
	}
	return err
}
