package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sirupsen/logrus"

	internalshm "github.com/srediag/mask-shm/internal/shm"
)

// maxCreateAttempts bounds the unlink-and-retry loop of CreateOrReset.
const maxCreateAttempts = 3

// Manager owns the segments a process created or attached, and releases all
// of them on Close.
type Manager struct {
	opts     options
	inst     *instruments
	segments cmap.ConcurrentMap[string, *Segment]
	beats    cmap.ConcurrentMap[string, *Heartbeat]
	seq      atomic.Uint64
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		opts:     o,
		inst:     newInstruments(o),
		segments: cmap.New[*Segment](),
		beats:    cmap.New[*Heartbeat](),
	}
}

func (m *Manager) nextID(name string) string {
	return name + "#" + strconv.FormatUint(m.seq.Add(1), 10)
}

// CreateOrReset creates the named segment exclusively. A segment left behind
// under the same name is unlinked first, since its flag cannot be trusted.
// The returned segment is zero-filled and its flag reads EMPTY.
func (m *Manager) CreateOrReset(ctx context.Context, name string, layout Layout) (*Segment, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	log := m.opts.log.WithFields(logrus.Fields{"segment": name, "layout": layout.String()})

	// a handle from earlier in this session must not survive next to the new one
	for _, old := range m.segments.Items() {
		if old.name == name && old.role == RolePublisher {
			log.Warn("mailbox: replacing segment created earlier in this session")
			if err := m.Destroy(old); err != nil {
				log.WithError(err).Warn("mailbox: destroy previous handle")
			}
		}
	}

	region, err := m.createFresh(ctx, name, layout.Size(), log)
	if err != nil {
		return nil, err
	}
	if err := internalshm.CheckAligned(region.Addr, 4); err != nil {
		_ = internalshm.UnmapRegion(region)
		return nil, fmt.Errorf("%w: %w", ErrSegmentCreateFailed, err)
	}
	if f := Flag(internalshm.LoadFlag(region.Addr)); f != FlagEmpty {
		log.WithField("flag", f.String()).Warn("mailbox: fresh segment flag not EMPTY, forcing reset")
		internalshm.StoreFlag(region.Addr, uint8(FlagEmpty))
	}

	seg := newSegment(m.nextID(name), name, layout, RolePublisher, region, m.opts.pollInterval, m.inst)
	m.segments.Set(seg.id, seg)
	log.WithField("path", region.Path).Info("mailbox: segment created")
	return seg, nil
}

// createFresh performs the exclusive create, unlinking a stale object on
// collision, and verifies the mapping is the object just created.
func (m *Manager) createFresh(ctx context.Context, name string, size int, log *logrus.Entry) (*internalshm.MappedRegion, error) {
	if _, err := internalshm.CleanName(name); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSegmentCreateFailed, err)
	}
	if m.opts.spaceCheck && !internalshm.CanCreate(uint64(size)) {
		return nil, fmt.Errorf("%w: %s has no room for %d bytes", ErrSegmentCreateFailed, internalshm.Dir(), size)
	}
	for attempt := 1; ; attempt++ {
		region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
			Name:   name,
			Size:   size,
			Create: true,
			Mode:   m.opts.mode,
		})
		if err == nil {
			same, err := region.SameObject()
			if err == nil && same {
				return region, nil
			}
			_ = internalshm.UnmapRegion(region)
			if err == nil {
				err = errors.New("name no longer refers to the created object")
			}
			return nil, fmt.Errorf("%w: verify %s: %w", ErrSegmentCreateFailed, name, err)
		}
		if !errors.Is(err, fs.ErrExist) || attempt >= maxCreateAttempts {
			return nil, fmt.Errorf("%w: %w", ErrSegmentCreateFailed, err)
		}
		m.unlinkStale(ctx, name, log)
	}
}

func (m *Manager) unlinkStale(ctx context.Context, name string, log *logrus.Entry) {
	if stale, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Name: name, Size: 1}); err == nil {
		log = log.WithField("stale_flag", Flag(stale.Addr[FlagOffset]).String())
		_ = internalshm.UnmapRegion(stale)
	}
	if err := internalshm.Unlink(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warn("mailbox: unlink stale segment")
		return
	}
	m.inst.resets.Add(ctx, 1)
	log.Warn("mailbox: unlinked stale segment")
}

// Attach maps an existing segment for the consumer side. It returns promptly
// with ErrSegmentNotFound when the publisher has not created it yet.
func (m *Manager) Attach(ctx context.Context, name string, layout Layout) (*Segment, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Name: name, Size: layout.Size()})
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, name)
	case errors.Is(err, internalshm.ErrNotSized):
		// created but not truncated yet, the publisher is mid-create
		return nil, fmt.Errorf("%w: %w", ErrSegmentNotFound, err)
	case errors.Is(err, internalshm.ErrTooSmall):
		return nil, fmt.Errorf("%w: %w", ErrSizeMismatch, err)
	case err != nil:
		return nil, fmt.Errorf("attach %s: %w", name, err)
	}
	if region.ObjectSize != int64(layout.Size()) {
		_ = internalshm.UnmapRegion(region)
		return nil, fmt.Errorf("%w: %s is %d bytes, layout %s wants %d", ErrSizeMismatch, name, region.ObjectSize, layout, layout.Size())
	}
	if err := internalshm.CheckAligned(region.Addr, 4); err != nil {
		_ = internalshm.UnmapRegion(region)
		return nil, fmt.Errorf("attach %s: %w", name, err)
	}
	// the consumer never repairs a flag it does not own; the publisher's reset will
	if f := Flag(internalshm.LoadFlag(region.Addr)); !f.Valid() {
		_ = internalshm.UnmapRegion(region)
		return nil, fmt.Errorf("%w: %s holds %d", ErrCorruptFlag, name, uint8(f))
	}

	seg := newSegment(m.nextID(name), name, layout, RoleConsumer, region, m.opts.pollInterval, m.inst)
	m.segments.Set(seg.id, seg)
	m.opts.log.WithFields(logrus.Fields{"segment": name, "path": region.Path}).Debug("mailbox: segment attached")
	return seg, nil
}

// Destroy unmaps the segment and removes its name. Only segments created by
// this manager may be destroyed; the consumer side calls Detach.
func (m *Manager) Destroy(seg *Segment) error {
	if seg == nil {
		return nil
	}
	if seg.role != RolePublisher {
		return fmt.Errorf("%w: %s", ErrNotOwner, seg.name)
	}
	return m.release(seg, true)
}

// Detach unmaps the segment and leaves the name in place.
func (m *Manager) Detach(seg *Segment) error {
	if seg == nil {
		return nil
	}
	return m.release(seg, false)
}

func (m *Manager) release(seg *Segment, unlink bool) error {
	if seg.closed.Swap(true) {
		return nil
	}
	m.segments.Remove(seg.id)
	log := m.opts.log.WithField("segment", seg.name)

	var errs []error
	if unlink {
		// leave the name alone if a newer publisher already owns it
		if same, err := seg.region.SameObject(); err == nil && same {
			if err := internalshm.Unlink(seg.name); err != nil {
				errs = append(errs, err)
			}
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := internalshm.UnmapRegion(seg.region); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		log.WithError(err).Warn("mailbox: release segment")
		return err
	}
	if unlink {
		log.Info("mailbox: segment destroyed")
	} else {
		log.Debug("mailbox: segment detached")
	}
	return nil
}

// Close releases every segment and heartbeat still held: created ones are
// destroyed, attached ones detached.
func (m *Manager) Close() error {
	var errs []error
	for _, seg := range m.segments.Items() {
		if err := m.release(seg, seg.role == RolePublisher); err != nil {
			errs = append(errs, err)
		}
	}
	for _, hb := range m.beats.Items() {
		if err := hb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len is the number of live handles held by the manager.
func (m *Manager) Len() int {
	return m.segments.Count() + m.beats.Count()
}
