package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	internalshm "github.com/srediag/mask-shm/internal/shm"
)

// Role is the side of the mailbox a handle was opened for.
type Role int

const (
	// RolePublisher handles come from CreateOrReset and may set FULL.
	RolePublisher Role = iota
	// RoleConsumer handles come from Attach and may set EMPTY.
	RoleConsumer
)

func (r Role) String() string {
	if r == RolePublisher {
		return "publisher"
	}
	return "consumer"
}

// Segment is a mapped view of a mailbox. It is not safe for concurrent use
// from several goroutines; each process drives its side from one loop.
type Segment struct {
	id     string
	name   string
	layout Layout
	role   Role
	region *internalshm.MappedRegion
	poll   time.Duration
	inst   *instruments
	attrs  metric.MeasurementOption
	closed atomic.Bool
}

func newSegment(id, name string, layout Layout, role Role, region *internalshm.MappedRegion, poll time.Duration, inst *instruments) *Segment {
	return &Segment{
		id:     id,
		name:   name,
		layout: layout,
		role:   role,
		region: region,
		poll:   poll,
		inst:   inst,
		attrs:  metric.WithAttributes(attribute.String("segment", name)),
	}
}

// Name is the segment name in the shm namespace.
func (s *Segment) Name() string { return s.name }

// Layout returns the dimensions the segment was opened with.
func (s *Segment) Layout() Layout { return s.layout }

// Role returns the side this handle belongs to.
func (s *Segment) Role() Role { return s.role }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.region.Path }

// Closed reports whether the handle was destroyed or detached.
func (s *Segment) Closed() bool { return s.closed.Load() }

// PollInterval returns the wait loop sleep.
func (s *Segment) PollInterval() time.Duration { return s.poll }

func (s *Segment) mem() ([]byte, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrClosed, s.name)
	}
	return s.region.Addr, nil
}

// Flag loads the ownership flag with acquire semantics.
func (s *Segment) Flag() (Flag, error) {
	mem, err := s.mem()
	if err != nil {
		return 0, err
	}
	f := Flag(internalshm.LoadFlag(mem))
	if !f.Valid() {
		return f, fmt.Errorf("%w: %s holds %d", ErrCorruptFlag, s.name, uint8(f))
	}
	return f, nil
}

// Ready reports without blocking whether a mask is waiting for the consumer.
func (s *Segment) Ready() (bool, error) {
	f, err := s.Flag()
	if err != nil {
		return false, err
	}
	return f == FlagFull, nil
}

// WaitEmpty spins until the consumer has released the slot or ctx is done.
func (s *Segment) WaitEmpty(ctx context.Context) error {
	return s.waitFor(ctx, FlagEmpty)
}

// WaitFull spins until the publisher has filled the slot or ctx is done.
func (s *Segment) WaitFull(ctx context.Context) error {
	return s.waitFor(ctx, FlagFull)
}

func (s *Segment) waitFor(ctx context.Context, want Flag) error {
	for {
		f, err := s.Flag()
		if err != nil {
			return err
		}
		if f == want {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		time.Sleep(s.poll)
	}
}

// MarkFull publishes the payload. Only the publisher may call it, and only while EMPTY.
func (s *Segment) MarkFull() error {
	return s.transition(RolePublisher, FlagEmpty, FlagFull)
}

// MarkEmpty releases the slot. Only the consumer may call it, and only while FULL.
func (s *Segment) MarkEmpty() error {
	return s.transition(RoleConsumer, FlagFull, FlagEmpty)
}

func (s *Segment) transition(by Role, from, to Flag) error {
	if s.role != by {
		return fmt.Errorf("%w: %s cannot set %s", ErrWrongSide, s.role, to)
	}
	mem, err := s.mem()
	if err != nil {
		return err
	}
	if internalshm.CompareAndSwapFlag(mem, uint8(from), uint8(to)) {
		return nil
	}
	cur := Flag(internalshm.LoadFlag(mem))
	if !cur.Valid() {
		return fmt.Errorf("%w: %s holds %d", ErrCorruptFlag, s.name, uint8(cur))
	}
	return fmt.Errorf("%w: %s is %s, want %s before setting %s", ErrProtocolViolation, s.name, cur, from, to)
}

// WritePayload copies b into the payload region. The flag is not touched;
// the write is refused while the consumer owns the slot.
func (s *Segment) WritePayload(b []byte) error {
	if s.role != RolePublisher {
		return fmt.Errorf("%w: consumer cannot write the payload", ErrWrongSide)
	}
	if len(b) != s.layout.PayloadSize() {
		return fmt.Errorf("%w: payload is %d bytes, layout %s wants %d", ErrSizeMismatch, len(b), s.layout, s.layout.PayloadSize())
	}
	f, err := s.Flag()
	if err != nil {
		return err
	}
	if f != FlagEmpty {
		return fmt.Errorf("%w: %s is %s, payload belongs to the consumer", ErrProtocolViolation, s.name, f)
	}
	mem, err := s.mem()
	if err != nil {
		return err
	}
	copy(mem[PayloadOffset:PayloadOffset+len(b)], b)
	return nil
}

// ReadPayload returns a copy of the payload.
func (s *Segment) ReadPayload() ([]byte, error) {
	out := make([]byte, s.layout.PayloadSize())
	if err := s.ReadPayloadInto(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadPayloadInto copies the payload into dst, which must be exactly W*H bytes.
func (s *Segment) ReadPayloadInto(dst []byte) error {
	if len(dst) != s.layout.PayloadSize() {
		return fmt.Errorf("%w: buffer is %d bytes, layout %s wants %d", ErrSizeMismatch, len(dst), s.layout, s.layout.PayloadSize())
	}
	mem, err := s.mem()
	if err != nil {
		return err
	}
	copy(dst, mem[PayloadOffset:PayloadOffset+len(dst)])
	return nil
}

// Publish waits for the slot, writes mask and marks it FULL.
func (s *Segment) Publish(ctx context.Context, mask []byte) (err error) {
	if len(mask) != s.layout.PayloadSize() {
		return fmt.Errorf("%w: payload is %d bytes, layout %s wants %d", ErrSizeMismatch, len(mask), s.layout, s.layout.PayloadSize())
	}
	ctx, span := s.inst.tracer.Start(ctx, "mailbox.Publish", trace.WithAttributes(attribute.String("segment", s.name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err = s.WaitEmpty(ctx); err != nil {
		return err
	}
	if err = s.WritePayload(mask); err != nil {
		return err
	}
	if err = s.MarkFull(); err != nil {
		return err
	}
	s.inst.published.Add(ctx, 1, s.attrs)
	return nil
}

// TryConsume copies a waiting mask into dst and releases the slot. It returns
// false without blocking when nothing is waiting.
func (s *Segment) TryConsume(dst []byte) (bool, error) {
	if s.role != RoleConsumer {
		return false, fmt.Errorf("%w: publisher cannot consume", ErrWrongSide)
	}
	if len(dst) != s.layout.PayloadSize() {
		return false, fmt.Errorf("%w: buffer is %d bytes, layout %s wants %d", ErrSizeMismatch, len(dst), s.layout, s.layout.PayloadSize())
	}
	ready, err := s.Ready()
	if err != nil || !ready {
		return false, err
	}
	if err := s.ReadPayloadInto(dst); err != nil {
		return false, err
	}
	if err := s.MarkEmpty(); err != nil {
		return false, err
	}
	s.inst.consumed.Add(context.Background(), 1, s.attrs)
	return true, nil
}

// Consume waits for a mask, returns a copy of it and releases the slot.
func (s *Segment) Consume(ctx context.Context) (mask []byte, err error) {
	ctx, span := s.inst.tracer.Start(ctx, "mailbox.Consume", trace.WithAttributes(attribute.String("segment", s.name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if s.role != RoleConsumer {
		return nil, fmt.Errorf("%w: publisher cannot consume", ErrWrongSide)
	}
	if err = s.WaitFull(ctx); err != nil {
		return nil, err
	}
	if mask, err = s.ReadPayload(); err != nil {
		return nil, err
	}
	if err = s.MarkEmpty(); err != nil {
		return nil, err
	}
	s.inst.consumed.Add(ctx, 1, s.attrs)
	return mask, nil
}

// Current reports whether the name still refers to the mapped object. It is
// false once the publisher destroyed or recreated the segment.
func (s *Segment) Current() (bool, error) {
	if s.closed.Load() {
		return false, fmt.Errorf("%w: %s", ErrClosed, s.name)
	}
	same, err := s.region.SameObject()
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return same, err
}
