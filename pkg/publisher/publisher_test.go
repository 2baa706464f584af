package publisher

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/mask-shm/internal/logger"
	"github.com/srediag/mask-shm/internal/shm"
	"github.com/srediag/mask-shm/pkg/mailbox"
	"github.com/srediag/mask-shm/pkg/metrics"
)

var layout = mailbox.Layout{Width: 4, Height: 4}

func setup(t *testing.T) (pub, sub *mailbox.Segment) {
	name := "maskshm_pub_" + uuid.NewString()
	pm := mailbox.NewManager(mailbox.WithSpaceCheck(false), mailbox.WithPollInterval(50*time.Microsecond))
	sm := mailbox.NewManager(mailbox.WithPollInterval(50 * time.Microsecond))
	t.Cleanup(func() {
		_ = sm.Close()
		_ = pm.Close()
		_ = shm.Unlink(name)
		_ = shm.Unlink(mailbox.HeartbeatName(name))
	})
	var err error
	pub, err = pm.CreateOrReset(context.Background(), name, layout)
	require.NoError(t, err)
	sub, err = sm.Attach(context.Background(), name, layout)
	require.NoError(t, err)
	return pub, sub
}

// counting yields masks filled with 1, 2, ... and io.EOF after n.
func counting(n int) MaskSource {
	i := 0
	return MaskSourceFunc(func(ctx context.Context) ([]byte, error) {
		if i == n {
			return nil, io.EOF
		}
		i++
		m := make([]byte, layout.PayloadSize())
		for j := range m {
			m[j] = byte(i)
		}
		return m, nil
	})
}

type recordingDumper struct {
	mu   sync.Mutex
	seqs []uint64
}

func (d *recordingDumper) Submit(seq uint64, width, height int, mask []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seqs = append(d.seqs, seq)
	return len(d.seqs) < 2, nil
}

func TestNewRejects(t *testing.T) {
	pub, sub := setup(t)
	_, err := New(nil, counting(1))
	assert.Error(t, err)
	_, err = New(pub, nil)
	assert.Error(t, err)
	_, err = New(sub, counting(1))
	assert.ErrorIs(t, err, mailbox.ErrWrongSide)
}

func TestStepHandsOver(t *testing.T) {
	pub, sub := setup(t)
	m := metrics.New()
	d := &recordingDumper{}
	p, err := New(pub, counting(3), WithMetrics(m), WithDumper(d), WithFPSLogInterval(0))
	require.NoError(t, err)
	assert.NotEmpty(t, p.RunID())
	assert.True(t, p.LastProgress().IsZero())

	ctx := context.Background()
	require.NoError(t, p.Step(ctx))
	assert.False(t, p.LastProgress().IsZero())

	// slot is FULL now, a second step must wait for the consumer
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = p.Step(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	buf := make([]byte, layout.PayloadSize())
	ok, err := sub.TryConsume(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byte(1), buf[0])

	require.NoError(t, p.Step(ctx))
	ok, err = sub.TryConsume(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byte(3), buf[0], "the mask taken by the cancelled step is skipped")

	assert.ErrorIs(t, p.Step(ctx), io.EOF)
	assert.Equal(t, uint64(2), p.Published())
	assert.Equal(t, []uint64{1, 2}, d.seqs)
}

func TestSourceGetsLogEntry(t *testing.T) {
	pub, _ := setup(t)
	var seen interface{}
	src := MaskSourceFunc(func(ctx context.Context) ([]byte, error) {
		seen = logger.Entry(ctx).Data["run_id"]
		return make([]byte, layout.PayloadSize()), nil
	})
	p, err := New(pub, src)
	require.NoError(t, err)
	require.NoError(t, p.Step(context.Background()))
	assert.Equal(t, p.RunID(), seen)
}

func TestRunUntilEOF(t *testing.T) {
	pub, sub := setup(t)
	p, err := New(pub, counting(20))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for want := 1; want <= 20; want++ {
		got, err := sub.Consume(ctx)
		require.NoError(t, err)
		require.Equal(t, byte(want), got[0])
	}
	require.NoError(t, <-done)
	assert.Equal(t, uint64(20), p.Published())
}

func TestRunStopsOnCancel(t *testing.T) {
	pub, _ := setup(t)
	p, err := New(pub, counting(10))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, func() bool { return p.Published() == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHeartbeatWhileWaiting(t *testing.T) {
	pub, _ := setup(t)
	mgr := mailbox.NewManager(mailbox.WithSpaceCheck(false))
	defer mgr.Close()
	hb, err := mgr.CreateHeartbeat(context.Background(), pub.Name())
	require.NoError(t, err)

	p, err := New(pub, counting(5), WithHeartbeat(hb, 5*time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, p.Step(ctx))
	first, seq, err := hb.Last()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	// nobody consumes: the publisher keeps beating while blocked
	short, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Step(short))
	later, seq, err := hb.Last()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.True(t, later.After(first))
}
