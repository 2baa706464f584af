package mailbox

import (
	"context"
	"os"

	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	internalshm "github.com/srediag/mask-shm/internal/shm"
)

// counters sums every int64 counter the reader has seen, by name.
func counters(ctx context.Context, reader sdkmetric.Reader) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				got[m.Name] += dp.Value
			}
		}
	}
	return got, nil
}

func (s *MailboxTestSuite) TestInstruments() {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() {
		_ = mp.Shutdown(ctx)
		_ = tp.Shutdown(ctx)
	}()
	opts := []Option{
		WithMeter(mp.Meter(instrumentationName)),
		WithTracer(tp.Tracer(instrumentationName)),
	}
	pub := NewManager(append(opts, WithSpaceCheck(false))...)
	defer pub.Close()
	sub := NewManager(opts...)
	defer sub.Close()

	// a leftover object forces one reset
	path, err := internalshm.PathFor(s.name)
	s.Require().NoError(err)
	s.Require().NoError(os.WriteFile(path, make([]byte, s.layout.Size()), 0o600))

	seg, err := pub.CreateOrReset(ctx, s.name, s.layout)
	s.Require().NoError(err)
	in, err := sub.Attach(ctx, s.name, s.layout)
	s.Require().NoError(err)

	s.Require().NoError(seg.Publish(ctx, filled(s.layout.PayloadSize(), 1)))
	_, err = in.Consume(ctx)
	s.Require().NoError(err)
	s.Require().NoError(seg.Publish(ctx, filled(s.layout.PayloadSize(), 2)))
	ok, err := in.TryConsume(make([]byte, s.layout.PayloadSize()))
	s.Require().NoError(err)
	s.Require().True(ok)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = in.Consume(cancelled)
	s.Require().ErrorIs(err, context.Canceled)

	got, err := counters(ctx, reader)
	s.Require().NoError(err)
	s.Equal(int64(2), got["mailbox.published"])
	s.Equal(int64(2), got["mailbox.consumed"])
	s.Equal(int64(1), got["mailbox.resets"])

	spans := rec.Ended()
	var names []string
	for _, sp := range spans {
		names = append(names, sp.Name())
	}
	s.Equal([]string{"mailbox.Publish", "mailbox.Consume", "mailbox.Publish", "mailbox.Consume"}, names)
	s.Equal(codes.Unset, spans[0].Status().Code)
	s.Equal(codes.Error, spans[3].Status().Code)
	s.Contains(spans[3].Status().Description, context.Canceled.Error())
	s.Len(spans[3].Events(), 1, "the error is recorded")
}
