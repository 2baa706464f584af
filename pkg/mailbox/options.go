package mailbox

import (
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/mask-shm/internal/logger"
)

// DefaultPollInterval is the sleep between flag checks in the wait loops.
const DefaultPollInterval = time.Millisecond

const instrumentationName = "github.com/srediag/mask-shm/pkg/mailbox"

// Option configures a Manager.
type Option func(*options)

type options struct {
	pollInterval time.Duration
	log          *logrus.Entry
	meter        metric.Meter
	tracer       trace.Tracer
	spaceCheck   bool
	mode         uint32
}

func defaultOptions() options {
	return options{
		pollInterval: DefaultPollInterval,
		log:          logger.Discard(),
		meter:        metricnoop.NewMeterProvider().Meter(instrumentationName),
		tracer:       tracenoop.NewTracerProvider().Tracer(instrumentationName),
		spaceCheck:   true,
		mode:         0600,
	}
}

// WithPollInterval sets the default wait loop interval of segments handed out by the manager.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithLogger sets the entry lifecycle events are logged to.
func WithLogger(e *logrus.Entry) Option {
	return func(o *options) {
		if e != nil {
			o.log = e
		}
	}
}

// WithMeter records publish/consume/reset counters on m.
func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithTracer traces Publish and Consume with t.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithSpaceCheck toggles the free-space check on the shm directory before creation.
func WithSpaceCheck(enabled bool) Option {
	return func(o *options) {
		o.spaceCheck = enabled
	}
}

// WithMode sets the permission bits of created segments.
func WithMode(mode uint32) Option {
	return func(o *options) {
		if mode != 0 {
			o.mode = mode
		}
	}
}
