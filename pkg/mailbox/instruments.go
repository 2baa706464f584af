package mailbox

import (
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

type instruments struct {
	tracer    trace.Tracer
	published metric.Int64Counter
	consumed  metric.Int64Counter
	resets    metric.Int64Counter
}

func newInstruments(o options) *instruments {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := o.meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			o.log.WithError(err).Warnf("mailbox: counter %s disabled", name)
			return metricnoop.Int64Counter{}
		}
		return c
	}
	return &instruments{
		tracer:    o.tracer,
		published: counter("mailbox.published", "Masks handed to the consumer."),
		consumed:  counter("mailbox.consumed", "Masks taken by the consumer."),
		resets:    counter("mailbox.resets", "Stale segments unlinked before creation."),
	}
}
