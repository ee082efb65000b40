// Package metrics exposes client-side protocol counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "carrot_amqp"

// Collector counts frames, confirms, returns, deliveries and heartbeats. A nil
// *Collector is valid and records nothing.
type Collector struct {
	framesReceived *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	confirms       *prometheus.CounterVec
	returned       prometheus.Counter
	delivered      prometheus.Counter
	heartbeats     prometheus.Counter
	reconnects     prometheus.Counter
}

// New creates a Collector and registers it with reg. A nil reg leaves the metrics
// unregistered, which is handy in tests.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from the broker, by frame type.",
		}, []string{"type"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to the broker, by frame type.",
		}, []string{"type"}),
		confirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publisher_confirms_total",
			Help:      "Publisher confirms settled, by outcome (ack or nack).",
		}, []string{"outcome"}),
		returned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_returned_total",
			Help:      "Messages returned by the broker with basic.return.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages received through basic.deliver or basic.get-ok.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeat frames sent to the broker.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Successful reconnects after a lost connection.",
		}),
	}
	if reg != nil {
		for _, col := range c.collectors() {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// MustNew is New that panics on a registration error.
func MustNew(reg prometheus.Registerer) *Collector {
	c, err := New(reg)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.framesReceived, c.framesSent, c.confirms,
		c.returned, c.delivered, c.heartbeats, c.reconnects,
	}
}

func (c *Collector) FrameReceived(kind string) {
	if c == nil {
		return
	}
	c.framesReceived.WithLabelValues(kind).Inc()
}

func (c *Collector) FrameSent(kind string) {
	if c == nil {
		return
	}
	c.framesSent.WithLabelValues(kind).Inc()
}

// Confirm records one settled publish.
func (c *Collector) Confirm(ack bool) {
	if c == nil {
		return
	}
	outcome := "nack"
	if ack {
		outcome = "ack"
	}
	c.confirms.WithLabelValues(outcome).Inc()
}

func (c *Collector) Returned() {
	if c == nil {
		return
	}
	c.returned.Inc()
}

func (c *Collector) Delivered() {
	if c == nil {
		return
	}
	c.delivered.Inc()
}

func (c *Collector) HeartbeatSent() {
	if c == nil {
		return
	}
	c.heartbeats.Inc()
}

func (c *Collector) Reconnected() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}
