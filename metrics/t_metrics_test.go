package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.FrameSent("METHOD")
	c.FrameSent("METHOD")
	c.FrameSent("BODY")
	c.FrameReceived("HEARTBEAT")
	c.Confirm(true)
	c.Confirm(true)
	c.Confirm(false)
	c.Returned()
	c.Delivered()
	c.HeartbeatSent()
	c.Reconnected()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.framesSent.WithLabelValues("METHOD")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesSent.WithLabelValues("BODY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesReceived.WithLabelValues("HEARTBEAT")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.confirms.WithLabelValues("ack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.confirms.WithLabelValues("nack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.returned))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.delivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.heartbeats))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnects))

	n, err := testutil.GatherAndCount(reg, "carrot_amqp_frames_sent_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.FrameSent("METHOD")
		c.FrameReceived("METHOD")
		c.Confirm(false)
		c.Returned()
		c.Delivered()
		c.HeartbeatSent()
		c.Reconnected()
	})
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
	assert.Panics(t, func() { MustNew(reg) })

	c, err := New(nil)
	require.NoError(t, err)
	c.Delivered()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.delivered))
}
