package carrot

import (
	"fmt"
	"sync"
	"time"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
	"github.com/aleybovich/carrot-amqp/internal/frame"
)

// heartbeater drives HeartbeatTick from a background goroutine.
type heartbeater struct {
	interval time.Duration
	stopCh   chan struct{}
	once     sync.Once
}

func (c *Connection) startHeartbeat(interval time.Duration) {
	hb := &heartbeater{interval: interval, stopCh: make(chan struct{})}
	c.mu.Lock()
	c.hb = hb
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-hb.stopCh:
				return
			case <-ticker.C:
				if err := c.HeartbeatTick(); err != nil {
					c.logger.Debug("Heartbeat loop stopping: %v", err)
					return
				}
			}
		}
	}()
}

// stop ends the heartbeat goroutine without waiting for it; shutdown may run on it.
func (hb *heartbeater) stop() {
	hb.once.Do(func() { close(hb.stopCh) })
}

// HeartbeatTick runs one heartbeat check. It pulls already-readable frames into the
// channel queues, sends a heartbeat when nothing was written for a full interval and
// closes the connection when nothing was read for two intervals. Connections with a
// negotiated heartbeat call it from a background goroutine.
func (c *Connection) HeartbeatTick() error {
	return c.heartbeatTick(time.Now())
}

func (c *Connection) heartbeatTick(now time.Time) error {
	if err := c.readErr(); err != nil {
		return err
	}
	interval := time.Duration(c.Heartbeat()) * time.Second
	if interval == 0 {
		return nil
	}

	c.pump()

	if now.Sub(c.transport.LastWrite()) >= interval {
		if err := c.transport.WriteRaw(frame.Heartbeat().AppendTo(nil)); err != nil {
			return c.fail(err)
		}
		c.metrics.HeartbeatSent()
		if c.opts.heartbeatLogging {
			c.logger.Debug("Sent heartbeat")
		}
	}

	if silent := now.Sub(c.transport.LastRead()); silent > 2*interval {
		return c.fail(fmt.Errorf("%w: no frames from broker for %s (heartbeat %s)",
			amqpError.ErrConnectionClosed, silent.Round(time.Millisecond), interval))
	}
	return nil
}
