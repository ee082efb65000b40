package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	carrot "github.com/aleybovich/carrot-amqp"
	"github.com/aleybovich/carrot-amqp/config"
	"github.com/aleybovich/carrot-amqp/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	count := flag.Int("n", 10, "number of messages to round-trip")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "carrot-ping: %v\n", err)
		os.Exit(2)
	}
	log, err := cfg.Logging.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "carrot-ping: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	m := metrics.MustNew(prometheus.NewRegistry())
	conn, err := carrot.DialConfig(ctx, *cfg, carrot.WithMetrics(m))
	if err != nil {
		log.Err("Connecting to %s: %v", cfg.Addr(), err)
		os.Exit(1)
	}
	defer conn.Close()

	elapsed, err := ping(ctx, conn, *count)
	if err != nil {
		log.Err("Ping failed: %v", err)
		os.Exit(1)
	}
	log.Info("Round-tripped %d messages through %s in %s", *count, cfg.Addr(), elapsed)
}

// ping publishes n confirmed messages to a server-named queue and consumes them back.
func ping(ctx context.Context, conn *carrot.Connection, n int) (time.Duration, error) {
	ch, err := conn.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return 0, fmt.Errorf("declaring queue: %w", err)
	}
	if err := ch.ConfirmSelect(false); err != nil {
		return 0, fmt.Errorf("enabling confirms: %w", err)
	}

	received := 0
	if _, err := ch.Consume(q.Name, "", true, true, false, false, nil, func(*carrot.Message) {
		received++
	}); err != nil {
		return 0, fmt.Errorf("consuming: %w", err)
	}

	start := time.Now()
	for i := 0; i < n; i++ {
		msg := carrot.NewMessage([]byte(fmt.Sprintf("ping %d", i)), carrot.Properties{
			ContentType: "text/plain",
			Timestamp:   time.Now(),
		})
		if err := ch.BatchPublish("", q.Name, true, false, msg); err != nil {
			return 0, err
		}
	}
	if _, err := ch.PublishBatch(); err != nil {
		return 0, fmt.Errorf("publishing: %w", err)
	}

	deadline, _ := ctx.Deadline()
	if err := ch.WaitForPendingAcksReturns(max(time.Until(deadline), time.Millisecond)); err != nil {
		return 0, fmt.Errorf("waiting for confirms: %w", err)
	}
	for received < n {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("received %d of %d messages: %w", received, n, ctx.Err())
		}
		if err := ch.Wait(max(time.Until(deadline), time.Millisecond)); err != nil {
			return 0, fmt.Errorf("received %d of %d messages: %w", received, n, err)
		}
	}
	return time.Since(start), nil
}
