// Package amqp carries the inbox live event feed over a RabbitMQ topic
// exchange. Routing keys are the event kinds.
package amqp

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-sync/pkg/logger"
)

// Config holds broker connection settings.
type Config struct {
	URL      string
	Exchange string
	// QueuePrefix names the per-subscription queues.
	QueuePrefix   string
	RetryAttempts int
	Delay         time.Duration
}

const maxDelay = 60 * time.Second

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "inbox.events"
	}
	if c.QueuePrefix == "" {
		c.QueuePrefix = "inbox.session"
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 5
	}
	if c.Delay <= 0 {
		c.Delay = time.Second
	}
	return c
}

// backoff doubles delay per attempt, capped at maxDelay.
func backoff(delay time.Duration, attempt int) time.Duration {
	sleep := delay
	for i := 1; i < attempt; i++ {
		sleep *= 2
		if sleep >= maxDelay {
			return maxDelay
		}
	}
	return sleep
}

// DialWithRetry connects to RabbitMQ with exponential backoff. It stops early
// when ctx is cancelled.
func DialWithRetry(ctx context.Context, cfg Config, log *logger.Logger) (*amqp091.Connection, error) {
	cfg = cfg.withDefaults()
	var lastErr error

	for i := 1; i <= cfg.RetryAttempts; i++ {
		conn, err := amqp091.Dial(cfg.URL)
		if err == nil {
			if i > 1 {
				log.Info("rabbit connected", zap.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err

		sleep := backoff(cfg.Delay, i)
		log.Warn("rabbit dial failed",
			zap.Int("attempt", i),
			zap.Duration("sleep", sleep),
			zap.Error(err),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", cfg.RetryAttempts, lastErr)
}

func declareExchange(ch *amqp091.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}
