package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ConsumerConfig holds the NATS subscription settings.
type ConsumerConfig struct {
	URL        string
	Subject    string
	QueueGroup string
}

// Consumer binds the pipeline to a NATS subject. Multiple instances in the
// same queue group share the feed.
type Consumer struct {
	cfg      ConsumerConfig
	pipeline *Pipeline
	log      zerolog.Logger
	conn     *nats.Conn
}

// NewConsumer creates an unconnected consumer.
func NewConsumer(cfg ConsumerConfig, pipeline *Pipeline, log zerolog.Logger) *Consumer {
	return &Consumer{
		cfg:      cfg,
		pipeline: pipeline,
		log:      log.With().Str("component", "nats-consumer").Logger(),
	}
}

// Run connects, subscribes and delivers until the context is cancelled,
// then drains the connection so in-flight messages finish processing.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := nats.Connect(c.cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	c.conn = conn

	sub, err := conn.QueueSubscribe(c.cfg.Subject, c.cfg.QueueGroup, func(msg *nats.Msg) {
		c.pipeline.Process(ctx, msg.Data)
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", c.cfg.Subject, err)
	}

	c.log.Info().Str("subject", c.cfg.Subject).Str("queue", c.cfg.QueueGroup).Msg("subscribed")

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("subscription drain failed")
	}
	if err := conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain failed")
	}
	conn.Close()
	return nil
}
