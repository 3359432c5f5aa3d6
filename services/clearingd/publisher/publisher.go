// Package publisher relays committed clearinghouse events to an AMQP topic
// exchange.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/publu/spacecommand/core/events"
)

const (
	defaultBuffer         = 256
	defaultPublishTimeout = 5 * time.Second
)

// Channel is the subset of *amqp.Channel used by the publisher.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config controls exchange naming and buffering.
type Config struct {
	Exchange       string
	RoutingPrefix  string
	Buffer         int
	PublishTimeout time.Duration
}

// Publisher implements events.Emitter. Emit never blocks the caller: events
// are queued and published from a single goroutine, and dropped with a
// warning when the queue is full.
type Publisher struct {
	cfg    Config
	ch     Channel
	conn   io.Closer
	logger *slog.Logger
	nowFn  func() time.Time

	dropped metric.Int64Counter

	queue     chan events.Record
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// Dial connects to the broker at url and declares the exchange.
func Dial(url string, cfg Config, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("publisher: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("publisher: open channel: %w", err)
	}
	p, err := New(ch, cfg, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// New declares a durable topic exchange on ch and starts the publish loop.
func New(ch Channel, cfg Config, logger *slog.Logger) (*Publisher, error) {
	if ch == nil {
		return nil, errors.New("publisher: channel required")
	}
	cfg.Exchange = strings.TrimSpace(cfg.Exchange)
	if cfg.Exchange == "" {
		return nil, errors.New("publisher: exchange required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("publisher: declare exchange %q: %w", cfg.Exchange, err)
	}
	p := &Publisher{
		cfg:    cfg,
		ch:     ch,
		logger: logger.With("component", "publisher"),
		nowFn:  time.Now,
		queue:  make(chan events.Record, cfg.Buffer),
	}
	meter := otel.GetMeterProvider().Meter("spacecommand/publisher")
	counter, err := meter.Int64Counter("spacecommand.publisher.events.dropped")
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter("spacecommand/publisher").Int64Counter("spacecommand.publisher.events.dropped")
	}
	p.dropped = counter
	p.wg.Add(1)
	go p.loop()
	return p, nil
}

// RoutingKey returns the key an event of the given type is published under.
func (p *Publisher) RoutingKey(eventType string) string {
	prefix := strings.Trim(p.cfg.RoutingPrefix, ".")
	if prefix == "" || eventType == prefix || strings.HasPrefix(eventType, prefix+".") {
		return eventType
	}
	return prefix + "." + eventType
}

// Emit implements events.Emitter.
func (p *Publisher) Emit(evt events.Event) {
	if p == nil || evt == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	rec := events.Payload(evt)
	select {
	case p.queue <- rec:
	default:
		p.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", "queue_full")))
		p.logger.Warn("event queue full, dropping", "event", rec.Type)
	}
}

func (p *Publisher) loop() {
	defer p.wg.Done()
	for rec := range p.queue {
		if err := p.publish(rec); err != nil {
			p.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", "publish_failed")))
			p.logger.Error("publish event", "event", rec.Type, "error", err)
		}
	}
}

func (p *Publisher) publish(rec events.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	defer cancel()
	return p.ch.PublishWithContext(ctx, p.cfg.Exchange, p.RoutingKey(rec.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    p.nowFn().UTC(),
		Type:         rec.Type,
		AppId:        "clearingd",
		Body:         body,
	})
}

// Close stops accepting events, publishes whatever is queued and closes the
// channel and connection.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		p.wg.Wait()
		err = p.ch.Close()
		if p.conn != nil {
			err = errors.Join(err, p.conn.Close())
		}
	})
	return err
}
