package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/publu/spacecommand/core/events"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   []string
	kinds      []string
	messages   []published
	declareErr error
	publishErr error
	block      chan struct{}
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, name)
	f.kinds = append(f.kinds, kind)
	return f.declareErr
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.messages = append(f.messages, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.messages...)
}

func TestPublishesRecordsAsJSON(t *testing.T) {
	ch := &fakeChannel{}
	p, err := New(ch, Config{Exchange: "clearing.events", RoutingPrefix: "clearing"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"clearing.events"}, ch.declared)
	require.Equal(t, []string{amqp.ExchangeTopic}, ch.kinds)

	p.Emit(events.Record{Type: "clearing.pool.deposit", Attributes: map[string]string{"amount": "5"}})
	p.Emit(events.Record{Type: "audit.rotated"})
	require.NoError(t, p.Close())

	msgs := ch.sent()
	require.Len(t, msgs, 2)
	require.Equal(t, "clearing.events", msgs[0].exchange)
	require.Equal(t, "clearing.pool.deposit", msgs[0].key)
	require.Equal(t, "clearing.audit.rotated", msgs[1].key)
	require.Equal(t, "application/json", msgs[0].msg.ContentType)
	require.Equal(t, amqp.Persistent, msgs[0].msg.DeliveryMode)
	require.NotEmpty(t, msgs[0].msg.MessageId)

	var rec events.Record
	require.NoError(t, json.Unmarshal(msgs[0].msg.Body, &rec))
	require.Equal(t, "5", rec.Attributes["amount"])
	require.True(t, ch.closed)
}

func TestEmitDropsWhenQueueFull(t *testing.T) {
	ch := &fakeChannel{block: make(chan struct{})}
	p, err := New(ch, Config{Exchange: "x", Buffer: 1}, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			p.Emit(events.Record{Type: "t"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full queue")
	}
	close(ch.block)
	require.NoError(t, p.Close())
	require.Less(t, len(ch.sent()), 10)

	// Emitting after close is a no-op.
	p.Emit(events.Record{Type: "late"})
}

func TestPublishErrorsAreLogged(t *testing.T) {
	ch := &fakeChannel{publishErr: errors.New("channel closed")}
	p, err := New(ch, Config{Exchange: "x"}, nil)
	require.NoError(t, err)
	p.Emit(events.Record{Type: "t"})
	require.NoError(t, p.Close())
	require.Empty(t, ch.sent())
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{Exchange: "x"}, nil)
	require.Error(t, err)
	_, err = New(&fakeChannel{}, Config{}, nil)
	require.Error(t, err)
	_, err = New(&fakeChannel{declareErr: errors.New("access refused")}, Config{Exchange: "x"}, nil)
	require.ErrorContains(t, err, "access refused")
}
