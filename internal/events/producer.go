// Package events publishes ledger, checkout, and audit events to a RabbitMQ topic exchange.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Routing keys.
const (
	TransactionCreated = "ledger.transaction.created"
	SessionResolved    = "checkout.session.resolved"
	AdminAdjustment    = "audit.admin_adjustment"
	BalanceRepaired    = "audit.balance_repaired"
)

// DefaultExchange is used when none is configured.
const DefaultExchange = "tradeslead.events"

// Publisher publishes one JSON-encoded event.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
	Close()
}

// Fallback logs and drops events. It is used when the broker is unavailable at startup.
type Fallback struct {
	Log *slog.Logger
}

func (p *Fallback) Publish(_ context.Context, routingKey string, _ any) error {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	log.Warn("event publish skipped", "mode", "fallback", "routing_key", routingKey)
	return nil
}

func (p *Fallback) Close() {}

// Producer holds a RabbitMQ connection and channel.
type Producer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	log      *slog.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewProducer dials the broker with a bounded timeout and declares the exchange.
func NewProducer(amqpURL, exchange string, log *slog.Logger) (*Producer, error) {
	if log == nil {
		log = slog.Default()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	p := &Producer{conn: conn, exchange: exchange, log: log}
	if err := p.reopen(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *Producer) reopen() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return err
	}
	p.channel = ch
	return nil
}

// Publish sends body as JSON. A failed publish reopens the channel and retries once.
func (p *Producer) Publish(ctx context.Context, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}
	p.log.Warn("publish failed; reopening channel", "routing_key", routingKey, "error", err)
	if reopenErr := p.reopen(); reopenErr != nil {
		return errors.Join(err, reopenErr)
	}
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
