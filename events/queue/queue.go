// Package queue publishes push result events to an AMQP exchange.
package queue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/micromdm/nanoapns/events"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
)

var (
	ErrFailedToCreateChannel = errors.New("unable to create channel")
	ErrFailedToPublish       = errors.New("unable to publish message")
)

// publishAttempts is how many times a publish is tried on closed channels.
const publishAttempts = 3

type Message struct {
	RoutingKey string
	Exchange   string
	Type       string
	Data       []byte
	Mandatory  bool
	Expiration string
}

// Publisher publishes events over a single AMQP connection.
type Publisher struct {
	url        string
	tlsConfig  *tls.Config
	exchange   string
	routingKey string
	logger     *otelzap.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	txChannel *amqp.Channel
}

type Option func(*Publisher)

// WithTLSConfig dials the broker with TLS.
func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(p *Publisher) {
		p.tlsConfig = tlsConfig
	}
}

// WithRoutingKey sets the routing key of published events.
// The default is the event topic.
func WithRoutingKey(key string) Option {
	return func(p *Publisher) {
		p.routingKey = key
	}
}

func WithLogger(logger *otelzap.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// New connects to the AMQP broker at url and publishes to exchange.
func New(url, exchange string, opts ...Option) (*Publisher, error) {
	p := &Publisher{
		url:      url,
		exchange: exchange,
		logger:   otelzap.L(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("failed to create amqp connection: %w", err)
	}
	return p, nil
}

// connect dials the broker. Must be called with mu held.
func (p *Publisher) connect() error {
	p.logger.Sugar().Debugf("connecting to amqp exchange: %v", p.exchange)
	var conn *amqp.Connection
	var err error
	if p.tlsConfig == nil {
		conn, err = amqp.Dial(p.url)
	} else {
		conn, err = amqp.DialTLS(p.url, p.tlsConfig)
	}
	if err != nil {
		return fmt.Errorf("unable to establish amqp connection: %w", err)
	}
	p.conn = conn
	p.txChannel = nil
	return nil
}

// channel returns the transmit channel, reconnecting if needed.
// Must be called with mu held.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.conn == nil || p.conn.IsClosed() {
		p.logger.Sugar().Warn("amqp connection closed, attempting to reconnect")
		if err := p.connect(); err != nil {
			return nil, err
		}
	}
	if p.txChannel == nil || p.txChannel.IsClosed() {
		ch, err := p.conn.Channel()
		if err != nil {
			return nil, errors.Join(ErrFailedToCreateChannel, err)
		}
		p.txChannel = ch
	}
	return p.txChannel, nil
}

func publishing(message Message) amqp.Publishing {
	publishing := amqp.Publishing{
		ContentType: "application/json",
		Body:        message.Data,
		Type:        message.Type,
	}
	if message.Expiration != "" {
		publishing.Expiration = message.Expiration
	}
	return publishing
}

// PublishMessage publishes message, retrying on closed channels.
func (p *Publisher) PublishMessage(ctx context.Context, message Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for attempt := 0; attempt < publishAttempts; attempt++ {
		ch, err := p.channel()
		if err != nil {
			return err
		}
		err = ch.PublishWithContext(
			ctx,
			message.Exchange,
			message.RoutingKey,
			message.Mandatory,
			// this is not implemented on any versions of rabbitmq after 3.x
			false,
			publishing(message),
		)
		if err == nil {
			return nil
		}
		if !errors.Is(err, amqp.ErrClosed) {
			return err
		}
		p.logger.Sugar().ErrorfContext(ctx, "amqp channel closed while publishing: %v", err)
		p.txChannel = nil
	}
	return ErrFailedToPublish
}

// newMessage creates the AMQP message for ev.
func (p *Publisher) newMessage(ev *events.Event) (Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Message{}, err
	}
	key := p.routingKey
	if key == "" {
		key = ev.Topic
	}
	return Message{
		Exchange:   p.exchange,
		RoutingKey: key,
		Type:       ev.Topic,
		Data:       data,
	}, nil
}

// Publish publishes ev as JSON to the exchange.
func (p *Publisher) Publish(ctx context.Context, ev *events.Event) error {
	msg, err := p.newMessage(ev)
	if err != nil {
		return err
	}
	return p.PublishMessage(ctx, msg)
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	if p.txChannel != nil && !p.txChannel.IsClosed() {
		if err := p.txChannel.Close(); err != nil {
			return fmt.Errorf("unable to close channel: %w", err)
		}
	}
	return p.conn.Close()
}
