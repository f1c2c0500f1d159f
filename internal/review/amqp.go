package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the subset of *amqp.Channel used for notifications.
type Publisher interface {
	PublishWithContext(
		ctx context.Context,
		exchange string,
		key string,
		mandatory bool,
		immediate bool,
		msg amqp.Publishing,
	) error
}

// AMQPConfig holds the configuration for creating an AMQPNotifier.
type AMQPConfig struct {
	// Exchange is the exchange messages are published to.
	Exchange string

	// Publisher publishes the messages, normally an *amqp.Channel.
	Publisher Publisher

	// RoutingKeyPrefix is prepended to the entity type to form the routing key.
	RoutingKeyPrefix string

	// Timeout bounds each publish. Defaults to 5s.
	Timeout time.Duration
}

func (c *AMQPConfig) validate() error {
	var errs []error
	if c.Publisher == nil {
		errs = append(errs, errors.New("publisher is required"))
	}
	if c.Exchange == "" {
		errs = append(errs, errors.New("exchange is required"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout cannot be negative"))
	}
	return errors.Join(errs...)
}

// AMQPNotifier publishes queued conflicts to a RabbitMQ exchange.
type AMQPNotifier struct {
	exchange  string
	prefix    string
	publisher Publisher
	timeout   time.Duration
}

// NewAMQPNotifier creates a new AMQPNotifier.
func NewAMQPNotifier(cfg AMQPConfig) (*AMQPNotifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	prefix := cfg.RoutingKeyPrefix
	if prefix == "" {
		prefix = "adsmirror.conflict."
	}

	return &AMQPNotifier{
		exchange:  cfg.Exchange,
		prefix:    prefix,
		publisher: cfg.Publisher,
		timeout:   timeout,
	}, nil
}

// Notify implements Notifier.
func (n *AMQPNotifier) Notify(ctx context.Context, item Item) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding conflict: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    item.Change.ID,
		Timestamp:    item.QueuedAt,
		Type:         string(item.Change.Kind),
		Headers: amqp.Table{
			"customer_id": item.CustomerID,
			"entity_id":   item.Change.EntityID,
			"entity_type": string(item.Change.EntityType),
		},
		Body: body,
	}

	routingKey := n.prefix + string(item.Change.EntityType)
	if err := n.publisher.PublishWithContext(ctx, n.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publishing conflict %s: %w", item.Key(), err)
	}

	return nil
}

// DialAMQP connects to RabbitMQ and declares a durable topic exchange for notifications.
// The caller owns and must close the returned connection.
func DialAMQP(url string, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("opening RabbitMQ channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declaring exchange %q: %w", exchange, err)
	}

	return conn, ch, nil
}
