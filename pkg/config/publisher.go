package config

import (
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// Publisher represents a RabbitMQ publisher
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel

	mu        sync.Mutex
	exchanges map[string]bool
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher() (*Publisher, error) {
	if RabbitMQ == nil {
		return nil, fmt.Errorf("RabbitMQ connection not initialized")
	}

	ch, err := RabbitMQ.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &Publisher{
		conn:      RabbitMQ,
		channel:   ch,
		exchanges: make(map[string]bool),
	}, nil
}

// Publish publishes a message to the specified queue
func (p *Publisher) Publish(queueName string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.channel.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = p.channel.Publish(
		"",        // exchange
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	log.Debugf("Published message to queue %s: %s", queueName, string(body))
	return nil
}

// PublishExchange publishes a transient message to a fanout exchange
func (p *Publisher) PublishExchange(exchange string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.exchanges[exchange] {
		if err := DeclareFanout(p.channel, exchange); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
		p.exchanges[exchange] = true
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = p.channel.Publish(
		exchange,
		"",    // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Transient,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", exchange, err)
	}
	return nil
}

// Close closes the publisher
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
