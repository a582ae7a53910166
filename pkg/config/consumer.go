package config

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

type Consumer struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queue     string
	exclusive bool
}

// NewConsumer consumes a durable work queue.
func NewConsumer(queueName string) (*Consumer, error) {
	if RabbitMQ == nil {
		return nil, fmt.Errorf("RabbitMQ connection not initialized")
	}
	ch, err := RabbitMQ.Channel()
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		conn:    RabbitMQ,
		channel: ch,
		queue:   q.Name,
	}, nil
}

// NewFanoutConsumer binds an exclusive, auto-deleted queue named queueName
// to the fanout exchange so every instance receives every message.
func NewFanoutConsumer(exchange, queueName string) (*Consumer, error) {
	if RabbitMQ == nil {
		return nil, fmt.Errorf("RabbitMQ connection not initialized")
	}
	ch, err := RabbitMQ.Channel()
	if err != nil {
		return nil, err
	}
	if err := DeclareFanout(ch, exchange); err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(
		queueName,
		false, // durable
		true,  // autoDelete
		true,  // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return nil, err
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return nil, err
	}

	return &Consumer{
		conn:      RabbitMQ,
		channel:   ch,
		queue:     q.Name,
		exclusive: true,
	}, nil
}

// Consume blocks delivering messages to handler until ctx is done or the
// channel closes. Handler errors requeue the message.
func (c *Consumer) Consume(ctx context.Context, handler func([]byte) error) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",          // consumer
		false,       // autoAck
		c.exclusive, // exclusive
		false,       // noLocal
		false,       // noWait
		nil,         // args
	)
	if err != nil {
		return err
	}

	log.Infof("Consumer is running... the queue is: %s", c.queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consumer channel for %s closed", c.queue)
			}
			if err := handler(msg.Body); err != nil {
				log.Warnf("Handle msg failed: %v", err)
				msg.Nack(false, true) // requeue the message
			} else {
				msg.Ack(false)
			}
		}
	}
}

func (c *Consumer) Close() error {
	if err := c.channel.Close(); err != nil {
		return err
	}
	return nil
}
