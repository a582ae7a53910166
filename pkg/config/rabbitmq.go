package config

import (
	"fmt"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

var RabbitMQ *amqp.Connection

// RabbitMQURL builds the broker url from RABBITMQ_* variables.
func RabbitMQURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		os.Getenv("RABBITMQ_USER"),
		os.Getenv("RABBITMQ_PASSWORD"),
		os.Getenv("RABBITMQ_HOST"),
		os.Getenv("RABBITMQ_PORT"),
	)
}

// InitRabbitMQ RabbitMQ with retry logic
func InitRabbitMQ() {
	url := RabbitMQURL()

	maxRetries := 10
	retryDelay := 3 * time.Second

	var conn *amqp.Connection
	var err error

	for i := 0; i < maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			RabbitMQ = conn
			log.Infof("Successfully connected to RabbitMQ at %s", os.Getenv("RABBITMQ_HOST"))
			return
		}

		if i < maxRetries-1 {
			log.Warnf("Failed to connect to RabbitMQ (attempt %d/%d): %v. Retrying in %v...", i+1, maxRetries, err, retryDelay)
			time.Sleep(retryDelay)
		}
	}

	log.Fatalf("Failed to connect to RabbitMQ after %d attempts: %v", maxRetries, err)
}

// DeclareFanout declares a durable fanout exchange
func DeclareFanout(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(
		name,
		amqp.ExchangeFanout,
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,   // args
	)
}

// PurgeQueue removes all messages from a queue without deleting the queue itself
func PurgeQueue(queueName string) error {
	if RabbitMQ == nil {
		return fmt.Errorf("RabbitMQ connection not initialized")
	}

	ch, err := RabbitMQ.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	_, err = ch.QueuePurge(
		queueName, // queue name
		false,     // noWait
	)
	if err != nil {
		return fmt.Errorf("failed to purge queue %s: %w", queueName, err)
	}

	log.Infof("Successfully purged RabbitMQ queue: %s", queueName)
	return nil
}
