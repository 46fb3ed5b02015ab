// Package stream implements the AMQP, Kafka, and NATS micro-batch
// connectors. Each drains a bounded batch of messages per Fetch call rather
// than running an unbounded consume loop, so a single pipeline run stays
// request/response shaped like every other connector instead of blocking
// forever.
//
// The AMQP half is adapted from the teacher's dialer-injection interfaces
// (AMQPDialer/AMQPConnection/AMQPChannel in queue/amqp_interface.go): the
// same shape, so a test can substitute a fake dialer the way
// queue.NewRabbitMQServiceWithDialer does, narrowed here to the consume-side
// operations this connector actually calls.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/streadway/amqp"

	"github.com/mpraes/single-node-dw/internal/connectors"
	"github.com/mpraes/single-node-dw/internal/contract"
)

func init() {
	connectors.Register("amqp", newAMQPConnector)
	connectors.Register("kafka", newKafkaConnector)
	connectors.Register("nats", newNATSConnector)
}

// --- AMQP ------------------------------------------------------------

// AMQPConnection abstracts an amqp.Connection for dependency injection and
// testing, mirroring queue.AMQPConnection.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// AMQPChannel abstracts the subset of amqp.Channel this connector calls,
// mirroring queue.AMQPChannel.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPDialer abstracts connecting to an AMQP broker, mirroring
// queue.AMQPDialer so tests can inject a fake broker.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

// realAMQPConnection wraps a real amqp.Connection, analogous to the
// teacher's RealAMQPConnection.
type realAMQPConnection struct {
	conn *amqp.Connection
}

func (r *realAMQPConnection) Channel() (AMQPChannel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &realAMQPChannel{ch: ch}, nil
}

func (r *realAMQPConnection) Close() error {
	return r.conn.Close()
}

type realAMQPChannel struct {
	ch *amqp.Channel
}

func (r *realAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return r.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (r *realAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return r.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (r *realAMQPChannel) Close() error {
	return r.ch.Close()
}

// realAMQPTimeoutDialer dials a real broker with a bounded connect timeout,
// analogous to the teacher's RealAMQPDialer but using amqp.DialConfig's
// Dial hook instead of the library's unbounded default.
type realAMQPTimeoutDialer struct {
	timeout time.Duration
}

func (d realAMQPTimeoutDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(d.timeout)})
	if err != nil {
		return nil, err
	}
	return &realAMQPConnection{conn: conn}, nil
}

// amqpConnector drains up to batchSize messages from a queue, or stops
// early once idleTimeout elapses with no new message.
type amqpConnector struct {
	url, queueName string
	batchSize      int
	idleTimeout    time.Duration
	connectTimeout time.Duration
	dialer         AMQPDialer

	conn AMQPConnection
	ch   AMQPChannel
}

func newAMQPConnector(raw map[string]any) (connectors.Connector, error) {
	timeout := connectTimeoutOf(raw)
	c := &amqpConnector{
		url:            stringOf(raw["url"]),
		queueName:      stringOf(raw["queue"]),
		batchSize:      100,
		idleTimeout:    2 * time.Second,
		connectTimeout: timeout,
		dialer:         realAMQPTimeoutDialer{timeout: timeout},
	}
	if v, ok := raw["batch_size"].(int); ok && v > 0 {
		c.batchSize = v
	}
	if c.url == "" || c.queueName == "" {
		return nil, fmt.Errorf("amqp connector: url and queue are required")
	}
	return c, nil
}

func (c *amqpConnector) Connect(ctx context.Context) error {
	conn, err := c.dialer.Dial(c.url)
	if err != nil {
		return fmt.Errorf("amqp connector: dialing: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp connector: opening channel: %w", err)
	}
	if _, err := ch.QueueDeclare(c.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp connector: declaring queue: %w", err)
	}
	c.conn = conn
	c.ch = ch
	return nil
}

// Fetch ignores query: the queue name is fixed at connect time. It consumes
// messages until batchSize is reached or idleTimeout passes with nothing
// new arriving, acknowledging each message only after it is safely folded
// into the result.
func (c *amqpConnector) Fetch(ctx context.Context, query string) (contract.IngestionResult, error) {
	if err := connectors.RequireConnected(c.ch != nil); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("amqp connector: %w", err)
	}

	deliveries, err := c.ch.Consume(c.queueName, "", false, false, false, false, nil)
	if err != nil {
		return contract.IngestionResult{}, fmt.Errorf("amqp connector: consuming: %w", err)
	}

	var items []contract.IngestedItem
	var warnings []string
	timer := time.NewTimer(c.idleTimeout)
	defer timer.Stop()

	for len(items) < c.batchSize {
		select {
		case <-ctx.Done():
			return contract.IngestionResult{Items: items, Warnings: warnings}, ctx.Err()
		case <-timer.C:
			return contract.IngestionResult{Protocol: "amqp", Success: true, Items: items, Warnings: warnings}, nil
		case d, ok := <-deliveries:
			if !ok {
				return contract.IngestionResult{Protocol: "amqp", Success: true, Items: items, Warnings: warnings}, nil
			}
			row, err := decodeAMQPBody(d.Body)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("amqp connector: skipping undecodable message: %v", err))
				d.Nack(false, false)
				continue
			}
			items = append(items, contract.IngestedItem{
				Source:    c.queueName,
				Protocol:  "amqp",
				FetchedAt: time.Now(),
				Payload:   contract.RowPayload{Row: row},
			})
			d.Ack(false)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.idleTimeout)
		}
	}
	return contract.IngestionResult{Protocol: "amqp", Success: true, Items: items, Warnings: warnings}, nil
}

func decodeAMQPBody(body []byte) (map[string]any, error) {
	var row map[string]any
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func (c *amqpConnector) Close() error {
	var firstErr error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			firstErr = err
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- Kafka -------------------------------------------------------------

// kafkaConnector drains up to batchSize messages from a single topic
// partition set using sarama's consumer-group-free PartitionConsumer, since
// a one-shot pipeline run has no use for group rebalancing.
type kafkaConnector struct {
	brokers        []string
	topic          string
	batchSize      int
	connectTimeout time.Duration

	consumer sarama.Consumer
}

func newKafkaConnector(raw map[string]any) (connectors.Connector, error) {
	c := &kafkaConnector{
		topic:          stringOf(raw["topic"]),
		batchSize:      100,
		connectTimeout: connectTimeoutOf(raw),
	}
	if v, ok := raw["brokers"].([]any); ok {
		for _, b := range v {
			if s, ok := b.(string); ok {
				c.brokers = append(c.brokers, s)
			}
		}
	}
	if v, ok := raw["batch_size"].(int); ok && v > 0 {
		c.batchSize = v
	}
	if len(c.brokers) == 0 || c.topic == "" {
		return nil, fmt.Errorf("kafka connector: brokers and topic are required")
	}
	return c, nil
}

func (c *kafkaConnector) Connect(ctx context.Context) error {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true
	config.Net.DialTimeout = c.connectTimeout
	consumer, err := sarama.NewConsumer(c.brokers, config)
	if err != nil {
		return fmt.Errorf("kafka connector: creating consumer: %w", err)
	}
	c.consumer = consumer
	return nil
}

// Fetch drains up to batchSize messages across every partition of the
// configured topic, starting from each partition's oldest offset.
func (c *kafkaConnector) Fetch(ctx context.Context, query string) (contract.IngestionResult, error) {
	if err := connectors.RequireConnected(c.consumer != nil); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("kafka connector: %w", err)
	}

	partitions, err := c.consumer.Partitions(c.topic)
	if err != nil {
		return contract.IngestionResult{}, fmt.Errorf("kafka connector: listing partitions: %w", err)
	}

	var items []contract.IngestedItem
	var warnings []string

	for _, partition := range partitions {
		if len(items) >= c.batchSize {
			break
		}
		pc, err := c.consumer.ConsumePartition(c.topic, partition, sarama.OffsetOldest)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("kafka connector: skipping partition %d: %v", partition, err))
			continue
		}

		remaining := c.batchSize - len(items)
	drain:
		for i := 0; i < remaining; i++ {
			select {
			case <-ctx.Done():
				pc.Close()
				return contract.IngestionResult{Items: items, Warnings: warnings}, ctx.Err()
			case msg := <-pc.Messages():
				row, err := decodeAMQPBody(msg.Value)
				if err != nil {
					warnings = append(warnings, fmt.Sprintf("kafka connector: skipping undecodable message: %v", err))
					continue
				}
				items = append(items, contract.IngestedItem{
					Source:    c.topic,
					Protocol:  "kafka",
					FetchedAt: time.Now(),
					Payload:   contract.RowPayload{Row: row},
				})
			case <-time.After(2 * time.Second):
				break drain
			}
		}
		pc.Close()
	}

	return contract.IngestionResult{Protocol: "kafka", Success: true, Items: items, Warnings: warnings}, nil
}

func (c *kafkaConnector) Close() error {
	if c.consumer == nil {
		return nil
	}
	return c.consumer.Close()
}

// --- NATS ----------------------------------------------------------------

// natsConnector drains up to batchSize messages from a subject using a
// synchronous subscription, or stops early once idleTimeout elapses with no
// new message. Subjects have no broker-side ack; at-least-once here means
// "never claim a message the staged file doesn't end up containing".
type natsConnector struct {
	url, subject   string
	batchSize      int
	idleTimeout    time.Duration
	connectTimeout time.Duration

	conn *nats.Conn
	sub  *nats.Subscription
}

func newNATSConnector(raw map[string]any) (connectors.Connector, error) {
	c := &natsConnector{
		url:            stringOf(raw["url"]),
		subject:        stringOf(raw["subject"]),
		batchSize:      100,
		idleTimeout:    2 * time.Second,
		connectTimeout: connectTimeoutOf(raw),
	}
	if v, ok := raw["batch_size"].(int); ok && v > 0 {
		c.batchSize = v
	}
	if c.url == "" || c.subject == "" {
		return nil, fmt.Errorf("nats connector: url and subject are required")
	}
	return c, nil
}

func (c *natsConnector) Connect(ctx context.Context) error {
	conn, err := nats.Connect(c.url, nats.Timeout(c.connectTimeout))
	if err != nil {
		return fmt.Errorf("nats connector: connecting: %w", err)
	}
	sub, err := conn.SubscribeSync(c.subject)
	if err != nil {
		conn.Close()
		return fmt.Errorf("nats connector: subscribing: %w", err)
	}
	c.conn = conn
	c.sub = sub
	return nil
}

// Fetch ignores query: the subject is fixed at connect time.
func (c *natsConnector) Fetch(ctx context.Context, query string) (contract.IngestionResult, error) {
	if err := connectors.RequireConnected(c.sub != nil); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("nats connector: %w", err)
	}

	var items []contract.IngestedItem
	var warnings []string

	for len(items) < c.batchSize {
		if ctx.Err() != nil {
			return contract.IngestionResult{Items: items, Warnings: warnings}, ctx.Err()
		}
		msg, err := c.sub.NextMsg(c.idleTimeout)
		if err == nats.ErrTimeout {
			break
		}
		if err != nil {
			return contract.IngestionResult{Items: items, Warnings: warnings}, fmt.Errorf("nats connector: receiving: %w", err)
		}
		row, err := decodeAMQPBody(msg.Data)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("nats connector: skipping undecodable message: %v", err))
			continue
		}
		items = append(items, contract.IngestedItem{
			Source:    c.subject,
			Protocol:  "nats",
			FetchedAt: time.Now(),
			Payload:   contract.RowPayload{Row: row},
		})
	}
	return contract.IngestionResult{Protocol: "nats", Success: true, Items: items, Warnings: warnings}, nil
}

func (c *natsConnector) Close() error {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

// defaultConnectTimeout bounds Connect for every broker connector in this
// package, independent of whatever deadline the caller's context carries.
const defaultConnectTimeout = 10 * time.Second

func connectTimeoutOf(raw map[string]any) time.Duration {
	s, ok := raw["connect_timeout"].(string)
	if !ok || s == "" {
		return defaultConnectTimeout
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultConnectTimeout
	}
	return d
}
