package stream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpraes/single-node-dw/internal/connectors"
)

// fakeDialer, fakeConnection, and fakeChannel let the AMQP connector be
// tested without a running broker, the same way the teacher's
// RealAMQPDialer is swapped for a test double in queue's own tests.
type fakeDialer struct {
	conn *fakeConnection
}

func (d *fakeDialer) Dial(url string) (AMQPConnection, error) {
	return d.conn, nil
}

type fakeConnection struct {
	channel *fakeChannel
	closed  bool
}

func (c *fakeConnection) Channel() (AMQPChannel, error) {
	return c.channel, nil
}

func (c *fakeConnection) Close() error {
	c.closed = true
	return nil
}

type fakeChannel struct {
	deliveries chan amqp.Delivery
	closed     bool
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func newFakeAMQP(messages ...map[string]any) (*amqpConnector, *fakeConnection) {
	deliveries := make(chan amqp.Delivery, len(messages))
	for _, m := range messages {
		body, _ := json.Marshal(m)
		deliveries <- amqp.Delivery{Body: body}
	}

	channel := &fakeChannel{deliveries: deliveries}
	conn := &fakeConnection{channel: channel}

	c := &amqpConnector{
		url:         "amqp://test",
		queueName:   "jobs",
		batchSize:   10,
		idleTimeout: 50 * time.Millisecond,
		dialer:      &fakeDialer{conn: conn},
	}
	return c, conn
}

func TestAMQPConnectorFetchDrainsQueuedMessages(t *testing.T) {
	c, _ := newFakeAMQP(map[string]any{"id": float64(1)}, map[string]any{"id": float64(2)})
	require.NoError(t, c.Connect(t.Context()))

	result, err := c.Fetch(t.Context(), "")
	require.NoError(t, err)
	assert.Len(t, result.Items, 2)
	assert.Empty(t, result.Warnings)
}

func TestAMQPConnectorFetchStopsOnIdleTimeout(t *testing.T) {
	c, _ := newFakeAMQP()
	require.NoError(t, c.Connect(t.Context()))

	start := time.Now()
	result, err := c.Fetch(t.Context(), "")
	require.NoError(t, err)
	assert.Empty(t, result.Items)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAMQPConnectorFetchWarnsOnUndecodableMessage(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Body: []byte("not json")}
	channel := &fakeChannel{deliveries: deliveries}
	conn := &fakeConnection{channel: channel}

	c := &amqpConnector{
		url:         "amqp://test",
		queueName:   "jobs",
		batchSize:   10,
		idleTimeout: 50 * time.Millisecond,
		dialer:      &fakeDialer{conn: conn},
	}
	require.NoError(t, c.Connect(t.Context()))

	result, err := c.Fetch(t.Context(), "")
	require.NoError(t, err)
	assert.Empty(t, result.Items)
	assert.Len(t, result.Warnings, 1)
}

func TestAMQPConnectorCloseClosesChannelAndConnection(t *testing.T) {
	c, conn := newFakeAMQP()
	require.NoError(t, c.Connect(t.Context()))
	require.NoError(t, c.Close())
	assert.True(t, conn.closed)
	assert.True(t, conn.channel.closed)
}

func TestAMQPConnectorFetchRejectsWhenNotConnected(t *testing.T) {
	c := &amqpConnector{url: "amqp://test", queueName: "jobs"}
	_, err := c.Fetch(t.Context(), "")
	assert.ErrorIs(t, err, connectors.ErrNotConnected)
}

func TestKafkaConnectorFetchRejectsWhenNotConnected(t *testing.T) {
	c := &kafkaConnector{brokers: []string{"localhost:9092"}, topic: "events"}
	_, err := c.Fetch(t.Context(), "")
	assert.ErrorIs(t, err, connectors.ErrNotConnected)
}

func TestNATSConnectorFetchRejectsWhenNotConnected(t *testing.T) {
	c := &natsConnector{url: "nats://localhost:4222", subject: "events"}
	_, err := c.Fetch(t.Context(), "")
	assert.ErrorIs(t, err, connectors.ErrNotConnected)
}

func TestNewAMQPConnectorRequiresURLAndQueue(t *testing.T) {
	_, err := newAMQPConnector(map[string]any{})
	assert.Error(t, err)
}

func TestNewKafkaConnectorRequiresBrokersAndTopic(t *testing.T) {
	_, err := newKafkaConnector(map[string]any{"topic": "events"})
	assert.Error(t, err)

	_, err = newKafkaConnector(map[string]any{"brokers": []any{"localhost:9092"}})
	assert.Error(t, err)
}

func TestNewNATSConnectorRequiresURLAndSubject(t *testing.T) {
	_, err := newNATSConnector(map[string]any{"subject": "events"})
	assert.Error(t, err)

	_, err = newNATSConnector(map[string]any{"url": "nats://localhost:4222"})
	assert.Error(t, err)
}

func TestConnectTimeoutOfDefaultsWhenAbsent(t *testing.T) {
	assert.Equal(t, defaultConnectTimeout, connectTimeoutOf(map[string]any{}))
}

func TestConnectTimeoutOfHonorsExplicitDuration(t *testing.T) {
	assert.Equal(t, 3*time.Second, connectTimeoutOf(map[string]any{"connect_timeout": "3s"}))
}

func TestNewKafkaConnectorHonorsExplicitConnectTimeout(t *testing.T) {
	c, err := newKafkaConnector(map[string]any{"brokers": []any{"localhost:9092"}, "topic": "events", "connect_timeout": "4s"})
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, c.(*kafkaConnector).connectTimeout)
}

func TestNewNATSConnectorDefaultsConnectTimeout(t *testing.T) {
	c, err := newNATSConnector(map[string]any{"url": "nats://localhost:4222", "subject": "events"})
	require.NoError(t, err)
	assert.Equal(t, defaultConnectTimeout, c.(*natsConnector).connectTimeout)
}
