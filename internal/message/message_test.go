package message

import (
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/charging-platform/ev-charger-proxy/internal/domain/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAsyncProducer 是 sarama.AsyncProducer 的 mock 实现
type mockAsyncProducer struct {
	input     chan *sarama.ProducerMessage
	successes chan *sarama.ProducerMessage
	errors    chan *sarama.ProducerError
	closeErr  error
}

func newMockAsyncProducer() *mockAsyncProducer {
	return &mockAsyncProducer{
		input:     make(chan *sarama.ProducerMessage, 1),
		successes: make(chan *sarama.ProducerMessage),
		errors:    make(chan *sarama.ProducerError),
	}
}

func (m *mockAsyncProducer) AsyncClose() {
	close(m.input)
	close(m.successes)
	close(m.errors)
}

func (m *mockAsyncProducer) Close() error {
	return m.closeErr
}

func (m *mockAsyncProducer) Input() chan<- *sarama.ProducerMessage {
	return m.input
}

func (m *mockAsyncProducer) Successes() <-chan *sarama.ProducerMessage {
	return m.successes
}

func (m *mockAsyncProducer) Errors() <-chan *sarama.ProducerError {
	return m.errors
}

func (m *mockAsyncProducer) IsTransactional() bool { return false }

func (m *mockAsyncProducer) TxnStatus() sarama.ProducerTxnStatusFlag {
	return sarama.ProducerTxnFlagReady
}

func (m *mockAsyncProducer) BeginTxn() error  { return nil }
func (m *mockAsyncProducer) CommitTxn() error { return nil }
func (m *mockAsyncProducer) AbortTxn() error  { return nil }

func (m *mockAsyncProducer) AddOffsetsToTxn(map[string][]*sarama.PartitionOffsetMetadata, string) error {
	return nil
}

func (m *mockAsyncProducer) AddMessageToTxn(*sarama.ConsumerMessage, string, *string) error {
	return nil
}

// unserializableEvent 序列化总是失败的事件
type unserializableEvent struct {
	*events.BaseEvent
}

func (e *unserializableEvent) ToJSON() ([]byte, error) {
	return nil, assert.AnError
}

func TestNewKafkaProducer_LazyConnect(t *testing.T) {
	// sarama 的 AsyncProducer 延迟连接，创建阶段不需要真实 broker
	producer, err := NewKafkaProducer([]string{"localhost:9092"}, "charger-events")
	require.NoError(t, err)
	require.NotNil(t, producer)
	assert.Equal(t, "charger-events", producer.topic)
	producer.Close()
}

func TestPublishEvent_KeyedByEventKind(t *testing.T) {
	mock := newMockAsyncProducer()
	kp := &KafkaProducer{producer: mock, topic: "charger-events"}

	require.NoError(t, kp.PublishEvent(events.NewHeartbeatEvent("2024-01-01T10:00:00Z")))

	select {
	case msg := <-mock.input:
		assert.Equal(t, "charger-events", msg.Topic)
		assert.Equal(t, sarama.StringEncoder("heartbeat"), msg.Key)
	case <-time.After(time.Second):
		t.Fatal("message was not enqueued")
	}
}

func TestPublishEvent_SerializationFailure(t *testing.T) {
	mock := newMockAsyncProducer()
	kp := &KafkaProducer{producer: mock, topic: "charger-events"}

	err := kp.PublishEvent(&unserializableEvent{BaseEvent: &events.BaseEvent{Type: events.KindBoot}})
	assert.Error(t, err)
	assert.Empty(t, mock.input)
}

func TestClose_Failure(t *testing.T) {
	mock := newMockAsyncProducer()
	mock.closeErr = assert.AnError
	kp := &KafkaProducer{producer: mock, topic: "charger-events"}

	assert.Error(t, kp.Close())
}
