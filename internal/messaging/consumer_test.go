package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rodframeh/data-enriched-orders/internal/models"
)

type fakeProcessor struct {
	calls int
	last  models.OrderMessage
	raw   []byte
	err   error
}

func (p *fakeProcessor) Process(_ context.Context, msg models.OrderMessage, raw []byte) error {
	p.calls++
	p.last = msg
	p.raw = raw
	return p.err
}

type captureSink struct {
	recs []models.ErrorRecord
	err  error
}

func (s *captureSink) Publish(_ context.Context, rec models.ErrorRecord) error {
	s.recs = append(s.recs, rec)
	return s.err
}

type fakeCommitter struct {
	committed []kafka.Message
	err       error
}

func (c *fakeCommitter) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	c.committed = append(c.committed, msgs...)
	return c.err
}

func newTestConsumer(proc *fakeProcessor, sink *captureSink) *Consumer {
	cfg := ConsumerConfig{
		Brokers:     []string{"localhost:9092"},
		Topic:       "orders",
		GroupID:     "order-processing-worker",
		Concurrency: 1,
	}
	return NewConsumer(cfg, proc, sink, zap.NewNop())
}

func message(value string) kafka.Message {
	return kafka.Message{Topic: "orders", Partition: 0, Offset: 42, Value: []byte(value)}
}

func TestHandleValidMessageCommits(t *testing.T) {
	proc := &fakeProcessor{}
	sink := &captureSink{}
	consumer := newTestConsumer(proc, sink)
	com := &fakeCommitter{}

	payload := `{"orderId":"ord-1","customerId":"c1","products":[{"productId":"p1","quantity":2}]}`
	consumer.handle(context.Background(), com, message(payload))

	require.Equal(t, 1, proc.calls)
	assert.Equal(t, "ord-1", proc.last.OrderID)
	assert.Equal(t, "c1", proc.last.CustomerID)
	require.Len(t, proc.last.Products, 1)
	require.NotNil(t, proc.last.Products[0].Quantity)
	assert.Equal(t, 2, *proc.last.Products[0].Quantity)
	assert.Equal(t, payload, string(proc.raw))

	assert.Len(t, com.committed, 1)
	assert.Empty(t, sink.recs)
}

func TestHandleMalformedJSONDropped(t *testing.T) {
	proc := &fakeProcessor{}
	sink := &captureSink{}
	consumer := newTestConsumer(proc, sink)
	com := &fakeCommitter{}

	consumer.handle(context.Background(), com, message(`{"orderId": "ord-1",`))

	assert.Zero(t, proc.calls)
	assert.Len(t, com.committed, 1)
	require.Len(t, sink.recs, 1)
	assert.Equal(t, "unknown", sink.recs[0].OrderID)
	assert.Equal(t, `{"orderId": "ord-1",`, sink.recs[0].OriginalMessage)
	assert.Contains(t, sink.recs[0].ErrorMessage, "decode order message")
	assert.Positive(t, sink.recs[0].Timestamp)
}

func TestHandleBlankOrderIDDropped(t *testing.T) {
	proc := &fakeProcessor{}
	sink := &captureSink{}
	consumer := newTestConsumer(proc, sink)
	com := &fakeCommitter{}

	payload := `{"orderId":"   ","customerId":"c1","products":[{"productId":"p1","quantity":1}]}`
	consumer.handle(context.Background(), com, message(payload))

	assert.Zero(t, proc.calls)
	assert.Len(t, com.committed, 1)
	require.Len(t, sink.recs, 1)
	assert.Equal(t, "unknown", sink.recs[0].OrderID)
	assert.Contains(t, sink.recs[0].ErrorMessage, "invalid order message")
}

func TestHandleEmptyProductsDropped(t *testing.T) {
	proc := &fakeProcessor{}
	sink := &captureSink{}
	consumer := newTestConsumer(proc, sink)
	com := &fakeCommitter{}

	payload := `{"orderId":"ord-1","customerId":"c1","products":[]}`
	consumer.handle(context.Background(), com, message(payload))

	assert.Zero(t, proc.calls)
	assert.Len(t, com.committed, 1)
	require.Len(t, sink.recs, 1)
	// Schema violations go out as "unknown" even when the payload parses;
	// the original message still carries the id for whoever inspects it.
	assert.Equal(t, "unknown", sink.recs[0].OrderID)
	assert.Equal(t, payload, sink.recs[0].OriginalMessage)
}

func TestHandleNullQuantityDropped(t *testing.T) {
	proc := &fakeProcessor{}
	sink := &captureSink{}
	consumer := newTestConsumer(proc, sink)
	com := &fakeCommitter{}

	payload := `{"orderId":"ord-1","customerId":"c1","products":[{"productId":"p1","quantity":null}]}`
	consumer.handle(context.Background(), com, message(payload))

	assert.Zero(t, proc.calls)
	assert.Len(t, com.committed, 1)
	require.Len(t, sink.recs, 1)
	assert.Equal(t, "unknown", sink.recs[0].OrderID)
}

func TestHandleZeroQuantityReachesProcessor(t *testing.T) {
	proc := &fakeProcessor{}
	sink := &captureSink{}
	consumer := newTestConsumer(proc, sink)
	com := &fakeCommitter{}

	// Quantity zero is present, so it passes the schema; rejecting it is a
	// business rule, not a parse concern.
	payload := `{"orderId":"ord-1","customerId":"c1","products":[{"productId":"p1","quantity":0}]}`
	consumer.handle(context.Background(), com, message(payload))

	require.Equal(t, 1, proc.calls)
	require.NotNil(t, proc.last.Products[0].Quantity)
	assert.Zero(t, *proc.last.Products[0].Quantity)
}

func TestHandleProcessingFailureNotCommitted(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("customer service unavailable for c1")}
	sink := &captureSink{}
	consumer := newTestConsumer(proc, sink)
	com := &fakeCommitter{}

	payload := `{"orderId":"ord-1","customerId":"c1","products":[{"productId":"p1","quantity":1}]}`
	consumer.handle(context.Background(), com, message(payload))

	require.Equal(t, 1, proc.calls)
	assert.Empty(t, com.committed)
	require.Len(t, sink.recs, 1)
	assert.Equal(t, "ord-1", sink.recs[0].OrderID)
	assert.Contains(t, sink.recs[0].ErrorMessage, "unavailable")
}

func TestHandlePublishFailureStillCommitsMalformed(t *testing.T) {
	proc := &fakeProcessor{}
	sink := &captureSink{err: errors.New("broker down")}
	consumer := newTestConsumer(proc, sink)
	com := &fakeCommitter{}

	consumer.handle(context.Background(), com, message(`not json`))

	// The error topic is best effort; a dead publisher must not wedge the
	// consumer on a payload that can never succeed.
	assert.Zero(t, proc.calls)
	assert.Len(t, com.committed, 1)
}
