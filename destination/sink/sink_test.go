package sink

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/maxpert/tapline/cfg"
	"github.com/maxpert/tapline/destination"
	"github.com/maxpert/tapline/encoding"
	"github.com/maxpert/tapline/mutation"
	"github.com/maxpert/tapline/transformer"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func row(db, table string, id int64) mutation.Row {
	return mutation.Row{Database: db, Table: table, Columns: map[string]any{"id": id}, PrimaryKey: []string{"id"}}
}

func insert(id int64, r mutation.Row) mutation.Mutation {
	return mutation.NewInsert(mutation.Metadata{ID: id, Timestamp: 1000 + id}, r)
}

func newTestKafka(t *testing.T, config KafkaConfig, filter destination.Filter) (*Kafka, *fakeWriter) {
	t.Helper()
	config.Brokers = []string{"localhost:9092"}
	config.Topic = "test.mutations"
	k, err := NewKafka(config, filter, transformer.Msgpack{})
	require.NoError(t, err)
	w := &fakeWriter{}
	k.writer = w
	return k, w
}

func TestNewKafka_Validation(t *testing.T) {
	_, err := NewKafka(KafkaConfig{Topic: "t"}, nil, transformer.Msgpack{})
	require.Error(t, err)
	_, err = NewKafka(KafkaConfig{Brokers: []string{"b:9092"}}, nil, transformer.Msgpack{})
	require.Error(t, err)
	_, err = NewKafka(KafkaConfig{Brokers: []string{"b:9092"}, Topic: "t"}, nil, nil)
	require.Error(t, err)
}

func TestKafka_SendSync(t *testing.T) {
	k, w := newTestKafka(t, KafkaConfig{}, nil)
	require.NoError(t, k.Open(context.Background()))
	assert.True(t, k.IsStarted())

	_, ok := k.LastPublished()
	assert.False(t, ok)

	users := row("app", "users", 1)
	batch := []mutation.Mutation{insert(1, users), insert(2, row("app", "users", 2))}
	require.NoError(t, k.Send(context.Background(), batch))

	require.Len(t, w.messages, 2)
	assert.Equal(t, []byte(users.Key()), w.messages[0].Key)

	var decoded mutation.Mutation
	require.NoError(t, encoding.Unmarshal(w.messages[1].Value, &decoded))
	assert.Equal(t, int64(2), decoded.Metadata.ID)

	last, ok := k.LastPublished()
	require.True(t, ok)
	assert.Equal(t, int64(2), last.Metadata.ID)

	k.Clear()
	_, ok = k.LastPublished()
	assert.False(t, ok)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
	assert.False(t, k.IsStarted())
}

func TestKafka_SendFailure(t *testing.T) {
	k, w := newTestKafka(t, KafkaConfig{}, nil)
	boom := errors.New("leader not available")
	w.err = boom

	err := k.Send(context.Background(), []mutation.Mutation{insert(1, row("app", "users", 1))})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var de *destination.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "publish", de.Op)

	_, ok := k.LastPublished()
	assert.False(t, ok)
}

func TestKafka_FilterSkipsButAdvancesPosition(t *testing.T) {
	filter, err := destination.NewGlobFilter([]string{"users"}, nil)
	require.NoError(t, err)
	k, w := newTestKafka(t, KafkaConfig{}, filter)

	require.NoError(t, k.Send(context.Background(), []mutation.Mutation{
		insert(1, row("app", "users", 1)),
		insert(2, row("app", "orders", 1)),
	}))
	require.Len(t, w.messages, 1)

	last, ok := k.LastPublished()
	require.True(t, ok)
	assert.Equal(t, int64(2), last.Metadata.ID)

	require.NoError(t, k.Send(context.Background(), []mutation.Mutation{insert(3, row("app", "orders", 2))}))
	assert.Len(t, w.messages, 1)
	last, _ = k.LastPublished()
	assert.Equal(t, int64(3), last.Metadata.ID)
}

func TestKafka_Compress(t *testing.T) {
	k, w := newTestKafka(t, KafkaConfig{Compress: true}, nil)
	require.NoError(t, k.Send(context.Background(), []mutation.Mutation{insert(1, row("app", "users", 1))}))

	raw, err := encoding.Decompress(w.messages[0].Value)
	require.NoError(t, err)
	var decoded mutation.Mutation
	require.NoError(t, encoding.Unmarshal(raw, &decoded))
	assert.Equal(t, int64(1), decoded.Metadata.ID)
}

func TestKafka_AsyncCompletion(t *testing.T) {
	k, w := newTestKafka(t, KafkaConfig{Async: true}, nil)

	var errs []error
	k.AddListener(func(err error) { errs = append(errs, err) })

	require.NoError(t, k.Send(context.Background(), []mutation.Mutation{insert(5, row("app", "users", 1))}))
	_, ok := k.LastPublished()
	assert.False(t, ok, "async sends are acknowledged by the completion callback")

	k.completion(w.messages, nil)
	last, ok := k.LastPublished()
	require.True(t, ok)
	assert.Equal(t, int64(5), last.Metadata.ID)

	boom := errors.New("produce failed")
	k.completion(w.messages, boom)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestKafka_AcknowledgeKeepsNewest(t *testing.T) {
	k, _ := newTestKafka(t, KafkaConfig{}, nil)
	k.acknowledge(insert(9, row("app", "users", 1)))
	k.acknowledge(insert(4, row("app", "users", 1)))

	last, _ := k.LastPublished()
	assert.Equal(t, int64(9), last.Metadata.ID)
}

type fakeStream struct {
	msgs []*nats.Msg
	err  error
	// ackErrs fails the async ack of the message with the given mutation id
	ackErrs map[string]error
}

type fakeFuture struct {
	msg *nats.Msg
	ok  chan *jetstream.PubAck
	err chan error
}

func (f *fakeFuture) Ok() <-chan *jetstream.PubAck { return f.ok }
func (f *fakeFuture) Err() <-chan error            { return f.err }
func (f *fakeFuture) Msg() *nats.Msg               { return f.msg }

func (f *fakeStream) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	return &jetstream.PubAck{Stream: "test", Sequence: uint64(len(f.msgs))}, nil
}

func (f *fakeStream) PublishMsgAsync(msg *nats.Msg, _ ...jetstream.PublishOpt) (jetstream.PubAckFuture, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	future := &fakeFuture{msg: msg, ok: make(chan *jetstream.PubAck, 1), err: make(chan error, 1)}
	if err, ok := f.ackErrs[msg.Header.Get(mutationIDHeader)]; ok {
		future.err <- err
	} else {
		future.ok <- &jetstream.PubAck{Stream: "test", Sequence: uint64(len(f.msgs))}
	}
	return future, nil
}

func newTestNats(t *testing.T, async bool) (*Nats, *fakeStream) {
	t.Helper()
	n, err := NewNats(NatsConfig{URL: "nats://localhost:4222", Subject: "cdc.app", Async: async}, nil, transformer.Msgpack{})
	require.NoError(t, err)
	fs := &fakeStream{ackErrs: make(map[string]error)}
	n.js = fs
	return n, fs
}

func TestNats_SendNotOpen(t *testing.T) {
	n, err := NewNats(NatsConfig{URL: "nats://localhost:4222", Subject: "cdc.app"}, nil, transformer.Msgpack{})
	require.NoError(t, err)
	require.Error(t, n.Send(context.Background(), []mutation.Mutation{insert(1, row("app", "users", 1))}))
}

func TestNats_Send(t *testing.T) {
	for _, async := range []bool{false, true} {
		n, fs := newTestNats(t, async)

		users := row("app", "users", 1)
		require.NoError(t, n.Send(context.Background(), []mutation.Mutation{insert(1, users), insert(2, users)}))

		require.Len(t, fs.msgs, 2)
		assert.Equal(t, "cdc.app", fs.msgs[0].Subject)
		assert.Equal(t, users.Key(), fs.msgs[0].Header.Get(keyHeader))
		assert.Equal(t, "2", fs.msgs[1].Header.Get(mutationIDHeader))

		last, ok := n.LastPublished()
		require.True(t, ok)
		assert.Equal(t, int64(2), last.Metadata.ID)
	}
}

func TestNats_SendFailure(t *testing.T) {
	n, fs := newTestNats(t, false)
	boom := errors.New("no responders")
	fs.err = boom

	err := n.Send(context.Background(), []mutation.Mutation{insert(1, row("app", "users", 1))})
	assert.ErrorIs(t, err, boom)
	_, ok := n.LastPublished()
	assert.False(t, ok)
}

func TestNats_AsyncAckFailureHoldsLastPublished(t *testing.T) {
	n, fs := newTestNats(t, true)
	fs.ackErrs["8"] = nats.ErrTimeout

	users := row("app", "users", 1)
	err := n.Send(context.Background(), []mutation.Mutation{insert(7, users), insert(8, users), insert(9, users)})
	require.NoError(t, err)
	require.Len(t, fs.msgs, 3)

	last, ok := n.LastPublished()
	require.True(t, ok)
	assert.Equal(t, int64(7), last.Metadata.ID)
}

func TestNats_AsyncFirstAckFailure(t *testing.T) {
	n, fs := newTestNats(t, true)
	fs.ackErrs["7"] = nats.ErrTimeout

	require.NoError(t, n.Send(context.Background(), []mutation.Mutation{insert(7, row("app", "users", 1))}))
	_, ok := n.LastPublished()
	assert.False(t, ok)
}

func TestNats_AsyncErrorNotifiesListeners(t *testing.T) {
	n, _ := newTestNats(t, true)
	var got error
	n.AddListener(func(err error) { got = err })

	boom := errors.New("ack timeout")
	n.asyncError(nil, nats.NewMsg("cdc.app"), boom)
	assert.ErrorIs(t, got, boom)
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "cdc_app_users", streamName("cdc.app.users"))
	assert.Equal(t, "cdc_ALL", streamName("cdc.*"))
}

func TestNew(t *testing.T) {
	snk, err := New(cfg.SinkConfiguration{
		Name:    "events",
		Type:    "kafka",
		Format:  "debezium",
		Brokers: []string{"localhost:9092"},
		Topic:   "events",
	})
	require.NoError(t, err)
	assert.IsType(t, &Kafka{}, snk)

	snk, err = New(cfg.SinkConfiguration{Type: "nats", NatsURL: "nats://localhost:4222", Topic: "cdc.app"})
	require.NoError(t, err)
	assert.IsType(t, &Nats{}, snk)

	_, err = New(cfg.SinkConfiguration{Type: "http"})
	require.Error(t, err)

	_, err = New(cfg.SinkConfiguration{Type: "kafka", Format: "avro", Brokers: []string{"b"}, Topic: "t"})
	require.Error(t, err)

	_, err = New(cfg.SinkConfiguration{Type: "kafka", Brokers: []string{"b"}, Topic: "t", FilterTables: []string{"[bad"}})
	require.Error(t, err)
}
