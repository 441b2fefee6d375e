package kafka

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs    []kafka.Message
	fetched int
	commits []kafka.Message
	closed  bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if f.fetched >= len(f.msgs) {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[f.fetched]
	f.fetched++
	return m, nil
}

func (f *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.commits = append(f.commits, msgs...)
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func newTestConsumer(reader messageReader, handler MessageHandler) *Consumer {
	return &Consumer{
		reader:  reader,
		logger:  slog.Default(),
		handler: handler,
	}
}

func TestStartCommitsAfterHandler(t *testing.T) {
	msgs := []kafka.Message{
		{Topic: "events.entry.created", Partition: 0, Offset: 4, Value: []byte("a")},
		{Topic: "events.entry.created", Partition: 0, Offset: 5, Value: []byte("b")},
	}
	reader := &fakeReader{msgs: msgs}

	ctx, cancel := context.WithCancel(context.Background())
	var handled int
	consumer := newTestConsumer(reader, func(ctx context.Context, key, value []byte) error {
		handled++
		if handled == len(msgs) {
			cancel()
		}
		return nil
	})

	require.NoError(t, consumer.Start(ctx))
	assert.Equal(t, msgs, reader.commits)
	assert.True(t, reader.closed)
}

// A handler failure must stop the loop with the offset uncommitted. If the
// loop kept going, committing the next message would advance the cumulative
// group offset past the failed one and it would never be redelivered.
func TestStartStopsOnHandlerError(t *testing.T) {
	msgs := []kafka.Message{
		{Topic: "events.entry.created", Partition: 0, Offset: 4, Value: []byte("a")},
		{Topic: "events.entry.created", Partition: 0, Offset: 5, Value: []byte("b")},
	}
	reader := &fakeReader{msgs: msgs}

	handlerErr := errors.New("dead-letter publish failed")
	consumer := newTestConsumer(reader, func(ctx context.Context, key, value []byte) error {
		return handlerErr
	})

	err := consumer.Start(context.Background())
	require.ErrorIs(t, err, handlerErr)
	assert.Empty(t, reader.commits, "the failed message's offset stays uncommitted")
	assert.Equal(t, 1, reader.fetched, "no later message is processed past the failure")
	assert.True(t, reader.closed)
}

func TestStartStopsOnCancel(t *testing.T) {
	reader := &fakeReader{}
	consumer := newTestConsumer(reader, func(ctx context.Context, key, value []byte) error {
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, consumer.Start(ctx))
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	decoded, err := DecodeJSON[payload]([]byte(`{"name":"morning pages"}`))
	require.NoError(t, err)
	assert.Equal(t, "morning pages", decoded.Name)

	_, err = DecodeJSON[payload]([]byte(`{`))
	assert.Error(t, err)
}
