package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/journalkit/journalkit/internal/event"
	"github.com/journalkit/journalkit/internal/journal"
	"github.com/journalkit/journalkit/pkg/config"
	apperrors "github.com/journalkit/journalkit/pkg/errors"
	"github.com/journalkit/journalkit/pkg/kafka"
)

type capturingPublisher struct {
	events []kafka.Event
	err    error
}

func (c *capturingPublisher) Publish(ctx context.Context, ev kafka.Event) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *capturingPublisher) deadLetters(t *testing.T) []DeadLetter {
	t.Helper()
	var dls []DeadLetter
	for _, ev := range c.events {
		dl, ok := ev.Value.(DeadLetter)
		require.True(t, ok, "dead-letter subject carries DeadLetter payloads")
		dls = append(dls, dl)
	}
	return dls
}

// flakyEmbedder fails the first n calls with a transient error.
type flakyEmbedder struct {
	failures int
	vector   []float32
	calls    int
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, apperrors.ErrEmbeddingUnavailable
	}
	return f.vector, nil
}

func (f *flakyEmbedder) Dimensions() int { return len(f.vector) }

func indexerConfig() config.IndexerConfig {
	return config.IndexerConfig{
		Workers:        1,
		MaxDeliver:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		ProcessTimeout: time.Second,
	}
}

func consumerTopics() config.KafkaTopics {
	return config.KafkaTopics{
		EntryCreated: "events.entry.created",
		EntryUpdated: "events.entry.updated",
		EntryDeleted: "events.entry.deleted",
		DeadLetter:   "events.entry.deadletter",
	}
}

func wireMessage(t *testing.T, ev event.Event) []byte {
	t.Helper()
	env, err := ev.Envelope()
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func TestHandleSuccessNoDeadLetter(t *testing.T) {
	entry := liveEntry(1)
	source := &fakeEntrySource{entries: map[uuid.UUID]*journal.Entry{entry.ID: entry}}
	index := newFakeIndexWriter()
	processor := NewProcessor(source, index, &flakyEmbedder{vector: []float32{0.5}})
	pub := &capturingPublisher{}
	c := NewConsumer(processor, pub, nil, indexerConfig(), consumerTopics(), nil)

	ev := event.NewEvent(event.TypeEntryCreated, entry.ID, 1, entry.Title, entry.Body)
	err := c.Handle()(context.Background(), []byte(entry.ID.String()), wireMessage(t, ev))
	require.NoError(t, err)
	assert.Empty(t, pub.events)
	assert.Equal(t, int64(1), index.records[entry.ID].version)
}

func TestHandleRetriesTransientThenSucceeds(t *testing.T) {
	entry := liveEntry(1)
	source := &fakeEntrySource{entries: map[uuid.UUID]*journal.Entry{entry.ID: entry}}
	index := newFakeIndexWriter()
	embedder := &flakyEmbedder{failures: 2, vector: []float32{0.5}}
	processor := NewProcessor(source, index, embedder)
	pub := &capturingPublisher{}
	c := NewConsumer(processor, pub, nil, indexerConfig(), consumerTopics(), nil)

	ev := event.NewEvent(event.TypeEntryCreated, entry.ID, 1, entry.Title, entry.Body)
	err := c.Handle()(context.Background(), nil, wireMessage(t, ev))
	require.NoError(t, err)
	assert.Equal(t, 3, embedder.calls)
	assert.Empty(t, pub.events, "recovered messages must not dead-letter")
	assert.Equal(t, int64(1), index.records[entry.ID].version)
}

func TestHandleExhaustedRetriesDeadLetters(t *testing.T) {
	entry := liveEntry(1)
	source := &fakeEntrySource{entries: map[uuid.UUID]*journal.Entry{entry.ID: entry}}
	embedder := &flakyEmbedder{failures: 100}
	processor := NewProcessor(source, newFakeIndexWriter(), embedder)
	pub := &capturingPublisher{}
	cfg := indexerConfig()
	c := NewConsumer(processor, pub, nil, cfg, consumerTopics(), nil)

	ev := event.NewEvent(event.TypeEntryUpdated, entry.ID, 1, entry.Title, entry.Body)
	err := c.Handle()(context.Background(), nil, wireMessage(t, ev))
	require.NoError(t, err, "dead-lettering resolves the message, offset commits")

	assert.Equal(t, cfg.MaxDeliver, embedder.calls)
	dls := pub.deadLetters(t)
	require.Len(t, dls, 1)
	assert.Equal(t, consumerTopics().DeadLetter, pub.events[0].Topic)
	assert.Equal(t, ev.ID, dls[0].Envelope.EventID)
	assert.Equal(t, cfg.MaxDeliver, dls[0].Attempts)
	assert.Equal(t, "transient", dls[0].Class)
	assert.Contains(t, dls[0].Reason, "embedding")
}

func TestHandlePermanentFailureDeadLettersImmediately(t *testing.T) {
	// Entry does not exist: retrying cannot help.
	source := &fakeEntrySource{entries: map[uuid.UUID]*journal.Entry{}}
	embedder := &flakyEmbedder{}
	processor := NewProcessor(source, newFakeIndexWriter(), embedder)
	pub := &capturingPublisher{}
	c := NewConsumer(processor, pub, nil, indexerConfig(), consumerTopics(), nil)

	ev := event.NewEvent(event.TypeEntryCreated, uuid.New(), 1, "t", "b")
	err := c.Handle()(context.Background(), nil, wireMessage(t, ev))
	require.NoError(t, err)

	dls := pub.deadLetters(t)
	require.Len(t, dls, 1)
	assert.Equal(t, 1, dls[0].Attempts, "permanent failures do not burn redelivery budget")
	assert.Equal(t, "permanent", dls[0].Class)
	assert.Zero(t, embedder.calls)
}

func TestHandleMalformedMessageDeadLettersRaw(t *testing.T) {
	processor := NewProcessor(&fakeEntrySource{}, newFakeIndexWriter(), &flakyEmbedder{})
	pub := &capturingPublisher{}
	c := NewConsumer(processor, pub, nil, indexerConfig(), consumerTopics(), nil)

	raw := []byte(`{"event_type":"entry.exploded"}`)
	err := c.Handle()(context.Background(), []byte("key"), raw)
	require.NoError(t, err)

	dls := pub.deadLetters(t)
	require.Len(t, dls, 1)
	assert.Equal(t, "permanent", dls[0].Class)
	assert.JSONEq(t, string(raw), string(dls[0].Raw), "original bytes are preserved for inspection")
	assert.Zero(t, dls[0].Attempts)
}

func TestHandleDeadLetterPublishFailureLeavesOffsetUncommitted(t *testing.T) {
	processor := NewProcessor(&fakeEntrySource{entries: map[uuid.UUID]*journal.Entry{}}, newFakeIndexWriter(), &flakyEmbedder{})
	pub := &capturingPublisher{err: errors.New("broker down")}
	c := NewConsumer(processor, pub, nil, indexerConfig(), consumerTopics(), nil)

	ev := event.NewEvent(event.TypeEntryCreated, uuid.New(), 1, "t", "b")
	err := c.Handle()(context.Background(), nil, wireMessage(t, ev))
	require.Error(t, err, "losing both the message and its dead letter would break at-least-once")
}

func TestHandleShutdownReturnsWithoutDeadLetter(t *testing.T) {
	entry := liveEntry(1)
	source := &fakeEntrySource{entries: map[uuid.UUID]*journal.Entry{entry.ID: entry}}
	embedder := &flakyEmbedder{failures: 100}
	processor := NewProcessor(source, newFakeIndexWriter(), embedder)
	pub := &capturingPublisher{}
	c := NewConsumer(processor, pub, nil, indexerConfig(), consumerTopics(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev := event.NewEvent(event.TypeEntryCreated, entry.ID, 1, entry.Title, entry.Body)
	err := c.Handle()(ctx, nil, wireMessage(t, ev))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pub.events, "shutdown must redeliver, not dead-letter")
}
