package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/journalkit/journalkit/internal/event"
	"github.com/journalkit/journalkit/pkg/postgres"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(&postgres.Client{DB: db}), mock
}

// RecordEvent writes on the caller's transaction only, so rolling back the
// enclosing mutation discards the event with it.
func TestRecordEventRidesCallerTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "entry.created", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)

	ev := event.NewEvent(event.TypeEntryCreated, uuid.New(), 1, "title", "body")
	require.NoError(t, RecordEvent(context.Background(), tx, ev))
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNextBatchSelectsUnpublishedInOrder(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	first, second := uuid.New(), uuid.New()
	aggregate := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "event_id", "aggregate_id", "event_type", "payload", "occurred_at", "published_at"}).
		AddRow(int64(1), first.String(), aggregate.String(), "entry.created", []byte(`{"entry_id":"x"}`), now, nil).
		AddRow(int64(2), second.String(), aggregate.String(), "entry.updated", []byte(`{"entry_id":"x"}`), now, nil)
	mock.ExpectQuery(`(?s)SELECT (.+) FROM outbox_events.*published_at IS NULL.*ORDER BY id`).
		WithArgs(100).
		WillReturnRows(rows)

	batch, err := store.NextBatch(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, int64(1), batch[0].ID)
	assert.Equal(t, first, batch[0].EventID)
	assert.Equal(t, event.TypeEntryCreated, batch[0].EventType)
	assert.False(t, batch[0].PublishedAt.Valid)
	assert.Equal(t, event.TypeEntryUpdated, batch[1].EventType)
}

// The update is guarded on published_at IS NULL so the null-to-non-null
// transition happens at most once even if two relays race on the row.
func TestMarkPublishedGuardsTransition(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)UPDATE outbox_events SET published_at = NOW\(\).*published_at IS NULL`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.MarkPublished(context.Background(), 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnpublishedStats(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT(.+) FROM outbox_events WHERE published_at IS NULL").
		WillReturnRows(sqlmock.NewRows([]string{"count", "min"}).
			AddRow(int64(3), time.Now().Add(-time.Minute)))

	count, oldestAge, err := store.UnpublishedStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Greater(t, oldestAge, 50*time.Second)
}

func TestUnpublishedStatsEmptyBacklog(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT(.+) FROM outbox_events WHERE published_at IS NULL").
		WillReturnRows(sqlmock.NewRows([]string{"count", "min"}).AddRow(int64(0), nil))

	count, oldestAge, err := store.UnpublishedStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, oldestAge)
}
