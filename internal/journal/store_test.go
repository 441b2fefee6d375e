package journal

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/journalkit/journalkit/pkg/errors"
	"github.com/journalkit/journalkit/pkg/postgres"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(&postgres.Client{DB: db}, nil), mock
}

func entryRows(id uuid.UUID, version int64, deleted bool) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "title", "body", "version", "deleted", "created_at", "updated_at"}).
		AddRow(id.String(), "old title", "old body", version, deleted, now, now)
}

func TestCreateRecordsEventInSameTx(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO entries").
		WithArgs(sqlmock.AnyArg(), "trip notes", "packed the tent", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "entry.created", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	entry, err := store.Create(context.Background(), CreateRequest{Title: "trip notes", Body: "packed the tent"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Version)
	assert.Equal(t, "trip notes", entry.Title)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A failed event write rolls the whole mutation back: the entry and its
// event either both persist or neither does.
func TestCreateRollsBackWhenEventWriteFails(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO entries").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.Create(context.Background(), CreateRequest{Title: "trip notes"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRequiresTitle(t *testing.T) {
	store, mock := newMockStore(t)

	_, err := store.Create(context.Background(), CreateRequest{Title: "  "})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet(), "validation failures never reach the database")
}

// A stale expected version is rejected before any write: no UPDATE runs and
// no event row is recorded.
func TestUpdateVersionConflictWritesNothing(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM entries").
		WithArgs(id).
		WillReturnRows(entryRows(id, 2, false))
	mock.ExpectRollback()

	title := "second thoughts"
	_, err := store.Update(context.Background(), id, 1, Changes{Title: &title})
	assert.ErrorIs(t, err, apperrors.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateBumpsVersionAndRecordsEvent(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM entries").
		WithArgs(id).
		WillReturnRows(entryRows(id, 1, false))
	mock.ExpectQuery("UPDATE entries SET").
		WithArgs(id, "new title", "old body", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(time.Now()))
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "entry.updated", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	title := "new title"
	entry, err := store.Update(context.Background(), id, 1, Changes{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Version)
	assert.Equal(t, "new title", entry.Title)
	assert.Equal(t, "old body", entry.Body)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRejectsEmptyChanges(t *testing.T) {
	store, mock := newMockStore(t)

	_, err := store.Update(context.Background(), uuid.New(), 1, Changes{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSoftDeletesAndRecordsEvent(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM entries").
		WithArgs(id).
		WillReturnRows(entryRows(id, 3, false))
	mock.ExpectExec("UPDATE entries SET deleted = TRUE").
		WithArgs(id, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "entry.deleted", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Delete(context.Background(), id, 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOnDeletedEntryNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM entries").
		WithArgs(id).
		WillReturnRows(entryRows(id, 4, true))
	mock.ExpectRollback()

	err := store.Delete(context.Background(), id, 4)
	assert.ErrorIs(t, err, apperrors.ErrEntryNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingEntry(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM entries").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), id)
	assert.ErrorIs(t, err, apperrors.ErrEntryNotFound)
}

func TestGetIncludesSoftDeleted(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM entries").
		WithArgs(id).
		WillReturnRows(entryRows(id, 5, true))

	entry, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, entry.Deleted)
	assert.Equal(t, int64(5), entry.Version)
}
