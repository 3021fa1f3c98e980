package sqlstore

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/eventlog"
)

func newPostgresMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS chats").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := New(context.Background(), db, Postgres)
	require.NoError(t, err)
	s.now = func() time.Time { return time.UnixMilli(42) }
	return s, mock
}

func TestRebind(t *testing.T) {
	s := &Store{dialect: Postgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", s.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	s.dialect = SQLite
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}

func TestPostgresGetChatNotFound(t *testing.T) {
	s, mock := newPostgresMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, owner_id, persona_id, title, created_at FROM chats WHERE id = $1`)).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "persona_id", "title", "created_at"}))

	_, err := s.GetChat(context.Background(), "c1")
	assert.ErrorIs(t, err, chat.ErrChatNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendMessageUnknownChat(t *testing.T) {
	s, mock := newPostgresMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO messages(id, chat_id, role, parts, attachments, created_at) SELECT $1, $2, $3, $4, $5, $6 WHERE EXISTS (SELECT 1 FROM chats WHERE id = $7)`)).
		WithArgs("m1", "c1", "user", sqlmock.AnyArg(), "[]", int64(42), "c1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.AppendMessage(context.Background(), chat.Message{ID: "m1", ChatID: "c1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("hi")}})
	assert.ErrorIs(t, err, chat.ErrChatNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendEvent(t *testing.T) {
	s, mock := newPostgresMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT (SELECT COUNT(1) FROM stream_seals WHERE session_id = $1), (SELECT COALESCE(MAX(seq), -1) FROM stream_events WHERE session_id = $2)`)).
		WithArgs("sess", "sess").
		WillReturnRows(sqlmock.NewRows([]string{"sealed", "last"}).AddRow(int64(0), int64(2)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO stream_events(session_id, seq, payload, created_at) VALUES($1, $2, $3, $4)`)).
		WithArgs("sess", int64(3), `{"x":1}`, int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Append(context.Background(), "sess", 3, []byte(`{"x":1}`)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendEventRejectsGap(t *testing.T) {
	s, mock := newPostgresMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT (SELECT COUNT(1) FROM stream_seals`)).
		WithArgs("sess", "sess").
		WillReturnRows(sqlmock.NewRows([]string{"sealed", "last"}).AddRow(int64(0), int64(0)))
	mock.ExpectRollback()

	err := s.Append(context.Background(), "sess", 4, []byte(`{}`))
	assert.ErrorIs(t, err, eventlog.ErrSequenceConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSealIsIdempotentUpsert(t *testing.T) {
	s, mock := newPostgresMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO stream_seals(session_id, sealed_at) VALUES($1, $2) ON CONFLICT (session_id) DO NOTHING`)).
		WithArgs("sess", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Seal(context.Background(), "sess"))
	require.NoError(t, mock.ExpectationsWereMet())
}
