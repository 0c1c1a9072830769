package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playsql/sandbox/pkg/session"
)

const (
	testTTL    = 30 * time.Minute
	testSessID = "0123456789abcdef0123456789abcdef"
)

var testSchema = session.SchemaPrefix + testSessID

var sessionColumns = []string{"id", "schema_name", "created_at", "last_used_at", "expires_at"}

func TestNew_DefaultTTL(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{})
	assert.Equal(t, defaultTTL, mgr.TTL())

	mgr = New(db, Config{TTL: time.Hour})
	assert.Equal(t, time.Hour, mgr.TTL())
}

func TestCreate_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{TTL: testTTL})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sandbox_sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("CREATE SCHEMA").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET LOCAL search_path").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE customers").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	sess, err := mgr.Create(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.True(t, session.ValidID(sess.ID))
	assert.Equal(t, session.SchemaPrefix+sess.ID, sess.SchemaName)
	assert.WithinDuration(t, sess.CreatedAt.Add(testTTL), sess.ExpiresAt, time.Second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_InsertFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{TTL: testTTL})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sandbox_sessions").
		WillReturnError(errors.New("connection refused"))
	mock.ExpectRollback()

	_, err = mgr.Create(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inserting session")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_SeedFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{TTL: testTTL})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sandbox_sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("CREATE SCHEMA").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET LOCAL search_path").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE customers").
		WillReturnError(errors.New("out of disk"))
	mock.ExpectRollback()

	_, err = mgr.Create(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seeding schema")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_Found(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{TTL: testTTL})
	now := time.Now().UTC()

	rows := sqlmock.NewRows(sessionColumns).
		AddRow(testSessID, testSchema, now, now, now.Add(testTTL))
	mock.ExpectQuery("SELECT .+ FROM sandbox_sessions").
		WithArgs(testSessID).
		WillReturnRows(rows)

	sess, err := mgr.Get(context.Background(), testSessID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, testSessID, sess.ID)
	assert.Equal(t, testSchema, sess.SchemaName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{TTL: testTTL})

	mock.ExpectQuery("SELECT .+ FROM sandbox_sessions").
		WithArgs(testSessID).
		WillReturnRows(sqlmock.NewRows(sessionColumns))

	sess, err := mgr.Get(context.Background(), testSessID)
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTouch_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{TTL: testTTL})

	mock.ExpectExec("UPDATE sandbox_sessions").
		WithArgs(testSessID, "1800 seconds").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, mgr.Touch(context.Background(), testSessID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTouch_ExpiredSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{TTL: testTTL})

	mock.ExpectExec("UPDATE sandbox_sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = mgr.Touch(context.Background(), testSessID)
	assert.ErrorIs(t, err, session.ErrExpired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReset_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{TTL: testTTL})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT schema_name FROM sandbox_sessions").
		WithArgs(testSessID).
		WillReturnRows(sqlmock.NewRows([]string{"schema_name"}).AddRow(testSchema))
	mock.ExpectExec("DROP SCHEMA IF EXISTS").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE SCHEMA").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET LOCAL search_path").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE customers").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE sandbox_sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, mgr.Reset(context.Background(), testSessID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReset_ExpiredSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{TTL: testTTL})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT schema_name FROM sandbox_sessions").
		WithArgs(testSessID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err = mgr.Reset(context.Background(), testSessID)
	assert.ErrorIs(t, err, session.ErrExpired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClose_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{TTL: testTTL})

	mock.ExpectBegin()
	mock.ExpectExec("DROP SCHEMA IF EXISTS").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM sandbox_sessions").
		WithArgs(testSessID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, mgr.Close(context.Background(), testSessID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClose_AlreadyGoneIsIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{TTL: testTTL})

	// Row already deleted, schema already dropped: still succeeds.
	mock.ExpectBegin()
	mock.ExpectExec("DROP SCHEMA IF EXISTS").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM sandbox_sessions").
		WithArgs(testSessID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	assert.NoError(t, mgr.Close(context.Background(), testSessID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClose_MalformedIDRejectedBeforeDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{TTL: testTTL})

	err = mgr.Close(context.Background(), "public; DROP SCHEMA public; --")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "no database calls expected")
}

func TestSweepExpired_ReclaimsBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{TTL: testTTL})

	otherID := "fedcba9876543210fedcba9876543210"
	rows := sqlmock.NewRows([]string{"id", "schema_name"}).
		AddRow(testSessID, testSchema).
		AddRow(otherID, session.SchemaPrefix+otherID)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, schema_name FROM sandbox_sessions").
		WithArgs(100).
		WillReturnRows(rows)
	mock.ExpectExec("DROP SCHEMA IF EXISTS").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DROP SCHEMA IF EXISTS").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM sandbox_sessions").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := mgr.SweepExpired(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepExpired_NothingToReclaim(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{TTL: testTTL})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, schema_name FROM sandbox_sessions").
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "schema_name"}))
	mock.ExpectCommit()

	n, err := mgr.SweepExpired(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepExpired_DropFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{TTL: testTTL})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, schema_name FROM sandbox_sessions").
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "schema_name"}).
			AddRow(testSessID, testSchema))
	mock.ExpectExec("DROP SCHEMA IF EXISTS").
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err = mgr.SweepExpired(context.Background(), 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dropping schema")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestShutdown_WithoutSweepRoutine(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mgr := New(db, Config{TTL: testTTL})
	assert.NoError(t, mgr.Shutdown())
}

func TestStartSweepRoutine_StopsOnShutdown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.MatchExpectationsInOrder(false)

	mgr := New(db, Config{TTL: testTTL})
	mgr.StartSweepRoutine(time.Hour, 100)
	assert.NoError(t, mgr.Shutdown())
}
