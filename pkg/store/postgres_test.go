package store_test

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tillerworks/tiller/pkg/store"
)

func TestPostgresSaveUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO blobs").
		WithArgs("checkpoint/run-1", []byte("blob"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p := store.NewPostgres(db)
	require.NoError(t, p.Save(context.Background(), "checkpoint/run-1", []byte("blob")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT blob FROM blobs").
		WithArgs("checkpoint/run-1").
		WillReturnRows(sqlmock.NewRows([]string{"blob"}).AddRow([]byte("blob")))

	p := store.NewPostgres(db)
	got, err := p.Load(context.Background(), "checkpoint/run-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), got)
}

func TestPostgresLoadNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT blob FROM blobs").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"blob"}))

	p := store.NewPostgres(db)
	_, err = p.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT key FROM blobs").
		WithArgs("evidence/").
		WillReturnRows(sqlmock.NewRows([]string{"key"}).
			AddRow("evidence/run-1").
			AddRow("evidence/run-2"))

	p := store.NewPostgres(db)
	keys, err := p.List(context.Background(), "evidence/")
	require.NoError(t, err)
	assert.Equal(t, []string{"evidence/run-1", "evidence/run-2"}, keys)
}
