package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema_DeclaresTables(t *testing.T) {
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS ledger_journal")
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS ledger_idempotency")
}

func TestEnsureSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger_journal").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	assert.NoError(t, EnsureSchema(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))

	assert.ErrorContains(t, EnsureSchema(context.Background(), mock), "applying schema")
}
