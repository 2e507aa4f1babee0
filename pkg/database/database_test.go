package database_test

import (
	"context"
	"errors"
	"testing"

	"github.com/medflow/rx-verification/pkg/database"
	"github.com/medflow/rx-verification/pkg/logger"
	"github.com/medflow/rx-verification/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_CommitsAndSharesTx(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	db := database.Wrap(mockDB.DB, logger.Nop())

	mockDB.ExpectBegin()
	mockDB.ExpectExec("UPDATE uploads SET fraud_score = $1").
		WithArgs(10).
		WillReturnResult(testutil.Result(1))
	mockDB.ExpectCommit()

	err := db.Transaction(context.Background(), func(ctx context.Context) error {
		_, err := db.Conn(ctx).ExecContext(ctx, "UPDATE uploads SET fraud_score = $1", 10)
		return err
	})

	require.NoError(t, err)
	mockDB.ExpectationsWereMet(t)
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	db := database.Wrap(mockDB.DB, logger.Nop())

	mockDB.ExpectBegin()
	mockDB.ExpectRollback()

	boom := errors.New("boom")
	err := db.Transaction(context.Background(), func(ctx context.Context) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	mockDB.ExpectationsWereMet(t)
}

func TestTransaction_NestedJoinsOuter(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	db := database.Wrap(mockDB.DB, logger.Nop())

	mockDB.ExpectBegin()
	mockDB.ExpectCommit()

	err := db.Transaction(context.Background(), func(ctx context.Context) error {
		return db.Transaction(ctx, func(ctx context.Context) error { return nil })
	})

	require.NoError(t, err)
	mockDB.ExpectationsWereMet(t)
}
