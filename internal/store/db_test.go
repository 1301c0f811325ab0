package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestMigrateTwiceIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(path)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	var again int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&again))
	require.Equal(t, count, again, "reopening must not re-apply recorded migrations")
}

func TestApplyMigration_CommitsSchemaAndBookkeepingTogether(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE widgets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO _migrations").
		WithArgs(7, "0007_widgets.sql").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	d := &DB{DB: mockDB}
	err = d.applyMigration(migration{version: 7, name: "0007_widgets.sql", sql: "CREATE TABLE widgets (id INTEGER)"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyMigration_RollsBackOnFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE broken").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	d := &DB{DB: mockDB}
	err = d.applyMigration(migration{version: 8, name: "0008_broken.sql", sql: "CREATE TABLE broken ("})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPRStateRepo_ResetAttempts(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewDesignRepo(db).Create(&Design{ID: "d1", Description: "x"}))
	prs := NewPRStateRepo(db)
	require.NoError(t, prs.Create(&PRState{PRNumber: 400, DesignID: "d1"}))

	for i := 0; i < 4; i++ {
		require.NoError(t, prs.IncrementCIAttempts(400))
		require.NoError(t, prs.IncrementReviewAttempts(400))
	}
	require.NoError(t, prs.ResetCIAttempts(400))
	require.NoError(t, prs.ResetReviewAttempts(400))

	p, err := prs.GetByPR(400)
	require.NoError(t, err)
	require.Zero(t, p.CIAttempts)
	require.Zero(t, p.ReviewAttempts)
}
