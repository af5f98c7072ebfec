package engine

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permitline/internal/config"
	"permitline/internal/domain"
)

func TestInTxRollsBackPartialWrites(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	eng := New(conn, config.Default())
	eng.NewID = func() string { return "h-1" }
	ctx := context.Background()
	boom := errors.New("disk I/O error")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO approval_history").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO work_permits").WillReturnError(boom)
	mock.ExpectRollback()

	err = eng.inTx(ctx, "issue", func(tx *sql.Tx) error {
		if err := eng.history(ctx, tx, "f-1", domain.RolePermitIssuer, "pi@example.com", domain.DecisionApproved, "",
			domain.StageApprovedFromPAToPI, domain.StageIssued, "2024-03-01T09:00:00Z"); err != nil {
			return err
		}
		return eng.Repo.InsertWorkPermit(ctx, tx, domain.WorkPermit{ID: "p-1", FormID: "f-1"})
	})
	var dErr *domain.DependencyError
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, "issue", dErr.Op)
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxPassesDomainErrorsThrough(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	eng := New(conn, config.Default())

	mock.ExpectBegin()
	mock.ExpectRollback()
	err = eng.inTx(context.Background(), "decide", func(*sql.Tx) error {
		return &domain.ValidationError{Messages: []string{"PA decision is required"}}
	})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideLoadFailureIsDependencyError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	eng := New(conn, config.Default())
	boom := errors.New("connection reset")

	member := func() *sqlmock.Rows { return sqlmock.NewRows([]string{"1"}).AddRow(1) }
	mock.ExpectQuery("FROM group_members").WillReturnRows(member())
	mock.ExpectQuery("FROM group_members").WillReturnRows(member())
	mock.ExpectBegin()
	mock.ExpectQuery("FROM forms").WillReturnError(boom)
	mock.ExpectRollback()

	_, err = eng.Decide(context.Background(), DecideInput{FormID: "f-1", Actor: "pa@example.com", Decision: domain.DecisionApproved})
	var dErr *domain.DependencyError
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, "load form", dErr.Op)
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectoryFailureIsDependencyError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	eng := New(conn, config.Default())

	mock.ExpectQuery("FROM group_members").WillReturnError(errors.New("timeout"))
	_, err = eng.Cancel(context.Background(), CancelInput{FormID: "f-1", Actor: "po@example.com"})
	var dErr *domain.DependencyError
	require.ErrorAs(t, err, &dErr)
	require.NoError(t, mock.ExpectationsWereMet())
}
