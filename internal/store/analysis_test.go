package store

import (
	"context"
	"database/sql/driver"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*AnalysisRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewAnalysisRepository(db), mock
}

// argContains matches any string argument containing the substring.
type argContains string

func (a argContains) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && strings.Contains(s, string(a))
}

func TestAnalysisStatus_Transitions(t *testing.T) {
	assert.True(t, StatusOpen.Valid())
	assert.False(t, AnalysisStatus("DONE").Valid())

	assert.False(t, StatusOpen.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestCreate_AllocatesSequentialCode(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(CAST\(SUBSTRING\(code FROM 5\) AS INTEGER\)\), 0\) \+ 1 FROM analyses`).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(3))
	mock.ExpectExec(`INSERT INTO analyses`).
		WithArgs(sqlmock.AnyArg(), "TMA-003", "abc.png", StatusOpen, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a, err := repo.Create(context.Background(), "abc.png")
	require.NoError(t, err)
	assert.Equal(t, "TMA-003", a.Code)
	assert.Equal(t, StatusOpen, a.Status)
	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessing_ClaimWon(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE analyses SET status = \$1, started_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs(StatusProcessing, sqlmock.AnyArg(), id, StatusOpen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := repo.MarkProcessing(context.Background(), id, time.Now())
	require.NoError(t, err)
	assert.True(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessing_ClaimLost(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	// Another worker already flipped the row; zero rows match the CAS guard.
	mock.ExpectExec(`UPDATE analyses SET status`).
		WithArgs(StatusProcessing, sqlmock.AnyArg(), id, StatusOpen).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := repo.MarkProcessing(context.Background(), id, time.Now())
	require.NoError(t, err)
	assert.False(t, won)
}

func TestMarkAnalysed_RequiresProcessingState(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE analyses SET status`).
		WithArgs(StatusDone, sqlmock.AnyArg(), sqlmock.AnyArg(), id, StatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkAnalysed(context.Background(), id, time.Now(), []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkFailed_DefaultsEmptyMessage(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE analyses SET status`).
		WithArgs(StatusFailed, sqlmock.AnyArg(), "unknown error", id, StatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkFailed(context.Background(), id, time.Now(), "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendProcessingLog_TimestampedLine(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE analyses SET processing_logs = COALESCE`).
		WithArgs(argContains("Processamento iniciado"), id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.AppendProcessingLog(context.Background(), id, "Processamento iniciado")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPending_EmptyQueue(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT .+ FROM analyses WHERE status = \$1 ORDER BY created_at ASC LIMIT 1`).
		WithArgs(StatusOpen).
		WillReturnRows(sqlmock.NewRows(strings.Split(analysisColumns, ", ")))

	a, err := repo.GetPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestGetByID_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM analyses WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(strings.Split(analysisColumns, ", ")))

	_, err := repo.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAll_FiltersAndPaging(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM analyses WHERE code ILIKE \$1 AND status = \$2`).
		WithArgs("%TMA%", StatusDone).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT .+ FROM analyses WHERE code ILIKE \$1 AND status = \$2 ORDER BY created_at DESC LIMIT 20 OFFSET 0`).
		WithArgs("%TMA%", StatusDone).
		WillReturnRows(sqlmock.NewRows(strings.Split(analysisColumns, ", ")).
			AddRow(id, "TMA-001", "a.png", StatusDone, now, now, now, []byte(`{"risk_level":"HIGH"}`), "log", nil))

	list, total, err := repo.ListAll(context.Background(),
		Filter{Code: "TMA", Status: StatusDone}, Page{Page: 1, Size: 20})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, "TMA-001", list[0].Code)
	assert.JSONEq(t, `{"risk_level":"HIGH"}`, string(list[0].Result))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAll_CapsPageSize(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM analyses`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`LIMIT 100 OFFSET 0`).
		WillReturnRows(sqlmock.NewRows(strings.Split(analysisColumns, ", ")))

	_, _, err := repo.ListAll(context.Background(), Filter{}, Page{Page: 1, Size: 5000})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
