package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatmodeling/backend/internal/blob"
	"github.com/threatmodeling/backend/internal/config"
	"github.com/threatmodeling/backend/internal/notify"
	"github.com/threatmodeling/backend/internal/store"
)

type fakeQueue struct {
	ids  []uuid.UUID
	full bool
}

func (q *fakeQueue) Enqueue(id uuid.UUID) bool {
	if q.full {
		return false
	}
	q.ids = append(q.ids, id)
	return true
}

type testEnv struct {
	server *Server
	mock   sqlmock.Sqlmock
	queue  *fakeQueue
	blobs  blob.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.MonitorPingsOption(true),
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	queue := &fakeQueue{}
	server := NewServer(config.Defaults(), db, store.NewAnalysisRepository(db),
		blobs, notify.NewService(db), queue)
	return &testEnv{server: server, mock: mock, queue: queue, blobs: blobs}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestCreateAnalysis_Success(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectBegin()
	env.mock.ExpectQuery(`SELECT COALESCE`).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(1))
	env.mock.ExpectExec(`INSERT INTO analyses`).
		WithArgs(sqlmock.AnyArg(), "TMA-001", sqlmock.AnyArg(), store.StatusOpen, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	rec := env.do(uploadRequest(t, "diagram.png", "image/png", []byte("png-bytes")))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "TMA-001", resp["code"])
	assert.Equal(t, "EM_ABERTO", resp["status"])
	assert.Contains(t, resp["image_url"], "/image")

	// The upload was dispatched to the worker queue and the blob persisted.
	require.Len(t, env.queue.ids, 1)
	assert.Equal(t, resp["id"], env.queue.ids[0].String())
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestCreateAnalysis_UnsupportedType(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(uploadRequest(t, "doc.pdf", "application/pdf", []byte("%PDF-")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unsupported image type")
	assert.Empty(t, env.queue.ids)
}

func TestCreateAnalysis_EmptyFile(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(uploadRequest(t, "diagram.png", "image/png", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "empty")
}

func TestCreateAnalysis_Oversize(t *testing.T) {
	env := newTestEnv(t)
	env.server.cfg.MaxUploadSizeMB = 1

	rec := env.do(uploadRequest(t, "big.png", "image/png", bytes.Repeat([]byte("a"), 2<<20)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "File too large. Maximum: 1MB")
	assert.Empty(t, env.queue.ids)
}

func TestCreateAnalysis_MissingFileField(t *testing.T) {
	env := newTestEnv(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("name", "not-a-file"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Missing file field")
}

func analysisRows(id uuid.UUID, code string, status store.AnalysisStatus, result []byte) *sqlmock.Rows {
	cols := strings.Split(`id, code, image_path, status, created_at, started_at, finished_at, result, processing_logs, error_message`, ", ")
	return sqlmock.NewRows(cols).
		AddRow(id, code, "img.png", status, time.Now(), nil, nil, result, "[ts] Processamento iniciado\n", nil)
}

func TestGetAnalysis_Found(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()

	env.mock.ExpectQuery(`SELECT .+ FROM analyses WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(analysisRows(id, "TMA-002", store.StatusDone, []byte(`{"risk_level":"HIGH","threat_count":4}`)))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/analyses/"+id.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "TMA-002", resp["code"])
	result := resp["result"].(map[string]any)
	assert.Equal(t, "HIGH", result["risk_level"])
}

func TestGetAnalysis_NotFound(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()

	env.mock.ExpectQuery(`SELECT .+ FROM analyses WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/analyses/"+id.String(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAnalysis_InvalidID(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/analyses/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAnalyses_EnrichedFromResult(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()

	env.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM analyses`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	env.mock.ExpectQuery(`SELECT .+ FROM analyses ORDER BY created_at DESC`).
		WillReturnRows(analysisRows(id, "TMA-001", store.StatusDone,
			[]byte(`{"risk_level":"CRITICAL","risk_score":8.5,"threat_count":12}`)))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/analyses", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Items []struct {
			Code        string   `json:"code"`
			RiskLevel   string   `json:"risk_level"`
			RiskScore   *float64 `json:"risk_score"`
			ThreatCount *int     `json:"threat_count"`
		} `json:"items"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "CRITICAL", resp.Items[0].RiskLevel)
	require.NotNil(t, resp.Items[0].RiskScore)
	assert.Equal(t, 8.5, *resp.Items[0].RiskScore)
	require.NotNil(t, resp.Items[0].ThreatCount)
	assert.Equal(t, 12, *resp.Items[0].ThreatCount)
}

func TestListAnalyses_DateRangeParams(t *testing.T) {
	env := newTestEnv(t)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)

	env.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM analyses WHERE created_at >= \$1 AND created_at <= \$2`).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	env.mock.ExpectQuery(`SELECT .+ FROM analyses WHERE created_at >= \$1 AND created_at <= \$2 ORDER BY created_at DESC`).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := env.do(httptest.NewRequest(http.MethodGet,
		"/api/v1/analyses?created_at_from=2026-01-01&created_at_to=2026-12-31", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestListAnalyses_RejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/analyses?status=DONE", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetLogs(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()

	env.mock.ExpectQuery(`SELECT .+ FROM analyses WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(analysisRows(id, "TMA-001", store.StatusProcessing, nil))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/analyses/"+id.String()+"/logs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["logs"], "Processamento iniciado")
}

func TestGetImage_ServesBlobWithContentType(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()

	path, err := env.blobs.Put([]byte("png-bytes"), "png")
	require.NoError(t, err)

	env.mock.ExpectQuery(`SELECT image_path FROM analyses WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"image_path"}).AddRow(path))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/analyses/"+id.String()+"/image", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "png-bytes", rec.Body.String())
}

func TestGetImage_MissingBlob(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()

	env.mock.ExpectQuery(`SELECT image_path FROM analyses WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"image_path"}).AddRow("gone.png"))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/analyses/"+id.String()+"/image", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnreadNotifications(t *testing.T) {
	env := newTestEnv(t)
	nID, aID := uuid.New(), uuid.New()

	env.mock.ExpectQuery(`SELECT .+ FROM notifications WHERE is_read = FALSE`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "analysis_id", "title", "message", "is_read", "link", "created_at"}).
			AddRow(nID, aID, "Análise Concluída", "Análise TMA-001 concluída. Risco: HIGH. 4 ameaças identificadas.", false, "/analyses/"+aID.String(), time.Now()))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/notifications/unread?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		UnreadCount   int `json:"unread_count"`
		Notifications []struct {
			Title   string `json:"title"`
			Message string `json:"message"`
			Link    string `json:"link"`
		} `json:"notifications"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.UnreadCount)
	require.Len(t, resp.Notifications, 1)
	assert.Equal(t, "Análise Concluída", resp.Notifications[0].Title)
	assert.Contains(t, resp.Notifications[0].Message, "4 ameaças")
}

func TestMarkNotificationRead(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()

	env.mock.ExpectExec(`UPDATE notifications SET is_read = TRUE WHERE id = \$1`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/v1/notifications/"+id.String()+"/read", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMarkNotificationRead_Unknown(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()

	env.mock.ExpectExec(`UPDATE notifications SET is_read = TRUE WHERE id = \$1`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/v1/notifications/"+id.String()+"/read", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthReady_ChecksDatabase(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectPing()
	rec := env.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	env.mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	rec = env.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthLive(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
