package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AnalysisStatus is the closed set of job states. Transitions:
// EM_ABERTO -> PROCESSANDO -> {ANALISADO, FALHOU}; the terminal states seal
// the record.
type AnalysisStatus string

const (
	StatusOpen       AnalysisStatus = "EM_ABERTO"
	StatusProcessing AnalysisStatus = "PROCESSANDO"
	StatusDone       AnalysisStatus = "ANALISADO"
	StatusFailed     AnalysisStatus = "FALHOU"
)

// Valid reports whether s is a known status value.
func (s AnalysisStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusProcessing, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s seals the record.
func (s AnalysisStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Analysis is one durable job record.
type Analysis struct {
	ID             uuid.UUID
	Code           string
	ImagePath      string
	Status         AnalysisStatus
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	Result         json.RawMessage
	ProcessingLogs string
	ErrorMessage   string
}

// Errors surfaced by the repository.
var (
	ErrNotFound          = errors.New("analysis not found")
	ErrInvalidTransition = errors.New("invalid analysis state transition")
)

// Filter narrows ListAll.
type Filter struct {
	Code          string
	Status        AnalysisStatus
	CreatedAtFrom *time.Time
	CreatedAtTo   *time.Time
}

// Page is 1-based; Size is capped by the repository.
type Page struct {
	Page int
	Size int
}

const maxPageSize = 100

// AnalysisRepository encapsulates every SQL operation on analyses.
type AnalysisRepository struct {
	db *sql.DB
}

// NewAnalysisRepository binds the repository to a connection pool.
func NewAnalysisRepository(db *sql.DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

const analysisColumns = `id, code, image_path, status, created_at, started_at, finished_at, result, processing_logs, error_message`

// Create inserts a new open analysis, allocating the next monotonic code
// (TMA-001, TMA-002, ...) inside the same transaction. The unique index on
// code backs the allocation against races.
func (r *AnalysisRepository) Create(ctx context.Context, imagePath string) (*Analysis, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(CAST(SUBSTRING(code FROM 5) AS INTEGER)), 0) + 1 FROM analyses`,
	).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("allocate code: %w", err)
	}

	a := &Analysis{
		ID:        uuid.New(),
		Code:      fmt.Sprintf("TMA-%03d", next),
		ImagePath: imagePath,
		Status:    StatusOpen,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO analyses (id, code, image_path, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.Code, a.ImagePath, a.Status, a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert analysis: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create: %w", err)
	}
	return a, nil
}

// GetByID loads one analysis or ErrNotFound.
func (r *AnalysisRepository) GetByID(ctx context.Context, id uuid.UUID) (*Analysis, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id)
	return scanAnalysis(row)
}

// GetImagePath returns the blob path for id.
func (r *AnalysisRepository) GetImagePath(ctx context.Context, id uuid.UUID) (string, error) {
	var path string
	err := r.db.QueryRowContext(ctx, `SELECT image_path FROM analyses WHERE id = $1`, id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get image path: %w", err)
	}
	return path, nil
}

// ListAll returns a page of analyses (newest first) plus the total count.
func (r *AnalysisRepository) ListAll(ctx context.Context, f Filter, p Page) ([]*Analysis, int, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size < 1 {
		p.Size = 20
	}
	if p.Size > maxPageSize {
		p.Size = maxPageSize
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Code != "" {
		where = append(where, `code ILIKE `+arg("%"+f.Code+"%"))
	}
	if f.Status != "" {
		where = append(where, `status = `+arg(f.Status))
	}
	if f.CreatedAtFrom != nil {
		where = append(where, `created_at >= `+arg(*f.CreatedAtFrom))
	}
	if f.CreatedAtTo != nil {
		where = append(where, `created_at <= `+arg(*f.CreatedAtTo))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analyses`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count analyses: %w", err)
	}

	query := `SELECT ` + analysisColumns + ` FROM analyses` + clause +
		` ORDER BY created_at DESC ` +
		fmt.Sprintf("LIMIT %d OFFSET %d", p.Size, (p.Page-1)*p.Size)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var out []*Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// MarkProcessing is the atomic claim: EM_ABERTO -> PROCESSANDO. Returns true
// iff this caller won; false means another worker already holds the job.
func (r *AnalysisRepository) MarkProcessing(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE analyses SET status = $1, started_at = $2 WHERE id = $3 AND status = $4`,
		StatusProcessing, startedAt, id, StatusOpen,
	)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processing rows: %w", err)
	}
	return n == 1, nil
}

// MarkAnalysed transitions PROCESSANDO -> ANALISADO, storing the result.
func (r *AnalysisRepository) MarkAnalysed(ctx context.Context, id uuid.UUID, finishedAt time.Time, result json.RawMessage) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE analyses SET status = $1, finished_at = $2, result = $3 WHERE id = $4 AND status = $5`,
		StatusDone, finishedAt, []byte(result), id, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("mark analysed: %w", err)
	}
	return requireOneRow(res)
}

// MarkFailed transitions PROCESSANDO -> FALHOU with a non-empty message.
func (r *AnalysisRepository) MarkFailed(ctx context.Context, id uuid.UUID, finishedAt time.Time, errorMessage string) error {
	if errorMessage == "" {
		errorMessage = "unknown error"
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE analyses SET status = $1, finished_at = $2, error_message = $3 WHERE id = $4 AND status = $5`,
		StatusFailed, finishedAt, errorMessage, id, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return requireOneRow(res)
}

// AppendProcessingLog appends one timestamped line to the job's log.
func (r *AnalysisRepository) AppendProcessingLog(ctx context.Context, id uuid.UUID, line string) error {
	entry := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), line)
	_, err := r.db.ExecContext(ctx,
		`UPDATE analyses SET processing_logs = COALESCE(processing_logs, '') || $1 WHERE id = $2`,
		entry, id,
	)
	if err != nil {
		return fmt.Errorf("append processing log: %w", err)
	}
	return nil
}

// GetPending returns the oldest open analysis, or nil when the queue is empty.
func (r *AnalysisRepository) GetPending(ctx context.Context) (*Analysis, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE status = $1 ORDER BY created_at ASC LIMIT 1`,
		StatusOpen)
	a, err := scanAnalysis(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrInvalidTransition
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (*Analysis, error) {
	var a Analysis
	var startedAt, finishedAt sql.NullTime
	var result []byte
	var logs, errMsg sql.NullString

	err := row.Scan(&a.ID, &a.Code, &a.ImagePath, &a.Status, &a.CreatedAt,
		&startedAt, &finishedAt, &result, &logs, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan analysis: %w", err)
	}
	if startedAt.Valid {
		a.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		a.FinishedAt = &finishedAt.Time
	}
	a.Result = result
	a.ProcessingLogs = logs.String
	a.ErrorMessage = errMsg.String
	return &a, nil
}
