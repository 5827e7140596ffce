// Package api is the orchestrator's REST surface: analysis submission and
// querying, image and log retrieval, and the notification feed. Analysis
// execution itself is asynchronous; submission returns as soon as the job
// record exists.
package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/threatmodeling/backend/internal/blob"
	"github.com/threatmodeling/backend/internal/config"
	"github.com/threatmodeling/backend/internal/notify"
	"github.com/threatmodeling/backend/internal/store"
)

// Enqueuer dispatches a freshly created analysis to the worker pool.
type Enqueuer interface {
	Enqueue(id uuid.UUID) bool
}

// Server hosts the orchestrator endpoints.
type Server struct {
	cfg      *config.Settings
	db       *sql.DB
	repo     *store.AnalysisRepository
	blobs    blob.Store
	notifier *notify.Service
	dispatch Enqueuer
	logger   *log.Logger
}

// NewServer wires the surface.
func NewServer(
	cfg *config.Settings,
	db *sql.DB,
	repo *store.AnalysisRepository,
	blobs blob.Store,
	notifier *notify.Service,
	dispatch Enqueuer,
) *Server {
	return &Server{
		cfg:      cfg,
		db:       db,
		repo:     repo,
		blobs:    blobs,
		notifier: notifier,
		dispatch: dispatch,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the mux router with CORS applied.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware(s.cfg.CORSOrigins))
	r.Use(loggingMiddleware(s.logger))

	r.HandleFunc("/api/v1/analyses", s.handleCreate).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/analyses", s.handleList).Methods("GET")
	r.HandleFunc("/api/v1/analyses/{id}", s.handleGet).Methods("GET")
	r.HandleFunc("/api/v1/analyses/{id}/image", s.handleImage).Methods("GET")
	r.HandleFunc("/api/v1/analyses/{id}/logs", s.handleLogs).Methods("GET")

	r.HandleFunc("/api/v1/notifications/unread", s.handleUnread).Methods("GET")
	r.HandleFunc("/api/v1/notifications/{id}/read", s.handleMarkRead).Methods("POST", "OPTIONS")

	r.HandleFunc("/health", s.handleLive).Methods("GET")
	r.HandleFunc("/health/live", s.handleLive).Methods("GET")
	r.HandleFunc("/health/ready", s.handleReady).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// handleCreate accepts the diagram upload and creates an open analysis.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.MaxUploadSizeBytes()); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid multipart request")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadSizeBytes()+1))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Failed to read upload")
		return
	}
	if len(data) == 0 {
		writeDetail(w, http.StatusBadRequest, "Uploaded file is empty")
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadSizeBytes() {
		writeDetail(w, http.StatusBadRequest,
			fmt.Sprintf("File too large. Maximum: %dMB", s.cfg.MaxUploadSizeMB))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !s.cfg.AllowsImageType(contentType) {
		writeDetail(w, http.StatusBadRequest,
			fmt.Sprintf("Unsupported image type %q", contentType))
		return
	}

	path, err := s.blobs.Put(data, extensionFor(header.Filename, contentType))
	if err != nil {
		slog.Error("api: blob write failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to store image")
		return
	}

	a, err := s.repo.Create(r.Context(), path)
	if err != nil {
		slog.Error("api: create analysis failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to create analysis")
		return
	}

	// Direct dispatch. A full queue is fine; the scheduler sweep recovers
	// the job on its next tick.
	if s.dispatch != nil && !s.dispatch.Enqueue(a.ID) {
		s.logger.Printf("Queue full, %s deferred to scheduler", a.Code)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         a.ID,
		"code":       a.Code,
		"status":     a.Status,
		"created_at": a.CreatedAt,
		"image_url":  fmt.Sprintf("/api/v1/analyses/%s/image", a.ID),
	})
}

// listItem is the summary row in list responses, enriched from the stored
// result when the analysis is done.
type listItem struct {
	ID           uuid.UUID  `json:"id"`
	Code         string     `json:"code"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	RiskLevel    string     `json:"risk_level,omitempty"`
	RiskScore    *float64   `json:"risk_score,omitempty"`
	ThreatCount  *int       `json:"threat_count,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ImageURL     string     `json:"image_url"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := store.Filter{
		Code:   q.Get("code"),
		Status: store.AnalysisStatus(q.Get("status")),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Unknown status %q", f.Status))
		return
	}
	if from, ok := parseTime(q.Get("created_at_from")); ok {
		f.CreatedAtFrom = &from
	}
	if to, ok := parseTime(q.Get("created_at_to")); ok {
		f.CreatedAtTo = &to
	}

	p := store.Page{
		Page: queryInt(q.Get("page"), 1),
		Size: queryInt(q.Get("size"), 20),
	}

	analyses, total, err := s.repo.ListAll(r.Context(), f, p)
	if err != nil {
		slog.Error("api: list analyses failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to list analyses")
		return
	}

	items := make([]listItem, 0, len(analyses))
	for _, a := range analyses {
		items = append(items, summarize(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
		"page":  p.Page,
		"size":  p.Size,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	a, err := s.repo.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Analysis not found")
		return
	}
	if err != nil {
		slog.Error("api: get analysis failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to load analysis")
		return
	}

	resp := map[string]any{
		"id":          a.ID,
		"code":        a.Code,
		"status":      a.Status,
		"created_at":  a.CreatedAt,
		"started_at":  a.StartedAt,
		"finished_at": a.FinishedAt,
		"image_url":   fmt.Sprintf("/api/v1/analyses/%s/image", a.ID),
	}
	if len(a.Result) > 0 {
		resp["result"] = json.RawMessage(a.Result)
	}
	if a.ErrorMessage != "" {
		resp["error_message"] = a.ErrorMessage
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	path, err := s.repo.GetImagePath(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Analysis not found")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Failed to resolve image")
		return
	}

	data, err := s.blobs.Get(path)
	if errors.Is(err, blob.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Image not found")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Failed to read image")
		return
	}

	w.Header().Set("Content-Type", contentTypeForPath(path))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	a, err := s.repo.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Analysis not found")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Failed to load analysis")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": a.ProcessingLogs})
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), 20)
	notifications, err := s.notifier.ListUnread(r.Context(), limit)
	if err != nil {
		slog.Error("api: list notifications failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to list notifications")
		return
	}
	if notifications == nil {
		notifications = []*notify.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unread_count":  len(notifications),
		"notifications": notifications,
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	found, err := s.notifier.MarkRead(r.Context(), id)
	if err != nil {
		slog.Error("api: mark read failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to update notification")
		return
	}
	if !found {
		writeDetail(w, http.StatusNotFound, "Notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady additionally verifies database connectivity.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"detail": "database unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// summarize builds the list row, pulling the headline numbers out of the
// stored result JSON when present.
func summarize(a *store.Analysis) listItem {
	item := listItem{
		ID:           a.ID,
		Code:         a.Code,
		Status:       string(a.Status),
		CreatedAt:    a.CreatedAt,
		StartedAt:    a.StartedAt,
		FinishedAt:   a.FinishedAt,
		ErrorMessage: a.ErrorMessage,
		ImageURL:     fmt.Sprintf("/api/v1/analyses/%s/image", a.ID),
	}
	if len(a.Result) == 0 {
		return item
	}

	var summary struct {
		RiskLevel   string   `json:"risk_level"`
		RiskScore   *float64 `json:"risk_score"`
		ThreatCount *int     `json:"threat_count"`
	}
	if err := json.Unmarshal(a.Result, &summary); err != nil {
		slog.Warn("api: stored result unparseable", "code", a.Code, "error", err)
		return item
	}
	item.RiskLevel = summary.RiskLevel
	item.RiskScore = summary.RiskScore
	item.ThreatCount = summary.ThreatCount
	return item
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func parseTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return fallback
	}
	return v
}

func extensionFor(filename, contentType string) string {
	if i := strings.LastIndex(filename, "."); i >= 0 && i < len(filename)-1 {
		return strings.ToLower(filename[i+1:])
	}
	switch strings.ToLower(contentType) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}

func contentTypeForPath(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	default:
		return "image/png"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *log.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/health/live" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			logger.Printf("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start))
		})
	}
}

func corsMiddleware(origins []string) mux.MiddlewareFunc {
	allowed := "*"
	if len(origins) > 0 {
		allowed = strings.Join(origins, ", ")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: response encode failed", "error", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
