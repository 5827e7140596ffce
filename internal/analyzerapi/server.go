// Package analyzerapi is the HTTP surface of the threat-analyzer service:
// one synchronous analysis endpoint plus health and metrics.
package analyzerapi

import (
	"context"
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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/threatmodeling/backend/internal/config"
	"github.com/threatmodeling/backend/internal/llm"
	"github.com/threatmodeling/backend/internal/pipeline"
)

// Server hosts the analyzer endpoints.
type Server struct {
	cfg      *config.Settings
	pipeline *pipeline.Pipeline
	logger   *log.Logger
}

// NewServer wires the surface over one pipeline.
func NewServer(cfg *config.Settings, p *pipeline.Pipeline) *Server {
	return &Server{
		cfg:      cfg,
		pipeline: p,
		logger:   log.New(log.Writer(), "[ANALYZER-API] ", log.LstdFlags),
	}
}

// Router builds the mux router with CORS applied.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware(s.cfg.CORSOrigins))

	r.HandleFunc("/api/v1/threat-model/analyze", s.handleAnalyze).Methods("POST", "OPTIONS")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/health/live", s.handleHealth).Methods("GET")
	r.HandleFunc("/health/ready", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// handleAnalyze validates the upload and runs the full pipeline synchronously.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
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

	image, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadSizeBytes()+1))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Failed to read upload")
		return
	}
	if len(image) == 0 {
		writeDetail(w, http.StatusBadRequest, "Uploaded file is empty")
		return
	}
	if int64(len(image)) > s.cfg.MaxUploadSizeBytes() {
		writeDetail(w, http.StatusBadRequest,
			fmt.Sprintf("File too large. Maximum size: %dMB", s.cfg.MaxUploadSizeMB))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(image)
	}
	if !s.cfg.AllowsImageType(contentType) {
		writeDetail(w, http.StatusBadRequest,
			fmt.Sprintf("Unsupported image type %q", contentType))
		return
	}

	// Detection tuning knobs are accepted for client compatibility and
	// recorded alongside the request.
	confidence := formFloat(r, "confidence", 0.25)
	iou := formFloat(r, "iou", 0.45)

	s.logger.Printf("Analysis request: %s (%d bytes, conf=%.2f, iou=%.2f)",
		header.Filename, len(image), confidence, iou)

	ctx, cancel := context.WithTimeout(r.Context(), 290*time.Second)
	defer cancel()

	result, err := s.pipeline.Run(ctx, image)
	if err != nil {
		s.writeAnalysisError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeAnalysisError maps pipeline errors onto the response contract:
// guardrail rejections are client errors, total provider failure is a 500
// carrying the per-engine error chain.
func (s *Server) writeAnalysisError(w http.ResponseWriter, err error) {
	var guardErr *pipeline.GuardrailError
	if errors.As(err, &guardErr) {
		writeDetail(w, http.StatusBadRequest, guardErr.Reason)
		return
	}

	var allFailed *llm.AllFailedError
	if errors.As(err, &allFailed) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"detail":        allFailed.Error(),
			"engine_errors": allFailed.EngineErrors,
		})
		return
	}

	slog.Error("analyzer: analysis failed", "error", err)
	writeDetail(w, http.StatusInternalServerError, "Internal analysis error")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
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

func formFloat(r *http.Request, key string, fallback float64) float64 {
	raw := r.FormValue(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("analyzer: response encode failed", "error", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
