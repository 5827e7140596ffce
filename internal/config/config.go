// Package config builds the process-wide Settings value. Settings are read
// once in main and passed by reference; there is no global accessor.
//
// Precedence: defaults < optional YAML file (CONFIG_FILE) < environment.
// A .env file in the working directory is loaded into the environment first.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Settings holds every recognized configuration option for both services.
type Settings struct {
	// Service listen addresses
	OrchestratorAddr string `yaml:"orchestrator_addr"`
	AnalyzerAddr     string `yaml:"analyzer_addr"`

	// Infrastructure endpoints
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`
	AnalyzerURL string `yaml:"analyzer_url"`

	// HTTP surface
	CORSOrigins       []string `yaml:"cors_origins"`
	LogLevel          string   `yaml:"log_level"`
	MaxUploadSizeMB   int      `yaml:"max_upload_size_mb"`
	AllowedImageTypes []string `yaml:"allowed_image_types"`

	// Blob storage for uploaded diagrams
	StorageRoot string `yaml:"storage_root"`

	// Retrieval-augmented context
	KnowledgeBasePath string `yaml:"knowledge_base_path"`
	RAGChunkSize      int    `yaml:"rag_chunk_size"`
	RAGChunkOverlap   int    `yaml:"rag_chunk_overlap"`

	// LLM providers
	GoogleAPIKey   string  `yaml:"google_api_key"`
	OpenAIAPIKey   string  `yaml:"openai_api_key"`
	PrimaryModel   string  `yaml:"primary_model"`
	FallbackModel  string  `yaml:"fallback_model"`
	OllamaBaseURL  string  `yaml:"ollama_base_url"`
	OllamaModel    string  `yaml:"ollama_model"`
	LLMTemperature float64 `yaml:"llm_temperature"`
}

// Defaults returns the baseline settings before file/env overlay.
func Defaults() *Settings {
	return &Settings{
		OrchestratorAddr:  ":8000",
		AnalyzerAddr:      ":8001",
		AnalyzerURL:       "http://localhost:8001",
		CORSOrigins:       []string{"*"},
		LogLevel:          "INFO",
		MaxUploadSizeMB:   10,
		AllowedImageTypes: []string{"image/jpeg", "image/png", "image/webp", "image/gif"},
		StorageRoot:       "./storage",
		RAGChunkSize:      800,
		RAGChunkOverlap:   80,
		PrimaryModel:      "gemini-1.5-pro",
		FallbackModel:     "gpt-4o",
		OllamaBaseURL:     "http://localhost:11434",
		OllamaModel:       "qwen2-vl",
		LLMTemperature:    0.0,
	}
}

// Load assembles Settings from defaults, an optional YAML file, and the
// environment. Missing .env or CONFIG_FILE are not errors.
func Load() (*Settings, error) {
	_ = godotenv.Load()

	s := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(s); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	s.applyEnv()

	if s.MaxUploadSizeMB <= 0 {
		return nil, fmt.Errorf("max_upload_size_mb must be positive, got %d", s.MaxUploadSizeMB)
	}
	if s.RAGChunkOverlap >= s.RAGChunkSize {
		return nil, fmt.Errorf("rag_chunk_overlap (%d) must be smaller than rag_chunk_size (%d)",
			s.RAGChunkOverlap, s.RAGChunkSize)
	}
	return s, nil
}

func (s *Settings) applyEnv() {
	setStr(&s.OrchestratorAddr, "ORCHESTRATOR_ADDR")
	setStr(&s.AnalyzerAddr, "ANALYZER_ADDR")
	setStr(&s.RedisURL, "REDIS_URL")
	setStr(&s.DatabaseURL, "DATABASE_URL")
	setStr(&s.AnalyzerURL, "ANALYZER_URL")
	setStr(&s.LogLevel, "LOG_LEVEL")
	setStr(&s.StorageRoot, "STORAGE_ROOT")
	setStr(&s.KnowledgeBasePath, "KNOWLEDGE_BASE_PATH")
	setStr(&s.GoogleAPIKey, "GOOGLE_API_KEY")
	setStr(&s.OpenAIAPIKey, "OPENAI_API_KEY")
	setStr(&s.PrimaryModel, "PRIMARY_MODEL")
	setStr(&s.FallbackModel, "FALLBACK_MODEL")
	setStr(&s.OllamaBaseURL, "OLLAMA_BASE_URL")
	setStr(&s.OllamaModel, "OLLAMA_MODEL")
	setInt(&s.MaxUploadSizeMB, "MAX_UPLOAD_SIZE_MB")
	setInt(&s.RAGChunkSize, "RAG_CHUNK_SIZE")
	setInt(&s.RAGChunkOverlap, "RAG_CHUNK_OVERLAP")
	setFloat(&s.LLMTemperature, "LLM_TEMPERATURE")
	setList(&s.CORSOrigins, "CORS_ORIGINS")
	setList(&s.AllowedImageTypes, "ALLOWED_IMAGE_TYPES")
}

// MaxUploadSizeBytes converts the configured MiB cap to bytes.
func (s *Settings) MaxUploadSizeBytes() int64 {
	return int64(s.MaxUploadSizeMB) * 1024 * 1024
}

// AllowsImageType reports whether content type ct is on the upload allow-list.
func (s *Settings) AllowsImageType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "image/jpg" {
		// common browser misspelling of image/jpeg
		ct = "image/jpeg"
	}
	for _, allowed := range s.AllowedImageTypes {
		if ct == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
