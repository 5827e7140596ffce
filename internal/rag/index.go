// Package rag builds and queries the retrieval index over the markdown
// knowledge corpus. The index is built at most once per process, persisted
// on disk under <corpus>/chroma_db/, and every failure degrades to "no
// context" rather than an error: retrieval is an enhancement, never a gate.
package rag

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/threatmodeling/backend/internal/config"
)

// persistDirName is the subdirectory of the corpus holding the on-disk store.
const persistDirName = "chroma_db"

const storeFileName = "index.db"

// Index is the process-level retrieval accessor. Construction is cheap; the
// underlying store is resolved and built lazily on first Query.
type Index struct {
	settings *config.Settings

	once sync.Once
	idx  VectorIndex
}

// New returns a lazy Index bound to the given settings.
func New(s *config.Settings) *Index {
	return &Index{settings: s}
}

// Query returns up to k corpus chunks relevant to query. It returns nil when
// retrieval is disabled (no corpus) or fails; callers proceed without context.
func (i *Index) Query(query string, k int) []string {
	i.once.Do(i.build)
	if i.idx == nil {
		return nil
	}
	chunks, err := i.idx.TopK(query, k)
	if err != nil {
		slog.Warn("rag: retrieval failed", "error", err)
		return nil
	}
	return chunks
}

// Close releases the on-disk store if one was opened.
func (i *Index) Close() error {
	if i.idx != nil {
		return i.idx.Close()
	}
	return nil
}

func (i *Index) build() {
	corpus := i.resolveCorpusPath()
	if corpus == "" {
		slog.Warn("rag: knowledge base path not found, running without retrieval")
		return
	}

	persistDir := filepath.Join(corpus, persistDirName)
	if err := os.MkdirAll(persistDir, 0o755); err != nil {
		slog.Error("rag: cannot create persist dir", "dir", persistDir, "error", err)
		return
	}
	storePath := filepath.Join(persistDir, storeFileName)

	// Reuse the persisted store when it already holds chunks.
	if _, err := os.Stat(storePath); err == nil {
		store, err := openTermStore(storePath)
		if err == nil && store.Len() > 0 {
			slog.Info("rag: loaded persisted index", "chunks", store.Len(), "path", storePath)
			i.idx = store
			return
		}
		if err != nil {
			slog.Warn("rag: persisted index unreadable, rebuilding", "error", err)
			os.Remove(storePath)
		} else {
			store.Close()
			os.Remove(storePath)
		}
	}

	store, err := openTermStore(storePath)
	if err != nil {
		slog.Error("rag: index store open failed", "error", err)
		return
	}

	chunks := i.loadCorpus(corpus, persistDir)
	if len(chunks) == 0 {
		slog.Warn("rag: no markdown documents in corpus", "corpus", corpus)
		store.Close()
		os.Remove(storePath)
		return
	}
	if err := store.Upsert(chunks); err != nil {
		slog.Error("rag: index build failed", "error", err)
		store.Close()
		return
	}
	slog.Info("rag: index built", "chunks", len(chunks), "corpus", corpus)
	i.idx = store
}

// resolveCorpusPath prefers the configured path, then ./rag_data.
func (i *Index) resolveCorpusPath() string {
	if p := i.settings.KnowledgeBasePath; p != "" {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p
		}
		slog.Warn("rag: configured knowledge base path missing", "path", i.settings.KnowledgeBasePath)
	}
	if info, err := os.Stat("rag_data"); err == nil && info.IsDir() {
		return "rag_data"
	}
	return ""
}

// loadCorpus gathers every .md file under corpus (skipping the persist dir)
// and splits it into overlapping chunks.
func (i *Index) loadCorpus(corpus, persistDir string) []string {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(i.settings.RAGChunkSize),
		textsplitter.WithChunkOverlap(i.settings.RAGChunkOverlap),
	)

	var chunks []string
	err := filepath.Walk(corpus, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if filepath.Clean(path) == filepath.Clean(persistDir) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(info.Name()), ".md") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("rag: failed to load document", "path", path, "error", err)
			return nil
		}
		parts, err := splitter.SplitText(string(data))
		if err != nil {
			slog.Warn("rag: failed to split document", "path", path, "error", err)
			return nil
		}
		chunks = append(chunks, parts...)
		return nil
	})
	if err != nil {
		slog.Warn("rag: corpus sweep failed", "error", err)
	}
	return chunks
}
