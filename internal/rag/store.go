package rag

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// VectorIndex is the retrieval collaborator: upsert document chunks, query
// the k most similar.
type VectorIndex interface {
	Upsert(docs []string) error
	TopK(query string, k int) ([]string, error)
	Len() int
	Close() error
}

var chunksBucket = []byte("chunks")

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// termStore is the default VectorIndex: chunks persisted in bbolt, ranked by
// cosine similarity over term-frequency vectors. Deterministic and fully
// offline; a hosted-embedding index can replace it behind the same interface.
type termStore struct {
	mu   sync.RWMutex
	db   *bolt.DB
	docs []scoredDoc
}

type scoredDoc struct {
	text string
	tf   map[string]float64
	norm float64
}

// openTermStore opens (or creates) the store at path and loads persisted
// chunks into memory for scoring.
func openTermStore(path string) (*termStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open index store: %w", err)
	}
	s := &termStore{db: db}
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(chunksBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			s.docs = append(s.docs, newScoredDoc(string(v)))
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load index store: %w", err)
	}
	return s, nil
}

func (s *termStore) Upsert(docs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(chunksBucket)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := b.Put(key, []byte(doc)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist chunks: %w", err)
	}
	for _, doc := range docs {
		s.docs = append(s.docs, newScoredDoc(doc))
	}
	return nil
}

func (s *termStore) TopK(query string, k int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := newScoredDoc(query)
	if q.norm == 0 || len(s.docs) == 0 {
		return nil, nil
	}

	type hit struct {
		score float64
		idx   int
	}
	hits := make([]hit, 0, len(s.docs))
	for i, d := range s.docs {
		if score := cosine(q, d); score > 0 {
			hits = append(hits, hit{score: score, idx: i})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if k > len(hits) {
		k = len(hits)
	}
	out := make([]string, 0, k)
	for _, h := range hits[:k] {
		out = append(out, s.docs[h.idx].text)
	}
	return out, nil
}

func (s *termStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *termStore) Close() error {
	return s.db.Close()
}

func newScoredDoc(text string) scoredDoc {
	tf := make(map[string]float64)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		tf[tok]++
	}
	var norm float64
	for _, c := range tf {
		norm += c * c
	}
	return scoredDoc{text: text, tf: tf, norm: math.Sqrt(norm)}
}

func cosine(a, b scoredDoc) float64 {
	if a.norm == 0 || b.norm == 0 {
		return 0
	}
	// Iterate the smaller map.
	if len(b.tf) < len(a.tf) {
		a, b = b, a
	}
	var dot float64
	for tok, c := range a.tf {
		dot += c * b.tf[tok]
	}
	return dot / (a.norm * b.norm)
}
