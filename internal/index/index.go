// Package index provides an in-memory vector index over report chunks with
// JSON file persistence. Entries are append-only: re-ingesting a document
// adds new entries, and nothing is ever updated in place.
package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"medreport-ai/internal/model"
)

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// DefaultTopK is returned count when a caller does not specify one.
const DefaultTopK = 5

type entry struct {
	Chunk  model.Chunk `json:"chunk"`
	Vector []float32   `json:"vector"`
}

// Result is one ranked retrieval hit.
type Result struct {
	Chunk model.Chunk
	Score float64
}

// Index stores (chunk, vector) entries and ranks by dot product. Vectors are
// expected to be unit length so dot product equals cosine similarity.
// Safe for concurrent Add and Query.
type Index struct {
	mu      sync.RWMutex
	entries []entry
	dim     int // fixed by the first successful Add
}

func New() *Index {
	return &Index{}
}

// Add appends one entry per chunk. The whole batch is validated against the
// index dimension before anything is appended, so a query never sees a
// partial batch and a dimension error leaves the index untouched.
func (ix *Index) Add(chunks []model.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d chunks but %d vectors", ErrDimensionMismatch, len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	dim := ix.dim
	if dim == 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim || dim == 0 {
			return fmt.Errorf("%w: vector %d has %d dimensions, index has %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}

	ix.dim = dim
	for i := range chunks {
		ix.entries = append(ix.entries, entry{Chunk: chunks[i], Vector: vectors[i]})
	}
	return nil
}

// Query returns the topK highest-scored entries, descending by score, ties
// broken by insertion order (earlier entries first). An empty index yields an
// empty result, never an error. topK < 1 falls back to DefaultTopK.
func (ix *Index) Query(vector []float32, topK int) ([]Result, error) {
	if topK < 1 {
		topK = DefaultTopK
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.entries) == 0 {
		return nil, nil
	}
	if len(vector) != ix.dim {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, index has %d", ErrDimensionMismatch, len(vector), ix.dim)
	}

	results := make([]Result, len(ix.entries))
	for i := range ix.entries {
		results[i] = Result{
			Chunk: ix.entries[i].Chunk,
			Score: dot(vector, ix.entries[i].Vector),
		}
	}
	// Stable sort keeps earlier-inserted entries first on equal scores.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if topK > len(results) {
		topK = len(results)
	}
	return results[:topK], nil
}

// Len reports the number of indexed entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Dimension reports the established vector dimension; 0 before the first Add.
func (ix *Index) Dimension() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dim
}

// Reset drops all entries. The dimension is re-established by the next Add.
func (ix *Index) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = nil
	ix.dim = 0
}

type indexFile struct {
	Dimension int     `json:"dimension"`
	Entries   []entry `json:"entries"`
}

// Persist writes the full entry set to path, replacing any previous file.
// The write goes through a temp file and rename so a crash mid-write cannot
// leave a truncated index behind.
func (ix *Index) Persist(path string) error {
	ix.mu.RLock()
	payload, err := json.Marshal(indexFile{Dimension: ix.dim, Entries: ix.entries})
	ix.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal index failed: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create index dir failed: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write index file failed: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace index file failed: %w", err)
	}
	return nil
}

// Load replaces the entry set with the contents of path. A missing file
// yields an empty index, not an error.
func (ix *Index) Load(path string) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		ix.Reset()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index file failed: %w", err)
	}

	var f indexFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse index file failed: %w", err)
	}
	for i, e := range f.Entries {
		if len(e.Vector) != f.Dimension {
			return fmt.Errorf("%w: persisted entry %d has %d dimensions, file header says %d",
				ErrDimensionMismatch, i, len(e.Vector), f.Dimension)
		}
	}

	ix.mu.Lock()
	ix.entries = f.Entries
	ix.dim = f.Dimension
	ix.mu.Unlock()
	return nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
