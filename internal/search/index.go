// Package search provides the similarity retriever: a concurrency-safe vector
// index over embedded document chunks, queried by cosine similarity with an
// optional category/week filter.
//
//   - No logging in the library (callers decide how/what to log)
//   - Functional options for queries and index construction
//   - Deterministic ordering: similarity descending, ties by chunk id ascending
//   - Strict threshold: a result qualifies only when similarity > threshold
//   - Swappable backends behind the Index interface (FlatIndex, ChromemIndex)
package search

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
)

// Defaults applied by NewQuery.
const (
	DefaultThreshold = 0.5
	DefaultLimit     = 5
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// dimension the index was built for.
var ErrDimensionMismatch = errors.New("search: embedding dimension mismatch")

// Entry is one embedded chunk as stored in an index.
type Entry struct {
	ChunkID    string
	DocumentID string
	FileName   string
	Page       *int
	Category   string
	Week       int // 0 when unknown
	Text       string
	Vector     []float32
}

// Result is a qualifying chunk with its cosine similarity to the query.
type Result struct {
	ChunkID    string
	DocumentID string
	FileName   string
	Page       *int
	Category   string
	Week       int
	Text       string
	Similarity float64
}

// Query describes a similarity search. Build it with NewQuery.
type Query struct {
	Embedding []float32
	Threshold float64
	Limit     int
	Category  string // empty: any
	Week      int    // 0: any
}

// QueryOption customizes a Query.
type QueryOption func(*Query)

// NewQuery returns a Query for vec with the default threshold and limit,
// then applies opts.
func NewQuery(vec []float32, opts ...QueryOption) Query {
	q := Query{Embedding: vec, Threshold: DefaultThreshold, Limit: DefaultLimit}
	for _, o := range opts {
		o(&q)
	}
	return q
}

// WithThreshold sets the exclusive similarity floor.
func WithThreshold(t float64) QueryOption {
	return func(q *Query) { q.Threshold = t }
}

// WithLimit caps the number of results. Non-positive values are ignored.
func WithLimit(n int) QueryOption {
	return func(q *Query) {
		if n > 0 {
			q.Limit = n
		}
	}
}

// WithCategory restricts results to one material category.
func WithCategory(c string) QueryOption {
	return func(q *Query) { q.Category = c }
}

// WithWeek restricts results to one course week. Zero clears the filter.
func WithWeek(w int) QueryOption {
	return func(q *Query) {
		if w > 0 {
			q.Week = w
		}
	}
}

// Index is implemented by every retriever backend. Search never mutates the
// index; Replace and Remove are keyed by owning document.
type Index interface {
	Search(ctx context.Context, q Query) ([]Result, error)
	Replace(ctx context.Context, documentID string, entries []Entry) error
	Remove(ctx context.Context, documentID string) error
	Len() int
}

// ----------------------------------------------------------------------------
// Options

// Option configures a FlatIndex.
type Option func(*config)

type config struct {
	dim int
}

func defaultConfig() config {
	return config{dim: 0}
}

// WithDimension fixes the vector dimension. Zero infers it from the first
// entry added.
func WithDimension(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.dim = n
		}
	}
}

// ----------------------------------------------------------------------------
// FlatIndex

type item struct {
	entry Entry
	norm  float64
}

// FlatIndex is an exact, in-memory brute-force index. Searches take a read
// lock, so any number may run concurrently with each other.
type FlatIndex struct {
	mu    sync.RWMutex
	cfg   config
	dim   int
	items map[string]item     // by chunk id
	docs  map[string][]string // document id -> chunk ids
}

var _ Index = (*FlatIndex)(nil)

// NewFlatIndex returns an empty FlatIndex.
func NewFlatIndex(opts ...Option) *FlatIndex {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &FlatIndex{
		cfg:   cfg,
		dim:   cfg.dim,
		items: make(map[string]item),
		docs:  make(map[string][]string),
	}
}

// Len returns the number of indexed chunks.
func (f *FlatIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.items)
}

// Replace swaps the entries owned by documentID for entries. Entries without
// a vector are skipped; a vector of the wrong size fails the whole call
// without changing the index.
func (f *FlatIndex) Replace(_ context.Context, documentID string, entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dim := f.dim
	fresh := make([]item, 0, len(entries))
	for _, e := range entries {
		if len(e.Vector) == 0 {
			continue
		}
		if dim == 0 {
			dim = len(e.Vector)
		}
		if len(e.Vector) != dim {
			return ErrDimensionMismatch
		}
		e.DocumentID = documentID
		e.Vector = append([]float32(nil), e.Vector...)
		fresh = append(fresh, item{entry: e, norm: norm(e.Vector)})
	}

	f.removeLocked(documentID)
	ids := make([]string, 0, len(fresh))
	for _, it := range fresh {
		f.items[it.entry.ChunkID] = it
		ids = append(ids, it.entry.ChunkID)
	}
	if len(ids) > 0 {
		f.docs[documentID] = ids
		f.dim = dim
	}
	return nil
}

// Remove drops every entry owned by documentID. Removing an unknown document
// is a no-op.
func (f *FlatIndex) Remove(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(documentID)
	return nil
}

func (f *FlatIndex) removeLocked(documentID string) {
	for _, id := range f.docs[documentID] {
		delete(f.items, id)
	}
	delete(f.docs, documentID)
}

// Search scans every entry and returns those whose cosine similarity to the
// query embedding exceeds the threshold and that pass the filters.
func (f *FlatIndex) Search(ctx context.Context, q Query) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := []Result{}
	if len(q.Embedding) == 0 {
		return out, nil
	}
	if f.dim != 0 && len(q.Embedding) != f.dim {
		return nil, ErrDimensionMismatch
	}
	qn := norm(q.Embedding)
	if qn == 0 {
		return out, nil
	}

	for _, it := range f.items {
		e := it.entry
		if !matches(e, q) || it.norm == 0 {
			continue
		}
		sim := dot(q.Embedding, e.Vector) / (qn * it.norm)
		if sim > q.Threshold {
			out = append(out, toResult(e, sim))
		}
	}
	return rank(out, q.Limit), nil
}

// ----------------------------------------------------------------------------
// Helpers

func matches(e Entry, q Query) bool {
	if q.Category != "" && e.Category != q.Category {
		return false
	}
	if q.Week > 0 && e.Week != q.Week {
		return false
	}
	return true
}

func toResult(e Entry, sim float64) Result {
	return Result{
		ChunkID:    e.ChunkID,
		DocumentID: e.DocumentID,
		FileName:   e.FileName,
		Page:       e.Page,
		Category:   e.Category,
		Week:       e.Week,
		Text:       e.Text,
		Similarity: sim,
	}
}

// rank sorts by similarity descending, then chunk id ascending, and truncates
// to limit (limit <= 0 means DefaultLimit).
func rank(rs []Result, limit int) []Result {
	sort.Slice(rs, func(a, b int) bool {
		if rs[a].Similarity != rs[b].Similarity {
			return rs[a].Similarity > rs[b].Similarity
		}
		return rs[a].ChunkID < rs[b].ChunkID
	})
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(rs) > limit {
		rs = rs[:limit]
	}
	return rs
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}

// Cosine returns the cosine similarity of a and b, or 0 when either is empty,
// zero-norm, or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot(a, b) / (na * nb)
}
