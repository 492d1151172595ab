package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
)

// Metadata keys stored alongside every chromem document.
const (
	metaDocumentID = "document_id"
	metaFileName   = "file_name"
	metaPage       = "page"
	metaCategory   = "category"
	metaWeek       = "week"
)

// DefaultCollection is the chromem collection holding course chunks.
const DefaultCollection = "course_chunks"

var errNoEmbedder = errors.New("search: chromem index requires precomputed embeddings")

// ChromemIndex stores chunk vectors in a chromem-go collection. Category and
// week filters are pushed down as metadata where-clauses; candidates are then
// re-scored in float64 against the vectors as they were added, so the
// threshold, ordering and limit behave exactly as in FlatIndex.
//
// chromem keeps only unit float32 vectors. Documents loaded from a persisted
// directory and not yet re-added fall back to scoring on those.
//
// Replace and Remove hold the write lock for their whole remove-then-add
// sequence; Search holds the read lock, so it never observes a half-replaced
// document or a collection that shrinks under its result count.
type ChromemIndex struct {
	mu   sync.RWMutex
	db   *chromem.DB
	col  *chromem.Collection
	dim  int
	vecs map[string]item     // by chunk id, as added
	docs map[string][]string // document id -> chunk ids
}

var _ Index = (*ChromemIndex)(nil)

// NewChromemIndex opens a chromem database. An empty path keeps it in memory;
// otherwise it is persisted under path, gzip-compressed when compress is set.
func NewChromemIndex(path string, compress bool, opts ...Option) (*ChromemIndex, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}

	embed := func(context.Context, string) ([]float32, error) { return nil, errNoEmbedder }
	col, err := db.GetOrCreateCollection(DefaultCollection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open chromem collection: %w", err)
	}
	return &ChromemIndex{
		db:   db,
		col:  col,
		dim:  cfg.dim,
		vecs: make(map[string]item),
		docs: make(map[string][]string),
	}, nil
}

// Len returns the number of stored chunks.
func (c *ChromemIndex) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.col.Count()
}

// Replace removes documentID's chunks and adds entries. Zero-norm vectors can
// never qualify and are not stored.
func (c *ChromemIndex) Replace(ctx context.Context, documentID string, entries []Entry) error {
	docs := make([]chromem.Document, 0, len(entries))
	kept := make([]item, 0, len(entries))
	for _, e := range entries {
		if len(e.Vector) == 0 {
			continue
		}
		if c.dim != 0 && len(e.Vector) != c.dim {
			return ErrDimensionMismatch
		}
		vec, ok := normalized(e.Vector)
		if !ok {
			continue
		}
		e.DocumentID = documentID
		e.Vector = append([]float32(nil), e.Vector...)
		kept = append(kept, item{entry: e, norm: norm(e.Vector)})
		docs = append(docs, chromem.Document{
			ID:        e.ChunkID,
			Metadata:  metadataOf(e),
			Embedding: vec,
			Content:   e.Text,
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.removeLocked(ctx, documentID); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	if err := c.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("chromem add documents: %w", err)
	}
	ids := make([]string, 0, len(kept))
	for _, it := range kept {
		c.vecs[it.entry.ChunkID] = it
		ids = append(ids, it.entry.ChunkID)
	}
	c.docs[documentID] = ids
	return nil
}

// Remove deletes every stored chunk of documentID.
func (c *ChromemIndex) Remove(ctx context.Context, documentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(ctx, documentID)
}

func (c *ChromemIndex) removeLocked(ctx context.Context, documentID string) error {
	for _, id := range c.docs[documentID] {
		delete(c.vecs, id)
	}
	delete(c.docs, documentID)
	if c.col.Count() == 0 {
		return nil
	}
	if err := c.col.Delete(ctx, map[string]string{metaDocumentID: documentID}, nil); err != nil {
		return fmt.Errorf("chromem delete: %w", err)
	}
	return nil
}

// Search queries the collection with every stored document as candidate so
// that ties at the limit boundary resolve by chunk id exactly like FlatIndex.
func (c *ChromemIndex) Search(ctx context.Context, q Query) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := []Result{}
	if len(q.Embedding) == 0 {
		return out, nil
	}
	if c.dim != 0 && len(q.Embedding) != c.dim {
		return nil, ErrDimensionMismatch
	}
	qn := norm(q.Embedding)
	vec, ok := normalized(q.Embedding)
	if !ok {
		return out, nil
	}
	n := c.col.Count()
	if n == 0 {
		return out, nil
	}

	where := map[string]string{}
	if q.Category != "" {
		where[metaCategory] = q.Category
	}
	if q.Week > 0 {
		where[metaWeek] = strconv.Itoa(q.Week)
	}
	if len(where) == 0 {
		where = nil
	}

	res, err := c.col.QueryWithOptions(ctx, chromem.QueryOptions{
		QueryEmbedding: vec,
		NResults:       n,
		Where:          where,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	for _, r := range res {
		sim := c.similarity(q.Embedding, qn, r)
		if sim > q.Threshold {
			out = append(out, resultOf(r, sim))
		}
	}
	return rank(out, q.Limit), nil
}

// similarity is the float64 cosine of the query against the vector r was
// added with, computed the same way as FlatIndex.
func (c *ChromemIndex) similarity(q []float32, qn float64, r chromem.Result) float64 {
	if it, ok := c.vecs[r.ID]; ok && it.norm != 0 {
		return dot(q, it.entry.Vector) / (qn * it.norm)
	}
	if len(r.Embedding) == len(q) {
		return Cosine(q, r.Embedding)
	}
	return float64(r.Similarity)
}

func metadataOf(e Entry) map[string]string {
	m := map[string]string{
		metaDocumentID: e.DocumentID,
		metaFileName:   e.FileName,
	}
	if e.Page != nil {
		m[metaPage] = strconv.Itoa(*e.Page)
	}
	if e.Category != "" {
		m[metaCategory] = e.Category
	}
	if e.Week > 0 {
		m[metaWeek] = strconv.Itoa(e.Week)
	}
	return m
}

func resultOf(r chromem.Result, sim float64) Result {
	out := Result{
		ChunkID:    r.ID,
		DocumentID: r.Metadata[metaDocumentID],
		FileName:   r.Metadata[metaFileName],
		Category:   r.Metadata[metaCategory],
		Text:       r.Content,
		Similarity: sim,
	}
	if p, err := strconv.Atoi(r.Metadata[metaPage]); err == nil {
		out.Page = &p
	}
	if w, err := strconv.Atoi(r.Metadata[metaWeek]); err == nil {
		out.Week = w
	}
	return out
}

// normalized returns v scaled to unit length, or false for a zero vector.
func normalized(v []float32) ([]float32, bool) {
	n := norm(v)
	if n == 0 || math.IsNaN(n) {
		return nil, false
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out, true
}
