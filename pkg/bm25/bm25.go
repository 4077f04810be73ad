// Package bm25 provides the persistent inverted index with BM25 scoring over
// node text.
package bm25

import (
	"container/heap"
	"encoding/binary"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/helixgraph/helixdb/pkg/storage"
)

// Standard BM25 parameters.
const (
	K1 = 1.2  // term frequency saturation
	B  = 0.75 // length normalization
)

// Index is the BM25 inverted index. Postings, document lengths, and corpus
// statistics all live in the storage engine under their own key prefixes.
type Index struct {
	engine *storage.Engine
}

// NewIndex builds a fulltext index over the engine.
func NewIndex(engine *storage.Engine) *Index {
	return &Index{engine: engine}
}

// Tokenize lowercases with Unicode folding and splits on whitespace.
// No stemming, no stopwords.
func Tokenize(text string) []string {
	folded := strings.Map(unicode.ToLower, text)
	return strings.FieldsFunc(folded, unicode.IsSpace)
}

// Insert indexes a document's text under its id and counts it as a new
// document in the corpus statistics. Postings from an earlier Insert of the
// same id are not removed.
func (ix *Index) Insert(t *storage.Txn, doc storage.ID, text string) error {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	tf := make(map[string]uint32, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}
	for term, freq := range tf {
		var val [4]byte
		binary.BigEndian.PutUint32(val[:], freq)
		if err := t.Set(storage.PackBM25PostingKey(term, doc), val[:]); err != nil {
			return err
		}
	}
	var lenVal [4]byte
	binary.BigEndian.PutUint32(lenVal[:], uint32(len(tokens)))
	if err := t.Set(storage.PackBM25LenKey(doc), lenVal[:]); err != nil {
		return err
	}

	docs, total, err := ix.engine.BM25Stats(t)
	if err != nil {
		return err
	}
	return ix.engine.SetBM25Stats(t, docs+1, total+uint64(len(tokens)))
}

// Delete removes a document's postings. The original text is required to
// recover its term set.
func (ix *Index) Delete(t *storage.Txn, doc storage.ID, text string) error {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		if err := t.Delete(storage.PackBM25PostingKey(tok, doc)); err != nil {
			return err
		}
	}
	if err := t.Delete(storage.PackBM25LenKey(doc)); err != nil {
		return err
	}
	docs, total, err := ix.engine.BM25Stats(t)
	if err != nil {
		return err
	}
	if docs > 0 {
		docs--
	}
	if total >= uint64(len(tokens)) {
		total -= uint64(len(tokens))
	} else {
		total = 0
	}
	return ix.engine.SetBM25Stats(t, docs, total)
}

// Result is one scored hit.
type Result struct {
	ID    storage.ID
	Score float64
}

// Search returns the top-k documents for a query, scored with BM25. Ties
// break deterministically by document id, so results are monotone in k.
func (ix *Index) Search(t *storage.Txn, query string, k int) ([]Result, error) {
	terms := Tokenize(query)
	if len(terms) == 0 || k <= 0 {
		return nil, nil
	}

	docs, totalLen, err := ix.engine.BM25Stats(t)
	if err != nil {
		return nil, err
	}
	if docs == 0 {
		return nil, nil
	}
	avgLen := float64(totalLen) / float64(docs)

	scores := make(map[storage.ID]float64)
	seen := make(map[string]bool, len(terms))
	for _, term := range terms {
		if seen[term] {
			continue
		}
		seen[term] = true

		type posting struct {
			doc storage.ID
			tf  float64
		}
		var postings []posting
		prefix := storage.PackBM25TermPrefix(term)
		err := t.Scan(prefix, func(key, val []byte) error {
			doc, err := storage.UnpackBM25PostingKey(key)
			if err != nil {
				return err
			}
			if len(val) != 4 {
				return storage.ErrInvariantViolation
			}
			postings = append(postings, posting{doc: doc, tf: float64(binary.BigEndian.Uint32(val))})
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(postings) == 0 {
			continue
		}

		df := float64(len(postings))
		idf := math.Log(1 + (float64(docs)-df+0.5)/(df+0.5))
		for _, p := range postings {
			docLen, err := ix.docLength(t, p.doc)
			if err != nil {
				return nil, err
			}
			denom := p.tf + K1*(1-B+B*docLen/avgLen)
			scores[p.doc] += idf * (p.tf * (K1 + 1)) / denom
		}
	}

	// Bounded min-heap of size k.
	h := &resultHeap{}
	for id, score := range scores {
		heap.Push(h, Result{ID: id, Score: score})
		if h.Len() > k {
			heap.Pop(h)
		}
	}
	out := make([]Result, h.Len())
	for i := h.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Result)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return idLess(out[i].ID, out[j].ID)
	})
	return out, nil
}

func (ix *Index) docLength(t *storage.Txn, doc storage.ID) (float64, error) {
	val, ok, err := t.Get(storage.PackBM25LenKey(doc))
	if err != nil {
		return 0, err
	}
	if !ok || len(val) != 4 {
		return 0, nil
	}
	return float64(binary.BigEndian.Uint32(val)), nil
}

func idLess(a, b storage.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// resultHeap is a min-heap by score (ties: greater id first, so the smaller
// id survives eviction).
type resultHeap []Result

func (h resultHeap) Len() int { return len(h) }
func (h resultHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return idLess(h[j].ID, h[i].ID)
}
func (h resultHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)   { *h = append(*h, x.(Result)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
