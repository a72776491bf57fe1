// Package metaindex is the inverted field index (C5): postings from
// (fieldName, value) to entity-ID sets, queried through the BFO predicate
// language, backed by compressed roaring bitmaps over a dense uint32
// surrogate ID space.
package metaindex

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cuemby/vgraph/pkg/errs"
	"github.com/cuemby/vgraph/pkg/log"
)

// Op is one of the closed BFO predicate operators.
type Op string

const (
	OpEquals      Op = "equals"
	OpNotEquals   Op = "notEquals"
	OpGreater     Op = "greater"
	OpGreaterEq   Op = "greaterEqual"
	OpLess        Op = "less"
	OpLessEq      Op = "lessEqual"
	OpIn          Op = "in"
	OpNotIn       Op = "notIn"
	OpContains    Op = "contains"
	OpStartsWith  Op = "startsWith"
	OpEndsWith    Op = "endsWith"
	OpExists      Op = "exists"
	OpRegex       Op = "regex"
)

// Combinator is one of the closed logical combinators.
type Combinator string

const (
	AllOf  Combinator = "allOf"
	AnyOf  Combinator = "anyOf"
	NoneOf Combinator = "noneOf"
)

// Predicate is one node of the recursive `where` clause: either a leaf
// (Field/Op/Value set) or a combinator node (Combinator/Predicates set).
type Predicate struct {
	Field      string
	Op         Op
	Value      any
	Combinator Combinator
	Predicates []Predicate
}

// fieldIndex holds postings for one metadata field.
type fieldIndex struct {
	// postings maps a canonicalized value string to the bitmap of
	// surrogate IDs carrying that value.
	postings map[string]*roaring.Bitmap
	// ordered holds (numeric value, surrogate ID) pairs sorted by value,
	// used for greater/less range queries over numeric/timestamp fields.
	ordered []orderedEntry
	dirty   bool
}

type orderedEntry struct {
	value     float64
	surrogate uint32
}

// Index is the MetadataIndex. It owns the surrogate<->ID mapping so
// postings can be compact roaring bitmaps instead of string sets.
type Index struct {
	mu sync.RWMutex

	fields map[string]*fieldIndex

	idToSurrogate map[string]uint32
	surrogateToID map[uint32]string
	nextSurrogate uint32
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		fields:        make(map[string]*fieldIndex),
		idToSurrogate: make(map[string]uint32),
		surrogateToID: make(map[uint32]string),
	}
}

func (x *Index) surrogateFor(id string) uint32 {
	if s, ok := x.idToSurrogate[id]; ok {
		return s
	}
	s := x.nextSurrogate
	x.nextSurrogate++
	x.idToSurrogate[id] = s
	x.surrogateToID[s] = id
	return s
}

// Insert indexes id under every (field, value) pair in metadata. Array
// values flatten: each element gets its own posting entry under the same
// field name. Nested fields are addressed by dotted paths.
func (x *Index) Insert(id string, metadata map[string]any) {
	x.mu.Lock()
	defer x.mu.Unlock()

	surrogate := x.surrogateFor(id)
	flat := flatten("", metadata)
	for field, values := range flat {
		fi := x.fieldFor(field)
		for _, v := range values {
			key := canonicalize(v)
			bm, ok := fi.postings[key]
			if !ok {
				bm = roaring.New()
				fi.postings[key] = bm
			}
			bm.Add(surrogate)
			if n, ok := numericValue(v); ok {
				fi.ordered = append(fi.ordered, orderedEntry{value: n, surrogate: surrogate})
				fi.dirty = true
			}
		}
	}
}

// Remove deletes every posting referencing id.
func (x *Index) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	surrogate, ok := x.idToSurrogate[id]
	if !ok {
		return
	}
	for _, fi := range x.fields {
		for _, bm := range fi.postings {
			bm.Remove(surrogate)
		}
		filtered := fi.ordered[:0]
		for _, e := range fi.ordered {
			if e.surrogate != surrogate {
				filtered = append(filtered, e)
			}
		}
		fi.ordered = filtered
	}
	delete(x.idToSurrogate, id)
	delete(x.surrogateToID, surrogate)
}

func (x *Index) fieldFor(field string) *fieldIndex {
	fi, ok := x.fields[field]
	if !ok {
		fi = &fieldIndex{postings: make(map[string]*roaring.Bitmap)}
		x.fields[field] = fi
	}
	return fi
}

// Query evaluates a predicate tree and returns the matching entity IDs.
func (x *Index) Query(p Predicate) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	bm, err := x.eval(p)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		s := it.Next()
		if id, ok := x.surrogateToID[s]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (x *Index) eval(p Predicate) (*roaring.Bitmap, error) {
	if p.Combinator != "" {
		return x.evalCombinator(p)
	}
	return x.evalLeaf(p)
}

func (x *Index) evalCombinator(p Predicate) (*roaring.Bitmap, error) {
	results := make([]*roaring.Bitmap, 0, len(p.Predicates))
	for _, child := range p.Predicates {
		bm, err := x.eval(child)
		if err != nil {
			return nil, err
		}
		results = append(results, bm)
	}

	switch p.Combinator {
	case AllOf:
		return roaring.ParAnd(0, results...), nil
	case AnyOf:
		return roaring.ParOr(0, results...), nil
	case NoneOf:
		union := roaring.ParOr(0, results...)
		all := x.allSurrogates()
		all.AndNot(union)
		return all, nil
	default:
		return nil, errs.New(errs.InvalidArgument, "metaindex.Query", "unknown combinator: "+string(p.Combinator))
	}
}

func (x *Index) allSurrogates() *roaring.Bitmap {
	bm := roaring.New()
	for s := range x.surrogateToID {
		bm.Add(s)
	}
	return bm
}

func (x *Index) evalLeaf(p Predicate) (*roaring.Bitmap, error) {
	fi, ok := x.fields[p.Field]
	if !ok {
		return roaring.New(), nil
	}

	switch p.Op {
	case "", OpEquals:
		return cloneOr(fi.postings[canonicalize(p.Value)]), nil
	case OpNotEquals:
		match := cloneOr(fi.postings[canonicalize(p.Value)])
		all := x.allSurrogates()
		all.AndNot(match)
		return all, nil
	case OpIn:
		values, ok := p.Value.([]any)
		if !ok {
			return nil, errs.New(errs.InvalidArgument, "metaindex.Query", "in requires an array value")
		}
		result := roaring.New()
		for _, v := range values {
			result.Or(cloneOr(fi.postings[canonicalize(v)]))
		}
		return result, nil
	case OpNotIn:
		values, ok := p.Value.([]any)
		if !ok {
			return nil, errs.New(errs.InvalidArgument, "metaindex.Query", "notIn requires an array value")
		}
		match := roaring.New()
		for _, v := range values {
			match.Or(cloneOr(fi.postings[canonicalize(v)]))
		}
		all := x.allSurrogates()
		all.AndNot(match)
		return all, nil
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		return x.evalRange(fi, p)
	case OpContains:
		return x.evalSubstring(fi, p, func(v, needle string) bool { return strings.Contains(v, needle) })
	case OpStartsWith:
		return x.evalSubstring(fi, p, strings.HasPrefix)
	case OpEndsWith:
		return x.evalSubstring(fi, p, strings.HasSuffix)
	case OpExists:
		result := roaring.New()
		for _, bm := range fi.postings {
			result.Or(bm)
		}
		return result, nil
	case OpRegex:
		pattern, ok := p.Value.(string)
		if !ok {
			return nil, errs.New(errs.InvalidArgument, "metaindex.Query", "regex requires a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidArgument, "metaindex.Query", err, "invalid regex pattern")
		}
		return x.evalSubstring(fi, p, func(v, _ string) bool { return re.MatchString(v) })
	default:
		return nil, errs.New(errs.InvalidArgument, "metaindex.Query", "unknown operator: "+string(p.Op))
	}
}

func (x *Index) evalSubstring(fi *fieldIndex, p Predicate, match func(value, needle string) bool) (*roaring.Bitmap, error) {
	needle, _ := p.Value.(string)
	result := roaring.New()
	for key, bm := range fi.postings {
		if match(strings.TrimPrefix(key, "s:"), needle) {
			result.Or(bm)
		}
	}
	return result, nil
}

func (x *Index) evalRange(fi *fieldIndex, p Predicate) (*roaring.Bitmap, error) {
	bound, ok := numericValue(p.Value)
	if !ok {
		return nil, errs.New(errs.InvalidArgument, "metaindex.Query", fmt.Sprintf("%s requires a numeric value", p.Op))
	}

	ordered := append([]orderedEntry(nil), fi.ordered...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].value < ordered[j].value })

	result := roaring.New()
	for _, e := range ordered {
		var matches bool
		switch p.Op {
		case OpGreater:
			matches = e.value > bound
		case OpGreaterEq:
			matches = e.value >= bound
		case OpLess:
			matches = e.value < bound
		case OpLessEq:
			matches = e.value <= bound
		}
		if matches {
			result.Add(e.surrogate)
		}
	}
	return result, nil
}

func cloneOr(bm *roaring.Bitmap) *roaring.Bitmap {
	if bm == nil {
		return roaring.New()
	}
	return bm.Clone()
}

// canonicalize produces a stable string key for a posting value.
func canonicalize(v any) string {
	switch t := v.(type) {
	case string:
		return "s:" + t
	case bool:
		return "b:" + strconv.FormatBool(t)
	case float64:
		return "n:" + strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return "n:" + strconv.FormatFloat(float64(t), 'g', -1, 64)
	case int64:
		return "n:" + strconv.FormatFloat(float64(t), 'g', -1, 64)
	default:
		return fmt.Sprintf("?:%v", t)
	}
}

func numericValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// flatten walks metadata, producing field -> values, expanding arrays
// element-wise and nested objects via dotted paths.
func flatten(prefix string, metadata map[string]any) map[string][]any {
	out := make(map[string][]any)
	for k, v := range metadata {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		flattenValue(path, v, out)
	}
	return out
}

func flattenValue(path string, v any, out map[string][]any) {
	switch t := v.(type) {
	case map[string]any:
		for sub, vals := range flatten(path, t) {
			out[sub] = vals
		}
	case []any:
		for _, elem := range t {
			flattenValue(path, elem, out)
		}
	default:
		out[path] = append(out[path], v)
	}
}

// Rebuild clears in-memory state; callers repopulate via Insert in
// ascending-ID-within-shard, ascending-shard order per the shared rebuild
// contract (§4.8).
func (x *Index) Rebuild() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.fields = make(map[string]*fieldIndex)
	x.idToSurrogate = make(map[string]uint32)
	x.surrogateToID = make(map[uint32]string)
	x.nextSurrogate = 0
	log.WithComponent("metaindex").Debug().Msg("index cleared for rebuild")
}
