package docstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Document is a JSON object as stored in a collection. Values are always
// in their encoding/json decoded form (string, float64, bool, nil, []any,
// map[string]any) so that both backends compare the same things.
type Document map[string]any

type Op string

const (
	OpEqual         Op = "=="
	OpNotEqual      Op = "!="
	OpArrayContains Op = "array-contains"
	OpIn            Op = "in"
)

// Filter restricts a query to documents whose Field satisfies Op against
// Value. Field may be a dotted path into nested objects ("user._id").
// Documents that lack Field never match, whatever the operator.
type Filter struct {
	Field string
	Op    Op
	Value any
}

func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Order sorts results by the text form of Field. Documents lacking Field
// are excluded from ordered queries. Ties are broken by document id.
type Order struct {
	Field string
	Desc  bool
}

type Query struct {
	Filters []Filter
	OrderBy *Order
	Limit   int
}

func OrderBy(field string, desc bool) *Order {
	return &Order{Field: field, Desc: desc}
}

var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
	ErrInvalidQuery  = errors.New("invalid query")
	ErrClosed        = errors.New("store closed")
)

// Normalize converts any JSON-encodable value into a Document.
func Normalize(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("document must be a json object: %w", err)
	}
	return doc, nil
}

// Decode fills out from doc through its JSON form.
func Decode(doc Document, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func normalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Clone deep-copies a normalized document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case Document:
		return Document(cloneValue(map[string]any(val)).(map[string]any))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}

// Lookup resolves a dotted path inside the document.
func (d Document) Lookup(path string) (any, bool) {
	var current any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func validateQuery(q Query) (Query, error) {
	out := Query{OrderBy: q.OrderBy, Limit: q.Limit}
	if q.Limit < 0 {
		return Query{}, fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	if q.OrderBy != nil && q.OrderBy.Field == "" {
		return Query{}, fmt.Errorf("%w: empty order field", ErrInvalidQuery)
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return Query{}, fmt.Errorf("%w: empty filter field", ErrInvalidQuery)
		}
		value, err := normalizeValue(f.Value)
		if err != nil {
			return Query{}, fmt.Errorf("%w: filter %s: %v", ErrInvalidQuery, f.Field, err)
		}
		switch f.Op {
		case OpEqual, OpNotEqual, OpArrayContains:
		case OpIn:
			if _, ok := value.([]any); !ok {
				return Query{}, fmt.Errorf("%w: %q filter on %s needs a list", ErrInvalidQuery, f.Op, f.Field)
			}
		default:
			return Query{}, fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, f.Op)
		}
		out.Filters = append(out.Filters, Filter{Field: f.Field, Op: f.Op, Value: value})
	}
	return out, nil
}

func (f Filter) matches(doc Document) bool {
	value, ok := doc.Lookup(f.Field)
	if !ok {
		return false
	}
	switch f.Op {
	case OpEqual:
		return reflect.DeepEqual(value, f.Value)
	case OpNotEqual:
		return !reflect.DeepEqual(value, f.Value)
	case OpArrayContains:
		items, ok := value.([]any)
		return ok && containsValue(items, f.Value)
	case OpIn:
		return containsValue(f.Value.([]any), value)
	}
	return false
}

func containsValue(items []any, v any) bool {
	for _, item := range items {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}

// orderKey renders a value the way Postgres' #>> operator does: strings
// as-is, everything else as JSON text.
func orderKey(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, _ := json.Marshal(v)
	return string(raw)
}

type keyedDocument struct {
	id  string
	doc Document
}

// apply runs a validated query over documents keyed by id.
func apply(docs map[string]Document, q Query) []Document {
	matched := make([]keyedDocument, 0, len(docs))
	for id, doc := range docs {
		ok := true
		for _, f := range q.Filters {
			if !f.matches(doc) {
				ok = false
				break
			}
		}
		if ok && q.OrderBy != nil {
			_, ok = doc.Lookup(q.OrderBy.Field)
		}
		if ok {
			matched = append(matched, keyedDocument{id: id, doc: doc})
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	if q.OrderBy != nil {
		field, desc := q.OrderBy.Field, q.OrderBy.Desc
		sort.SliceStable(matched, func(i, j int) bool {
			a, _ := matched[i].doc.Lookup(field)
			b, _ := matched[j].doc.Lookup(field)
			if desc {
				return orderKey(a) > orderKey(b)
			}
			return orderKey(a) < orderKey(b)
		})
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]Document, len(matched))
	for i, m := range matched {
		out[i] = m.doc.Clone()
	}
	return out
}
