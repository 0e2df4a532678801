package docstore

import (
	"fmt"

	"golang.org/x/exp/maps"

	"google.golang.org/protobuf/types/known/structpb"
)

// Document is the raw value stored per key. Values are JSON-like:
// nil, bool, number, string, []any, map[string]any.
type Document map[string]any

func (self Document) IsEmpty() bool {
	return len(self) == 0
}

// CanonicalDocument deep copies doc and normalizes every value to its JSON
// representation (all numbers become float64, nested values become
// map[string]any / []any). Adapters canonicalize on both sides of the port
// so that a document read back compares equal to the document written, and
// so that no caller map is aliased across the boundary. Values outside the
// JSON model are an error.
func CanonicalDocument(doc Document) (Document, error) {
	if doc == nil {
		return nil, nil
	}
	docStruct, err := structpb.NewStruct(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("canonicalize document: %w", err)
	}
	return Document(docStruct.AsMap()), nil
}

func RequireCanonicalDocument(doc Document) Document {
	canonical, err := CanonicalDocument(doc)
	if err != nil {
		panic(err)
	}
	return canonical
}

// MergeShallow returns a new document with the top-level keys of fields
// replacing any existing keys of base. Nested values are not merged.
func MergeShallow(base Document, fields Document) Document {
	merged := Document{}
	maps.Copy(merged, base)
	maps.Copy(merged, fields)
	return merged
}

// Mapping converts between raw documents and a typed model.
// FromDocument must be pure and deterministic over well formed input.
// The repository relies on round trip stability,
// FromDocument(ToDocument(x)) == x, but does not enforce it.
type Mapping[T any] struct {
	FromDocument func(Document) (T, error)
	ToDocument   func(T) (Document, error)
}

// DocumentMapping is the identity mapping for callers that work with raw
// documents directly.
func DocumentMapping() Mapping[Document] {
	return Mapping[Document]{
		FromDocument: func(doc Document) (Document, error) {
			return doc, nil
		},
		ToDocument: func(doc Document) (Document, error) {
			return doc, nil
		},
	}
}
