package queryid

import (
	"context"
	"strconv"
	"sync/atomic"
)

// ID identifies one polling registration. IDs are never reused within a
// process.
type ID uint64

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Generator hands out increasing IDs starting at 1. The zero value is ready
// to use.
type Generator struct {
	last atomic.Uint64
}

// Next returns a new ID.
func (g *Generator) Next() ID { return ID(g.last.Add(1)) }

var defaultGenerator Generator

// Next returns a new ID from the process-wide generator.
func Next() ID { return defaultGenerator.Next() }

// key is the context key for the query ID.
type key struct{}

// NewContext returns a copy of parent carrying id.
func NewContext(parent context.Context, id ID) context.Context {
	return context.WithValue(parent, key{}, id)
}

// FromContext extracts the query ID from ctx.
// It returns the ID and whether it was present.
func FromContext(ctx context.Context) (ID, bool) {
	v := ctx.Value(key{})
	id, ok := v.(ID)
	return id, ok
}
