package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/marketsync/internal/ir"
)

func TestPendingSetConfirmedView(t *testing.T) {
	p := NewPendingSet()
	current := []ir.Entity{listing("1", "optimistic"), listing("3", "C"), listing("tmp_0001", "draft")}

	p.Begin("1", listing("1", "A"))
	p.Begin("2", listing("2", "B")) // deleted optimistically
	p.Begin("4", nil)               // deleting an id never cached

	got := p.Confirmed(func() []ir.Entity { return current })
	assert.Equal(t, []ir.Entity{listing("1", "A"), listing("2", "B"), listing("3", "C")}, got)
}

func TestPendingSetLifecycle(t *testing.T) {
	p := NewPendingSet()
	read := func() []ir.Entity { return nil }

	p.Begin("1", listing("1", "A"))
	p.Begin("1", listing("1", "optimistic"))
	assert.Equal(t, 1, p.Len())

	// The first mutation is confirmed; the second is still in flight.
	p.Confirm("1", listing("1", "B"))
	assert.Equal(t, []ir.Entity{listing("1", "B")}, p.Confirmed(read))

	p.Abort("1")
	assert.Equal(t, 0, p.Len())
	assert.Empty(t, p.Confirmed(read))

	p.Begin("2", listing("2", "B"))
	p.Confirm("2", nil)
	assert.Equal(t, 0, p.Len())
}

func TestPendingSetObserve(t *testing.T) {
	p := NewPendingSet()
	read := func() []ir.Entity { return nil }
	p.Begin("1", listing("1", "A"))
	p.Begin("2", listing("2", "B"))

	p.Observe([]ir.Entity{listing("1", "A2"), listing("9", "ignored")})
	assert.Equal(t, []ir.Entity{listing("1", "A2"), listing("2", "B")}, p.Confirmed(read))

	// A full pull without id 2 means it is gone remotely.
	p.ObserveAll([]ir.Entity{listing("1", "A3")})
	assert.Equal(t, []ir.Entity{listing("1", "A3")}, p.Confirmed(read))
}
