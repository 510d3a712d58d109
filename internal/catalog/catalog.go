// Package catalog declares the collections a sync session manages.
//
// Collections are written in CUE:
//
//	collection: listings: {
//		scope:    "dashboard"
//		kind:     "listings"
//		role:     "primary"
//		required: ["title"]
//		refs: category_id: "reference:categories"
//	}
//
// Primary collections are fully synced (merge, optimistic mutations,
// snapshots). Reference collections hold lookup data that is fetched on
// demand by id when a primary entity points at it.
package catalog

import (
	"sort"

	"github.com/roach88/marketsync/internal/ir"
)

// Role says how a collection is synced.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleReference Role = "reference"
)

// Collection is one compiled collection declaration.
type Collection struct {
	// Name is the CUE label, e.g. "listings".
	Name  string
	Scope string
	Kind  string
	Role  Role

	// Required lists fields every entity of the collection must carry
	// besides its id.
	Required []string

	// Refs maps a foreign-key field to the reference collection key it
	// points at.
	Refs map[string]string
}

// Key returns the collection key "<scope>:<kind>".
func (c Collection) Key() string {
	return ir.CollectionKey(c.Scope, c.Kind)
}

// Catalog is a set of collections ordered by key.
type Catalog struct {
	Collections []Collection
}

// New builds a catalog, sorting collections by key.
func New(collections ...Collection) *Catalog {
	sorted := make([]Collection, len(collections))
	copy(sorted, collections)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key() < sorted[j].Key()
	})
	return &Catalog{Collections: sorted}
}

// Lookup finds a collection by key.
func (c *Catalog) Lookup(key string) (Collection, bool) {
	for _, col := range c.Collections {
		if col.Key() == key {
			return col, true
		}
	}
	return Collection{}, false
}

// Primary returns the primary collections in key order.
func (c *Catalog) Primary() []Collection {
	return c.withRole(RolePrimary)
}

// Reference returns the reference collections in key order.
func (c *Catalog) Reference() []Collection {
	return c.withRole(RoleReference)
}

func (c *Catalog) withRole(role Role) []Collection {
	var out []Collection
	for _, col := range c.Collections {
		if col.Role == role {
			out = append(out, col)
		}
	}
	return out
}

// Keys returns every collection key in order.
func (c *Catalog) Keys() []string {
	keys := make([]string, len(c.Collections))
	for i, col := range c.Collections {
		keys[i] = col.Key()
	}
	return keys
}

// RequiredFields maps each collection key to its required fields, the
// shape remote.NewEntityValidator expects.
func (c *Catalog) RequiredFields() map[string][]string {
	out := make(map[string][]string, len(c.Collections))
	for _, col := range c.Collections {
		out[col.Key()] = append([]string(nil), col.Required...)
	}
	return out
}
