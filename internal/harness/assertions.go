package harness

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/marketsync/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

func (h *Harness) evaluate(a Assertion) error {
	key := h.collectionKey(a.Collection)
	if a.Type == AssertCursor {
		return h.assertCursor(key, a)
	}

	entities, err := h.store(key)
	if err != nil {
		return err
	}

	switch a.Type {
	case AssertEntity:
		got, ok := entities.Get(a.ID)
		if !ok {
			return &AssertionError{Type: a.Type, Expected: a.ID + " cached", Actual: "absent"}
		}
		want, err := toObject(a.Fields)
		if err != nil {
			return err
		}
		return matchFields(got, want)

	case AssertAbsent:
		if got, ok := entities.Get(a.ID); ok {
			return &AssertionError{Type: a.Type, Expected: a.ID + " absent", Actual: render(got)}
		}
		return nil

	case AssertCount:
		if n := entities.Len(); n != a.Count {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(a.Count), Actual: fmt.Sprint(n)}
		}
		return nil

	case AssertTempCount:
		n := 0
		for _, e := range entities.All() {
			if e.IsTemp() {
				n++
			}
		}
		if n != a.Count {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(a.Count), Actual: fmt.Sprint(n)}
		}
		return nil

	case AssertConverged:
		local := entities.All()
		server := h.authority.Entities(key)
		if !sameEntities(local, server) {
			return &AssertionError{Type: a.Type, Expected: renderAll(server), Actual: renderAll(local)}
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func (h *Harness) assertCursor(key string, a Assertion) error {
	col, err := h.session.Collection(key)
	if err != nil {
		return err
	}
	got, ok := col.Cursor.Get()
	actual := "unset"
	if ok {
		actual = got.Format(time.RFC3339)
	}

	if a.At == "unset" || a.At == "" {
		if ok {
			return &AssertionError{Type: a.Type, Expected: "unset", Actual: actual}
		}
		return nil
	}
	want, err := time.Parse(time.RFC3339, a.At)
	if err != nil {
		return fmt.Errorf("invalid cursor time %q: %w", a.At, err)
	}
	if !ok || !got.Equal(want) {
		return &AssertionError{Type: a.Type, Expected: a.At, Actual: actual}
	}
	return nil
}

// matchFields checks that every wanted field is present with an equal
// value. A wanted null also matches an absent field.
func matchFields(got ir.Entity, want ir.IRObject) error {
	for _, k := range want.SortedKeys() {
		v, ok := got[k]
		if !ok {
			if _, null := want[k].(ir.IRNull); null {
				continue
			}
			return &AssertionError{Type: AssertEntity, Expected: fmt.Sprintf("field %q", k), Actual: render(got)}
		}
		if !ir.EqualValues(v, want[k]) {
			return &AssertionError{Type: AssertEntity, Expected: fmt.Sprintf("%s=%s", k, render(want[k])), Actual: render(got)}
		}
	}
	return nil
}

func sameEntities(a, b []ir.Entity) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func render(v any) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func renderAll(entities []ir.Entity) string {
	parts := make([]string, len(entities))
	for i, e := range entities {
		parts[i] = render(e)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
