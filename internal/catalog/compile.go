package catalog

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
)

// CompileCollection parses one collection struct.
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`collection: listings: { ... }`)
//	col, err := CompileCollection(v.LookupPath(cue.ParsePath("collection.listings")))
func CompileCollection(v cue.Value) (*Collection, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	col := &Collection{Refs: map[string]string{}}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		col.Name = labels[len(labels)-1].String()
	}

	var err error
	if col.Scope, err = requiredString(v, "scope"); err != nil {
		return nil, err
	}
	if col.Kind, err = requiredString(v, "kind"); err != nil {
		return nil, err
	}
	for _, field := range []struct{ name, value string }{{"scope", col.Scope}, {"kind", col.Kind}} {
		if strings.Contains(field.value, ":") {
			return nil, &CompileError{
				Field:   field.name,
				Message: fmt.Sprintf("%s %q must not contain ':'", field.name, field.value),
				Pos:     v.LookupPath(cue.ParsePath(field.name)).Pos(),
			}
		}
	}

	role := RolePrimary
	if roleVal := v.LookupPath(cue.ParsePath("role")); roleVal.Exists() {
		s, err := roleVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		role = Role(s)
	}
	if role != RolePrimary && role != RoleReference {
		return nil, &CompileError{
			Field:   "role",
			Message: fmt.Sprintf("role must be %q or %q, got %q", RolePrimary, RoleReference, role),
			Pos:     v.LookupPath(cue.ParsePath("role")).Pos(),
		}
	}
	col.Role = role

	if reqVal := v.LookupPath(cue.ParsePath("required")); reqVal.Exists() {
		iter, err := reqVal.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			s, err := iter.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			col.Required = append(col.Required, s)
		}
	}

	if refsVal := v.LookupPath(cue.ParsePath("refs")); refsVal.Exists() {
		iter, err := refsVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			target, err := iter.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			col.Refs[iter.Selector().Unquoted()] = target
		}
	}

	return col, nil
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{
			Field:   field,
			Message: field + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	if strings.TrimSpace(s) == "" {
		return "", &CompileError{Field: field, Message: field + " must not be empty", Pos: fv.Pos()}
	}
	return s, nil
}

// Compile builds a catalog from a CUE value with a top-level "collection"
// struct and checks it as a whole: keys are unique, at least one primary
// collection exists, and every ref targets a declared reference collection.
func Compile(v cue.Value) (*Catalog, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	colsVal := v.LookupPath(cue.ParsePath("collection"))
	if !colsVal.Exists() {
		return nil, &CompileError{Field: "collection", Message: "no collections declared", Pos: v.Pos()}
	}
	iter, err := colsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var collections []Collection
	seen := map[string]string{}
	for iter.Next() {
		col, err := CompileCollection(iter.Value())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[col.Key()]; dup {
			return nil, &CompileError{
				Field:   "collection." + col.Name,
				Message: fmt.Sprintf("collection key %q already declared by %q", col.Key(), prev),
				Pos:     iter.Value().Pos(),
			}
		}
		seen[col.Key()] = col.Name
		collections = append(collections, *col)
	}

	cat := New(collections...)
	if len(cat.Primary()) == 0 {
		return nil, &CompileError{Field: "collection", Message: "at least one primary collection is required", Pos: colsVal.Pos()}
	}
	for _, col := range cat.Collections {
		for field, target := range col.Refs {
			ref, ok := cat.Lookup(target)
			if !ok || ref.Role != RoleReference {
				return nil, &CompileError{
					Field:   "collection." + col.Name + ".refs." + field,
					Message: fmt.Sprintf("ref target %q is not a declared reference collection", target),
					Pos:     colsVal.LookupPath(cue.MakePath(cue.Str(col.Name), cue.Str("refs"), cue.Str(field))).Pos(),
				}
			}
		}
	}
	return cat, nil
}
