package ir

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// IDField is the field every entity is keyed by.
const IDField = "id"

// TempIDPrefix marks client-fabricated ids of inserts the server has not
// confirmed yet. Server-issued ids never carry it.
const TempIDPrefix = "tmp_"

// ErrMissingID is returned when an entity or patch has no usable id.
var ErrMissingID = errors.New("entity has no string id")

// Entity is a record keyed by a non-empty string "id" field. All other
// fields are opaque to the sync engine.
type Entity IRObject

// NewEntity builds an entity with the given id and fields.
// The fields map is copied; an "id" key inside fields is overwritten.
func NewEntity(id string, fields IRObject) Entity {
	e := make(Entity, len(fields)+1)
	for k, v := range fields {
		e[k] = CloneValue(v)
	}
	e[IDField] = IRString(id)
	return e
}

// ID returns the entity id, or "" if absent or not a string.
func (e Entity) ID() string {
	return stringField(IRObject(e), IDField)
}

// Validate checks the id invariant.
func (e Entity) Validate() error {
	if e.ID() == "" {
		return ErrMissingID
	}
	return nil
}

// IsTemp reports whether the entity is an unconfirmed local insert.
func (e Entity) IsTemp() bool {
	return IsTempID(e.ID())
}

// Field returns the value stored under key.
func (e Entity) Field(key string) (IRValue, bool) {
	v, ok := e[key]
	return v, ok
}

// Clone returns a deep copy. The store hands out clones so callers can never
// mutate cached state in place.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	return Entity(CloneValue(IRObject(e)).(IRObject))
}

// WithoutID returns a copy of the entity minus its id, i.e. a create draft.
func (e Entity) WithoutID() IRObject {
	out := make(IRObject, len(e))
	for k, v := range e {
		if k == IDField {
			continue
		}
		out[k] = CloneValue(v)
	}
	return out
}

// Equal reports field-for-field equality.
func (e Entity) Equal(other Entity) bool {
	if e == nil || other == nil {
		return e == nil && other == nil
	}
	return EqualValues(IRObject(e), IRObject(other))
}

// MarshalJSON encodes the entity as a JSON object with sorted keys.
func (e Entity) MarshalJSON() ([]byte, error) {
	return IRObject(e).MarshalJSON()
}

// UnmarshalJSON decodes a JSON object and enforces the id invariant.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var obj IRObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	ent := Entity(obj)
	if err := ent.Validate(); err != nil {
		return err
	}
	*e = ent
	return nil
}

// Patch is a partial entity. Absent keys leave fields unchanged; IRNull
// clears a field. The "id" key selects the target and is never applied.
type Patch IRObject

// NewPatch builds a patch targeting id.
func NewPatch(id string, fields IRObject) Patch {
	p := make(Patch, len(fields)+1)
	for k, v := range fields {
		p[k] = CloneValue(v)
	}
	p[IDField] = IRString(id)
	return p
}

// ID returns the target id of the patch.
func (p Patch) ID() string {
	return stringField(IRObject(p), IDField)
}

// Fields returns the patch minus its id.
func (p Patch) Fields() IRObject {
	out := make(IRObject, len(p))
	for k, v := range p {
		if k == IDField {
			continue
		}
		out[k] = CloneValue(v)
	}
	return out
}

// MarshalJSON encodes the patch as a JSON object with sorted keys.
func (p Patch) MarshalJSON() ([]byte, error) {
	return IRObject(p).MarshalJSON()
}

// UnmarshalJSON decodes a JSON object into a patch.
func (p *Patch) UnmarshalJSON(data []byte) error {
	var obj IRObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*p = Patch(obj)
	return nil
}

// ApplyPatch returns a copy of e with the patch fields applied. The id of e
// is kept regardless of the patch.
func ApplyPatch(e Entity, p Patch) Entity {
	out := e.Clone()
	if out == nil {
		out = Entity{}
	}
	for k, v := range p {
		if k == IDField {
			continue
		}
		if v == nil {
			v = IRNull{}
		}
		out[k] = CloneValue(v)
	}
	return out
}

// IsTempID reports whether id was fabricated locally.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// SortEntities orders entities by id (byte order) in place.
func SortEntities(entities []Entity) {
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].ID() < entities[j].ID()
	})
}

// CollectionKey joins a scope and an entity kind into the stable storage
// key "<scope>:<kind>".
func CollectionKey(scope, kind string) string {
	return scope + ":" + kind
}

// ParseCollectionKey splits a collection key into scope and kind.
func ParseCollectionKey(key string) (scope, kind string, err error) {
	scope, kind, ok := strings.Cut(key, ":")
	if !ok || scope == "" || kind == "" || strings.Contains(kind, ":") {
		return "", "", fmt.Errorf("invalid collection key %q: want <scope>:<kind>", key)
	}
	return scope, kind, nil
}

func stringField(obj IRObject, key string) string {
	if s, ok := obj[key].(IRString); ok {
		return string(s)
	}
	return ""
}
