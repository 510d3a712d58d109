package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntity(t *testing.T) {
	fields := IRObject{"title": IRString("Lamp"), "id": IRString("ignored")}
	e := NewEntity("srv-1", fields)

	assert.Equal(t, "srv-1", e.ID())
	assert.Equal(t, IRString("Lamp"), e["title"])
	assert.Equal(t, IRString("ignored"), fields["id"], "input map must not be mutated")
}

func TestEntityValidate(t *testing.T) {
	assert.NoError(t, NewEntity("1", nil).Validate())
	assert.ErrorIs(t, Entity{"title": IRString("A")}.Validate(), ErrMissingID)
	assert.ErrorIs(t, Entity{"id": IRInt(1)}.Validate(), ErrMissingID)
}

func TestEntityUnmarshalRequiresID(t *testing.T) {
	var e Entity
	require.NoError(t, json.Unmarshal([]byte(`{"id":"7","title":"A"}`), &e))
	assert.Equal(t, "7", e.ID())

	err := json.Unmarshal([]byte(`{"title":"A"}`), &e)
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestApplyPatchSemantics(t *testing.T) {
	e := NewEntity("1", IRObject{
		"title":       IRString("A"),
		"description": IRString("old"),
		"price":       IRInt(100),
	})
	p := NewPatch("1", IRObject{
		"title":       IRString("B"),
		"description": IRNull{},
	})

	got := ApplyPatch(e, p)

	assert.Equal(t, IRString("B"), got["title"], "provided field replaced")
	assert.Equal(t, IRNull{}, got["description"], "null clears the field")
	assert.Equal(t, IRInt(100), got["price"], "omitted field unchanged")
	assert.Equal(t, IRString("A"), e["title"], "input entity untouched")
}

func TestApplyPatchKeepsID(t *testing.T) {
	e := NewEntity("1", nil)
	got := ApplyPatch(e, Patch{"id": IRString("2"), "title": IRString("x")})
	assert.Equal(t, "1", got.ID())
}

func TestEntityCloneAndEqual(t *testing.T) {
	e := NewEntity("1", IRObject{"image_ids": IRArray{IRString("img-1")}})
	c := e.Clone()
	assert.True(t, e.Equal(c))

	c["image_ids"].(IRArray)[0] = IRString("img-2")
	assert.False(t, e.Equal(c))
	assert.Equal(t, IRString("img-1"), e["image_ids"].(IRArray)[0])
}

func TestWithoutID(t *testing.T) {
	draft := NewEntity("tmp_1", IRObject{"title": IRString("A")}).WithoutID()
	_, hasID := draft["id"]
	assert.False(t, hasID)
	assert.Equal(t, IRString("A"), draft["title"])
}

func TestTempIDs(t *testing.T) {
	assert.True(t, IsTempID("tmp_0190"))
	assert.False(t, IsTempID("srv-1"))
	assert.True(t, NewEntity("tmp_x", nil).IsTemp())
}

func TestCollectionKey(t *testing.T) {
	key := CollectionKey("dashboard", "listings")
	assert.Equal(t, "dashboard:listings", key)

	scope, kind, err := ParseCollectionKey(key)
	require.NoError(t, err)
	assert.Equal(t, "dashboard", scope)
	assert.Equal(t, "listings", kind)

	for _, bad := range []string{"", "listings", ":x", "x:", "a:b:c"} {
		_, _, err := ParseCollectionKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestSortEntities(t *testing.T) {
	list := []Entity{NewEntity("b", nil), NewEntity("a", nil), NewEntity("c", nil)}
	SortEntities(list)
	assert.Equal(t, "a", list[0].ID())
	assert.Equal(t, "c", list[2].ID())
}
