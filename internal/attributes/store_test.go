package attributes_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orecraft/gamecore/internal/attributes"
	"github.com/orecraft/gamecore/internal/players"
	"github.com/orecraft/gamecore/internal/testdb"
)

type attrFixture struct {
	store *attributes.Store
	owner uuid.UUID
}

func newAttrFixture(t *testing.T) *attrFixture {
	t.Helper()
	pool := testdb.Open(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	owner := uuid.New()
	// owner_uuid carries a foreign key to players.
	require.NoError(t, players.NewDirectory(pool, log).Ensure(context.Background(), owner, "AttrOwner"))
	return &attrFixture{store: attributes.NewStore(pool, log), owner: owner}
}

func TestSetGetRoundTrip(t *testing.T) {
	f := newAttrFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Set(ctx, f.owner, "home", []byte(`{"x":10,"z":-4}`)))

	got, err := f.store.Get(ctx, f.owner, "home")
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":10,"z":-4}`, string(got))

	// Upsert replaces in place.
	require.NoError(t, f.store.Set(ctx, f.owner, "home", []byte(`{"x":99,"z":0}`)))
	got, err = f.store.Get(ctx, f.owner, "home")
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":99,"z":0}`, string(got))
}

func TestGetUnsetKeyIsNil(t *testing.T) {
	f := newAttrFixture(t)
	got, err := f.store.Get(context.Background(), f.owner, "never-set")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetRejectsInvalidValues(t *testing.T) {
	f := newAttrFixture(t)
	ctx := context.Background()

	err := f.store.Set(ctx, f.owner, "broken", []byte(`{"unterminated`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")

	huge := append([]byte(`"`), bytes.Repeat([]byte("x"), attributes.MaxValueBytes)...)
	huge = append(huge, '"')
	err = f.store.Set(ctx, f.owner, "huge", huge)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestSetScalarValues(t *testing.T) {
	f := newAttrFixture(t)
	ctx := context.Background()

	// Any JSON value is fine, not only objects.
	for key, value := range map[string]string{
		"flag":  "true",
		"count": "42",
		"label": `"vip"`,
		"unset": "null",
	} {
		require.NoError(t, f.store.Set(ctx, f.owner, key, []byte(value)), key)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	f := newAttrFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Set(ctx, f.owner, "temp", []byte(`1`)))
	require.NoError(t, f.store.Delete(ctx, f.owner, "temp"))

	got, err := f.store.Get(ctx, f.owner, "temp")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, f.store.Delete(ctx, f.owner, "temp"))
}

func TestListIsKeyOrderedAndOwnerScoped(t *testing.T) {
	f := newAttrFixture(t)
	ctx := context.Background()

	other := newAttrFixture(t)
	require.NoError(t, other.store.Set(ctx, other.owner, "zzz", []byte(`1`)))

	require.NoError(t, f.store.Set(ctx, f.owner, "beta", []byte(`2`)))
	require.NoError(t, f.store.Set(ctx, f.owner, "alpha", []byte(`1`)))

	list, err := f.store.List(ctx, f.owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Key)
	assert.Equal(t, "beta", list[1].Key)
	assert.Equal(t, f.owner, list[0].Owner)
}
