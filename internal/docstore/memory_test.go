package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Snapshot {
	t.Helper()
	select {
	case s, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return s
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
	return Snapshot{}
}

func TestMemoryStoreResolvesSentinels(t *testing.T) {
	store := NewMemoryStore()
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 500, time.UTC)
	store.SetClock(func() time.Time { return fixed })
	ctx := context.Background()

	id, err := store.Insert(ctx, "things", map[string]any{"name": "a", "at": ServerTimestamp, "gone": DeleteField})
	require.NoError(t, err)

	doc, ok := store.Get("things", id)
	require.True(t, ok)
	assert.Equal(t, TimestampOf(fixed), doc["at"])
	assert.NotContains(t, doc, "gone")

	require.NoError(t, store.Update(ctx, "things", id, map[string]any{"name": DeleteField, "count": 3}))
	doc, _ = store.Get("things", id)
	assert.NotContains(t, doc, "name")
	assert.Equal(t, 3, doc["count"])
}

func TestMemoryStoreUpdateMissing(t *testing.T) {
	store := NewMemoryStore()
	err := store.Update(context.Background(), "things", "nope", map[string]any{"a": 1})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, store.Delete(context.Background(), "things", "nope"))
}

func TestMemoryStoreSubscriptionOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	sub, err := store.Subscribe(ctx, Query{Collection: "things", OrderBy: "at", Descending: true})
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, receive(t, sub).Docs)

	for i, name := range []string{"t1", "t2", "t3"} {
		_, err := store.Insert(ctx, "things", map[string]any{"name": name, "at": TimestampOf(base.Add(time.Duration(i) * time.Hour))})
		require.NoError(t, err)
	}
	_, err = store.Insert(ctx, "things", map[string]any{"name": "undated"})
	require.NoError(t, err)

	snap := receive(t, sub)
	require.Len(t, snap.Docs, 4)
	var names []string
	for _, d := range snap.Docs {
		names = append(names, d.Data["name"].(string))
	}
	assert.Equal(t, []string{"t3", "t2", "t1", "undated"}, names)
}

func TestMemoryStoreSubscriptionIgnoresOtherCollections(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	sub, err := store.Subscribe(ctx, Query{Collection: "a"})
	require.NoError(t, err)
	defer sub.Close()
	receive(t, sub)

	_, err = store.Insert(ctx, "b", map[string]any{"x": 1})
	require.NoError(t, err)
	select {
	case s := <-sub.C:
		t.Fatalf("unexpected snapshot %+v", s)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryStoreCloseReleasesSubscriber(t *testing.T) {
	store := NewMemoryStore()
	sub, err := store.Subscribe(context.Background(), Query{Collection: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, store.Subscribers())

	sub.Close()
	assert.Equal(t, 0, store.Subscribers())
	for range sub.C {
	}
}

func TestGuardedEnforcesRules(t *testing.T) {
	store := NewMemoryStore()
	guarded := NewGuarded(store, RulesFunc(func(req Request) bool {
		if req.Op == OpCreate {
			return req.Caller.Authenticated()
		}
		return req.Caller.Admin()
	}))

	anon := context.Background()
	_, err := guarded.Insert(anon, "a", map[string]any{"x": 1})
	assert.True(t, IsPermissionDenied(err))

	user := WithCaller(anon, Caller{UID: "u1"})
	id, err := guarded.Insert(user, "a", map[string]any{"x": 1})
	require.NoError(t, err)

	_, err = guarded.Subscribe(user, Query{Collection: "a"})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.ErrorIs(t, guarded.Delete(user, "a", id), ErrPermissionDenied)

	admin := WithCaller(anon, Caller{UID: "adm", Claims: map[string]any{"admin": true}})
	sub, err := guarded.Subscribe(admin, Query{Collection: "a"})
	require.NoError(t, err)
	defer sub.Close()
	assert.Len(t, receive(t, sub).Docs, 1)
	assert.NoError(t, guarded.Update(admin, "a", id, map[string]any{"x": 2}))
	assert.NoError(t, guarded.Delete(admin, "a", id))
}

func TestEncodeFields(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 42, time.UTC)
	set, removed := encodeFields(map[string]any{
		"at":    ServerTimestamp,
		"gone":  DeleteField,
		"when":  TimestampOf(now),
		"name":  "x",
		"plain": now,
	}, now)

	want := map[string]any{"seconds": now.Unix(), "nanoseconds": 42}
	assert.Equal(t, want, set["at"])
	assert.Equal(t, want, set["when"])
	assert.Equal(t, want, set["plain"])
	assert.Equal(t, "x", set["name"])
	assert.NotContains(t, set, "gone")
	assert.Equal(t, []string{"gone"}, removed)
}

func TestSelectSQL(t *testing.T) {
	q := Query{Collection: "registrations", OrderBy: "submittedAt", Descending: true}
	sql := selectSQL(q)
	assert.Contains(t, sql, "DESC NULLS LAST")
	assert.Equal(t, []any{"registrations", "submittedAt"}, selectArgs(q))
	assert.Contains(t, selectSQL(Query{Collection: "x"}), "ORDER BY created_at, id")
}
