package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/testutil"
	"github.com/user/crowdwatch/internal/types"
)

func TestStoreCRUD(t *testing.T) {
	store := testutil.OpenTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "zones", types.Record{"name": "North Gate", "maxOccupancy": 500})
	require.NoError(t, err)
	require.Len(t, id, 26)

	rec, err := store.Get(ctx, "zones", id)
	require.NoError(t, err)
	assert.Equal(t, "North Gate", rec.String("name"))
	assert.Equal(t, id, rec.ID())

	require.NoError(t, store.Update(ctx, "zones", id, types.Record{"status": "lockdown", "name": nil}))
	rec, err = store.Get(ctx, "zones", id)
	require.NoError(t, err)
	assert.Equal(t, "lockdown", rec.String("status"))
	_, hasName := rec["name"]
	assert.False(t, hasName, "nil patch value removes the key")
	n, _ := rec.Int("maxOccupancy")
	assert.Equal(t, 500, n, "unrelated keys survive a patch")

	require.NoError(t, store.Delete(ctx, "zones", id))
	_, err = store.Get(ctx, "zones", id)
	assert.True(t, types.IsNotFound(err))
}

func TestStoreMissingDocument(t *testing.T) {
	store := testutil.OpenTestStore(t)
	ctx := context.Background()

	err := store.Update(ctx, "incidents", "nope", types.Record{"status": "closed"})
	assert.True(t, types.IsNotFound(err))
	err = store.Delete(ctx, "incidents", "nope")
	assert.True(t, types.IsNotFound(err))
}

func TestStoreCreateWithExplicitID(t *testing.T) {
	store := testutil.OpenTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "zones", types.Record{"id": "zone_a"})
	require.NoError(t, err)
	assert.Equal(t, "zone_a", id)

	_, err = store.Create(ctx, "zones", types.Record{"id": "zone_a"})
	assert.True(t, types.IsValidation(err))
}

func TestStoreListFiltersAndOrder(t *testing.T) {
	store := testutil.OpenTestStore(t)
	ctx := context.Background()

	testutil.Seed(t, store, "incidents",
		types.Record{"id": "a", "zoneId": "z1", "priority": "low", "score": 1},
		types.Record{"id": "b", "zoneId": "z1", "priority": "high", "score": 3},
		types.Record{"id": "c", "zoneId": "z2", "priority": "high", "score": 2},
	)

	recs, err := store.List(ctx, "incidents", types.Query{}.Where("zoneId", types.OpEq, "z1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(recs))

	recs, err = store.List(ctx, "incidents", types.Query{OrderBy: "score", Desc: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, ids(recs))

	recs, err = store.List(ctx, "incidents", types.Query{OrderBy: "score", Limit: 2}.Where("score", types.OpGte, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids(recs))

	recs, err = store.List(ctx, "incidents", types.Query{}.Where("priority", types.OpNe, "high"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(recs))

	_, err = store.List(ctx, "incidents", types.Query{}.Where("zone'; DROP", types.OpEq, "x"))
	assert.True(t, types.IsValidation(err))
}

func TestStoreServerTimestampIsStrictlyIncreasing(t *testing.T) {
	store := testutil.OpenTestStore(t)
	ctx := context.Background()

	var stamps []time.Time
	for range 5 {
		id, err := store.Create(ctx, "alerts", types.Record{"timestamp": types.ServerTimestamp})
		require.NoError(t, err)
		rec, err := store.Get(ctx, "alerts", id)
		require.NoError(t, err)
		ts, err := state.ParseTime(rec.String("timestamp"))
		require.NoError(t, err)
		stamps = append(stamps, ts)
	}
	for i := 1; i < len(stamps); i++ {
		assert.True(t, stamps[i].After(stamps[i-1]), "stamp %d not after %d", i, i-1)
	}
}

func TestStoreTimeValuesCompareChronologically(t *testing.T) {
	store := testutil.OpenTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	testutil.Seed(t, store, "alerts",
		types.Record{"id": "late", "timestamp": base.Add(time.Second)},
		types.Record{"id": "early", "timestamp": base.Add(500 * time.Millisecond)},
	)
	recs, err := store.List(ctx, "alerts", types.Query{}.Where("timestamp", types.OpGt, base))
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = store.List(ctx, "alerts", types.Query{OrderBy: "timestamp"})
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "late"}, ids(recs))
}

func TestStoreNormalizesRFC3339Strings(t *testing.T) {
	store := testutil.OpenTestStore(t)
	ctx := context.Background()

	// 12:00:00Z written with an offset, 12:00:00.5Z and 12:00:01Z without a fraction.
	testutil.Seed(t, store, "alerts",
		types.Record{"id": "offset", "timestamp": "2026-03-01T14:00:00+02:00"},
		types.Record{"id": "fraction", "timestamp": "2026-03-01T12:00:00.5Z"},
		types.Record{"id": "whole", "timestamp": "2026-03-01T12:00:01Z"},
		types.Record{"id": "text", "timestamp": "yesterday", "note": "2026 was a year"},
	)

	recs, err := store.List(ctx, "alerts", types.Query{
		Filters: []types.Filter{{Field: "timestamp", Op: types.OpLt, Value: "3000-01-01T00:00:00Z"}},
		OrderBy: "timestamp",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"offset", "fraction", "whole"}, ids(recs))

	rec, err := store.Get(ctx, "alerts", "offset")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T12:00:00.000000000Z", rec.String("timestamp"))

	// Filter values are normalized the same way: 13:00:00.25+01:00 is 12:00:00.25Z.
	recs, err = store.List(ctx, "alerts", types.Query{}.Where("timestamp", types.OpGt, "2026-03-01T13:00:00.25+01:00"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fraction", "whole", "text"}, ids(recs), "non-time strings compare as text")

	rec, err = store.Get(ctx, "alerts", "text")
	require.NoError(t, err)
	assert.Equal(t, "yesterday", rec.String("timestamp"))
	assert.Equal(t, "2026 was a year", rec.String("note"))
}

func ids(recs []types.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID())
	}
	return out
}
