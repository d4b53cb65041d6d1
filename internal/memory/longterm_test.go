package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/crowdwatch/internal/memory"
	"github.com/user/crowdwatch/internal/testutil"
	"github.com/user/crowdwatch/internal/types"
)

func TestLongTermRecentNewestFirst(t *testing.T) {
	store := testutil.OpenTestStore(t)
	lt := memory.NewLongTerm(store, "crowd_agents_")
	ctx := context.Background()

	for _, body := range []string{"first", "second", "third"} {
		require.NoError(t, lt.Save(ctx, "summary", map[string]any{"summary": body}))
	}
	require.NoError(t, lt.Save(ctx, "escalation", map[string]any{"escalation": "other agent"}))

	recs, err := lt.Recent(ctx, "summary", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "summary", recs[0].String("agentName"))
	assert.Equal(t, map[string]any{"summary": "third"}, recs[0]["eventBody"])
	assert.Equal(t, map[string]any{"summary": "second"}, recs[1]["eventBody"])

	all, err := store.List(ctx, "crowd_agents_escalation", types.Query{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLongTermEmpty(t *testing.T) {
	lt := memory.NewLongTerm(testutil.OpenTestStore(t), "crowd_agents_")
	recs, err := lt.Recent(context.Background(), "nobody", 5)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
