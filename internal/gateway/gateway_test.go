package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/testutil"
	"github.com/user/crowdwatch/internal/types"
	"github.com/user/crowdwatch/pkg/llm"
	"github.com/user/crowdwatch/pkg/llm/llmtest"
)

func TestCompleteRecordsAudit(t *testing.T) {
	store := testutil.OpenTestStore(t)
	fake := llmtest.Text("```json\n{\"intent\":\"general\"}\n```")
	gw := New(fake, store, zap.NewNop())

	img := &llm.Image{Data: []byte("x"), MIMEType: "image/png"}
	text, err := gw.Complete(context.Background(), "what now?", WithSource("chat"), WithImage(img))
	require.NoError(t, err)
	assert.Contains(t, text, `"intent"`)

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "what now?", reqs[0].Prompt)
	assert.Same(t, img, reqs[0].Image)

	logs, err := store.List(context.Background(), state.LLMLogs, types.Query{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "chat", logs[0].String("source"))
	assert.Equal(t, map[string]any{"intent": "general"}, logs[0]["parsed"])
	assert.NotEmpty(t, logs[0].String("timestamp"))
}

func TestCompleteProviderErrorIsTransient(t *testing.T) {
	store := testutil.OpenTestStore(t)
	gw := New(llmtest.New(llmtest.Reply{Err: errors.New("503 unavailable")}), store, zap.NewNop())

	_, err := gw.Complete(context.Background(), "hi")
	assert.True(t, types.IsTransient(err))

	logs, err := store.List(context.Background(), state.LLMLogs, types.Query{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "503 unavailable", logs[0].String("error"))
}

type failingStore struct{ types.DocumentStore }

func (failingStore) Create(context.Context, string, types.Record) (string, error) {
	return "", errors.New("disk full")
}

func TestAuditFailureDoesNotFailCall(t *testing.T) {
	gw := New(llmtest.Text("ok"), failingStore{}, zap.NewNop())
	text, err := gw.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestNewProviderUnknown(t *testing.T) {
	_, err := NewProvider(context.Background(), &llm.Config{Provider: "carrier-pigeon"})
	assert.Error(t, err)

	p, err := NewProvider(context.Background(), &llm.Config{Provider: "openai", APIKey: "k", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}
