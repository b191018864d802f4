package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestQueuePromptWrapsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/prompt", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Contains(t, body, "prompt")
		w.Write([]byte(`{"prompt_id": "p-1", "number": 3}`))
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, zap.NewNop())
	resp, err := c.QueuePrompt(context.Background(), map[string]any{"1": map[string]any{"class_type": "KSampler"}})
	require.NoError(t, err)
	require.Equal(t, "p-1", resp.PromptID)
	require.Equal(t, 3, resp.Number)
}

func TestQueuePromptPropagatesBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"type": "invalid_prompt"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, zap.NewNop())
	_, err := c.QueuePrompt(context.Background(), map[string]any{"1": map[string]any{}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "400")
	require.Contains(t, err.Error(), "invalid_prompt", "raw backend body carried in the error")
}

func TestHistoryUnknownPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, zap.NewNop())
	entry, err := c.History(context.Background(), "p-ghost")
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestHistoryEscapesPromptID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/history/a%2Fb", r.URL.EscapedPath())
		w.Write([]byte(`{"a/b": {"status": {}}}`))
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, zap.NewNop())
	entry, err := c.History(context.Background(), "a/b")
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestObjectInfoUnknownType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, zap.NewNop())
	info, err := c.ObjectInfo(context.Background(), "NoSuchNode")
	require.NoError(t, err, "a 404 is an unknown type, not a failure")
	require.Nil(t, info)
}

func TestObjectInfoDecodesEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/object_info/KSampler", r.URL.Path)
		w.Write([]byte(`{"KSampler": {"display_name": "KSampler", "output_node": false}}`))
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, zap.NewNop())
	info, err := c.ObjectInfo(context.Background(), "KSampler")
	require.NoError(t, err)
	require.Equal(t, "KSampler", info["display_name"])
}
