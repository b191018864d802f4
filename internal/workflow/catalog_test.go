package workflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rdlogout/comfyui-agent/internal/backend"
)

func TestParseNodeInfoOrdering(t *testing.T) {
	raw := map[string]any{
		"display_name": "KSampler",
		"output_node":  false,
		"input": map[string]any{
			"required": map[string]any{
				"model":        []any{"MODEL"},
				"seed":         []any{"INT", map[string]any{"default": 0}},
				"sampler_name": []any{[]any{"euler", "ddim"}},
			},
			"optional": map[string]any{
				"denoise": []any{"FLOAT"},
			},
		},
		"input_order": map[string]any{
			"required": []any{"model", "seed", "sampler_name"},
			"optional": []any{"denoise"},
		},
	}

	info := parseNodeInfo(raw)
	require.NotNil(t, info)
	require.Equal(t, "KSampler", info.DisplayName)
	require.False(t, info.OutputNode)
	require.Equal(t, []string{"model", "seed", "sampler_name", "denoise"}, info.InputOrder)
	require.Equal(t, []string{"seed", "sampler_name", "denoise"}, info.WidgetOrder)
}

func TestParseNodeInfoSortsWithoutInputOrder(t *testing.T) {
	raw := map[string]any{
		"input": map[string]any{
			"required": map[string]any{
				"zeta":  []any{"STRING"},
				"alpha": []any{"INT"},
			},
		},
	}

	info := parseNodeInfo(raw)
	require.NotNil(t, info)
	require.Equal(t, []string{"alpha", "zeta"}, info.InputOrder)
}

func TestParseNodeInfoNil(t *testing.T) {
	require.Nil(t, parseNodeInfo(nil))
}

func TestIsWidgetSpec(t *testing.T) {
	require.True(t, isWidgetSpec([]any{[]any{"a", "b"}}), "choice list")
	require.True(t, isWidgetSpec([]any{"INT"}))
	require.True(t, isWidgetSpec([]any{"FLOAT"}))
	require.True(t, isWidgetSpec([]any{"STRING"}))
	require.True(t, isWidgetSpec([]any{"BOOLEAN"}))
	require.True(t, isWidgetSpec([]any{"*"}), "uncased custom type")
	require.True(t, isWidgetSpec([]any{"Flux"}), "mixed-case custom type")
	require.False(t, isWidgetSpec([]any{"MODEL"}))
	require.False(t, isWidgetSpec([]any{"LATENT"}))
	require.False(t, isWidgetSpec(nil))
	require.False(t, isWidgetSpec([]any{}))
}

func TestCatalogCachesLookups(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/object_info/KSampler":
			w.Write([]byte(`{"KSampler":{"display_name":"KSampler"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	catalog := NewCatalog(backend.NewWithBaseURL(srv.URL, zap.NewNop()), zap.NewNop())
	ctx := context.Background()

	info := catalog.Info(ctx, "KSampler")
	require.NotNil(t, info)
	require.Equal(t, "KSampler", info.DisplayName)

	catalog.Info(ctx, "KSampler")
	require.Equal(t, int64(1), calls.Load(), "second lookup served from cache")

	require.Nil(t, catalog.Info(ctx, "NoSuchNode"))
	catalog.Info(ctx, "NoSuchNode")
	require.Equal(t, int64(2), calls.Load(), "negative lookup cached")
}
