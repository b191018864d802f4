package modelhub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDownloadRequiresRepoID(t *testing.T) {
	d := New(t.TempDir(), t.TempDir(), zap.NewNop())
	_, err := d.Download(context.Background(), Request{})
	require.ErrorContains(t, err, "repo id is required")
}

func TestDownloadSingleFileCacheHit(t *testing.T) {
	cacheRoot := t.TempDir()
	repoDir := filepath.Join(cacheRoot, "hub", "models--org--model")
	require.NoError(t, os.MkdirAll(filepath.Join(repoDir, "refs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "refs", "main"), []byte("abc123\n"), 0o644))
	snapDir := filepath.Join(repoDir, "snapshots", "abc123")
	require.NoError(t, os.MkdirAll(snapDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snapDir, "model.safetensors"), []byte("weights"), 0o644))

	d := New(cacheRoot, t.TempDir(), zap.NewNop())
	d.SetEndpoint("http://hub.invalid")

	cached, err := d.Download(context.Background(), Request{
		RepoID:   "org/model",
		Filename: "model.safetensors",
	})
	require.NoError(t, err)
	require.True(t, cached, "cache hit must not touch the network")
}

func TestDownloadSingleFileFetches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/org/model/resolve/main/model.safetensors", r.URL.Path)
		w.Write([]byte("weights"))
	}))
	defer srv.Close()

	localDir := t.TempDir()
	d := New(t.TempDir(), t.TempDir(), zap.NewNop())
	d.SetEndpoint(srv.URL)

	cached, err := d.Download(context.Background(), Request{
		RepoID:   "org/model",
		Filename: "model.safetensors",
		LocalDir: localDir,
	})
	require.NoError(t, err)
	require.False(t, cached)

	data, err := os.ReadFile(filepath.Join(localDir, "model.safetensors"))
	require.NoError(t, err)
	require.Equal(t, "weights", string(data))
}

func TestDownloadSnapshotWithPatterns(t *testing.T) {
	var fetched atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/models/org/model/tree/main":
			w.Write([]byte(`[
				{"type": "file", "path": "unet/model.safetensors", "size": 7},
				{"type": "file", "path": "README.md", "size": 3},
				{"type": "directory", "path": "unet"}
			]`))
		case r.URL.Path == "/org/model/resolve/main/unet/model.safetensors":
			fetched.Add(1)
			w.Write([]byte("weights"))
		default:
			t.Errorf("unexpected request: %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	localDir := t.TempDir()
	d := New(t.TempDir(), t.TempDir(), zap.NewNop())
	d.SetEndpoint(srv.URL)

	cached, err := d.Download(context.Background(), Request{
		RepoID:        "org/model",
		LocalDir:      localDir,
		AllowPatterns: []string{"*.safetensors"},
	})
	require.NoError(t, err)
	require.False(t, cached, "snapshots never report cached")
	require.Equal(t, int64(1), fetched.Load(), "README filtered out by the allow patterns")

	_, err = os.Stat(filepath.Join(localDir, "unet", "model.safetensors"))
	require.NoError(t, err)
}

func TestMatchesAny(t *testing.T) {
	require.True(t, matchesAny("anything", nil), "empty pattern list allows everything")
	require.True(t, matchesAny("unet/model.safetensors", []string{"*.safetensors"}),
		"base-name convention")
	require.True(t, matchesAny("unet/model.safetensors", []string{"unet/**"}))
	require.False(t, matchesAny("README.md", []string{"*.safetensors"}))
}

func TestResolveLocalDirFallbacks(t *testing.T) {
	fallback := filepath.Join(t.TempDir(), "shared")
	d := New(t.TempDir(), fallback, zap.NewNop())

	good := t.TempDir()
	require.Equal(t, good, d.resolveLocalDir(good, "org/model", "main"))

	filePath := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0o644))
	require.Equal(t, filepath.Dir(filePath), d.resolveLocalDir(filePath, "org/model", "main"),
		"file paths resolve to their parent")

	require.Equal(t, fallback, d.resolveLocalDir("", "org/model", "main"),
		"empty request uses the shared models dir")
}
