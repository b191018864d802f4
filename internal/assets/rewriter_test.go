package assets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var filenamePattern = regexp.MustCompile(`^photo_[0-9a-f]{8}\.png$`)

func newTLSRewriter(t *testing.T, srv *httptest.Server) (*Rewriter, string) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	inputDir := filepath.Join(t.TempDir(), "input")
	r := NewRewriter(u.Hostname(), inputDir, zap.NewNop())
	r.client = srv.Client()
	return r, inputDir
}

func TestRewriteLocalizesAssetURLs(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/images/photo.png", r.URL.Path)
		w.Write([]byte("png bytes"))
	}))
	defer srv.Close()

	r, inputDir := newTLSRewriter(t, srv)
	assetURL := srv.URL + "/images/photo.png"

	doc := map[string]any{
		"5": map[string]any{
			"class_type": "LoadImage",
			"inputs": map[string]any{
				"image": assetURL,
				"other": "https://elsewhere.example.com/photo.png",
			},
		},
	}

	result := r.Rewrite(context.Background(), doc).(map[string]any)
	inputs := result["5"].(map[string]any)["inputs"].(map[string]any)

	filename := inputs["image"].(string)
	require.Regexp(t, filenamePattern, filename)
	require.Equal(t, "https://elsewhere.example.com/photo.png", inputs["other"],
		"foreign hosts untouched")

	data, err := os.ReadFile(filepath.Join(inputDir, filename))
	require.NoError(t, err)
	require.Equal(t, "png bytes", string(data))
}

func TestRewriteSharesDownloadAcrossReferences(t *testing.T) {
	var hits int
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	r, _ := newTLSRewriter(t, srv)
	assetURL := srv.URL + "/images/photo.png"

	doc := map[string]any{
		"a": map[string]any{"image": assetURL},
		"b": []any{assetURL},
	}

	result := r.Rewrite(context.Background(), doc).(map[string]any)
	require.Equal(t, 1, hits, "one fetch per distinct URL")

	first := result["a"].(map[string]any)["image"].(string)
	second := result["b"].([]any)[0].(string)
	require.Equal(t, first, second, "both references rewritten to the same filename")
}

func TestRewriteLeavesFailedURLInPlace(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	r, _ := newTLSRewriter(t, srv)
	assetURL := srv.URL + "/gone.png"

	doc := map[string]any{"image": assetURL}
	result := r.Rewrite(context.Background(), doc).(map[string]any)
	require.Equal(t, assetURL, result["image"], "failed download leaves the URL for the backend to report")
}

func TestRewriteNoAssetsReturnsSameDoc(t *testing.T) {
	r := NewRewriter("assets.example.com", t.TempDir(), zap.NewNop())
	doc := map[string]any{"image": "local.png", "n": float64(3)}
	require.Equal(t, doc, r.Rewrite(context.Background(), doc))
}

func TestIsAssetURL(t *testing.T) {
	r := NewRewriter("assets.example.com", t.TempDir(), zap.NewNop())

	require.True(t, r.isAssetURL("https://assets.example.com/a.png"))
	require.True(t, r.isAssetURL("https://assets.example.com:8443/a.png"), "port ignored")
	require.False(t, r.isAssetURL("http://assets.example.com/a.png"), "plain http refused")
	require.False(t, r.isAssetURL("https://other.example.com/a.png"))
	require.False(t, r.isAssetURL("not a url at all ::"))
	require.False(t, r.isAssetURL("a.png"))
}

func TestLocalFilenameShapes(t *testing.T) {
	require.Regexp(t, `^photo_[0-9a-f]{8}\.png$`, localFilename("https://h/images/photo.png"))
	require.Regexp(t, `^archive\.tar_[0-9a-f]{8}\.gz$`, localFilename("https://h/archive.tar.gz"))
	require.Regexp(t, `^asset_[0-9a-f]{8}$`, localFilename("https://h/"))
}
