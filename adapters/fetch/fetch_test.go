package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Skryldev/image-dither/errors"
)

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestFetch_HTTPIsAnonymous(t *testing.T) {
	var gotCookie, gotAuth, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("image-bytes"))
	}))
	defer srv.Close()

	f := New(time.Second, WithUserAgent("image-dither-test"))
	u := "http://user:secret@" + srv.Listener.Addr().String() + "/a.png"
	rc, err := f.FetchAnonymous(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", readAll(t, rc))
	assert.Empty(t, gotCookie)
	assert.Empty(t, gotAuth, "credentials in the URL are dropped")
	assert.Equal(t, "image-dither-test", gotUA)
}

func TestFetch_HTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()
	f := New(time.Second)

	_, err := f.FetchAnonymous(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.False(t, apperrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "404")

	_, err = f.FetchAnonymous(context.Background(), srv.URL+"/busy")
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestFetch_Files(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pic.png")
	require.NoError(t, os.WriteFile(path, []byte("file-bytes"), 0o600))
	f := New(0, WithBaseDir(dir))

	for _, loc := range []string{path, "file://" + path, "pic.png"} {
		rc, err := f.FetchAnonymous(context.Background(), loc)
		require.NoError(t, err, loc)
		assert.Equal(t, "file-bytes", readAll(t, rc))
	}

	_, err := f.FetchAnonymous(context.Background(), "nope.png")
	assert.Error(t, err)
}

func TestFetch_UnfetchableSchemes(t *testing.T) {
	f := New(0)
	for _, loc := range []string{"data:image/png;base64,AAAA", "blob:1234", "ftp://example.com/x.png"} {
		_, err := f.FetchAnonymous(context.Background(), loc)
		assert.Error(t, err, loc)
	}
}

func TestFetch_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(0).FetchAnonymous(ctx, "http://127.0.0.1:1/x.png")
	assert.ErrorIs(t, err, context.Canceled)
}
