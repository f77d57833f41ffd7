// Package fetch implements the anonymous fetch used for cross-origin-safe
// pixel extraction: a fresh request for a locator's bytes that carries no
// cookies or credentials.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/Skryldev/image-dither/core"
	apperrors "github.com/Skryldev/image-dither/errors"
)

// Fetcher resolves http(s):, file: and bare filesystem locators.
type Fetcher struct {
	client    *http.Client
	userAgent string
	baseDir   string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient replaces the default HTTP client.  Its Jar is ignored.
func WithClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option { return func(f *Fetcher) { f.userAgent = ua } }

// WithBaseDir resolves relative bare paths against dir.
func WithBaseDir(dir string) Option { return func(f *Fetcher) { f.baseDir = dir } }

// New returns a Fetcher whose HTTP requests time out after timeout (0 = none).
func New(timeout time.Duration, opts ...Option) *Fetcher {
	f := &Fetcher{client: &http.Client{Timeout: timeout}}
	for _, o := range opts {
		o(f)
	}
	return f
}

// FetchAnonymous opens locator.  data: and blob: locators are not fetchable;
// they are rasterized in place by the host.
func (f *Fetcher) FetchAnonymous(ctx context.Context, locator string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryInput, "fetch", err)
	}
	u, err := url.Parse(locator)
	if err != nil || len(u.Scheme) == 1 {
		// Unparseable, or a Windows drive letter: treat as a path.
		return f.openFile(locator)
	}
	switch u.Scheme {
	case "http", "https":
		return f.get(ctx, u)
	case "file":
		return f.openFile(u.Path)
	case "":
		return f.openFile(locator)
	}
	return nil, apperrors.New(apperrors.CategoryInput, "fetch",
		fmt.Errorf("scheme %q cannot be fetched", u.Scheme))
}

func (f *Fetcher) get(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	anon := *u
	anon.User = nil
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, anon.String(), nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryInput, "fetch.request", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "image/*")

	client := *f.client
	client.Jar = nil
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.Transient("fetch.get", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("GET %s: %s", anon.Redacted(), resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, apperrors.Transient("fetch.get", err)
		}
		return nil, apperrors.New(apperrors.CategoryInput, "fetch.get", err)
	}
	return resp.Body, nil
}

func (f *Fetcher) openFile(path string) (io.ReadCloser, error) {
	if !filepath.IsAbs(path) && f.baseDir != "" {
		path = filepath.Join(f.baseDir, path)
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryInput, "fetch.open", err)
	}
	return fh, nil
}

var _ core.Fetcher = (*Fetcher)(nil)
