// Package host is an in-memory page host: a document of image elements that
// can swap what they display and rasterize a locator the way a browser tab
// would, including its same-origin policy.
package host

import (
	"context"
	"fmt"
	"image"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Skryldev/image-dither/core"
	apperrors "github.com/Skryldev/image-dither/errors"
	"github.com/Skryldev/image-dither/utils"
)

// Page is a Document.  Origin is "scheme://host[:port]" of the page; an empty
// Origin is a local page, for which every http(s) locator is cross-origin.
type Page struct {
	Origin string

	registry  core.Registry
	resources core.ResourceStore
	loader    core.Fetcher
	maxBytes  int64

	mu     sync.Mutex
	images []*Image
	byKey  map[string]*Image
}

// NewPage returns an empty page.  loader reads same-origin and local
// locators; resources resolves blob: locators.
func NewPage(origin string, reg core.Registry, resources core.ResourceStore, loader core.Fetcher) *Page {
	return &Page{
		Origin:    strings.TrimSuffix(origin, "/"),
		registry:  reg,
		resources: resources,
		loader:    loader,
		byKey:     make(map[string]*Image),
	}
}

// SetMaxBytes bounds how much a single rasterization may read (0 = no limit).
func (p *Page) SetMaxBytes(n int64) { p.maxBytes = n }

// Add places an image element showing source at the given display size.
// Adding an existing key replaces nothing and returns the existing element.
func (p *Page) Add(key, source string, width, height int) *Image {
	p.mu.Lock()
	defer p.mu.Unlock()
	if img, ok := p.byKey[key]; ok {
		return img
	}
	img := &Image{key: key, page: p, source: source, width: width, height: height}
	p.images = append(p.images, img)
	p.byKey[key] = img
	return img
}

// AddMeasured adds source displayed at its natural size.
func (p *Page) AddMeasured(ctx context.Context, key, source string) (*Image, error) {
	img, err := p.decode(ctx, source)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	return p.Add(key, source, b.Dx(), b.Dy()), nil
}

// LoadDir adds every regular file of dir whose contents sniff as an image,
// keyed by file name, displayed at natural size.  Unreadable files are
// returned as errors without stopping the scan.
func (p *Page) LoadDir(ctx context.Context, dir string) []error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []error{apperrors.Wrap(apperrors.CategoryInput, "host.load_dir", err)}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if _, err := p.AddMeasured(ctx, name, filepath.Join(dir, name)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errs
}

// Images lists the page's elements in insertion order.
func (p *Page) Images(context.Context) ([]core.ImageElement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.ImageElement, len(p.images))
	for i, img := range p.images {
		out[i] = img
	}
	return out, nil
}

// Image returns the element with key.
func (p *Page) Image(key string) (*Image, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	img, ok := p.byKey[key]
	return img, ok
}

// CrossOrigin reports whether locator is outside the page's origin.
func (p *Page) CrossOrigin(locator string) bool {
	u, err := url.Parse(locator)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https":
		return p.Origin == "" || !strings.EqualFold(u.Scheme+"://"+u.Host, p.Origin)
	}
	return false
}

// decode loads and decodes locator the way the page would paint it.
func (p *Page) decode(ctx context.Context, locator string) (image.Image, error) {
	var data []byte
	switch {
	case utils.IsDataURL(locator):
		b, _, err := utils.DecodeDataURL(locator)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryDecode, "host.data_url", err)
		}
		data = b
	case utils.IsBlobURL(locator):
		if p.resources == nil {
			return nil, apperrors.New(apperrors.CategoryInput, "host.blob", apperrors.ErrResourceNotFound)
		}
		rc, err := p.resources.Open(ctx, locator)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		if data, err = utils.ReadAll(ctx, rc, p.maxBytes, 0); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryInput, "host.blob", err)
		}
	default:
		if p.loader == nil {
			return nil, apperrors.New(apperrors.CategoryInput, "host.load", apperrors.ErrStorageUnavailable)
		}
		rc, err := p.loader.FetchAnonymous(ctx, locator)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		if data, err = utils.ReadAll(ctx, rc, p.maxBytes, 0); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryInput, "host.load", err)
		}
	}
	img, _, err := core.DecodeBytes(ctx, p.registry, data)
	return img, err
}

// ── Image element ─────────────────────────────────────────────────────────────

// Image is one element of a Page.
type Image struct {
	key           string
	page          *Page
	width, height int

	mu      sync.Mutex
	source  string
	history []string
}

func (i *Image) Key() string { return i.key }

func (i *Image) DisplaySize() (int, int) { return i.width, i.height }

func (i *Image) Source() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.source
}

func (i *Image) SetSource(ctx context.Context, locator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if locator == "" {
		return apperrors.New(apperrors.CategoryInput, "host.set_source", apperrors.ErrEmptyInput)
	}
	i.mu.Lock()
	i.source = locator
	i.history = append(i.history, locator)
	i.mu.Unlock()
	return nil
}

// History lists every locator installed by SetSource, oldest first.
func (i *Image) History() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.history...)
}

// Rasterize draws locator.  Cross-origin pixels taint the drawing surface, so
// reading them back fails in the cors category.
func (i *Image) Rasterize(ctx context.Context, locator string) (image.Image, error) {
	if i.page.CrossOrigin(locator) {
		return nil, apperrors.New(apperrors.CategoryCORS, "host.rasterize",
			fmt.Errorf("%w: %s", apperrors.ErrTainted, locator))
	}
	return i.page.decode(ctx, locator)
}

var (
	_ core.Document     = (*Page)(nil)
	_ core.ImageElement = (*Image)(nil)
)
