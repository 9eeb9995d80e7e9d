package weft

import (
	"crypto/sha256"
	"net/http"

	"github.com/VictoriaMetrics/fastcache"
)

// docsCache serves the documentation endpoint (spec §6). The core never
// generates the OpenAPI HTML itself — the documentation generator is an
// external collaborator per spec §1 — it only caches and serves whatever
// HTML the collaborator last handed it. fastcache gives a bounded
// in-memory cache keyed by a content hash, so re-supplying identical HTML
// is a no-op rather than growing unbounded history.
type docsCache struct {
	cache *fastcache.Cache
	key   []byte
}

// newDocsCache allocates a small bounded cache; a single rendered docs
// page is typically well under a megabyte.
func newDocsCache() *docsCache {
	return &docsCache{cache: fastcache.New(4 << 20)}
}

// Set stores html as the current rendered documentation page.
func (d *docsCache) Set(html string) {
	sum := sha256.Sum256([]byte(html))
	d.key = sum[:]
	d.cache.SetBig(d.key, []byte(html))
}

// response returns the cached docs page, or a 404 if none has been set.
func (d *docsCache) response() *Response {
	if d.key == nil {
		return newStatusResponse(http.StatusNotFound, "documentation not configured")
	}
	html := d.cache.GetBig(nil, d.key)
	if html == nil {
		return newStatusResponse(http.StatusNotFound, "documentation not configured")
	}
	h := http.Header{}
	h.Set("Content-Type", "text/html")
	return &Response{Status: http.StatusOK, Header: h, Body: html, ContentType: "text/html"}
}
